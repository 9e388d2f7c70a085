package shape

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"cpuload/pkg/workload"
)

// Handle tracks one launched worker.
type Handle interface {
	// Index is the worker's position in launch order.
	Index() int
	// Done is closed once the worker has exited.
	Done() <-chan struct{}
	// Stats reports what the worker scheduled. It is complete only after Done.
	Stats() Stats
	// Terminate forces the worker to exit without finishing its cycle.
	Terminate() error
}

// Pool launches in-process duty-cycle workers, each on its own OS thread.
type Pool struct {
	percent float64
	window  time.Duration

	workFactory func() func() float64
	sleepFunc   sleeper
	nowFunc     func() time.Time
	lockThread  bool

	workerStartHook         func(index int) error
	workerStartErrorHandler func(index int, err error)
	cycleObserver           func(index int, cycle Cycle)
}

var (
	errNilStopSignal = errors.New("shape: stop signal is required")
	errPoolStopped   = errors.New("shape: stop already requested")
)

// NewPool constructs a pool whose workers target percent of each window.
func NewPool(percent float64, window time.Duration) (*Pool, error) {
	err := ValidatePercent(percent)
	if err != nil {
		return nil, err
	}

	poolInstance := new(Pool)
	poolInstance.percent = percent
	poolInstance.window = clampWindow(window)
	poolInstance.workFactory = func() func() float64 {
		return workload.NewGenerator().Run
	}
	poolInstance.sleepFunc = interruptibleSleep
	poolInstance.nowFunc = time.Now
	poolInstance.lockThread = true
	poolInstance.SetWorkerStartErrorHandler(nil)

	return poolInstance, nil
}

// Percent reports the target percentage assigned to every worker.
func (p *Pool) Percent() float64 {
	return p.percent
}

// Window reports the cycle window assigned to every worker.
func (p *Pool) Window() time.Duration {
	return p.window
}

// EnablePinning binds worker i to CPU i modulo the host CPU count.
func (p *Pool) EnablePinning() {
	p.workerStartHook = pinToCPU
}

// SetWorkerStartErrorHandler installs a hook invoked when the worker start hook fails.
//
// A nil handler resets the hook to a no-op.
func (p *Pool) SetWorkerStartErrorHandler(handler func(index int, err error)) {
	if handler == nil {
		handler = func(int, error) {}
	}

	p.workerStartErrorHandler = handler
}

// SetCycleObserver installs a callback invoked after each completed cycle of any worker.
func (p *Pool) SetCycleObserver(observer func(index int, cycle Cycle)) {
	p.cycleObserver = observer
}

// Launch starts one worker bound to stop.
func (p *Pool) Launch(ctx context.Context, index int, stop *StopSignal) (Handle, error) {
	if stop == nil {
		return nil, errNilStopSignal
	}

	err := ctx.Err()
	if err != nil {
		return nil, fmt.Errorf("launch worker %d: %w", index, err)
	}

	if stop.IsSet() {
		return nil, fmt.Errorf("launch worker %d: %w", index, errPoolStopped)
	}

	var cycleObserver func(Cycle)
	if observer := p.cycleObserver; observer != nil {
		cycleObserver = func(cycle Cycle) {
			observer(index, cycle)
		}
	}

	loop := newLoop(p.percent, p.window, p.workFactory(), p.sleepFunc, p.nowFunc, cycleObserver)

	worker := &threadWorker{
		index: index,
		abort: NewStopSignal(),
		done:  make(chan struct{}),
	}

	go p.run(worker, loop, stop)

	return worker, nil
}

func (p *Pool) run(worker *threadWorker, loop *Loop, stop *StopSignal) {
	defer close(worker.done)

	if p.lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	if startHook := p.workerStartHook; startHook != nil {
		err := startHook(worker.index)
		if err != nil {
			p.workerStartErrorHandler(worker.index, err)
		}
	}

	stats := loop.Run(stop, worker.abort)
	worker.stats.Store(&stats)
}

type threadWorker struct {
	index int
	abort *StopSignal
	done  chan struct{}
	stats atomic.Pointer[Stats]
}

func (w *threadWorker) Index() int {
	return w.index
}

func (w *threadWorker) Done() <-chan struct{} {
	return w.done
}

func (w *threadWorker) Stats() Stats {
	stats := w.stats.Load()
	if stats == nil {
		return Stats{}
	}

	return *stats
}

// Terminate raises the worker's abort flag. The worker observes it between
// workload invocations and during its idle phase.
func (w *threadWorker) Terminate() error {
	w.abort.Set()

	return nil
}
