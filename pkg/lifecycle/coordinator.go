// Package lifecycle coordinates the start and stop of per-core duty-cycle workers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"cpuload/pkg/shape"
)

// DefaultGracePeriod bounds how long draining waits for voluntary exits.
const DefaultGracePeriod = 2 * time.Second

// DefaultTerminateWait bounds how long draining waits for terminated workers
// to acknowledge.
const DefaultTerminateWait = shape.DefaultWindow

var (
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("lifecycle: coordinator already started")

	errLauncherRequired   = errors.New("lifecycle: launcher is required")
	errStopSignalRequired = errors.New("lifecycle: stop signal is required")
	errStopDuringLaunch   = errors.New("lifecycle: stop requested during launch")
)

// Launcher starts one worker bound to the shared stop signal.
type Launcher interface {
	Launch(ctx context.Context, index int, stop *shape.StopSignal) (shape.Handle, error)
}

// Recorder observes coordinator progress.
type Recorder interface {
	SetState(state string)
	SetWorkerCount(count int)
	ObserveWorkerExit(outcome string, stats shape.Stats)
}

// Config defines the coordinator run.
type Config struct {
	Workers       int
	Duration      time.Duration
	GracePeriod   time.Duration
	TerminateWait time.Duration
}

// ResolveCores returns requested when positive, otherwise the host CPU count.
func ResolveCores(requested int) int {
	if requested > 0 {
		return requested
	}

	cpus := runtime.NumCPU()
	if cpus <= 0 {
		return 1
	}

	return cpus
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRecorder attaches a progress recorder.
func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) {
		c.recorder = recorder
	}
}

// Coordinator launches workers, waits for a stop condition and drains them.
type Coordinator struct {
	cfg      Config
	launcher Launcher
	stop     *shape.StopSignal
	logger   *zap.Logger
	recorder Recorder

	afterFunc func(time.Duration) <-chan time.Time
	nowFunc   func() time.Time

	started atomic.Bool
	state   atomic.Int32

	mu      sync.Mutex
	handles []shape.Handle
}

// NewCoordinator validates cfg and builds a Coordinator.
func NewCoordinator(
	cfg Config,
	launcher Launcher,
	stop *shape.StopSignal,
	opts ...Option,
) (*Coordinator, error) {
	if launcher == nil {
		return nil, errLauncherRequired
	}

	if stop == nil {
		return nil, errStopSignalRequired
	}

	cfg.Workers = ResolveCores(cfg.Workers)

	if cfg.Duration < 0 {
		cfg.Duration = 0
	}

	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}

	if cfg.TerminateWait <= 0 {
		cfg.TerminateWait = DefaultTerminateWait
	}

	coordinator := &Coordinator{
		cfg:       cfg,
		launcher:  launcher,
		stop:      stop,
		logger:    zap.NewNop(),
		afterFunc: time.After,
		nowFunc:   time.Now,
	}

	for _, opt := range opts {
		opt(coordinator)
	}

	return coordinator, nil
}

// Config returns the resolved configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// State returns the current lifecycle phase.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// StopRequested reports whether the shared stop signal has been raised.
func (c *Coordinator) StopRequested() bool {
	return c.stop.IsSet()
}

// Workers returns the number of launched workers.
func (c *Coordinator) Workers() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.handles)
}

// Running returns the number of launched workers that have not exited.
func (c *Coordinator) Running() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var running int

	for _, handle := range c.handles {
		select {
		case <-handle.Done():
		default:
			running++
		}
	}

	return running
}

// Run launches the configured workers and blocks until every one of them has
// exited or been terminated.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if !c.started.CompareAndSwap(false, true) {
		return Report{}, ErrAlreadyStarted
	}

	report := Report{Started: c.nowFunc()}

	c.transition(StateIdle)

	launchErr := c.launchAll(ctx)
	if launchErr != nil {
		// A stop raised mid-launch is an ordinary interrupt, not a failure.
		report.Reason = c.launchStopReason(ctx, launchErr)
		c.stop.Set()
		c.shutdown(&report)

		if report.Reason != StopReasonLaunchFailed {
			c.logger.Info(
				"stop requested before all workers launched",
				zap.Int("launched", len(report.Workers)),
				zap.Int("workers", c.cfg.Workers),
				zap.String("reason", string(report.Reason)),
			)

			return report, nil
		}

		return report, fmt.Errorf("launch workers: %w", launchErr)
	}

	c.transition(StateRunning)
	c.logger.Info(
		"workers running",
		zap.Int("workers", c.cfg.Workers),
		zap.Duration("duration", c.cfg.Duration),
	)

	report.Reason = c.wait(ctx)
	c.stop.Set()
	c.shutdown(&report)

	return report, nil
}

func (c *Coordinator) launchAll(ctx context.Context) error {
	for index := range c.cfg.Workers {
		if c.stop.IsSet() {
			return errStopDuringLaunch
		}

		handle, err := c.launcher.Launch(ctx, index, c.stop)
		if err != nil {
			return fmt.Errorf("worker %d: %w", index, err)
		}

		c.mu.Lock()
		c.handles = append(c.handles, handle)
		count := len(c.handles)
		c.mu.Unlock()

		if c.recorder != nil {
			c.recorder.SetWorkerCount(count)
		}
	}

	return nil
}

func (c *Coordinator) launchStopReason(ctx context.Context, launchErr error) StopReason {
	switch {
	case errors.Is(launchErr, errStopDuringLaunch), c.stop.IsSet():
		return StopReasonSignal
	case ctx.Err() != nil:
		return StopReasonCancelled
	default:
		return StopReasonLaunchFailed
	}
}

func (c *Coordinator) wait(ctx context.Context) StopReason {
	var expired <-chan time.Time
	if c.cfg.Duration > 0 {
		expired = c.afterFunc(c.cfg.Duration)
	}

	select {
	case <-expired:
		return StopReasonDuration
	case <-c.stop.Done():
		return StopReasonSignal
	case <-ctx.Done():
		return StopReasonCancelled
	}
}

func (c *Coordinator) shutdown(report *Report) {
	c.transition(StateStopRequested)
	c.logger.Info("stop requested", zap.String("reason", string(report.Reason)))

	c.transition(StateDraining)
	report.Workers = c.drain()
	report.Stopped = c.nowFunc()

	c.transition(StateStopped)
	c.logger.Info(
		"workers stopped",
		zap.Int("workers", len(report.Workers)),
		zap.Int("forced", report.Forced()),
		zap.Duration("elapsed", report.Elapsed()),
	)
}

// drain joins every worker against one shared grace deadline, then
// terminates the stragglers together.
func (c *Coordinator) drain() []WorkerReport {
	c.mu.Lock()
	handles := append([]shape.Handle(nil), c.handles...)
	c.mu.Unlock()

	reports := make([]WorkerReport, len(handles))
	overdue := make([]int, 0)

	graceExpired := latch(c.afterFunc(c.cfg.GracePeriod))

	for position, handle := range handles {
		reports[position] = WorkerReport{Index: handle.Index(), Outcome: OutcomeVoluntary}

		select {
		case <-handle.Done():
		case <-graceExpired:
			if !isDone(handle) {
				overdue = append(overdue, position)
			}
		}
	}

	for _, position := range overdue {
		handle := handles[position]
		reports[position].Outcome = OutcomeForced

		err := handle.Terminate()
		if err != nil {
			c.logger.Warn("terminate worker", zap.Int("worker", handle.Index()), zap.Error(err))
		}
	}

	if len(overdue) > 0 {
		acknowledged := latch(c.afterFunc(c.cfg.TerminateWait))

		for _, position := range overdue {
			select {
			case <-handles[position].Done():
			case <-acknowledged:
			}
		}
	}

	for position, handle := range handles {
		reports[position].Stats = handle.Stats()

		if reports[position].Outcome == OutcomeForced {
			c.logger.Debug(
				"worker terminated after grace period",
				zap.Int("worker", handle.Index()),
				zap.Bool("exited", isDone(handle)),
			)
		}

		if c.recorder != nil {
			c.recorder.ObserveWorkerExit(string(reports[position].Outcome), reports[position].Stats)
		}
	}

	return reports
}

func (c *Coordinator) transition(next State) {
	c.state.Store(int32(next))

	if c.recorder != nil {
		c.recorder.SetState(next.String())
	}
}

// latch converts a one-shot timer channel into one that stays readable.
func latch(fired <-chan time.Time) <-chan struct{} {
	closed := make(chan struct{})

	go func() {
		<-fired
		close(closed)
	}()

	return closed
}

func isDone(handle shape.Handle) bool {
	select {
	case <-handle.Done():
		return true
	default:
		return false
	}
}
