package shape

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DefaultWindow is the fixed cycle window over which one busy/idle split runs.
const DefaultWindow = 100 * time.Millisecond

const (
	minWindow = time.Millisecond
	maxWindow = time.Second

	minPercent = 0.0
	maxPercent = 100.0
)

// ErrInvalidPercent reports a target outside [0,100].
var ErrInvalidPercent = errors.New("shape: target percentage must be between 0 and 100")

// ValidatePercent rejects NaN and values outside [0,100].
func ValidatePercent(percent float64) error {
	if math.IsNaN(percent) || percent < minPercent || percent > maxPercent {
		return fmt.Errorf("%w: got %v", ErrInvalidPercent, percent)
	}

	return nil
}

// Split divides window into the busy budget and idle remainder for percent.
// busy+idle always equals window.
func Split(window time.Duration, percent float64) (time.Duration, time.Duration) {
	if window <= 0 {
		return 0, 0
	}

	if math.IsNaN(percent) || percent < minPercent {
		percent = minPercent
	} else if percent > maxPercent {
		percent = maxPercent
	}

	busy := time.Duration(math.Round(float64(window) * percent / maxPercent))
	busy = min(busy, window)

	return busy, window - busy
}

// Stats summarises a worker loop's lifetime. Busy is the sum of the busy
// budgets spent; Idle is the time actually slept, so a sleep cut short by stop
// counts only up to the interruption.
type Stats struct {
	Cycles      uint64        `json:"cycles"`
	Invocations uint64        `json:"invocations"`
	Busy        time.Duration `json:"busyNanos"`
	Idle        time.Duration `json:"idleNanos"`
	Aborted     bool          `json:"aborted"`
}

// Cycle describes one completed cycle's scheduled busy/idle split.
type Cycle struct {
	Sequence    uint64
	Busy        time.Duration
	Idle        time.Duration
	Invocations uint64
}

// sleeper waits up to duration, returning early when either channel closes.
// It reports how long it actually waited.
type sleeper func(duration time.Duration, stop, abort <-chan struct{}) time.Duration

// Loop is a single duty-cycle worker loop.
type Loop struct {
	percent float64
	window  time.Duration

	workFunc  func() float64
	sleepFunc sleeper
	nowFunc   func() time.Time
	observer  func(Cycle)

	sink float64
}

// newLoop assumes percent is already validated. A non-positive window selects
// DefaultWindow.
func newLoop(
	percent float64,
	window time.Duration,
	workFunc func() float64,
	sleepFunc sleeper,
	nowFunc func() time.Time,
	observer func(Cycle),
) *Loop {
	return &Loop{
		percent:   percent,
		window:    clampWindow(window),
		workFunc:  workFunc,
		sleepFunc: sleepFunc,
		nowFunc:   nowFunc,
		observer:  observer,
	}
}

// Run executes cycles until stop is raised. abort may be nil; when raised it
// ends the loop without finishing the current cycle.
func (l *Loop) Run(stop *StopSignal, abort *StopSignal) Stats {
	var (
		stats   Stats
		abortCh <-chan struct{}
	)

	if abort != nil {
		abortCh = abort.Done()
	}

	for !stop.IsSet() {
		busy, idle := Split(l.window, l.percent)

		invocations, completed := l.burn(busy, abort)
		stats.Invocations += invocations

		if !completed {
			stats.Aborted = true

			return stats
		}

		stats.Busy += busy

		if idle > 0 {
			stats.Idle += min(l.sleepFunc(idle, stop.Done(), abortCh), idle)
		}

		if abort != nil && abort.IsSet() {
			stats.Aborted = true

			return stats
		}

		stats.Cycles++

		if l.observer != nil {
			l.observer(Cycle{
				Sequence:    stats.Cycles,
				Busy:        busy,
				Idle:        idle,
				Invocations: invocations,
			})
		}
	}

	return stats
}

// burn spins on the workload until the busy budget elapses. It reports false
// when abort interrupted the phase.
func (l *Loop) burn(budget time.Duration, abort *StopSignal) (uint64, bool) {
	if budget <= 0 {
		return 0, true
	}

	var invocations uint64

	deadline := l.nowFunc().Add(budget)
	for l.nowFunc().Before(deadline) {
		if abort != nil && abort.IsSet() {
			return invocations, false
		}

		l.sink += l.workFunc()
		invocations++
	}

	return invocations, true
}

func interruptibleSleep(duration time.Duration, stop, abort <-chan struct{}) time.Duration {
	started := time.Now()

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return duration
	case <-stop:
	case <-abort:
	}

	return min(time.Since(started), duration)
}

func clampWindow(window time.Duration) time.Duration {
	if window <= 0 {
		return DefaultWindow
	}

	return min(max(window, minWindow), maxWindow)
}
