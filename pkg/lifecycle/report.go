package lifecycle

import (
	"time"

	"cpuload/pkg/shape"
)

// Outcome records how a worker left the pool.
type Outcome string

const (
	// OutcomeVoluntary means the worker observed the stop signal and exited.
	OutcomeVoluntary Outcome = "voluntary"
	// OutcomeForced means the worker outlived the grace period and was terminated.
	OutcomeForced Outcome = "forced"
)

// WorkerReport summarises one worker after shutdown.
type WorkerReport struct {
	Index   int
	Outcome Outcome
	Stats   shape.Stats
}

// Report summarises a completed coordinator run.
type Report struct {
	Reason  StopReason
	Started time.Time
	Stopped time.Time
	Workers []WorkerReport
}

// Elapsed is the time from launch to the last worker being accounted for.
func (r Report) Elapsed() time.Duration {
	if r.Started.IsZero() || r.Stopped.IsZero() {
		return 0
	}

	return r.Stopped.Sub(r.Started)
}

// Forced counts workers that had to be terminated.
func (r Report) Forced() int {
	var forced int

	for _, worker := range r.Workers {
		if worker.Outcome == OutcomeForced {
			forced++
		}
	}

	return forced
}
