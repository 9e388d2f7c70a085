package lifecycle

// State captures the coordinator lifecycle phase.
type State int32

const (
	// StateIdle is the phase before every worker has been launched.
	StateIdle State = iota
	// StateRunning means all workers are launched and burning CPU.
	StateRunning
	// StateStopRequested is entered on interrupt, termination or duration expiry.
	StateStopRequested
	// StateDraining covers joining and, if needed, terminating workers.
	StateDraining
	// StateStopped means every worker has been accounted for.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopRequested:
		return "stop-requested"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records why the coordinator left StateRunning.
type StopReason string

const (
	// StopReasonDuration means the configured run duration elapsed.
	StopReasonDuration StopReason = "duration"
	// StopReasonSignal means the shared stop signal was raised externally.
	StopReasonSignal StopReason = "signal"
	// StopReasonCancelled means the coordinator context was cancelled.
	StopReasonCancelled StopReason = "cancelled"
	// StopReasonLaunchFailed means a worker could not be launched.
	StopReasonLaunchFailed StopReason = "launch-failed"
)
