package shape

import "sync/atomic"

// StopSignal is a write-once broadcast flag shared by every worker. Once set it
// is never cleared.
type StopSignal struct {
	set  atomic.Bool
	done chan struct{}
}

// NewStopSignal returns an unset StopSignal.
func NewStopSignal() *StopSignal {
	return &StopSignal{done: make(chan struct{})}
}

// Set raises the flag. It reports whether this call was the one that raised it;
// later calls are no-ops.
func (s *StopSignal) Set() bool {
	if !s.set.CompareAndSwap(false, true) {
		return false
	}

	close(s.done)

	return true
}

// IsSet reports whether the flag has been raised.
func (s *StopSignal) IsSet() bool {
	return s.set.Load()
}

// Done returns a channel closed when the flag is raised.
func (s *StopSignal) Done() <-chan struct{} {
	return s.done
}
