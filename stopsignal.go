package teemo

import (
	"sync"
	"time"
)

// StopSignal is the cross-thread boolean signalling primitive referenced by
// spec.md as an external collaborator (§1, §5, §6): a condition-variable
// flavored flag with set()/unset()/isSet()/wait(ms). Setting is idempotent
// and wait tolerates being called concurrently with Set/Unset. IsSet is not
// lock-free: it takes the mutex briefly to read the current channel.
//
// Grounded in teemo.h's Event class (original_source/include/teemo/teemo.h):
// same four operations, same semantics. The spec treats this primitive as
// out of scope for the slice manager / entry handler's own design, so it
// stays intentionally small here.
type StopSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewStopSignal creates a signal, optionally already set.
func NewStopSignal(set bool) *StopSignal {
	s := &StopSignal{ch: make(chan struct{})}
	if set {
		close(s.ch)
	}
	return s
}

// Set marks the signal as set. Idempotent.
func (s *StopSignal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
}

// Unset clears the signal, allowing it to be reused for a fresh job.
func (s *StopSignal) Unset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

// IsSet reports whether the signal is currently set.
func (s *StopSignal) IsSet() bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal is set or the timeout elapses, returning
// whether it was observed set. A non-positive timeout waits indefinitely.
func (s *StopSignal) Wait(timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()

	if timeout <= 0 {
		<-ch
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	}
}
