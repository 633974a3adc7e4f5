package state

import (
	"context"
	"sync"
	"time"
)

// Signal is a coalesced "something changed" flag. Raise wakes every waiter;
// any number of raises before a consumer clears it collapse into one pending
// wakeup. It carries no payload: consumers re-read the Tree.
type Signal struct {
	mu      sync.Mutex
	set     bool
	seq     uint64
	setCh   chan struct{} // closed while set
	raiseCh chan struct{} // closed and replaced on every Raise
}

// NewSignal creates a cleared signal.
func NewSignal() *Signal {
	return &Signal{
		setCh:   make(chan struct{}),
		raiseCh: make(chan struct{}),
	}
}

// Raise sets the signal and wakes all waiters.
func (s *Signal) Raise() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	if !s.set {
		s.set = true
		close(s.setCh)
	}
	close(s.raiseCh)
	s.raiseCh = make(chan struct{})
}

// Clear resets the signal so the next Wait blocks until another Raise.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.set {
		s.set = false
		s.setCh = make(chan struct{})
	}
}

// IsSet reports whether the signal is currently raised.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Wait blocks until the signal is set, the timeout elapses or ctx is done.
// It returns true when woken by the signal. A timeout <= 0 waits on ctx only.
func (s *Signal) Wait(ctx context.Context, timeout time.Duration) bool {
	s.mu.Lock()
	ch := s.setCh
	s.mu.Unlock()

	return waitOn(ctx, ch, timeout)
}

// Seq returns the number of raises so far.
func (s *Signal) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// WaitSince blocks until Seq moves past since, without touching the shared
// set/clear state. It returns the current sequence and whether it advanced.
func (s *Signal) WaitSince(ctx context.Context, since uint64, timeout time.Duration) (uint64, bool) {
	s.mu.Lock()
	if s.seq != since {
		seq := s.seq
		s.mu.Unlock()
		return seq, true
	}
	ch := s.raiseCh
	s.mu.Unlock()

	if !waitOn(ctx, ch, timeout) {
		return since, false
	}
	return s.Seq(), true
}

func waitOn(ctx context.Context, ch <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
