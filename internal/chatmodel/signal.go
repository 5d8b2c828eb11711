package chatmodel

import (
	"context"
	"sync"
)

// signal is a broadcast one-shot: pulse() wakes every goroutine currently
// waiting, then resets so the next pulse is required for anyone that
// registers afterward. It's the closed-channel-per-pulse idiom spec.md §9
// calls for in place of an Event/condition-variable pair.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// wait returns the channel to select on. Callers must fetch it, under no
// lock of their own, immediately before blocking, so a pulse() racing with
// registration is never missed: either the fetch happens before close (and
// the wait unblocks), or after the swap (and the new channel is fresh).
func (s *signal) wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) pulse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}

// waitContext blocks on the signal until it pulses or ctx is done.
func waitContext(ctx context.Context, s *signal) {
	select {
	case <-s.wait():
	case <-ctx.Done():
	}
}
