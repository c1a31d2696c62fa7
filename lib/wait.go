package lib

import (
	"context"
	"sync"
	"time"
)

// signal is a broadcast wakeup. notify closes the channel that current
// waiters hold and installs a fresh one.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) channel() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) notify() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// waitUntil blocks until cond reports true, re-checking it every time s is
// notified. It returns ErrTimeout once timeout elapses (timeout <= 0 waits
// forever) and an error matching ErrInterrupted when ctx is done. cond must
// do its own locking.
func waitUntil(ctx context.Context, timeout time.Duration, s *signal, cond func() bool) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		ch := s.channel()
		if cond() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return &interruptedError{cause: ctx.Err()}
		case <-expired:
			if cond() {
				return nil
			}
			return ErrTimeout
		}
	}
}
