package lib

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitUntilWakesOnNotify(t *testing.T) {
	s := newSignal()
	var ready atomic.Bool

	go func() {
		time.Sleep(20 * time.Millisecond)
		ready.Store(true)
		s.notify()
	}()

	err := waitUntil(context.Background(), time.Second, s, ready.Load)
	require.NoError(t, err)
}

func TestWaitUntilTimeoutAndInterrupt(t *testing.T) {
	s := newSignal()
	never := func() bool { return false }

	err := waitUntil(context.Background(), 20*time.Millisecond, s, never)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, errors.Is(err, ErrInterrupted))

	var netErr interface{ Timeout() bool }
	require.True(t, errors.As(err, &netErr))
	require.True(t, netErr.Timeout())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err = waitUntil(ctx, 0, s, never)
	require.ErrorIs(t, err, ErrInterrupted)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, ErrTimeout))
}
