package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	errConflict  = errors.New("conflict")
	errTransient = errors.New("unavailable")
	errBad       = errors.New("bad input")
)

func classify(err error) Class {
	switch {
	case errors.Is(err, errConflict):
		return Conflict
	case errors.Is(err, errTransient):
		return Transient
	}
	return Permanent
}

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, ConflictRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func TestDoSucceedsAfterConflicts(t *testing.T) {
	calls := 0
	runs, err := Do(context.Background(), fastPolicy(), classify, func() error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, runs)
}

func TestDoStopsOnPermanent(t *testing.T) {
	runs, err := Do(context.Background(), fastPolicy(), classify, func() error { return errBad })
	require.ErrorIs(t, err, errBad)
	require.Equal(t, 1, runs)
}

func TestDoBoundsTransientAttempts(t *testing.T) {
	runs, err := Do(context.Background(), fastPolicy(), classify, func() error { return errTransient })
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, runs)
}

func TestDoConflictFallsBackToBackoff(t *testing.T) {
	runs, err := Do(context.Background(), fastPolicy(), classify, func() error { return errConflict })
	require.ErrorIs(t, err, errConflict)
	// two immediate conflict retries, then three attempts on the backoff path
	require.Equal(t, 5, runs)
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 5, BaseBackoff: time.Hour}

	runs, err := Do(ctx, p, classify, func() error { return errTransient })
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, runs)
}

func TestBackoffIsCapped(t *testing.T) {
	p := Policy{BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
	require.Equal(t, 100*time.Millisecond, p.Backoff(0))
	require.Equal(t, 400*time.Millisecond, p.Backoff(2))
	require.Equal(t, time.Second, p.Backoff(10))
}
