package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestPolicyAllows(t *testing.T) {
	unbounded := Policy{}
	require.True(t, unbounded.Allows(1))
	require.True(t, unbounded.Allows(100))
	require.False(t, unbounded.Allows(0))

	bounded := Policy{MaxAttempts: 2}
	require.True(t, bounded.Allows(2))
	require.False(t, bounded.Allows(3))
}

func TestPolicyDoStopsWhenExhausted(t *testing.T) {
	policy := Policy{MaxAttempts: 3}
	calls := 0
	err := policy.Do(context.Background(), func(error) bool { return true }, func(context.Context, int) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 3, calls)
}

func TestPolicyDoReturnsOnSuccess(t *testing.T) {
	policy := Policy{MaxAttempts: 5, Backoff: Constant(time.Millisecond)}
	var seen []int
	err := policy.Do(context.Background(), func(error) bool { return true }, func(_ context.Context, attempt int) error {
		seen = append(seen, attempt)
		if attempt < 2 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, seen)
}

func TestPolicyDoSkipsNonRetryable(t *testing.T) {
	policy := Policy{MaxAttempts: 5}
	calls := 0
	err := policy.Do(context.Background(), func(error) bool { return false }, func(context.Context, int) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Equal(t, 1, calls)
}

func TestPolicyDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := Policy{Backoff: Constant(time.Hour)}
	err := policy.Do(ctx, func(error) bool { return true }, func(context.Context, int) error {
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestTracker(t *testing.T) {
	tracker := NewTracker(Policy{MaxAttempts: 2})
	attempt, ok := tracker.Next("42")
	require.Equal(t, 1, attempt)
	require.True(t, ok)
	_, ok = tracker.Next("42")
	require.True(t, ok)
	_, ok = tracker.Next("42")
	require.False(t, ok)

	tracker.Reset("42")
	attempt, ok = tracker.Next("42")
	require.Equal(t, 1, attempt)
	require.True(t, ok)
}
