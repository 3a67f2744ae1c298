package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenBucket_AllowUntilEmpty(t *testing.T) {
	tb := NewTokenBucket(3, 1, 10*time.Second)
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())
	require.Equal(t, 0, tb.Remaining())
}

func TestTokenBucket_Refill(t *testing.T) {
	tb := NewTokenBucket(2, 2, time.Second)
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	time.Sleep(1100 * time.Millisecond)
	require.True(t, tb.Allow())
}

func TestTokenBucketForWindow_DoesNotExceedWindowBudget(t *testing.T) {
	// 500 per 10s must refill at 50/s, not 500/s: after draining the
	// burst, a full refill has to span the whole window.
	tb := NewTokenBucketForWindow(500, 10*time.Second)
	for i := 0; i < 500; i++ {
		require.Truef(t, tb.Allow(), "budget exhausted early at call %d", i)
	}
	require.False(t, tb.Allow())
	require.GreaterOrEqual(t, time.Until(tb.ResetTime()), 9*time.Second)
}

func TestTokenBucketForWindow_SubSecondWindow(t *testing.T) {
	tb := NewTokenBucketForWindow(3, 500*time.Millisecond)
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.True(t, tb.Allow())
	require.False(t, tb.Allow())
}

func TestSlidingWindow_LimitWithinWindow(t *testing.T) {
	sw := NewSlidingWindow(2, 200*time.Millisecond)
	require.True(t, sw.Allow())
	require.True(t, sw.Allow())
	require.False(t, sw.Allow())

	time.Sleep(250 * time.Millisecond)
	require.True(t, sw.Allow())
}

func TestSlidingWindow_WaitHonorsContext(t *testing.T) {
	sw := NewSlidingWindow(1, 10*time.Second)
	require.True(t, sw.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := sw.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
