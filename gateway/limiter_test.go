package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// virtualLimiter returns a limiter driven by a fake clock. Sleeps advance
// the clock instead of blocking.
func virtualLimiter(limit int, window time.Duration) (*SendLimiter, *time.Time, *[]time.Duration) {
	now := time.Unix(0, 0)
	slept := []time.Duration{}

	sl := NewSendLimiter(limit, window)
	sl.now = func() time.Time { return now }
	sl.sleep = func(d time.Duration, stop <-chan struct{}) bool {
		slept = append(slept, d)
		now = now.Add(d)
		return true
	}

	return sl, &now, &slept
}

func TestSendLimiterBurst(t *testing.T) {
	sl, _, slept := virtualLimiter(120, time.Minute)

	for i := 0; i < 120; i++ {
		require.NoError(t, sl.Acquire(nil))
	}
	require.Empty(t, *slept, "a full burst should not block")

	// The 121st acquisition waits out the window.
	require.NoError(t, sl.Acquire(nil))
	require.Len(t, *slept, 1)
	require.Equal(t, time.Minute, (*slept)[0])
}

func TestSendLimiterRollingWindow(t *testing.T) {
	sl, now, slept := virtualLimiter(3, time.Minute)

	require.NoError(t, sl.Acquire(nil))
	*now = now.Add(30 * time.Second)
	require.NoError(t, sl.Acquire(nil))
	require.NoError(t, sl.Acquire(nil))
	require.Empty(t, *slept)

	// Window is full; the next slot frees when the first timestamp leaves
	// the window, 30s from now.
	require.NoError(t, sl.Acquire(nil))
	require.Len(t, *slept, 1)
	require.Equal(t, 30*time.Second, (*slept)[0])
}

func TestSendLimiterStop(t *testing.T) {
	sl := NewSendLimiter(1, time.Minute)

	stop := make(chan struct{})
	require.NoError(t, sl.Acquire(stop))

	close(stop)
	require.ErrorIs(t, sl.Acquire(stop), ErrShardClosed)
}
