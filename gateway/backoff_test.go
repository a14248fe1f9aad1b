package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	b := DefaultBackoff()

	for i := 0; i < 50; i++ {
		delay := b.Next()
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, 600*time.Second)
	}
}

func TestBackoffGrowth(t *testing.T) {
	b := DefaultBackoff()
	b.rand = func() float64 { return 1 }

	previous := time.Duration(-1)
	for i := 0; i < 20; i++ {
		delay := b.Next()
		require.Greater(t, delay, previous)
		previous = delay

		if delay == 600*time.Second {
			break
		}
	}

	// Saturated; the sequence stays pinned to the cap.
	require.Equal(t, 600*time.Second, previous)
	require.Equal(t, 600*time.Second, b.Next())
}

func TestBackoffReset(t *testing.T) {
	b := DefaultBackoff()
	b.rand = func() float64 { return 1 }

	for i := 0; i < 5; i++ {
		b.Next()
	}

	b.Reset()
	require.Equal(t, 2*time.Second, b.Next())
}

func TestBackoffJitterWithinRaw(t *testing.T) {
	b := DefaultBackoff()

	b.Reset()
	for i := 0; i < 100; i++ {
		b.Reset()
		delay := b.Next()
		require.GreaterOrEqual(t, delay, time.Duration(0))
		require.LessOrEqual(t, delay, 2*time.Second)
	}
}
