package gateway

import (
	"math"
	"math/rand"
	"time"
)

// Backoff produces a growing, capped and jittered delay sequence for
// reconnect pacing. It is driven by a single goroutine at a time (the shard
// keep-alive loop) so it needs no locking of its own.
type Backoff struct {
	base    float64
	initial float64
	max     float64

	attempt int
	rand    func() float64
}

// NewBackoff creates a backoff sequence. base is the exponential growth
// factor, initial the first raw delay in seconds and max the saturation
// point in seconds.
func NewBackoff(base, initial, max float64) *Backoff {
	return &Backoff{
		base:    base,
		initial: initial,
		max:     max,
		rand:    rand.Float64,
	}
}

// DefaultBackoff returns the reconnect backoff used by the gateway:
// 2s initial, growing by 1.85x and saturating at 600s.
func DefaultBackoff() *Backoff {
	return NewBackoff(1.85, 2, 600)
}

// Next returns the next delay in the sequence. The raw delay grows
// exponentially until it saturates at max; the returned value is jittered
// uniformly over [0, raw] so simultaneous reconnects do not stampede.
func (b *Backoff) Next() time.Duration {
	raw := b.initial * math.Pow(b.base, float64(b.attempt))
	if raw > b.max {
		raw = b.max
	} else {
		b.attempt++
	}

	return time.Duration(b.rand() * raw * float64(time.Second))
}

// Reset returns the sequence to its initial state. The next call to Next
// returns a value no greater than the initial delay.
func (b *Backoff) Reset() {
	b.attempt = 0
}
