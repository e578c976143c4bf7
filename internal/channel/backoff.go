package channel

import (
	"math/rand"
	"time"
)

// backoff is an exponential reconnect schedule with a ceiling and jitter.
// It is owned by the manager's run goroutine.
type backoff struct {
	base     time.Duration
	ceiling  time.Duration
	jitter   float64
	attempts int
	rng      *rand.Rand
}

func newBackoff(base, ceiling time.Duration, jitter float64, seed int64) *backoff {
	return &backoff{
		base:    base,
		ceiling: ceiling,
		jitter:  jitter,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// next returns the delay before the next attempt and advances the schedule.
func (b *backoff) next() time.Duration {
	// base * 2^attempts, shift capped at 30 to prevent overflow
	shift := uint(b.attempts)
	if shift > 30 {
		shift = 30
	}
	d := float64(b.base) * float64(uint64(1)<<shift)
	if d > float64(b.ceiling) {
		d = float64(b.ceiling)
	}

	// jitter range is [d*(1-jitter/2), d*(1+jitter/2)]
	if b.jitter > 0 {
		d *= 1 + (b.rng.Float64()-0.5)*b.jitter
	}

	b.attempts++
	return time.Duration(d)
}

func (b *backoff) reset() {
	b.attempts = 0
}
