package runner

import (
	"math/rand"
	"time"
)

// backoff computes exponentially growing restart delays. Jitter spreads
// reconnect storms across instances; the post-jitter clamp keeps every delay
// at or under max.
type backoff struct {
	current time.Duration
	min     time.Duration
	max     time.Duration
	factor  float64
	jitter  float64
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{current: min, min: min, max: max, factor: 2.0, jitter: 0.2}
}

// next returns the delay for the upcoming restart and advances the schedule.
func (b *backoff) next() time.Duration {
	d := b.current
	if b.jitter > 0 {
		f := 1 + b.jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * f)
	}
	if d > b.max {
		d = b.max
	}

	b.current = time.Duration(float64(b.current) * b.factor)
	if b.current > b.max {
		b.current = b.max
	}

	return d
}

func (b *backoff) reset() {
	b.current = b.min
}
