package queue

import (
	"math"
	"math/rand"
	"time"
)

// maxBackoff caps the retry delay regardless of attempt count.
const maxBackoff = 5 * time.Minute

// Backoff computes exponential retry delays with jitter.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
}

// Delay returns the wait before re-running a job that has already executed
// attempt times (attempt >= 1). Up to 20% random jitter is added so
// simultaneous failures do not retry in lockstep.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt-1)))
	if d > maxBackoff || d < 0 {
		d = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}
