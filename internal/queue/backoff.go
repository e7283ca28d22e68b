package queue

import (
	"math"
	"math/rand"
	"time"
)

// Retry timing defaults.
const (
	DefaultRetryBaseDelay = 5 * time.Second
	DefaultRetryMaxDelay  = 10 * time.Minute
)

// RetryDelay returns the backoff before retry number attempt (1-based):
// exponential growth from base, capped at max, with ±25% jitter so a burst
// of failures does not retry in lockstep.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultRetryBaseDelay
	}
	if max <= 0 {
		max = DefaultRetryMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if d > max || d <= 0 { // <= 0 guards float overflow
		d = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}
