package dispatch

import (
	"math"
	"time"
)

// Delay computes the backoff before retry number attempt (0-based):
// base * 2^attempt * (1 + jitter) with jitter drawn uniformly from
// [0, jitterFactor] via rnd, capped at maxDelay. It is a pure function
// of its inputs so retry timing is testable without I/O.
func Delay(attempt int, base, maxDelay time.Duration, jitterFactor float64, rnd func() float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitter := 0.0
	if jitterFactor > 0 && rnd != nil {
		jitter = rnd() * jitterFactor
	}
	d := float64(base) * math.Pow(2, float64(attempt)) * (1 + jitter)
	if maxDelay > 0 && d > float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
