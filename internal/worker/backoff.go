package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based):
// base × 2^(attempt-1) scaled by jitter and capped at maxDelay. jitter is
// expected in [0.5, 1.5).
func Backoff(attempt int, base, maxDelay time.Duration, jitter float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1)) * jitter
	if delay > float64(maxDelay) || math.IsInf(delay, 1) {
		return maxDelay
	}
	return time.Duration(delay)
}

func randomJitter() float64 {
	return 0.5 + rand.Float64() //nolint:gosec // G404: jitter for backoff is not a security-sensitive operation
}
