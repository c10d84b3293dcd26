package connection

import (
	"math/rand/v2"
	"time"
)

const (
	maxBackoff    = 60 * time.Second
	maxBackoffExp = 6
	maxJitter     = 1500 * time.Millisecond
)

// BaseDelay is 2^min(attempt,6) seconds, before the 60s cap.
func BaseDelay(attempt int) time.Duration {
	exp := min(max(attempt, 0), maxBackoffExp)
	return time.Duration(1<<exp) * time.Second
}

// Backoff is min(60s, BaseDelay(attempt) + U[0, 1.5s]).
func Backoff(attempt int) time.Duration {
	jitter := time.Duration(rand.Int64N(int64(maxJitter) + 1))
	return min(maxBackoff, BaseDelay(attempt)+jitter)
}
