package jobqueue

import (
	"math"
	"math/rand"
	"time"

	"client-engine/internal/config"
)

// Backoff computes the delay before a failed job becomes eligible again.
type Backoff struct {
	// Strategy is "fixed" or "exponential".
	Strategy string
	Initial  time.Duration
	Max      time.Duration
	Jitter   bool
}

// BackoffFromConfig builds the retry policy from configuration.
func BackoffFromConfig(cfg config.Config) Backoff {
	return Backoff{
		Strategy: cfg.BackoffStrategy,
		Initial:  cfg.BackoffInitial,
		Max:      cfg.BackoffMax,
		Jitter:   cfg.BackoffJitter,
	}
}

// Delay returns the wait after the given (1-based) failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	wait := b.Initial
	if b.Strategy != "fixed" && attempt > 1 {
		wait = time.Duration(float64(b.Initial) * math.Pow(2, float64(attempt-1)))
	}
	if b.Max > 0 && (wait > b.Max || wait < 0) {
		wait = b.Max
	}
	if !b.Jitter || wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
