// Package ratelimit provides fixed-window counters keyed by caller identity.
//
// The in-memory limiter is process-local and therefore only approximate when
// several processes share a workload; the Redis limiter gives the same
// semantics across processes.
package ratelimit

import (
	"context"
	"time"
)

// Limiter checks and consumes one unit of a key's budget.
type Limiter interface {
	Check(ctx context.Context, key string, max int, window time.Duration) (Result, error)
}

// Result reports the outcome of a Check.
type Result struct {
	OK        bool
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a rejected caller should wait before the window resets.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if d := r.ResetAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// nextWindowStart advances start by whole windows so that the returned start is
// the beginning of the window containing now.
func nextWindowStart(start, now time.Time, window time.Duration) time.Time {
	elapsed := now.Sub(start)
	return start.Add(elapsed / window * window)
}
