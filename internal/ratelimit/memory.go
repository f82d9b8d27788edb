package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery bounds how often expired buckets are pruned.
const sweepEvery = 1024

type window struct {
	count   int
	size    time.Duration
	start   time.Time
	resetAt time.Time
}

// Memory is an in-process fixed-window limiter.
// Windows are aligned to the first request seen for a key.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	checks  int
	now     func() time.Time
}

// NewMemory constructs an empty in-process limiter.
func NewMemory() *Memory {
	return &Memory{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

// Check consumes one unit for key if the current window still has budget.
func (m *Memory) Check(_ context.Context, key string, max int, size time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.checks++
	if m.checks%sweepEvery == 0 {
		m.sweep(now)
	}

	w, ok := m.windows[key]
	if !ok {
		w = &window{size: size, start: now, resetAt: now.Add(size)}
		m.windows[key] = w
	} else if now.After(w.resetAt) {
		w.size = size
		w.start = nextWindowStart(w.start, now, size)
		w.resetAt = w.start.Add(size)
		w.count = 0
	}

	if w.count >= max {
		return Result{OK: false, Remaining: 0, ResetAt: w.resetAt}, nil
	}
	w.count++
	return Result{OK: true, Remaining: max - w.count, ResetAt: w.resetAt}, nil
}

// sweep drops windows idle for more than their own size; a window that
// resumes within that span keeps its alignment.
func (m *Memory) sweep(now time.Time) {
	for key, w := range m.windows {
		if now.Sub(w.resetAt) > w.size {
			delete(m.windows, key)
		}
	}
}
