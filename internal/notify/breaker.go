package notify

import (
	"sync"
	"time"
)

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

type breakerEntry struct {
	state    breakerState
	failures int
	openedAt time.Time
}

// breaker trips a channel after threshold consecutive send failures and
// keeps it open for cooldown. After the cooldown one trial send is let
// through; its outcome closes or reopens the circuit. A non-positive
// threshold disables the breaker.
type breaker struct {
	threshold int
	cooldown  time.Duration

	mu      sync.Mutex
	entries map[string]*breakerEntry
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		cooldown:  cooldown,
		entries:   make(map[string]*breakerEntry),
	}
}

// allow reports whether a send on channel may proceed at now.
func (b *breaker) allow(channel string, now time.Time) bool {
	if b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[channel]
	if !ok {
		return true
	}
	switch e.state {
	case breakerOpen:
		if now.Sub(e.openedAt) >= b.cooldown {
			e.state = breakerHalfOpen
			return true
		}
		return false
	case breakerHalfOpen:
		// A trial send is already in flight.
		return false
	default:
		return true
	}
}

func (b *breaker) success(channel string) {
	if b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	delete(b.entries, channel)
	b.mu.Unlock()
}

// failure records a failed send and reports whether it opened the circuit.
func (b *breaker) failure(channel string, now time.Time) bool {
	if b.threshold <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[channel]
	if !ok {
		e = &breakerEntry{}
		b.entries[channel] = e
	}
	if e.state == breakerHalfOpen {
		e.state = breakerOpen
		e.openedAt = now
		return true
	}
	e.failures++
	if e.state == breakerClosed && e.failures >= b.threshold {
		e.state = breakerOpen
		e.openedAt = now
		return true
	}
	return false
}
