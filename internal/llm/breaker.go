package llm

import (
	"sync"
	"time"
)

const (
	// breakerThreshold is the consecutive-failure count that opens a circuit.
	breakerThreshold = 5
	// breakerCooldown is how long an open circuit rejects requests before
	// letting a half-open probe through.
	breakerCooldown = 30 * time.Second
)

// aliasState tracks the health of one model alias.
type aliasState struct {
	failures int
	open     bool
	openedAt time.Time
	// probing is set while the single half-open probe is in flight.
	probing bool
}

// breaker is a per-alias circuit breaker. Consecutive failures at or above
// the threshold open the circuit for the cooldown window; the first request
// after the window passes through half-open, and its outcome decides whether
// the circuit closes or re-opens.
type breaker struct {
	mu     sync.Mutex
	states map[string]*aliasState
	now    func() time.Time
}

func newBreaker(now func() time.Time) *breaker {
	if now == nil {
		now = time.Now
	}
	return &breaker{states: make(map[string]*aliasState), now: now}
}

// allow reports whether a request for the alias may proceed.
func (b *breaker) allow(alias string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[alias]
	if !ok || !s.open {
		return true
	}
	// Half-open: exactly one probe after the cooldown. Concurrent requests
	// keep getting rejected until the probe's outcome is recorded, so a
	// still-down provider never takes a burst.
	if s.probing {
		return false
	}
	if b.now().Sub(s.openedAt) >= breakerCooldown {
		s.probing = true
		return true
	}
	return false
}

// recordSuccess closes the circuit and clears the failure count.
func (b *breaker) recordSuccess(alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(alias)
	s.failures = 0
	s.open = false
	s.probing = false
}

// recordFailure increments the failure count and opens the circuit at the
// threshold. A failed half-open probe restarts the cooldown window.
func (b *breaker) recordFailure(alias string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.state(alias)
	s.probing = false
	s.failures++
	if s.failures >= breakerThreshold {
		s.open = true
		s.openedAt = b.now()
	}
}

// isOpen reports the current circuit state for metrics.
func (b *breaker) isOpen(alias string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.states[alias]
	return ok && s.open && b.now().Sub(s.openedAt) < breakerCooldown
}

func (b *breaker) state(alias string) *aliasState {
	s, ok := b.states[alias]
	if !ok {
		s = &aliasState{}
		b.states[alias] = s
	}
	return s
}
