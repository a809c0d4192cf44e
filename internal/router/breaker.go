package router

import (
	"sync"
	"time"
)

// State represents the operational state of a per-backend circuit breaker.
//
//	StateClosed   — normal operation; requests pass through.
//	StateOpen     — backend is failing; requests are rejected until cooldown.
//	StateHalfOpen — cooldown elapsed; one probe request is allowed through.
type State int

const (
	StateClosed   State = 0
	StateOpen     State = 1
	StateHalfOpen State = 2
)

// Label returns the state name for logs and metrics.
func (s State) Label() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// breaker tracks consecutive failures for one backend. The breaker opens on
// the threshold-th consecutive failure; after the cooldown the next caller
// gets through as a probe, and the probe's outcome decides whether the
// breaker closes or the cooldown restarts.
type breaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	state         State
	failures      int
	openedAt      time.Time
	probeInflight bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, state: StateClosed}
}

// allow reports whether the backend should receive the next request.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probeInflight = true
			return true
		}
		return false

	case StateHalfOpen:
		if b.probeInflight {
			return false
		}
		b.probeInflight = true
		return true
	}

	return true
}

// recordSuccess closes the breaker and resets the consecutive-failure count.
func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probeInflight = false
}

// recordFailure counts one consecutive failure. A failed probe re-opens the
// breaker with a fresh cooldown.
func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probeInflight = false

	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = time.Now()
	}
}

// currentState returns the state for metrics export.
func (b *breaker) currentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
