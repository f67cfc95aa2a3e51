package balancer

import (
	"sync"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

// CircuitState is the tagged state of a per-target circuit breaker (§3, §4.3).
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// circuitBreaker implements the Closed/Open/HalfOpen state machine of §4.3.
// All transitions happen under mu to preserve invariant I6.
type circuitBreaker struct {
	mu     sync.Mutex
	cfg    domain.CircuitBreakerConfig
	state  CircuitState
	openedAt    time.Time
	failures    []time.Time // failure timestamps within the sliding window
	totalReqs   int
	halfOpenSent int
	halfOpenOK   int
}

func newCircuitBreaker(cfg domain.CircuitBreakerConfig) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, state: CircuitClosed}
}

// allowRequest reports whether a dispatch to this target should proceed,
// performing the Open→HalfOpen transition as a side effect when the open
// timeout has elapsed.
func (b *circuitBreaker) allowRequest() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if monotonicNow().Sub(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = CircuitHalfOpen
			b.halfOpenSent = 0
			b.halfOpenOK = 0
		} else {
			return false
		}
		fallthrough
	case CircuitHalfOpen:
		if b.halfOpenSent < b.cfg.TestRequests {
			b.halfOpenSent++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *circuitBreaker) recordSuccess() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalReqs++
	switch b.state {
	case CircuitClosed:
		b.failures = nil
	case CircuitHalfOpen:
		b.halfOpenOK++
		if b.halfOpenOK >= b.cfg.TestRequests {
			b.state = CircuitClosed
			b.failures = nil
			b.halfOpenSent = 0
			b.halfOpenOK = 0
		}
	case CircuitOpen:
		// stray success after the window closed; ignore.
	}
}

func (b *circuitBreaker) recordFailure() {
	if !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := monotonicNow()
	b.totalReqs++

	switch b.state {
	case CircuitClosed:
		b.failures = append(b.failures, now)
		b.failures = pruneWindow(b.failures, now, b.cfg.FailureWindow)
		if b.totalReqs >= b.cfg.MinRequests && len(b.failures) >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
			b.openedAt = now
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.openedAt = now
		b.halfOpenSent = 0
		b.halfOpenOK = 0
	case CircuitOpen:
		// already open
	}
}

func (b *circuitBreaker) snapshot() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
