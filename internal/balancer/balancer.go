package balancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

// Balancer selects an eligible target for a route using one of the four
// §4.2 strategies, and feeds outcomes to the per-target circuit breaker.
// One Balancer instance is created per route at configuration load and
// lives for the process lifetime.
type Balancer struct {
	strategy string
	targets  []domain.Target // immutable; identity is Target.URL

	// per-concern locks, kept independent to bound hold time to one
	// selection or one counter update (§5).
	posMu    sync.Mutex
	position uint64

	wrrMu    sync.Mutex
	wrr      *weightedState

	stickyMu sync.Mutex
	sticky   map[uint64]string // client hash -> target URL

	rngMu sync.Mutex
	rng   *rand.Rand

	states map[string]*targetState // keyed by target URL, immutable map after construction
}

// New constructs a Balancer for one route's target pool. targets must be
// non-empty for Select to ever succeed; an empty pool always yields
// [domain.ErrNoHealthyTarget].
func New(strategy string, targets []domain.Target, cbCfg *domain.CircuitBreakerConfig) *Balancer {
	cp := make([]domain.Target, len(targets))
	copy(cp, targets)

	cfg := domain.CircuitBreakerConfig{}
	if cbCfg != nil {
		cfg = *cbCfg
	}

	states := make(map[string]*targetState, len(cp))
	for _, t := range cp {
		states[t.URL] = &targetState{breaker: newCircuitBreaker(cfg)}
	}

	return &Balancer{
		strategy: strategy,
		targets:  cp,
		wrr:      newWeightedState(cp),
		sticky:   make(map[uint64]string),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		states:   states,
	}
}

// eligible reports whether a target may currently be selected: I3.
func (b *Balancer) eligible(t domain.Target) bool {
	st := b.states[t.URL]
	if st == nil {
		return false
	}
	if !st.healthy(t.StaticHealthy) {
		return false
	}
	return st.breaker.allowRequest()
}

func (b *Balancer) eligibleTargets() []domain.Target {
	out := make([]domain.Target, 0, len(b.targets))
	for _, t := range b.targets {
		if b.eligible(t) {
			out = append(out, t)
		}
	}
	return out
}

// Select picks a target according to the configured strategy. It returns
// [domain.ErrNoHealthyTarget] if no target is eligible.
func (b *Balancer) Select() (string, error) {
	healthy := b.eligibleTargets()
	if len(healthy) == 0 {
		return "", domain.ErrNoHealthyTarget
	}

	switch b.strategy {
	case domain.StrategyWeightedRoundRobin:
		if url, ok := b.weightedRoundRobinSelect(); ok {
			return url, nil
		}
		return b.roundRobinSelect(healthy), nil
	case domain.StrategyRandom:
		return b.randomSelect(healthy), nil
	case domain.StrategyLeastConnections:
		return b.leastConnectionsSelect(healthy), nil
	default:
		return b.roundRobinSelect(healthy), nil
	}
}

// SelectSticky implements §4.2 sticky dispatch keyed by a stable client
// identifier (typically the client IP).
func (b *Balancer) SelectSticky(clientKey string) (string, error) {
	h := hashClientKey(clientKey)

	b.stickyMu.Lock()
	if url, ok := b.sticky[h]; ok {
		b.stickyMu.Unlock()
		if b.urlEligible(url) {
			return url, nil
		}
		b.stickyMu.Lock()
		delete(b.sticky, h)
		b.stickyMu.Unlock()
	} else {
		b.stickyMu.Unlock()
	}

	url, err := b.Select()
	if err != nil {
		return "", err
	}

	b.stickyMu.Lock()
	b.sticky[h] = url
	b.stickyMu.Unlock()
	return url, nil
}

func (b *Balancer) urlEligible(url string) bool {
	for _, t := range b.targets {
		if t.URL == url {
			return b.eligible(t)
		}
	}
	return false
}

// RecordDispatch increments the active-connection counter for a target,
// called immediately before a request is dispatched to it.
func (b *Balancer) RecordDispatch(url string) {
	st := b.states[url]
	if st == nil {
		return
	}
	st.mu.Lock()
	st.activeConnections++
	st.mu.Unlock()
}

// RecordCompletion decrements the active-connection counter and feeds the
// circuit breaker, called on every dispatch's exit path regardless of
// success or failure (§5's scope-guard requirement).
func (b *Balancer) RecordCompletion(url string, outcome Outcome) {
	st := b.states[url]
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.activeConnections > 0 {
		st.activeConnections--
	}
	st.mu.Unlock()

	switch outcome {
	case Success:
		st.breaker.recordSuccess()
	case Failure:
		st.breaker.recordFailure()
		b.clearStickyFor(url)
	}
}

// SetTargetHealth is the non-blocking callback the health monitor (C4)
// calls to update dynamic health. Thread-safe; no caller mutation of the
// balancer beyond this call is required.
func (b *Balancer) SetTargetHealth(url string, healthy bool) {
	st := b.states[url]
	if st == nil {
		return
	}
	st.mu.Lock()
	h := healthy
	st.dynamicHealthy = &h
	st.mu.Unlock()

	if !healthy {
		b.clearStickyFor(url)
	}
}

// clearStickyFor removes every sticky-map entry pointing at url, per I5.
func (b *Balancer) clearStickyFor(url string) {
	b.stickyMu.Lock()
	defer b.stickyMu.Unlock()
	for k, v := range b.sticky {
		if v == url {
			delete(b.sticky, k)
		}
	}
}

// ActiveConnections reports the current dispatch count for a target, used
// by the least-connections strategy and exposed for diagnostics.
func (b *Balancer) ActiveConnections(url string) int64 {
	st := b.states[url]
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.activeConnections
}

// CircuitState reports the current circuit-breaker state for a target.
func (b *Balancer) CircuitState(url string) CircuitState {
	st := b.states[url]
	if st == nil {
		return CircuitClosed
	}
	return st.breaker.snapshot()
}
