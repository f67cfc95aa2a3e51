package balancer

import "github.com/koltyakov/expose/internal/domain"

// roundRobinSelect cycles over the eligible subsequence given in
// configuration order.
func (b *Balancer) roundRobinSelect(healthy []domain.Target) string {
	b.posMu.Lock()
	idx := b.position % uint64(len(healthy))
	b.position++
	b.posMu.Unlock()
	return healthy[idx].URL
}

// randomSelect picks uniformly among the eligible targets using the
// balancer's own PRNG, seeded once at construction from a high-resolution
// clock; not cryptographically strong, matching §4.2.
func (b *Balancer) randomSelect(healthy []domain.Target) string {
	b.rngMu.Lock()
	idx := b.rng.Intn(len(healthy))
	b.rngMu.Unlock()
	return healthy[idx].URL
}

// leastConnectionsSelect returns the eligible target with the fewest active
// connections; ties break by configuration order (healthy is already in
// that order).
func (b *Balancer) leastConnectionsSelect(healthy []domain.Target) string {
	best := healthy[0]
	bestCount := b.ActiveConnections(best.URL)
	for _, t := range healthy[1:] {
		c := b.ActiveConnections(t.URL)
		if c < bestCount {
			best = t
			bestCount = c
		}
	}
	return best.URL
}

// weightedState is the GCD-smooth weighted round-robin cursor, one per
// Balancer, walked over the full (not just eligible) target list so weight
// decay stays stable across health flaps.
type weightedState struct {
	targets        []domain.Target
	currentWeights []int
	gcdWeight      int
	position       int
}

func newWeightedState(targets []domain.Target) *weightedState {
	weights := make([]int, len(targets))
	g := 0
	for i, t := range targets {
		w := t.Weight
		if w < 1 {
			w = 1
		}
		weights[i] = w
		g = gcd(g, w)
	}
	if g == 0 {
		g = 1
	}
	return &weightedState{
		targets:        targets,
		currentWeights: append([]int(nil), weights...),
		gcdWeight:      g,
		position:       -1,
	}
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// weightedRoundRobinSelect walks the internal cursor, decreasing the
// running weight by gcd each full cycle and emitting the first eligible
// target whose current weight is still positive. Returns ok=false if the
// pool is empty or a full cycle finds nothing eligible, in which case the
// caller falls back to plain round robin (matching the reference
// implementation's documented fallback quirk).
func (b *Balancer) weightedRoundRobinSelect() (string, bool) {
	b.wrrMu.Lock()
	defer b.wrrMu.Unlock()

	s := b.wrr
	n := len(s.targets)
	if n == 0 {
		return "", false
	}

	for attempt := 0; attempt < 2*n+1; attempt++ {
		s.position = (s.position + 1) % n
		if s.position == 0 {
			allZero := true
			for i, w := range s.currentWeights {
				if w >= s.gcdWeight {
					s.currentWeights[i] = w - s.gcdWeight
				}
				if s.currentWeights[i] != 0 {
					allZero = false
				}
			}
			if allZero {
				for i, t := range s.targets {
					w := t.Weight
					if w < 1 {
						w = 1
					}
					s.currentWeights[i] = w
				}
			}
		}

		t := s.targets[s.position]
		if s.currentWeights[s.position] > 0 && b.eligible(t) {
			return t.URL, true
		}
	}
	return "", false
}
