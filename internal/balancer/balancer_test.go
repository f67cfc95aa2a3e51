package balancer

import (
	"testing"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

func targets(urls ...string) []domain.Target {
	out := make([]domain.Target, len(urls))
	for i, u := range urls {
		out[i] = domain.Target{URL: u, Weight: 1, StaticHealthy: true}
	}
	return out
}

func TestRoundRobinDistribution(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyRoundRobin, targets("a", "b", "c"), nil)

	var seq []string
	for i := 0; i < 6; i++ {
		url, err := b.Select()
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seq = append(seq, url)
	}
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if seq[i] != want[i] {
			t.Fatalf("seq = %v, want %v", seq, want)
		}
	}
}

func TestSelectEmptyPoolFails(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyRoundRobin, nil, nil)
	if _, err := b.Select(); err != domain.ErrNoHealthyTarget {
		t.Fatalf("got %v, want ErrNoHealthyTarget", err)
	}
}

func TestSingleTargetAlwaysReturned(t *testing.T) {
	t.Parallel()

	for _, strat := range []string{
		domain.StrategyRoundRobin,
		domain.StrategyWeightedRoundRobin,
		domain.StrategyRandom,
		domain.StrategyLeastConnections,
	} {
		b := New(strat, targets("only"), nil)
		for i := 0; i < 5; i++ {
			url, err := b.Select()
			if err != nil || url != "only" {
				t.Fatalf("strategy %s: got (%q, %v)", strat, url, err)
			}
		}
	}
}

func TestLeastConnectionsPicksFewest(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyLeastConnections, targets("a", "b"), nil)
	b.RecordDispatch("a")
	b.RecordDispatch("a")

	url, err := b.Select()
	if err != nil {
		t.Fatal(err)
	}
	if url != "b" {
		t.Fatalf("got %q, want b", url)
	}
}

func TestWeightedRoundRobinFrequencyConverges(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyWeightedRoundRobin, []domain.Target{
		{URL: "a", Weight: 3, StaticHealthy: true},
		{URL: "b", Weight: 1, StaticHealthy: true},
	}, nil)

	counts := map[string]int{}
	const n = 400
	for i := 0; i < n; i++ {
		url, err := b.Select()
		if err != nil {
			t.Fatal(err)
		}
		counts[url]++
	}

	ratio := float64(counts["a"]) / float64(counts["b"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("weighted ratio = %.2f, want close to 3.0 (counts=%v)", ratio, counts)
	}
}

func TestStickySessionReusesTarget(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyRoundRobin, targets("x", "y"), nil)

	first, err := b.SelectSticky("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		got, err := b.SelectSticky("10.0.0.1")
		if err != nil || got != first {
			t.Fatalf("expected sticky target %q, got %q (err=%v)", first, got, err)
		}
	}

	b.SetTargetHealth(first, false)

	other, err := b.SelectSticky("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if other == first {
		t.Fatalf("expected a different target after marking %q unhealthy", first)
	}
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	t.Parallel()

	cbCfg := &domain.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		OpenTimeout:      10 * time.Millisecond,
		TestRequests:     2,
		MinRequests:      1,
	}
	b := New(domain.StrategyRoundRobin, targets("t1", "t2"), cbCfg)

	// t1 is our victim: fail it 3 times via direct target selection isn't
	// controllable through round robin alternation, so drive the breaker
	// state directly through the public API by URL.
	for i := 0; i < 3; i++ {
		b.RecordDispatch("t1")
		b.RecordCompletion("t1", Failure)
	}

	if got := b.CircuitState("t1"); got != CircuitOpen {
		t.Fatalf("circuit state = %v, want Open", got)
	}
	if b.urlEligible("t1") {
		t.Fatal("t1 should be ineligible while circuit is open")
	}

	time.Sleep(20 * time.Millisecond)

	if !b.urlEligible("t1") {
		t.Fatal("t1 should become eligible (half-open) after open_timeout")
	}
	if got := b.CircuitState("t1"); got != CircuitHalfOpen {
		t.Fatalf("circuit state = %v, want HalfOpen", got)
	}

	b.RecordCompletion("t1", Success)
	b.RecordCompletion("t1", Success)

	if got := b.CircuitState("t1"); got != CircuitClosed {
		t.Fatalf("circuit state = %v, want Closed after test successes", got)
	}
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	t.Parallel()

	cbCfg := &domain.CircuitBreakerConfig{
		Enabled:          true,
		FailureThreshold: 1,
		FailureWindow:    time.Minute,
		OpenTimeout:      5 * time.Millisecond,
		TestRequests:     2,
		MinRequests:      1,
	}
	b := New(domain.StrategyRoundRobin, targets("t1"), cbCfg)

	b.RecordCompletion("t1", Failure)
	if got := b.CircuitState("t1"); got != CircuitOpen {
		t.Fatalf("circuit state = %v, want Open", got)
	}

	time.Sleep(10 * time.Millisecond)
	if !b.urlEligible("t1") {
		t.Fatal("expected half-open probe to be admitted")
	}

	b.RecordCompletion("t1", Failure)
	if got := b.CircuitState("t1"); got != CircuitOpen {
		t.Fatalf("circuit state = %v, want Open again after half-open failure", got)
	}
}

func TestActiveConnectionsNeverNegative(t *testing.T) {
	t.Parallel()

	b := New(domain.StrategyRoundRobin, targets("a"), nil)
	b.RecordCompletion("a", Success) // completion with no prior dispatch
	if got := b.ActiveConnections("a"); got != 0 {
		t.Fatalf("active connections = %d, want 0", got)
	}
}
