package route

import (
	"testing"

	"github.com/koltyakov/expose/internal/domain"
)

func TestFindExactMatch(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]*domain.RouteConfig{
		{Pattern: "/health"},
		{Pattern: "*"},
	})

	m, ok := tbl.Find("/health")
	if !ok {
		t.Fatal("expected a match")
	}
	if m.StrippedPath != "/health" {
		t.Fatalf("got stripped path %q, want /health", m.StrippedPath)
	}
}

func TestFindPrefixStrip(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]*domain.RouteConfig{
		{Pattern: "/api/*"},
	})

	cases := []struct {
		path string
		want string
	}{
		{"/api/users", "/users"},
		{"/api/", "/"},
		{"/api", "/"},
	}
	for _, tc := range cases {
		m, ok := tbl.Find(tc.path)
		if !ok {
			t.Fatalf("path %q: expected match", tc.path)
		}
		if m.StrippedPath != tc.want {
			t.Fatalf("path %q: got stripped %q, want %q", tc.path, m.StrippedPath, tc.want)
		}
	}
}

func TestFindCatchAll(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]*domain.RouteConfig{
		{Pattern: "/api/*"},
		{Pattern: "*"},
	})

	m, ok := tbl.Find("/anything/else")
	if !ok {
		t.Fatal("expected catch-all match")
	}
	if m.StrippedPath != "/anything/else" {
		t.Fatalf("got %q, want unchanged path", m.StrippedPath)
	}
}

func TestFindFirstMatchWins(t *testing.T) {
	t.Parallel()

	specific := &domain.RouteConfig{Pattern: "/api/*"}
	catchAll := &domain.RouteConfig{Pattern: "*"}
	tbl := NewTable([]*domain.RouteConfig{specific, catchAll})

	m, ok := tbl.Find("/api/x")
	if !ok || m.Route != specific {
		t.Fatal("expected the specific route to win over the catch-all")
	}
}

func TestFindNoMatch(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]*domain.RouteConfig{
		{Pattern: "/api/*"},
	})

	if _, ok := tbl.Find("/other"); ok {
		t.Fatal("expected no match")
	}
}

func TestFindEmptyRouteSet(t *testing.T) {
	t.Parallel()

	tbl := NewTable(nil)
	if _, ok := tbl.Find("/anything"); ok {
		t.Fatal("expected no match on empty route set")
	}
}

func TestFindNormalizesMissingLeadingSlash(t *testing.T) {
	t.Parallel()

	tbl := NewTable([]*domain.RouteConfig{{Pattern: "/health"}})
	m, ok := tbl.Find("health")
	if !ok || m.StrippedPath != "/health" {
		t.Fatal("expected leading slash to be prepended before matching")
	}
}
