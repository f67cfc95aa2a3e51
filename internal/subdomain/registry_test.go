package subdomain

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/koltyakov/expose/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subdomains.json")
	r := New(testLogger(), path, "tunnel.example.com", nil)
	t.Cleanup(r.Close)
	return r
}

func TestAllocateRandomProducesUniqueSubdomain(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	sub, err := r.Allocate("tunnel-1", "", "203.0.113.1")
	if err != nil {
		t.Fatal(err)
	}
	if sub == "" {
		t.Fatal("expected non-empty subdomain")
	}

	tunnelID, ok := r.Resolve(sub + ".tunnel.example.com")
	if !ok || tunnelID != "tunnel-1" {
		t.Fatalf("resolve(%q) = %q, %v", sub, tunnelID, ok)
	}
}

func TestAllocateCustomRejectsReservedWord(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	_, err := r.Allocate("tunnel-1", "api", "203.0.113.1")
	if err != domain.ErrReserved {
		t.Fatalf("got %v, want ErrReserved", err)
	}
}

func TestAllocateCustomRejectsConflict(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if _, err := r.Allocate("tunnel-1", "myapp", "203.0.113.1"); err != nil {
		t.Fatal(err)
	}
	_, err := r.Allocate("tunnel-2", "myapp", "203.0.113.2")
	if err != domain.ErrConflict {
		t.Fatalf("got %v, want ErrConflict", err)
	}
}

func TestAllocateCustomRejectsInvalidLength(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if _, err := r.Allocate("tunnel-1", "ab", "203.0.113.1"); err != domain.ErrValidation {
		t.Fatalf("too short: got %v, want ErrValidation", err)
	}

	long := ""
	for i := 0; i < 31; i++ {
		long += "a"
	}
	if _, err := r.Allocate("tunnel-2", long, "203.0.113.1"); err != domain.ErrValidation {
		t.Fatalf("too long: got %v, want ErrValidation", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	sub, err := r.Allocate("tunnel-1", "myapp", "203.0.113.1")
	if err != nil {
		t.Fatal(err)
	}

	r.Release("tunnel-1")
	if _, ok := r.Resolve(sub + ".tunnel.example.com"); ok {
		t.Fatal("expected subdomain to be released")
	}

	// Second release of the same tunnel id must be a no-op, not a panic.
	r.Release("tunnel-1")
}

func TestResolveDistinguishesCustomDomain(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	if _, err := r.Allocate("tunnel-1", "app.customer.io", "203.0.113.1"); err != nil {
		t.Fatal(err)
	}

	tunnelID, ok := r.Resolve("app.customer.io")
	if !ok || tunnelID != "tunnel-1" {
		t.Fatalf("resolve custom domain = %q, %v", tunnelID, ok)
	}

	if _, ok := r.Resolve("unknown.tunnel.example.com"); ok {
		t.Fatal("expected unknown subdomain to fail resolution")
	}
}

func TestAllocateRandomAvoidsReservedAndActiveCollisions(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		sub, err := r.Allocate("tunnel-random", "", "203.0.113.1")
		if err != nil {
			t.Fatal(err)
		}
		r.Release("tunnel-random")
		if seen[sub] {
			continue
		}
		seen[sub] = true
		if _, reserved := r.reserved[sub]; reserved {
			t.Fatalf("allocated reserved word %q", sub)
		}
	}
}

func TestPersistenceSurvivesReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "subdomains.json")

	r1 := New(testLogger(), path, "tunnel.example.com", nil)
	sub, err := r1.Allocate("tunnel-1", "persisted", "203.0.113.1")
	if err != nil {
		t.Fatal(err)
	}
	r1.Close()

	r2 := New(testLogger(), path, "tunnel.example.com", nil)
	defer r2.Close()

	tunnelID, ok := r2.Resolve(sub + ".tunnel.example.com")
	if !ok || tunnelID != "tunnel-1" {
		t.Fatalf("resolve after reload = %q, %v", tunnelID, ok)
	}
}
