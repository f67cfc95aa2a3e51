package server

import (
	"path/filepath"
	"testing"

	"github.com/koltyakov/expose/internal/config"
	"github.com/koltyakov/expose/internal/subdomain"
)

func newTestSubdomainRegistry(t *testing.T) *subdomain.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "subdomains.json")
	r := subdomain.New(discardLogger(), path, "example.com", nil)
	t.Cleanup(r.Close)
	return r
}

func TestMirrorSubdomainAllocationBindsLabelToTunnel(t *testing.T) {
	t.Parallel()

	srv := &Server{
		log:        discardLogger(),
		cfg:        config.ServerConfig{BaseDomain: "example.com"},
		subdomains: newTestSubdomainRegistry(t),
	}

	srv.mirrorSubdomainAllocation("widget42.example.com", "tunnel-1", "203.0.113.5")

	tunnelID, ok := srv.subdomains.Resolve("widget42.example.com")
	if !ok || tunnelID != "tunnel-1" {
		t.Fatalf("resolve = %q, %v; want tunnel-1, true", tunnelID, ok)
	}
}

func TestMirrorSubdomainAllocationSkipsCustomDomains(t *testing.T) {
	t.Parallel()

	srv := &Server{
		log:        discardLogger(),
		cfg:        config.ServerConfig{BaseDomain: "example.com"},
		subdomains: newTestSubdomainRegistry(t),
	}

	srv.mirrorSubdomainAllocation("app.customer.io", "tunnel-2", "203.0.113.5")

	if _, ok := srv.subdomains.Resolve("app.customer.io"); ok {
		t.Fatal("expected custom domain to be left unmirrored")
	}
}

func TestMirrorSubdomainAllocationRebindsOnReregistration(t *testing.T) {
	t.Parallel()

	srv := &Server{
		log:        discardLogger(),
		cfg:        config.ServerConfig{BaseDomain: "example.com"},
		subdomains: newTestSubdomainRegistry(t),
	}

	srv.mirrorSubdomainAllocation("stable7.example.com", "tunnel-3", "203.0.113.5")
	srv.mirrorSubdomainAllocation("stable7.example.com", "tunnel-3", "203.0.113.5")

	tunnelID, ok := srv.subdomains.Resolve("stable7.example.com")
	if !ok || tunnelID != "tunnel-3" {
		t.Fatalf("resolve = %q, %v; want tunnel-3, true", tunnelID, ok)
	}
}

func TestClientIPFromRemoteAddrStripsPort(t *testing.T) {
	t.Parallel()

	if got := clientIPFromRemoteAddr("203.0.113.5:54321"); got != "203.0.113.5" {
		t.Fatalf("got %q", got)
	}
	if got := clientIPFromRemoteAddr("203.0.113.5"); got != "203.0.113.5" {
		t.Fatalf("got %q", got)
	}
}
