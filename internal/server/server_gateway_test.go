package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koltyakov/expose/internal/domain"
	"github.com/koltyakov/expose/internal/gateway"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// A gateway-configured route must be served by the same handlePublic that
// also serves tunnel-registry hosts, so one process/one dispatch path
// covers both route kinds.
func TestHandlePublicDispatchesGatewayRouteBeforeTunnelLookup(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok:" + r.URL.Path))
	}))
	defer upstream.Close()

	routes := []*domain.RouteConfig{
		{
			Pattern:  "/api/*",
			Strategy: domain.StrategyRoundRobin,
			Timeout:  5 * time.Second,
			Targets:  []domain.Target{{URL: upstream.URL, Weight: 1, StaticHealthy: true}},
		},
	}

	gw := gateway.New(discardLogger(), routes)
	defer gw.Close()

	srv := &Server{
		log:     discardLogger(),
		gateway: gw,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/widgets", nil)
	req.Host = "unregistered-host.example.com" // would 404/unknown-host if it fell through to tunnel lookup
	rr := httptest.NewRecorder()

	srv.handlePublic(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected gateway route to handle the request, got status %d body %q", rr.Code, rr.Body.String())
	}
}

// A request with no gateway (or no matching gateway route) must still fall
// through to the existing tunnel-registry lookup path unchanged.
func TestHandlePublicFallsThroughWithoutGateway(t *testing.T) {
	t.Parallel()

	srv := &Server{
		log: discardLogger(),
		routes: routeCache{
			entries:       make(map[string]routeCacheEntry),
			hostsByTunnel: make(map[string]map[string]struct{}),
		},
	}
	srv.routes.setMiss("unregistered-host.example.com") // pre-seed the cache so the miss never reaches a (nil) store

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "unregistered-host.example.com"
	rr := httptest.NewRecorder()

	srv.handlePublic(rr, req)

	if rr.Code == http.StatusOK {
		t.Fatalf("expected an error status for an unresolvable host, got 200")
	}
}
