package health

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/koltyakov/expose/internal/domain"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(newDiscard(), nil))
}

type discard struct{}

func newDiscard() discard { return discard{} }

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func TestHTTPProbeHealthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var mu sync.Mutex
	results := map[string]bool{}
	done := make(chan struct{}, 1)

	m := New(newTestLogger(), func(url string, healthy bool) {
		mu.Lock()
		results[url] = healthy
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})

	m.Start("r1", []domain.Target{{URL: srv.URL, StaticHealthy: true}}, domain.HealthCheckConfig{
		Mode:     "http",
		Interval: 5 * time.Millisecond,
		Timeout:  time.Second,
		Path:     "/healthz",
	})
	defer m.Stop("r1")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health callback")
	}

	mu.Lock()
	defer mu.Unlock()
	if !results[srv.URL] {
		t.Fatalf("expected %s to be reported healthy", srv.URL)
	}
}

func TestHTTPProbeUnhealthyOn5xx(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	done := make(chan bool, 1)
	m := New(newTestLogger(), func(url string, healthy bool) {
		select {
		case done <- healthy:
		default:
		}
	})

	m.Start("r2", []domain.Target{{URL: srv.URL, StaticHealthy: true}}, domain.HealthCheckConfig{
		Mode:     "http",
		Interval: 5 * time.Millisecond,
		Timeout:  time.Second,
		Path:     "/",
	})
	defer m.Stop("r2")

	select {
	case healthy := <-done:
		if healthy {
			t.Fatal("expected unhealthy result for 500 response")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for health callback")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	m := New(newTestLogger(), func(string, bool) {})
	m.Stop("never-started")
	m.Stop("never-started")
}
