package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/koltyakov/expose/internal/balancer"
	"github.com/koltyakov/expose/internal/domain"
)

func TestDispatchHTTPSuccess(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e := New(2 * time.Second)
	status, header, body, err := e.DispatchHTTP(context.Background(), srv.URL, http.MethodGet, "/anything", http.Header{}, nil, "10.0.0.1:1234", "example.com", false)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if string(body) != "hello" {
		t.Fatalf("body = %q", body)
	}
	if header.Get("X-Upstream") != "yes" {
		t.Fatal("expected upstream header to be preserved")
	}
}

func TestDispatchHTTPUnreachable(t *testing.T) {
	t.Parallel()

	e := New(500 * time.Millisecond)
	_, _, _, err := e.DispatchHTTP(context.Background(), "http://127.0.0.1:1", http.MethodGet, "/", http.Header{}, nil, "10.0.0.1:1", "h", false)
	if err != domain.ErrUpstreamUnreachable {
		t.Fatalf("got %v, want ErrUpstreamUnreachable", err)
	}
}

func TestDispatchHTTPStripsHopByHopAndForwardsHeaders(t *testing.T) {
	t.Parallel()

	var gotConnection, gotXFF, gotProto string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Connection")
		gotXFF = r.Header.Get("X-Forwarded-For")
		gotProto = r.Header.Get("X-Forwarded-Proto")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	e := New(2 * time.Second)
	h := http.Header{}
	h.Set("Connection", "keep-alive")
	_, _, _, err := e.DispatchHTTP(context.Background(), srv.URL, http.MethodGet, "/", h, nil, "203.0.113.9:5555", "example.com", true)
	if err != nil {
		t.Fatal(err)
	}
	if gotConnection != "" {
		t.Fatalf("expected Connection header stripped, got %q", gotConnection)
	}
	if gotXFF != "203.0.113.9" {
		t.Fatalf("X-Forwarded-For = %q", gotXFF)
	}
	if gotProto != "https" {
		t.Fatalf("X-Forwarded-Proto = %q", gotProto)
	}
}

func TestSelectTargetUsesStickyForWebSocket(t *testing.T) {
	t.Parallel()

	b := balancer.New(domain.StrategyRoundRobin, []domain.Target{
		{URL: "ws://a", StaticHealthy: true, Weight: 1},
		{URL: "ws://b", StaticHealthy: true, Weight: 1},
	}, nil)

	route := &domain.RouteConfig{StickySessions: true}

	first, err := SelectTarget(b, route, true, "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		got, err := SelectTarget(b, route, true, "10.0.0.1")
		if err != nil || got != first {
			t.Fatalf("expected sticky reuse of %q, got %q", first, got)
		}
	}
}

func TestIsUpgradeDetection(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set("Upgrade", "websocket")
	h.Set("Connection", "Upgrade")
	if !IsUpgrade(h) {
		t.Fatal("expected upgrade detection to be true")
	}

	plain := http.Header{}
	if IsUpgrade(plain) {
		t.Fatal("expected upgrade detection to be false for plain request")
	}
}
