// Package health implements the per-route background health monitor (C4).
package health

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/domain"
)

// Callback is notified of a target's health transition. It must be
// non-blocking; the monitor never waits for propagation.
type Callback func(targetURL string, healthy bool)

// Monitor owns one background task per route, probing every configured
// target on an interval and reporting results through Callback.
type Monitor struct {
	log *slog.Logger
	cb  Callback

	client *http.Client
	dialer *websocket.Dialer

	mu    sync.Mutex
	tasks map[string]*routeTask // keyed by route id
}

type routeTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor that reports through cb.
func New(log *slog.Logger, cb Callback) *Monitor {
	return &Monitor{
		log: log,
		cb:  cb,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		tasks:  make(map[string]*routeTask),
	}
}

// Start begins probing targets for routeID at the configured interval. If a
// task already exists for routeID, it is stopped first.
func (m *Monitor) Start(routeID string, targets []domain.Target, cfg domain.HealthCheckConfig) {
	m.Stop(routeID)
	if len(targets) == 0 || cfg.Interval <= 0 {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	m.tasks[routeID] = &routeTask{cancel: cancel, done: done}
	m.mu.Unlock()

	go m.run(ctx, done, targets, cfg)
}

// Stop cancels the background task for routeID, if any, and waits for it to
// exit.
func (m *Monitor) Stop(routeID string) {
	m.mu.Lock()
	task, ok := m.tasks[routeID]
	if ok {
		delete(m.tasks, routeID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	task.cancel()
	<-task.done
}

func (m *Monitor) run(ctx context.Context, done chan struct{}, targets []domain.Target, cfg domain.HealthCheckConfig) {
	defer close(done)

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	last := make(map[string]bool, len(targets))

	probeAll := func() {
		for _, t := range targets {
			healthy := m.probe(ctx, t.URL, cfg)
			if prev, ok := last[t.URL]; ok && prev == healthy {
				continue // idempotent: consecutive identical results are suppressed
			}
			last[t.URL] = healthy
			m.cb(t.URL, healthy)
		}
	}

	probeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeAll()
		}
	}
}

func (m *Monitor) probe(ctx context.Context, targetURL string, cfg domain.HealthCheckConfig) bool {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	if cfg.Mode == "websocket" {
		return m.probeWebSocket(probeCtx, targetURL, cfg)
	}
	return m.probeHTTP(probeCtx, targetURL, cfg)
}

func (m *Monitor) probeHTTP(ctx context.Context, targetURL string, cfg domain.HealthCheckConfig) bool {
	url := strings.TrimSuffix(targetURL, "/") + cfg.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

func (m *Monitor) probeWebSocket(ctx context.Context, targetURL string, cfg domain.HealthCheckConfig) bool {
	wsURL := toWSURL(targetURL) + cfg.Path
	conn, _, err := m.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return false
	}
	defer func() { _ = conn.Close() }()

	msg := cfg.PingMessage
	if msg == "" {
		msg = "ping"
	}

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}
	if err := conn.WriteMessage(websocket.PingMessage, []byte(msg)); err != nil {
		return false
	}

	// ReadMessage blocks on I/O but internally dispatches control frames
	// (including the pong handler above) before returning; the read
	// deadline set above bounds how long it can block.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		readErr <- err
	}()

	select {
	case <-pongCh:
		return true
	case err := <-readErr:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func toWSURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
