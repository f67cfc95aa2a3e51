package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/koltyakov/expose/internal/balancer"
	"github.com/koltyakov/expose/internal/domain"
	"github.com/koltyakov/expose/internal/health"
	"github.com/koltyakov/expose/internal/middleware"
	"github.com/koltyakov/expose/internal/proxy"
	"github.com/koltyakov/expose/internal/route"
)

// routeRuntime is the per-route runtime state built at load time: a
// balancer, a middleware pipeline, and (for dynamic routes) a health probe.
type routeRuntime struct {
	route    *domain.RouteConfig
	balancer *balancer.Balancer
	pipeline *middleware.Pipeline
}

// Gateway dispatches incoming requests to directly configured upstream
// routes: route match, then static-file short-circuit, then the
// middleware/balancer/proxy chain. It is mounted inside
// [github.com/koltyakov/expose/internal/server]'s public handler ahead of
// tunnel-registry resolution, so one process serves both route kinds from
// one dispatch path, per the gateway/tunnel coupling the wire protocol
// assumes. Built once from a loaded [Config]; safe for concurrent use.
type Gateway struct {
	log       *slog.Logger
	table     *route.Table
	engine    *proxy.Engine
	health    *health.Monitor
	byPattern map[string]*routeRuntime
}

// New builds a Gateway from a normalized route set.
func New(log *slog.Logger, routes []*domain.RouteConfig) *Gateway {
	byPattern := make(map[string]*routeRuntime, len(routes))
	maxTimeout := 30 * time.Second
	for _, r := range routes {
		rt := &routeRuntime{route: r, pipeline: middleware.New(r.Middleware)}
		if len(r.Targets) > 0 {
			rt.balancer = balancer.New(r.Strategy, r.Targets, r.CircuitBreaker)
		}
		byPattern[r.Pattern] = rt
		if r.Timeout > maxTimeout {
			maxTimeout = r.Timeout
		}
	}

	g := &Gateway{
		log:       log,
		table:     route.NewTable(routes),
		engine:    proxy.New(maxTimeout),
		byPattern: byPattern,
	}
	g.health = health.New(log, g.onHealthChange)
	for _, r := range routes {
		if r.HealthCheck != nil && len(r.Targets) > 0 {
			g.health.Start(r.Pattern, r.Targets, *r.HealthCheck)
		}
	}
	return g
}

// Close stops every running health probe. The gateway is not reusable
// afterward.
func (g *Gateway) Close() {
	for pattern, rt := range g.byPattern {
		if rt.route.HealthCheck != nil {
			g.health.Stop(pattern)
		}
	}
}

func (g *Gateway) onHealthChange(targetURL string, healthy bool) {
	for _, rt := range g.byPattern {
		if rt.balancer != nil {
			rt.balancer.SetTargetHealth(targetURL, healthy)
		}
	}
}

// ServeHTTP implements the dispatch flow: route match, then static-file
// short-circuit, then the middleware/balancer/proxy chain. Unmatched paths
// get a plain 404; callers embedding the gateway inside a larger dispatcher
// that needs to fall through on a miss should use [Gateway.TryServeHTTP].
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.TryServeHTTP(w, r) {
		http.NotFound(w, r)
	}
}

// TryServeHTTP dispatches r if it matches a configured route, and reports
// whether it did. On a miss it writes nothing, so the caller can fall
// through to a different handler (e.g. tunnel-registry host resolution).
func (g *Gateway) TryServeHTTP(w http.ResponseWriter, r *http.Request) bool {
	match, ok := g.table.Find(r.URL.Path)
	if !ok {
		return false
	}
	rt := g.byPattern[match.Route.Pattern]

	if rt.route.StaticRoot != "" {
		g.serveStatic(w, r, rt.route.StaticRoot, match.StrippedPath)
		return true
	}

	body, _ := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	mreq := &middleware.Request{
		Method:   r.Method,
		Path:     match.StrippedPath,
		Header:   r.Header.Clone(),
		Body:     body,
		ClientIP: clientIP(r.RemoteAddr),
	}

	resp, release, ok := rt.pipeline.ProcessRequest(mreq)
	defer release()
	if !ok {
		writeResponse(w, resp)
		return true
	}

	isWS := proxy.IsUpgrade(r.Header)
	target, err := proxy.SelectTarget(rt.balancer, rt.route, isWS, mreq.ClientIP)
	if err != nil {
		g.writeUpstreamError(w, err)
		return true
	}

	rt.balancer.RecordDispatch(target)

	if isWS {
		err := g.engine.DispatchWebSocket(r.Context(), target, match.StrippedPath, r.URL.RawQuery, mreq.Header, w, r)
		rt.balancer.RecordCompletion(target, outcomeFor(err))
		return true
	}

	ctx, cancel := context.WithTimeout(r.Context(), effectiveTimeout(rt.route.Timeout))
	defer cancel()

	status, respHeader, respBody, derr := g.engine.DispatchHTTP(ctx, target, mreq.Method, mreq.Path, mreq.Header, mreq.Body, r.RemoteAddr, r.Host, r.TLS != nil)
	rt.balancer.RecordCompletion(target, outcomeFor(derr))
	if derr != nil {
		g.writeUpstreamError(w, derr)
		return true
	}

	mresp := &middleware.Response{Status: status, Header: respHeader, Body: respBody}
	rt.pipeline.ProcessResponse(mreq, mresp)
	writeResponse(w, mresp)
	return true
}

func effectiveTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

func outcomeFor(err error) proxy.Outcome {
	if err != nil {
		return balancer.Failure
	}
	return balancer.Success
}

func (g *Gateway) writeUpstreamError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, domain.ErrNoHealthyTarget):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrUpstreamTimeout):
		status = http.StatusGatewayTimeout
	}
	http.Error(w, err.Error(), status)
}

func writeResponse(w http.ResponseWriter, resp *middleware.Response) {
	if resp == nil {
		http.Error(w, "empty response", http.StatusBadGateway)
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

// serveStatic serves stripped path from root, the same way the teacher's
// local file forwarding guards against path escape.
func (g *Gateway) serveStatic(w http.ResponseWriter, r *http.Request, root, stripped string) {
	clean := filepath.Clean("/" + stripped)
	full := filepath.Join(root, clean)
	if !strings.HasPrefix(full, filepath.Clean(root)+string(filepath.Separator)) && full != filepath.Clean(root) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	info, err := os.Stat(full)
	if err == nil && info.IsDir() {
		full = filepath.Join(full, "index.html")
	}
	http.ServeFile(w, r, full)
}

func clientIP(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i >= 0 {
		return remoteAddr[:i]
	}
	return remoteAddr
}

