// Package proxy implements the WebSocket-aware proxy engine (C6): target
// selection, hop-by-hop header handling, and HTTP/WebSocket dispatch.
package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/balancer"
	"github.com/koltyakov/expose/internal/domain"
	"github.com/koltyakov/expose/internal/netutil"
)

const maxResponseBufferBytes = 32 << 20 // 32 MiB, mirrors the tunnel client's forwarding cap

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Engine dispatches a matched request to a selected target, sharing one
// *http.Client and its connection pool across calls (the teacher's manual-forwarding style,
// not httputil.ReverseProxy, so hop-by-hop handling stays explicit).
type Engine struct {
	httpClient *http.Client
	wsDialer   *websocket.Dialer
	upgrader   websocket.Upgrader
}

// New builds an Engine. timeout bounds HTTP dispatch; it does not apply to
// WebSocket sessions once upgraded.
func New(timeout time.Duration) *Engine {
	return &Engine{
		httpClient: &http.Client{Timeout: timeout},
		wsDialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// IsUpgrade reports whether r is a WebSocket upgrade request per §4.6 step 1.
func IsUpgrade(h http.Header) bool {
	return netutil.ShouldPreserveUpgradeHeaders(h)
}

// SelectTarget implements §4.6 step 2: sticky selection for WebSocket
// routes configured with sticky_sessions, plain selection otherwise.
func SelectTarget(b *balancer.Balancer, route *domain.RouteConfig, isWS bool, clientIP string) (string, error) {
	if isWS && route.StickySessions {
		return b.SelectSticky(clientIP)
	}
	return b.Select()
}

// Outcome classifies a completed dispatch for the caller to feed back to
// the balancer via [balancer.Balancer.RecordCompletion].
type Outcome = balancer.Outcome

// DispatchHTTP performs step 3-5 of §4.6 for a plain HTTP request: strip
// hop-by-hop headers, inject forwarding headers, dial the target, stream
// the body, and return the response. The caller is responsible for
// RecordDispatch/RecordCompletion bracketing this call.
func (e *Engine) DispatchHTTP(ctx context.Context, targetURL string, method, path string, header http.Header, body []byte, clientAddr string, forwardedHost string, tls bool) (status int, respHeader http.Header, respBody []byte, err error) {
	target, perr := url.Parse(strings.TrimSuffix(targetURL, "/") + path)
	if perr != nil {
		return 0, nil, nil, domain.ErrUpstreamProtocol
	}

	req, rerr := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if rerr != nil {
		return 0, nil, nil, domain.ErrUpstreamProtocol
	}
	req.Header = header.Clone()
	netutil.RemoveHopByHopHeaders(req.Header)
	injectForwardedHeaders(req.Header, clientAddr, forwardedHost, tls)

	resp, derr := e.httpClient.Do(req)
	if derr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return 0, nil, nil, domain.ErrUpstreamTimeout
		}
		return 0, nil, nil, domain.ErrUpstreamUnreachable
	}
	defer func() { _ = resp.Body.Close() }()

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if _, cerr := io.Copy(buf, io.LimitReader(resp.Body, maxResponseBufferBytes)); cerr != nil {
		return 0, nil, nil, domain.ErrUpstreamProtocol
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())

	respHeader = resp.Header.Clone()
	netutil.RemoveHopByHopHeaders(respHeader)
	return resp.StatusCode, respHeader, out, nil
}

// injectForwardedHeaders appends the client address to X-Forwarded-For and
// sets X-Forwarded-Proto/-Host (§4.6 step 3).
func injectForwardedHeaders(h http.Header, clientAddr, host string, tls bool) {
	ip := clientAddr
	if hostPart, _, err := net.SplitHostPort(clientAddr); err == nil {
		ip = hostPart
	}
	ip = strings.TrimSpace(ip)
	if ip != "" {
		if existing := h.Get("X-Forwarded-For"); existing != "" {
			h.Set("X-Forwarded-For", existing+", "+ip)
		} else {
			h.Set("X-Forwarded-For", ip)
		}
	}

	proto := "http"
	if tls {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	if host != "" {
		h.Set("X-Forwarded-Host", host)
	}
}
