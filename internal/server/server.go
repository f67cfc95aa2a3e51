// Package server implements the expose tunnel server: it accepts client
// registrations over HTTPS, holds one WebSocket control session per tunnel,
// and proxies public HTTP/WebSocket traffic to the connected client.
package server

import (
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/config"
	"github.com/koltyakov/expose/internal/domain"
	"github.com/koltyakov/expose/internal/gateway"
	"github.com/koltyakov/expose/internal/store/sqlite"
	"github.com/koltyakov/expose/internal/subdomain"
	"github.com/koltyakov/expose/internal/tunnelproto"
	"github.com/koltyakov/expose/internal/waf"
)

// TLS mode identifiers, mirroring config.ServerConfig.TLSMode.
const (
	tlsModeAuto     = "auto"
	tlsModeDynamic  = "dynamic"
	tlsModeWildcard = "wildcard"
)

// Structured error codes returned alongside HTTP error responses so clients
// can branch on failure reason without parsing message text.
const (
	errCodeRateLimit     = "rate_limited"
	errCodeTunnelLimit   = "tunnel_limit"
	errCodeHostnameInUse = "hostname_in_use"
)

const (
	maxRegisterBodyBytes = 64 * 1024

	minWSReadLimit         = 4 * 1024 * 1024
	wsWriteTimeout         = 10 * time.Second
	streamBodySendTimeout  = 15 * time.Second
	wsControlDispatchWait  = 2 * time.Second
	wsDataDispatchWait     = 5 * time.Second
	wafAuditLookupTimeout  = 2 * time.Second
	domainTouchTimeout     = 5 * time.Second
	usedTokenRetention     = 24 * time.Hour
	tokenPurgeBatchLimit   = 200

	streamingChanSize  = 64
	streamingThreshold = 256 * 1024
	streamingChunkSize = 256 * 1024

	httpsReadTimeout    = 30 * time.Second
	httpsWriteTimeout   = 0 // streamed responses can run indefinitely
	httpsIdleTimeout    = 120 * time.Second
	httpIdleTimeout     = 30 * time.Second
	httpsMaxHeaderBytes = 1 << 20

	defaultMaxPendingPerSession = 256

	defaultAuthHandshakeTimeout = 5 * time.Second
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Server holds all shared, long-lived state for the expose tunnel server.
type Server struct {
	cfg     config.ServerConfig
	log     *slog.Logger
	store   *sqlite.Store
	version string

	hub        *hub
	routes     routeCache
	regLimiter *rateLimiter
	gateway    *gateway.Gateway
	subdomains *subdomain.Registry

	wafBlocks     sync.Map // host -> *wafCounter
	wafAuditQueue chan wafAuditEvent

	domainTouches chan string
	domainTouched map[string]struct{}
	domainTouchMu sync.Mutex

	requestSeq    atomic.Uint64
	wildcardTLSOn bool
}

// hub tracks the live tunnel WebSocket sessions, keyed by tunnel ID.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

// session represents one connected tunnel client's control WebSocket.
type session struct {
	tunnelID string
	conn     *websocket.Conn

	pending      map[string]chan tunnelproto.Message
	pendingMu    sync.RWMutex
	pendingCount atomic.Int64

	wsPending map[string]chan tunnelproto.Message
	wsMu      sync.RWMutex

	writeMu sync.Mutex

	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
}

// wafAuditEvent is one WAF block occurrence queued for structured logging,
// decoupling the hot request path from the (comparatively slow) route lookup
// needed to identify the owning tunnel.
type wafAuditEvent struct {
	event       waf.BlockEvent
	totalBlocks int64
}

// wafCounter tracks per-hostname WAF block counts for the lifetime of the
// janitor's retention window.
type wafCounter struct {
	total            atomic.Int64
	lastSeenUnixNano atomic.Int64
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

type registerRequest = domain.RegisterRequest
type registerResponse = domain.RegisterResponse

// New constructs a Server ready to have Run called on it. gatewayRoutes, if
// non-empty, are mounted ahead of tunnel-registry resolution in the public
// handler so direct-upstream routes and tunnel traffic share one dispatch
// path (see handlePublic).
func New(cfg config.ServerConfig, store *sqlite.Store, log *slog.Logger, version string, gatewayRoutes []*domain.RouteConfig) *Server {
	s := &Server{
		cfg:     cfg,
		log:     log,
		store:   store,
		version: version,
		hub: &hub{
			sessions: make(map[string]*session),
		},
		routes: routeCache{
			entries:       make(map[string]routeCacheEntry),
			hostsByTunnel: make(map[string]map[string]struct{}),
		},
		regLimiter:    newRateLimiter(),
		domainTouches: make(chan string, 256),
		domainTouched: make(map[string]struct{}),
	}
	if cfg.WAFEnabled {
		s.wafAuditQueue = make(chan wafAuditEvent, 256)
	}
	if len(gatewayRoutes) > 0 {
		s.gateway = gateway.New(log, gatewayRoutes)
	}
	s.subdomains = subdomain.New(log, cfg.SubdomainRegistryPath, cfg.BaseDomain, nil)
	return s
}

// replaceSession installs sess as the current session for tunnelID and
// returns whatever session previously held that slot (nil if none). The
// caller is responsible for closing the evicted session's connection.
func (s *Server) replaceSession(tunnelID string, sess *session) *session {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	prev := s.hub.sessions[tunnelID]
	s.hub.sessions[tunnelID] = sess
	return prev
}

// removeSessionIfCurrent deletes sess from the hub only if it is still the
// session on record for its tunnel, so a stale readLoop cleanup cannot evict
// a session that has already been replaced by a newer connection.
func (s *Server) removeSessionIfCurrent(sess *session) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.hub.sessions[sess.tunnelID] != sess {
		return false
	}
	delete(s.hub.sessions, sess.tunnelID)
	return true
}

// maxPendingPerSessionFor bounds the number of concurrently in-flight public
// requests a single tunnel session will forward before returning 503s,
// preventing one slow client from exhausting server memory.
func maxPendingPerSessionFor(cfg config.ServerConfig) int64 {
	return defaultMaxPendingPerSession
}

// wafCounterRetentionFor returns how long a hostname's WAF block counter is
// kept after its last block, falling back to a sane default if unconfigured.
func wafCounterRetentionFor(cfg config.ServerConfig) time.Duration {
	if cfg.WAFCounterRetention > 0 {
		return cfg.WAFCounterRetention
	}
	return time.Hour
}

// cancelRequest asks the tunnel client to abort an in-flight forwarded
// request whose public-side caller has gone away.
func (s *session) cancelRequest(reqID string) error {
	return s.writeJSON(tunnelproto.Message{
		Kind:      tunnelproto.KindReqCancel,
		ReqCancel: &tunnelproto.ReqCancel{ID: reqID},
	})
}
