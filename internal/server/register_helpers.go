package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/koltyakov/expose/internal/auth"
	"github.com/koltyakov/expose/internal/domain"
)

var errRegisterSwapInactive = errors.New("register swap inactive tunnel session")

type preparedRegisterRequest struct {
	request             registerRequest
	accessUser          string
	accessMode          string
	passwordHash        string
	autoStableSubdomain bool
	clientMachineID     string
}

func (s *Server) parseAndValidateRegisterRequest(w http.ResponseWriter, r *http.Request) (preparedRegisterRequest, bool) {
	var req registerRequest
	if err := decodeJSONBody(w, r, maxRegisterBodyBytes, &req); err != nil {
		if isBodyTooLargeError(err) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return preparedRegisterRequest{}, false
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return preparedRegisterRequest{}, false
	}

	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	if req.Mode == "" {
		req.Mode = "temporary"
	}
	if req.Mode != "temporary" && req.Mode != "permanent" {
		http.Error(w, "invalid mode", http.StatusBadRequest)
		return preparedRegisterRequest{}, false
	}
	if req.Mode == "permanent" && req.Subdomain == "" {
		http.Error(w, "permanent mode requires subdomain", http.StatusBadRequest)
		return preparedRegisterRequest{}, false
	}

	req.User = strings.TrimSpace(req.User)
	if req.User == "" {
		req.User = "admin"
	}
	if len(req.User) > 64 {
		http.Error(w, "user must be at most 64 characters", http.StatusBadRequest)
		return preparedRegisterRequest{}, false
	}

	req.Password = strings.TrimSpace(req.Password)
	if len(req.Password) > 256 {
		http.Error(w, "password must be at most 256 characters", http.StatusBadRequest)
		return preparedRegisterRequest{}, false
	}

	req.AccessMode = strings.ToLower(strings.TrimSpace(req.AccessMode))
	if req.AccessMode != "basic" {
		req.AccessMode = "form"
	}

	accessUser := ""
	accessMode := ""
	passwordHash := ""
	if req.Password != "" {
		accessUser = req.User
		accessMode = req.AccessMode
		hashed, hashErr := auth.HashPassword(req.Password)
		if hashErr != nil {
			http.Error(w, "failed to hash password", http.StatusInternalServerError)
			return preparedRegisterRequest{}, false
		}
		passwordHash = hashed
	}

	autoStableSubdomain := false
	if req.Mode == "temporary" && strings.TrimSpace(req.Subdomain) == "" && !s.wildcardTLSOn {
		if stable := stableTemporarySubdomain(req.ClientHostname, req.LocalPort); stable != "" {
			req.Subdomain = stable
			autoStableSubdomain = true
		}
	}

	return preparedRegisterRequest{
		request:             req,
		accessUser:          accessUser,
		accessMode:          accessMode,
		passwordHash:        passwordHash,
		autoStableSubdomain: autoStableSubdomain,
		clientMachineID:     normalizedClientMachineID(req.ClientMachineID, req.ClientHostname),
	}, true
}

// reuseStableAccessPasswordHash keeps the previously stored bcrypt hash when a
// re-registration submits the same credentials, so that re-registering a
// stable subdomain (e.g. after a brief disconnect) doesn't invalidate every
// browser session cookie signed against the old hash. Re-verifies the
// submitted plaintext against the existing hash rather than comparing hashes
// directly, since bcrypt salts differ per call.
func reuseStableAccessPasswordHash(prepared *preparedRegisterRequest, existing domain.TunnelRoute, keyID string) {
	if existing.Domain.APIKeyID != keyID {
		return
	}
	if existing.Tunnel.AccessPasswordHash == "" {
		return
	}
	if existing.Tunnel.AccessUser != prepared.accessUser || existing.Tunnel.AccessMode != prepared.accessMode {
		return
	}
	if !auth.VerifyPasswordHash(existing.Tunnel.AccessPasswordHash, prepared.request.Password) {
		return
	}
	prepared.passwordHash = existing.Tunnel.AccessPasswordHash
}

func (s *Server) allocateRegisterRoute(ctx context.Context, keyID string, prepared preparedRegisterRequest) (domain.Domain, domain.Tunnel, error) {
	req := prepared.request

	domainRec, tunnelRec, err := s.store.AllocateDomainAndTunnelWithClientMeta(
		ctx,
		keyID,
		req.Mode,
		req.Subdomain,
		s.cfg.BaseDomain,
		prepared.clientMachineID,
	)
	if isHostnameInUseError(err) {
		if swappedDomain, swappedTunnel, swapped, swapErr := s.trySwapInactiveClientSession(ctx, keyID, req.Subdomain, prepared.clientMachineID); swapErr != nil {
			if s.log != nil {
				s.log.Error("failed to swap inactive tunnel session", "subdomain", req.Subdomain, "err", swapErr)
			}
			return domain.Domain{}, domain.Tunnel{}, errors.Join(errRegisterSwapInactive, swapErr)
		} else if swapped {
			domainRec = swappedDomain
			tunnelRec = swappedTunnel
			err = nil
		}
	}
	if prepared.autoStableSubdomain && isHostnameInUseError(err) {
		// Only fall back to a random subdomain for cross-key hash collisions.
		// If the same API key already owns this subdomain with an active
		// tunnel, the client is trying to duplicate an existing session from
		// the same machine+port - block it instead of silently assigning a
		// new random subdomain.
		host := req.Subdomain + "." + normalizeHost(s.cfg.BaseDomain)
		if route, routeErr := s.store.FindRouteByHost(ctx, host); routeErr != nil || route.Domain.APIKeyID != keyID {
			domainRec, tunnelRec, err = s.store.AllocateDomainAndTunnelWithClientMeta(
				ctx,
				keyID,
				req.Mode,
				"",
				s.cfg.BaseDomain,
				prepared.clientMachineID,
			)
		}
	}
	return domainRec, tunnelRec, err
}

// mirrorSubdomainAllocation records a completed registration in the
// subdomain registry (C7), which owns the spec's JSON persistence format
// independently of the sqlite store's own hostname bookkeeping. The
// registry is a best-effort mirror, not the system of record for uniqueness
// - the sqlite transaction in allocateRegisterRoute already guarantees that
// - so a mirror conflict here is logged and otherwise ignored. Release
// first so re-registering the same tunnel (e.g. a stable subdomain
// reconnecting) doesn't collide with its own previous binding.
func (s *Server) mirrorSubdomainAllocation(hostname, tunnelID, clientIP string) {
	if s.subdomains == nil {
		return
	}
	label := subdomainLabel(hostname, s.cfg.BaseDomain)
	if label == hostname {
		return // custom domain, outside the registry's subdomain-label space
	}

	s.subdomains.Release(tunnelID)
	if _, err := s.subdomains.Allocate(tunnelID, label, clientIP); err != nil {
		s.log.Warn("subdomain registry mirror failed", "subdomain", label, "tunnel_id", tunnelID, "err", err)
	}
}

func clientIPFromRemoteAddr(remoteAddr string) string {
	if i := strings.LastIndex(remoteAddr, ":"); i >= 0 {
		return remoteAddr[:i]
	}
	return remoteAddr
}

func (s *Server) registerURLs(hostHeader, hostname, token string) (publicURL, wsURL string) {
	wsAuthority := registrationWSAuthority(hostHeader, normalizeHost(s.cfg.BaseDomain))
	publicURL = "https://" + hostname
	if port := authorityPort(wsAuthority); port != "" && port != "443" {
		publicURL = fmt.Sprintf("https://%s:%s", hostname, port)
	}
	wsURL = fmt.Sprintf("wss://%s/v1/tunnels/connect?token=%s", wsAuthority, token)
	return publicURL, wsURL
}
