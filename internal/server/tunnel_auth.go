package server

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const controlTokenTTL = 5 * time.Minute

// tunnelControlClaims is carried by the Auth frame a client sends as the
// first message on the control WebSocket, immediately after connecting.
// It is distinct from publicAccessClaims (public_access.go): that token
// protects a browser session against a single route's password hash; this
// one protects the control channel handshake itself, signed with a key
// derived from the server's own API-key pepper rather than any one tunnel's
// credentials.
type tunnelControlClaims struct {
	TunnelID  string `json:"tunnel_id"`
	Subdomain string `json:"subdomain,omitempty"`
	jwt.RegisteredClaims
}

// controlTokenSigningKey derives a fixed-length HMAC key from the server's
// API-key pepper, domain-separated from [auth.HashAPIKey]'s own use of the
// pepper so the two purposes never share a derived secret.
func (s *Server) controlTokenSigningKey() []byte {
	sum := sha256.Sum256([]byte("expose-tunnel-control-auth:" + s.cfg.APIKeyPepper))
	return sum[:]
}

// issueControlToken mints the JWT returned to a client in its register
// response, to be replayed back as the Auth frame's Token on connect.
func (s *Server) issueControlToken(tunnelID, subdomain string, now time.Time) (string, error) {
	claims := tunnelControlClaims{
		TunnelID:  tunnelID,
		Subdomain: subdomain,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(controlTokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.controlTokenSigningKey())
}

// verifyControlToken checks the JWT signature and expiry and requires the
// claimed tunnel ID to match wantTunnelID, the tunnel ID already resolved
// from the one-time connect-token query parameter. Requiring both to agree
// means a leaked connect token alone is not enough to complete the
// handshake, and vice versa.
func (s *Server) verifyControlToken(raw, wantTunnelID string, now time.Time) (tunnelControlClaims, error) {
	var claims tunnelControlClaims
	key := s.controlTokenSigningKey()
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return key, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return tunnelControlClaims{}, err
	}
	if !token.Valid {
		return tunnelControlClaims{}, errors.New("invalid control token")
	}
	if claims.TunnelID != wantTunnelID {
		return tunnelControlClaims{}, errors.New("control token tunnel id mismatch")
	}
	return claims, nil
}
