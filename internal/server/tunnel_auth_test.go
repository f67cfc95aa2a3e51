package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/config"
	"github.com/koltyakov/expose/internal/tunnelproto"
)

func TestIssueAndVerifyControlTokenRoundTrip(t *testing.T) {
	t.Parallel()

	s := &Server{cfg: config.ServerConfig{APIKeyPepper: "pepper-1"}}
	now := time.Now()

	token, err := s.issueControlToken("tunnel-1", "myapp", now)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := s.verifyControlToken(token, "tunnel-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("expected valid token, got err=%v", err)
	}
	if claims.TunnelID != "tunnel-1" || claims.Subdomain != "myapp" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestVerifyControlTokenRejectsTunnelIDMismatch(t *testing.T) {
	t.Parallel()

	s := &Server{cfg: config.ServerConfig{APIKeyPepper: "pepper-1"}}
	now := time.Now()

	token, err := s.issueControlToken("tunnel-1", "myapp", now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.verifyControlToken(token, "tunnel-2", now); err == nil {
		t.Fatal("expected mismatch to be rejected")
	}
}

func TestVerifyControlTokenRejectsExpired(t *testing.T) {
	t.Parallel()

	s := &Server{cfg: config.ServerConfig{APIKeyPepper: "pepper-1"}}
	now := time.Now()

	token, err := s.issueControlToken("tunnel-1", "myapp", now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.verifyControlToken(token, "tunnel-1", now.Add(controlTokenTTL+time.Minute)); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifyControlTokenRejectsWrongSigningKey(t *testing.T) {
	t.Parallel()

	a := &Server{cfg: config.ServerConfig{APIKeyPepper: "pepper-a"}}
	b := &Server{cfg: config.ServerConfig{APIKeyPepper: "pepper-b"}}
	now := time.Now()

	token, err := a.issueControlToken("tunnel-1", "myapp", now)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := b.verifyControlToken(token, "tunnel-1", now); err == nil {
		t.Fatal("expected token signed under a different pepper to be rejected")
	}
}

func TestPerformAuthHandshakeAcceptsValidAuthFrame(t *testing.T) {
	t.Parallel()

	s := &Server{
		log: discardLogger(),
		cfg: config.ServerConfig{APIKeyPepper: "pepper-1", AuthTimeout: time.Second},
	}
	token, err := s.issueControlToken("tunnel-1", "myapp", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	srvHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		ok := s.performAuthHandshake(context.Background(), conn, "tunnel-1")
		if !ok {
			t.Error("expected handshake to succeed")
		}
	}))
	defer srvHTTP.Close()

	wsURL := "ws" + strings.TrimPrefix(srvHTTP.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(tunnelproto.Message{
		Kind: tunnelproto.KindAuth,
		Auth: &tunnelproto.Auth{Token: token, Subdomain: "myapp", ProtocolVersion: 1},
	}); err != nil {
		t.Fatal(err)
	}

	var ack tunnelproto.Message
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Kind != tunnelproto.KindAuthAck || ack.AuthAck == nil || !ack.AuthAck.OK {
		t.Fatalf("expected a positive auth_ack, got %+v", ack)
	}
	if ack.AuthAck.TunnelID != "tunnel-1" {
		t.Fatalf("expected tunnel_id tunnel-1, got %q", ack.AuthAck.TunnelID)
	}
}

func TestPerformAuthHandshakeRejectsBadToken(t *testing.T) {
	t.Parallel()

	s := &Server{
		log: discardLogger(),
		cfg: config.ServerConfig{APIKeyPepper: "pepper-1", AuthTimeout: time.Second},
	}

	srvHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		ok := s.performAuthHandshake(context.Background(), conn, "tunnel-1")
		if ok {
			t.Error("expected handshake to fail")
		}
	}))
	defer srvHTTP.Close()

	wsURL := "ws" + strings.TrimPrefix(srvHTTP.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(tunnelproto.Message{
		Kind: tunnelproto.KindAuth,
		Auth: &tunnelproto.Auth{Token: "not-a-real-token", ProtocolVersion: 1},
	}); err != nil {
		t.Fatal(err)
	}

	var ack tunnelproto.Message
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.AuthAck == nil || ack.AuthAck.OK {
		t.Fatalf("expected a negative auth_ack, got %+v", ack)
	}
}

func TestPerformAuthHandshakeRejectsWrongFrameKind(t *testing.T) {
	t.Parallel()

	s := &Server{
		log: discardLogger(),
		cfg: config.ServerConfig{APIKeyPepper: "pepper-1", AuthTimeout: time.Second},
	}

	srvHTTP := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		ok := s.performAuthHandshake(context.Background(), conn, "tunnel-1")
		if ok {
			t.Error("expected handshake to fail")
		}
	}))
	defer srvHTTP.Close()

	wsURL := "ws" + strings.TrimPrefix(srvHTTP.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	if err := conn.WriteJSON(tunnelproto.Message{Kind: tunnelproto.KindPing}); err != nil {
		t.Fatal(err)
	}

	var ack tunnelproto.Message
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.AuthAck == nil || ack.AuthAck.OK {
		t.Fatalf("expected a negative auth_ack, got %+v", ack)
	}
}
