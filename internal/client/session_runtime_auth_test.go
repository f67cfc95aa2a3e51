package client

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/tunnelproto"
)

func TestPerformClientAuthHandshakeSucceedsOnPositiveAck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var msg tunnelproto.Message
		if err := tunnelproto.ReadWSMessage(conn, &msg); err != nil {
			return
		}
		if msg.Kind != tunnelproto.KindAuth || msg.Auth == nil || msg.Auth.Token != "tok-1" {
			t.Errorf("expected a valid auth frame, got %+v", msg)
		}
		_ = conn.WriteJSON(tunnelproto.Message{
			Kind:    tunnelproto.KindAuthAck,
			AuthAck: &tunnelproto.AuthAck{OK: true, TunnelID: "tunnel-1"},
		})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	reg := registerResponse{ControlToken: "tok-1", PublicURL: "https://myapp.example.com"}
	if err := performClientAuthHandshake(conn, reg); err != nil {
		t.Fatalf("expected handshake to succeed, got %v", err)
	}
}

func TestPerformClientAuthHandshakeFailsOnNegativeAck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var msg tunnelproto.Message
		_ = tunnelproto.ReadWSMessage(conn, &msg)
		_ = conn.WriteJSON(tunnelproto.Message{
			Kind:    tunnelproto.KindAuthAck,
			AuthAck: &tunnelproto.AuthAck{OK: false, Reason: "invalid auth token"},
		})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	reg := registerResponse{ControlToken: "bad-token"}
	if err := performClientAuthHandshake(conn, reg); err == nil {
		t.Fatal("expected handshake to fail on negative ack")
	}
}

func TestPerformClientAuthHandshakeTimesOutWithoutAck(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var msg tunnelproto.Message
		_ = tunnelproto.ReadWSMessage(conn, &msg)
		// Deliberately never reply; the client must time out on its own
		// read deadline rather than block forever.
		<-r.Context().Done()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()

	reg := registerResponse{ControlToken: "tok-1"}
	if err := performClientAuthHandshake(conn, reg); err == nil {
		t.Fatal("expected handshake to time out")
	}
}

func TestSubdomainFromPublicURL(t *testing.T) {
	t.Parallel()

	if got := subdomainFromPublicURL("https://myapp.example.com"); got != "myapp" {
		t.Fatalf("got %q", got)
	}
	if got := subdomainFromPublicURL("https://myapp.example.com:8443"); got != "myapp" {
		t.Fatalf("got %q", got)
	}
	if got := subdomainFromPublicURL("not a url"); got != "" {
		t.Fatalf("expected empty label for unparseable url, got %q", got)
	}
}
