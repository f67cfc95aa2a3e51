package proxy

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/expose/internal/netutil"
)

// DispatchWebSocket implements §4.6 step 4 for WebSocket requests: it
// performs the client-side upstream dial, upgrades the public connection,
// and shuttles frames in both directions until either side closes. On a
// network error it closes the public side with code 1011 (internal error).
func (e *Engine) DispatchWebSocket(ctx context.Context, targetURL, path, rawQuery string, header http.Header, w http.ResponseWriter, r *http.Request) error {
	upstreamURL := toWSURL(targetURL) + path
	if rawQuery != "" {
		upstreamURL += "?" + rawQuery
	}

	dialHeader := header.Clone()
	netutil.RemoveHopByHopHeadersPreserveUpgrade(dialHeader)
	stripWebSocketNegotiationHeaders(dialHeader)

	upstreamConn, _, err := e.wsDialer.DialContext(ctx, upstreamURL, dialHeader)
	if err != nil {
		return err
	}
	defer func() { _ = upstreamConn.Close() }()

	clientConn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer func() { _ = clientConn.Close() }()

	shuttle(clientConn, upstreamConn)
	return nil
}

// shuttle copies frames in both directions until either side errors or
// closes, then propagates a close frame with the originating side's code
// and reason (or code 1011 on a non-close network error).
func shuttle(client, upstream *websocket.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		pump(client, upstream)
	}()
	go func() {
		defer wg.Done()
		pump(upstream, client)
	}()

	wg.Wait()
}

func pump(src, dst *websocket.Conn) {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseInternalServerErr
			reason := "upstream connection error"
			if ce, ok := err.(*websocket.CloseError); ok {
				code = ce.Code
				reason = ce.Text
			}
			msg := websocket.FormatCloseMessage(code, reason)
			_ = dst.WriteMessage(websocket.CloseMessage, msg)
			return
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func stripWebSocketNegotiationHeaders(h http.Header) {
	for _, key := range []string{
		"Connection", "Upgrade",
		"Sec-WebSocket-Key", "Sec-WebSocket-Version",
		"Sec-WebSocket-Extensions", "Sec-WebSocket-Accept",
	} {
		h.Del(key)
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
