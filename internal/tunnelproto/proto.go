// Package tunnelproto defines the JSON wire protocol exchanged between the
// expose server and its tunnel clients over a WebSocket connection.
package tunnelproto

import (
	"encoding/base64"
)

// Message kinds identify the type of payload carried by a [Message].
const (
	KindAuth        = "auth"
	KindAuthAck     = "auth_ack"
	KindRequest     = "request"
	KindReqBody     = "req_body"
	KindReqBodyEnd  = "req_body_end"
	KindResponse    = "response"
	KindRespBody    = "resp_body"
	KindRespBodyEnd = "resp_body_end"
	KindWSOpen      = "ws_open"
	KindWSOpenAck   = "ws_open_ack"
	KindWSData      = "ws_data"
	KindWSClose     = "ws_close"
	KindSSLConnect  = "ssl_connect"
	KindSSLData     = "ssl_data"
	KindSSLClose    = "ssl_close"
	KindPing        = "ping"
	KindPong        = "pong"
	KindReqCancel   = "req_cancel"
	KindError       = "error"
	KindClose       = "close"
)

// Message is the top-level envelope exchanged on the tunnel WebSocket. Bulk
// payloads (request/response bodies, websocket and SSL-passthrough data) are
// carried out-of-band as binary frames (see binary.go) rather than inline
// base64 in this envelope, once a stream has been announced.
type Message struct {
	Kind       string        `json:"kind"`
	Auth       *Auth         `json:"auth,omitempty"`
	AuthAck    *AuthAck      `json:"auth_ack,omitempty"`
	Request    *HTTPRequest  `json:"request,omitempty"`
	BodyChunk  *BodyChunk    `json:"body_chunk,omitempty"`
	Response   *HTTPResponse `json:"response,omitempty"`
	WSOpen     *WSOpen       `json:"ws_open,omitempty"`
	WSOpenAck  *WSOpenAck    `json:"ws_open_ack,omitempty"`
	WSData     *WSData       `json:"ws_data,omitempty"`
	WSClose    *WSClose      `json:"ws_close,omitempty"`
	SSLConnect *SSLConnect   `json:"ssl_connect,omitempty"`
	SSLData    *SSLData      `json:"ssl_data,omitempty"`
	SSLClose   *SSLClose     `json:"ssl_close,omitempty"`
	Ping       *Ping         `json:"ping,omitempty"`
	Pong       *Pong         `json:"pong,omitempty"`
	ReqCancel  *ReqCancel    `json:"req_cancel,omitempty"`
	Stats      *Stats        `json:"stats,omitempty"`
	ErrorFrame *ErrorFrame   `json:"error_frame,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// ReqCancel tells the client to abort an in-flight forwarded request whose
// public-side caller has gone away.
type ReqCancel struct {
	ID string `json:"id"`
}

// Stats carries periodic counters piggybacked on keepalive traffic.
type Stats struct {
	WAFBlocked int64 `json:"waf_blocked,omitempty"`
}

// Auth is the first frame a tunnel client sends after connecting.
type Auth struct {
	Token           string `json:"token"`
	Subdomain       string `json:"subdomain,omitempty"`
	ProtocolVersion int    `json:"protocol_version"`
}

// AuthAck is the server's reply to [Auth].
type AuthAck struct {
	OK        bool   `json:"ok"`
	Reason    string `json:"reason,omitempty"`
	Subdomain string `json:"subdomain,omitempty"`
	TunnelID  string `json:"tunnel_id,omitempty"`
}

// Ping/Pong carry a nonce so the sender can match replies to probes without
// relying on WebSocket control frames, which some intermediaries strip.
type Ping struct {
	Nonce string `json:"nonce"`
}

type Pong struct {
	Nonce string `json:"nonce"`
}

// SSLConnect announces a new TLS passthrough stream.
type SSLConnect struct {
	ID       string `json:"id"`
	SNI      string `json:"sni,omitempty"`
	ClientIP string `json:"client_ip,omitempty"`
}

// SSLData carries passthrough bytes out-of-band as a binary frame; DataB64
// is the JSON-transport fallback used if a binary frame cannot be sent.
type SSLData struct {
	ID      string `json:"id"`
	DataB64 string `json:"data_b64,omitempty"`
	data    []byte
}

func (s *SSLData) Payload() ([]byte, error) {
	if s.data != nil {
		return s.data, nil
	}
	return DecodeBody(s.DataB64)
}

type SSLClose struct {
	ID string `json:"id"`
}

// ErrorFrame is a structured protocol-level error, distinct from Message.Error
// which predates it and is kept for backward compatibility with existing
// callers.
type ErrorFrame struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HTTPRequest represents an inbound public HTTP request forwarded to the client.
type HTTPRequest struct {
	ID        string              `json:"id"`
	Method    string              `json:"method"`
	Path      string              `json:"path"`
	Query     string              `json:"query,omitempty"`
	Headers   map[string][]string `json:"headers,omitempty"`
	BodyB64   string              `json:"body_b64,omitempty"`
	Streamed  bool                `json:"streamed,omitempty"`
	TimeoutMs int                 `json:"timeout_ms,omitempty"`
}

// HTTPResponse is the client's reply to a forwarded [HTTPRequest].
type HTTPResponse struct {
	ID       string              `json:"id"`
	Status   int                 `json:"status"`
	Headers  map[string][]string `json:"headers,omitempty"`
	BodyB64  string              `json:"body_b64,omitempty"`
	Streamed bool                `json:"streamed,omitempty"`
}

// WSOpen requests opening a local websocket stream on the client.
type WSOpen struct {
	ID      string              `json:"id"`
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Query   string              `json:"query,omitempty"`
	Headers map[string][]string `json:"headers,omitempty"`
}

// WSOpenAck reports websocket stream open result from the client.
type WSOpenAck struct {
	ID          string `json:"id"`
	OK          bool   `json:"ok"`
	Status      int    `json:"status,omitempty"`
	Subprotocol string `json:"subprotocol,omitempty"`
	Error       string `json:"error,omitempty"`
}

// WSData carries websocket frame payloads for a stream. DataB64 is the
// inline JSON-transport form; a raw binary-frame decode populates data
// directly and Payload prefers it.
type WSData struct {
	ID          string `json:"id"`
	MessageType int    `json:"message_type"`
	DataB64     string `json:"data_b64,omitempty"`
	data        []byte
}

func (d *WSData) Payload() ([]byte, error) {
	if d.data != nil {
		return d.data, nil
	}
	return DecodeBody(d.DataB64)
}

// BodyChunk carries one chunk of a streamed HTTP request or response body,
// announced by an [HTTPRequest] or [HTTPResponse] with Streamed set.
type BodyChunk struct {
	ID      string `json:"id"`
	DataB64 string `json:"data_b64,omitempty"`
	Final   bool   `json:"final,omitempty"`
	data    []byte
}

func (c *BodyChunk) Payload() ([]byte, error) {
	if c.data != nil {
		return c.data, nil
	}
	return DecodeBody(c.DataB64)
}

// WSClose notifies websocket stream closure.
type WSClose struct {
	ID   string `json:"id"`
	Code int    `json:"code,omitempty"`
	Text string `json:"text,omitempty"`
}

// EncodeBody base64-encodes a byte slice for JSON transport.
func EncodeBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBody decodes a base64-encoded body string.
func DecodeBody(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// CloneHeaders returns a deep copy of an HTTP header map.
func CloneHeaders(h map[string][]string) map[string][]string {
	out := make(map[string][]string, len(h))
	for k, v := range h {
		c := make([]string, len(v))
		copy(c, v)
		out[k] = c
	}
	return out
}
