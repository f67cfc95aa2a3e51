package tunnelproto

import (
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
)

// ReadWSMessage reads one WebSocket frame from conn and decodes it into msg.
// Text frames carry the JSON envelope directly; binary frames carry a
// length-prefixed body-chunk/ws-data/ssl-data frame (see binary.go) and are
// decoded into the equivalent Message shape so callers can dispatch on Kind
// regardless of wire representation.
func ReadWSMessage(conn *websocket.Conn, msg *Message) error {
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	switch msgType {
	case websocket.TextMessage:
		return json.Unmarshal(data, msg)
	case websocket.BinaryMessage:
		decoded, err := decodeBinaryFrame(data)
		if err != nil {
			return err
		}
		*msg = decoded
		return nil
	default:
		return fmt.Errorf("tunnelproto: unsupported websocket message type %d", msgType)
	}
}
