package tunnelproto

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Binary frame kinds identify the payload carried by a frame written with
// [WriteBinaryFrame]. Large, high-frequency payloads (request bodies,
// websocket data, SSL passthrough bytes) travel as binary WebSocket
// messages instead of base64-in-JSON to avoid the ~33% encoding overhead
// and the allocation cost of round-tripping through a JSON envelope.
const (
	BinaryFrameReqBody  byte = 1
	BinaryFrameWSData   byte = 2
	BinaryFrameSSLData  byte = 3
	BinaryFrameRespBody byte = 4
)

const binaryFrameHeaderMin = 1 + 1 + 4 // kind + idLen + messageType

// WriteBinaryFrame writes a length-prefixed binary frame to w:
//
//	[1 byte kind][1 byte idLen][idLen bytes id][4 bytes messageType BE][payload]
func WriteBinaryFrame(w io.Writer, frameKind byte, id string, messageType int, payload []byte) error {
	if len(id) > 255 {
		return fmt.Errorf("tunnelproto: frame id too long (%d bytes)", len(id))
	}

	header := make([]byte, binaryFrameHeaderMin+len(id))
	header[0] = frameKind
	header[1] = byte(len(id))
	copy(header[2:], id)
	binary.BigEndian.PutUint32(header[2+len(id):], uint32(messageType))

	if _, err := w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// decodeBinaryFrame parses a frame written by [WriteBinaryFrame] back into a
// [Message]. The returned message's payload-bearing field holds the raw
// bytes directly (no base64 involved).
func decodeBinaryFrame(data []byte) (Message, error) {
	if len(data) < 2 {
		return Message{}, fmt.Errorf("tunnelproto: binary frame too short")
	}

	frameKind := data[0]
	idLen := int(data[1])
	if len(data) < 2+idLen+4 {
		return Message{}, fmt.Errorf("tunnelproto: binary frame truncated")
	}

	id := string(data[2 : 2+idLen])
	messageType := int(binary.BigEndian.Uint32(data[2+idLen : 2+idLen+4]))
	payload := data[2+idLen+4:]

	switch frameKind {
	case BinaryFrameReqBody:
		return Message{
			Kind:      KindReqBody,
			BodyChunk: &BodyChunk{ID: id, data: payload},
		}, nil
	case BinaryFrameWSData:
		return Message{
			Kind:   KindWSData,
			WSData: &WSData{ID: id, MessageType: messageType, data: payload},
		}, nil
	case BinaryFrameSSLData:
		return Message{
			Kind:    KindSSLData,
			SSLData: &SSLData{ID: id, data: payload},
		}, nil
	case BinaryFrameRespBody:
		return Message{
			Kind:      KindRespBody,
			BodyChunk: &BodyChunk{ID: id, data: payload},
		}, nil
	default:
		return Message{}, fmt.Errorf("tunnelproto: unknown binary frame kind %d", frameKind)
	}
}

// DecodeBinaryFrame is the exported form of decodeBinaryFrame, used by
// readers of a WebSocket binary message outside this package.
func DecodeBinaryFrame(data []byte) (Message, error) {
	return decodeBinaryFrame(data)
}
