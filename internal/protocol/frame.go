// Package protocol implements the text wire format the backend speaks over
// the duplex channel: outbound verbs "connect", "sub <id> <payload>" and
// "unsub <id>", inbound frames "<id> <code> <payload>". Payloads are opaque
// JSON blobs; field-level validation belongs to consumers.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

const (
	verbConnect = "connect"
	verbSub     = "sub"
	verbUnsub   = "unsub"

	// AckConnected is the backend's handshake acknowledgement.
	AckConnected = "connected"
)

// FormatConnect renders the handshake frame. The payload carries the
// session token and client metadata; its shape is backend-specific.
func FormatConnect(payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode connect payload: %w", err)
	}
	return []byte(verbConnect + " " + string(body)), nil
}

// FormatSub renders a subscribe frame for the given correlation id.
func FormatSub(id int, payload json.RawMessage) []byte {
	return []byte(fmt.Sprintf("%s %d %s", verbSub, id, payload))
}

// FormatUnsub renders an unsubscribe frame for the given correlation id.
func FormatUnsub(id int) []byte {
	return []byte(fmt.Sprintf("%s %d", verbUnsub, id))
}

// SubPayload builds the canonical subscribe body for a topic. Extra fields
// are merged in as-is so callers can pass backend-specific parameters.
func SubPayload(topic string, extra map[string]any) (json.RawMessage, error) {
	body := map[string]any{"type": topic}
	for k, v := range extra {
		body[k] = v
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode sub payload: %w", err)
	}
	return raw, nil
}

// IsConnectAck reports whether an inbound message is the handshake ack.
func IsConnectAck(msg []byte) bool {
	return strings.TrimSpace(string(msg)) == AckConnected
}

// ParseFrame decodes one inbound message into a Frame. The message must
// lead with a correlation id and a known single-letter code; everything
// after the code is the opaque payload.
func ParseFrame(msg []byte) (types.Frame, error) {
	text := strings.TrimSpace(string(msg))
	parts := strings.SplitN(text, " ", 3)
	if len(parts) < 2 {
		return types.Frame{}, &ProtocolError{Reason: "short frame", Raw: text}
	}

	id, err := strconv.Atoi(parts[0])
	if err != nil {
		return types.Frame{}, &ProtocolError{Reason: "non-numeric correlation id", Raw: text}
	}

	code := types.FrameCode(parts[1])
	switch code {
	case types.CodeAnswer, types.CodeDelta, types.CodeComplete, types.CodeError:
	default:
		return types.Frame{}, &ProtocolError{Reason: "unknown frame code", Raw: text}
	}

	var payload json.RawMessage
	if len(parts) == 3 {
		payload = json.RawMessage(parts[2])
	}

	return types.Frame{ID: id, Code: code, Payload: payload}, nil
}

// ErrorMessage extracts a human-readable message from an E-frame payload.
// Falls back to the raw payload when the shape is unrecognized, so the
// backend's wording is never lost.
func ErrorMessage(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "unspecified backend error"
	}
	var body struct {
		Message string `json:"message"`
		Errors  []struct {
			ErrorCode    string `json:"errorCode"`
			ErrorMessage string `json:"errorMessage"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if len(body.Errors) > 0 {
			e := body.Errors[0]
			if e.ErrorMessage != "" {
				return e.ErrorMessage
			}
			if e.ErrorCode != "" {
				return e.ErrorCode
			}
		}
	}
	return string(payload)
}
