package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

func TestParseFrameAnswer(t *testing.T) {
	frame, err := ParseFrame([]byte(`42 A {"price": 101.5}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.ID != 42 {
		t.Errorf("expected id 42, got %d", frame.ID)
	}
	if frame.Code != types.CodeAnswer {
		t.Errorf("expected code A, got %s", frame.Code)
	}
	var body map[string]float64
	if err := json.Unmarshal(frame.Payload, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["price"] != 101.5 {
		t.Errorf("expected price 101.5, got %f", body["price"])
	}
}

func TestParseFrameAllCodes(t *testing.T) {
	for _, code := range []string{"A", "D", "C", "E"} {
		frame, err := ParseFrame([]byte("7 " + code + ` {}`))
		if err != nil {
			t.Fatalf("code %s: %v", code, err)
		}
		if string(frame.Code) != code {
			t.Errorf("expected code %s, got %s", code, frame.Code)
		}
	}
}

func TestParseFrameWithoutPayload(t *testing.T) {
	frame, err := ParseFrame([]byte("3 C"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.Payload != nil {
		t.Errorf("expected nil payload, got %q", frame.Payload)
	}
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"justoneword",
		"abc A {}",
		"5 X {}",
	}
	for _, raw := range cases {
		_, err := ParseFrame([]byte(raw))
		var perr *ProtocolError
		if !errors.As(err, &perr) {
			t.Errorf("input %q: expected ProtocolError, got %v", raw, err)
		}
	}
}

func TestFormatSubAndUnsub(t *testing.T) {
	sub := string(FormatSub(9, json.RawMessage(`{"type":"ticker"}`)))
	if sub != `sub 9 {"type":"ticker"}` {
		t.Errorf("unexpected sub frame: %s", sub)
	}
	unsub := string(FormatUnsub(9))
	if unsub != "unsub 9" {
		t.Errorf("unexpected unsub frame: %s", unsub)
	}
}

func TestFormatConnect(t *testing.T) {
	frame, err := FormatConnect(map[string]string{"sessionToken": "tok"})
	if err != nil {
		t.Fatalf("format connect: %v", err)
	}
	if !strings.HasPrefix(string(frame), "connect ") {
		t.Errorf("expected connect verb, got %s", frame)
	}
}

func TestIsConnectAck(t *testing.T) {
	if !IsConnectAck([]byte("connected")) {
		t.Error("expected connected to be recognized")
	}
	if !IsConnectAck([]byte("connected\n")) {
		t.Error("expected trailing whitespace to be tolerated")
	}
	if IsConnectAck([]byte("1 A {}")) {
		t.Error("data frame misread as connect ack")
	}
}

func TestSubPayloadMergesParams(t *testing.T) {
	raw, err := SubPayload("ticker", map[string]any{"id": "DE0001234567"})
	if err != nil {
		t.Fatalf("sub payload: %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if body["type"] != "ticker" || body["id"] != "DE0001234567" {
		t.Errorf("unexpected payload: %v", body)
	}
}

func TestErrorMessagePreservesBackendWording(t *testing.T) {
	msg := ErrorMessage(json.RawMessage(`{"errors":[{"errorCode":"BAD_ISIN","errorMessage":"unknown instrument"}]}`))
	if msg != "unknown instrument" {
		t.Errorf("expected backend message, got %q", msg)
	}

	msg = ErrorMessage(json.RawMessage(`{"message":"market closed"}`))
	if msg != "market closed" {
		t.Errorf("expected message field, got %q", msg)
	}

	// Unknown shapes fall back to the raw payload so nothing is lost.
	raw := `{"weird":"shape"}`
	if got := ErrorMessage(json.RawMessage(raw)); got != raw {
		t.Errorf("expected raw fallback, got %q", got)
	}
}
