package types

import (
	"encoding/json"
	"time"
)

// FrameCode classifies inbound frames by the single-letter code the
// backend puts after the correlation id.
type FrameCode string

const (
	CodeAnswer   FrameCode = "A" // snapshot / terminal answer
	CodeDelta    FrameCode = "D" // incremental update
	CodeComplete FrameCode = "C" // stream finished
	CodeError    FrameCode = "E" // backend-reported error
)

// Frame is one decoded inbound protocol message. Payload bodies are
// backend-specific and stay opaque at this layer.
type Frame struct {
	ID      int             `json:"id"`
	Code    FrameCode       `json:"code"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Credentials struct {
	PhoneNumber string
	PIN         string
}

// SessionTokens live in memory only; they are re-acquired on every
// process start and zeroed on logout.
type SessionTokens struct {
	SessionToken string
	RefreshToken string
	ExpiresAt    time.Time
}

func (t SessionTokens) Valid() bool {
	return t.SessionToken != "" && time.Now().Before(t.ExpiresAt)
}

// Subscription is one registered topic stream, kept around so it can be
// replayed verbatim after a reconnect.
type Subscription struct {
	ID      int
	Topic   string
	Payload json.RawMessage
}

// TwoFactorPrompt is surfaced when the backend demands a code. The phone
// number is always masked; the full number never leaves the auth layer.
type TwoFactorPrompt struct {
	ProcessID          string
	MaskedPhoneNumber  string
	CountdownInSeconds int
	CodeResent         bool
}
