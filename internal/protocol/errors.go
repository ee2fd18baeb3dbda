package protocol

import (
	"fmt"
	"time"
)

// Error taxonomy for the protocol client. Transient conditions are retried
// by the layer that understands them; everything here is what callers can
// actually observe.

// SigningError means the device key material is corrupt or missing. The
// current identity is unusable and must be regenerated.
type SigningError struct {
	Op  string
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("keystore: %s: %v", e.Op, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// AuthenticationError is a rejected login or two-factor code. Recoverable:
// the caller retries with corrected input. Message carries the backend's
// original wording.
type AuthenticationError struct {
	Code    string
	Message string
}

func (e *AuthenticationError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("auth: %s", e.Message)
}

// TwoFactorRequiredError tells the caller that login is pending a code.
// It is a control-flow condition, not a failure: feed the code back via
// CompleteTwoFactor. CodeResent is set when an expired code forced a
// fresh login round.
type TwoFactorRequiredError struct {
	MaskedPhoneNumber  string
	CountdownInSeconds int
	CodeResent         bool
}

func (e *TwoFactorRequiredError) Error() string {
	if e.CodeResent {
		return fmt.Sprintf("auth: two-factor code resent to %s", e.MaskedPhoneNumber)
	}
	return fmt.Sprintf("auth: two-factor code required, sent to %s", e.MaskedPhoneNumber)
}

// SessionExpiredError reports that the refresh path is exhausted and a
// full re-login is needed.
type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	return fmt.Sprintf("auth: session expired and refresh failed: %v", e.Err)
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

// TransportError is a control-plane HTTP failure that survived the retry
// policy (or was not retryable to begin with).
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable reports whether the retry policy should have another go:
// network-level failures, 5xx, and 429.
func (e *TransportError) Retryable() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// ProtocolError is a malformed or unroutable frame. Logged and dropped,
// never fatal to the connection.
type ProtocolError struct {
	Reason string
	Raw    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %s: %q", e.Reason, e.Raw)
}

// BackendError carries a backend-reported error frame (code E) for a
// subscription or request, message preserved verbatim.
type BackendError struct {
	ID      int
	Message string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend: id %d: %s", e.ID, e.Message)
}

// ConnectivityError means every reconnect attempt failed. Fatal: the
// manager stops trying and external intervention is required.
type ConnectivityError struct {
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("connection: gave up after %d reconnect attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// TimeoutError is local to one request; the connection and all other
// in-flight requests are unaffected.
type TimeoutError struct {
	ID    int
	Topic string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %d (%s): no terminal frame within %s", e.ID, e.Topic, e.After)
}
