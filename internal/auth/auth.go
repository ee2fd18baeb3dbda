// Package auth implements the login state machine against the brokerage's
// control plane: phone+PIN login, two-factor completion bound to the signed
// device key, and session refresh. All state transitions are serialized;
// session tokens never leave memory.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/keystore"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/logger"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/trace"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/transport"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

type State int32

const (
	StateUnauthenticated State = iota
	StateLoggingIn
	StateAwaitingTwoFactor
	StateAuthenticated
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateLoggingIn:
		return "LOGGING_IN"
	case StateAwaitingTwoFactor:
		return "AWAITING_TWO_FACTOR"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRefreshing:
		return "REFRESHING"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	BaseURL     string
	Credentials types.Credentials
	// SafetyMargin is how much remaining lifetime a session must have
	// before a refresh is forced. Defaults to 5 minutes.
	SafetyMargin time.Duration
}

// Authenticator drives the login → two-factor → authenticated ⇄ refreshing
// machine. The mutex serializes transitions end to end, including the
// control-plane call each one performs; state reads stay lock-free.
type Authenticator struct {
	cfg       Config
	transport *transport.Client
	keys      *keystore.Store
	identity  *keystore.Identity

	state atomic.Int32

	mu        sync.Mutex
	processID string
	prompt    types.TwoFactorPrompt
	tokens    types.SessionTokens
}

func New(cfg Config, tp *transport.Client, keys *keystore.Store) (*Authenticator, error) {
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 5 * time.Minute
	}

	identity, err := keys.Load()
	if err != nil {
		var serr *protocol.SigningError
		if !errors.As(err, &serr) {
			return nil, err
		}
		// Corrupt key material on disk: the old identity is gone either
		// way, so mint a new one.
		logger.Warn(context.Background(), "Device identity unreadable, regenerating", "error", err)
		identity, err = keys.Regenerate()
		if err != nil {
			return nil, err
		}
	} else if identity == nil {
		identity, err = keys.Generate()
		if err != nil {
			return nil, err
		}
		logger.Info(context.Background(), "Generated new device identity")
	}

	return &Authenticator{
		cfg:       cfg,
		transport: tp,
		keys:      keys,
		identity:  identity,
	}, nil
}

func (a *Authenticator) State() State {
	return State(a.state.Load())
}

func (a *Authenticator) setState(ctx context.Context, to State) {
	from := State(a.state.Swap(int32(to)))
	if from != to {
		logger.Auth(ctx, from.String(), to.String())
	}
}

// SessionToken returns the current session token, if one is live.
func (a *Authenticator) SessionToken() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.State() != StateAuthenticated || !a.tokens.Valid() {
		return "", false
	}
	return a.tokens.SessionToken, true
}

// Initiate posts phone+PIN and, on success, leaves the machine awaiting a
// two-factor code. The returned prompt carries a masked phone number; the
// full number is never returned or logged.
func (a *Authenticator) Initiate(ctx context.Context) (types.TwoFactorPrompt, error) {
	ctx, span := trace.StartSpan(ctx, "auth.Initiate")
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.initiateLocked(ctx)
}

func (a *Authenticator) initiateLocked(ctx context.Context) (types.TwoFactorPrompt, error) {
	a.setState(ctx, StateLoggingIn)

	resp, err := a.transport.Call(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    a.cfg.BaseURL + "/api/v1/auth/web/login",
		Body: map[string]string{
			"phoneNumber": a.cfg.Credentials.PhoneNumber,
			"pin":         a.cfg.Credentials.PIN,
		},
	})
	if err != nil {
		a.setState(ctx, StateUnauthenticated)
		return types.TwoFactorPrompt{}, asAuthError(err)
	}

	var body struct {
		ProcessID          string `json:"processId"`
		CountdownInSeconds int    `json:"countdownInSeconds"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.ProcessID == "" {
		a.setState(ctx, StateUnauthenticated)
		return types.TwoFactorPrompt{}, fmt.Errorf("auth: unexpected login response: %w", err)
	}

	a.processID = body.ProcessID
	a.prompt = types.TwoFactorPrompt{
		ProcessID:          body.ProcessID,
		MaskedPhoneNumber:  maskPhone(a.cfg.Credentials.PhoneNumber),
		CountdownInSeconds: body.CountdownInSeconds,
	}
	a.setState(ctx, StateAwaitingTwoFactor)
	return a.prompt, nil
}

// CompleteTwoFactor submits the code together with a payload signed by the
// device key. An invalid code keeps the machine awaiting two-factor; an
// expired code triggers a fresh login round and reports that a new code
// was sent.
func (a *Authenticator) CompleteTwoFactor(ctx context.Context, code string) error {
	ctx, span := trace.StartSpan(ctx, "auth.CompleteTwoFactor")
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.State() != StateAwaitingTwoFactor || a.processID == "" {
		return &protocol.AuthenticationError{Message: "no login awaiting a two-factor code"}
	}

	signedAt := time.Now().UTC().Format(time.RFC3339)
	message := []byte(a.processID + ":" + code + ":" + signedAt)
	signature, err := keystore.Sign(a.identity, message)
	if err != nil {
		return err
	}
	deviceKey, err := keystore.PublicKeyEncoded(a.identity)
	if err != nil {
		return err
	}

	resp, err := a.transport.Call(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    fmt.Sprintf("%s/api/v1/auth/web/login/%s/%s", a.cfg.BaseURL, a.processID, code),
		Body: map[string]string{
			"deviceKey": deviceKey,
			"signature": signature,
			"signedAt":  signedAt,
		},
	})
	if err != nil {
		var terr *protocol.TransportError
		if errors.As(err, &terr) && terr.StatusCode >= 400 && terr.StatusCode < 500 {
			errCode, errMsg := parseBackendError(terr.Message)
			if isExpiredCode(errCode) {
				// The code's window closed; start over so the backend
				// sends a fresh one.
				prompt, initErr := a.initiateLocked(ctx)
				if initErr != nil {
					return initErr
				}
				a.prompt.CodeResent = true
				return &protocol.TwoFactorRequiredError{
					MaskedPhoneNumber:  prompt.MaskedPhoneNumber,
					CountdownInSeconds: prompt.CountdownInSeconds,
					CodeResent:         true,
				}
			}
			// Invalid code: recoverable, state unchanged.
			return &protocol.AuthenticationError{Code: errCode, Message: errMsg}
		}
		return err
	}

	var body struct {
		SessionToken string `json:"sessionToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.SessionToken == "" {
		return fmt.Errorf("auth: unexpected two-factor response: %w", err)
	}

	a.tokens = types.SessionTokens{
		SessionToken: body.SessionToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}
	a.processID = ""
	a.setState(ctx, StateAuthenticated)
	return nil
}

// EnsureValidSession is the lazy-authentication entry point. Inside the
// safety margin it is a no-op. Near expiry it refreshes. Unauthenticated
// it begins a login and surfaces the two-factor-required condition; while
// a code is already pending it re-surfaces the existing prompt without
// triggering another login.
func (a *Authenticator) EnsureValidSession(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "auth.EnsureValidSession")
	defer span.End()

	a.mu.Lock()
	defer a.mu.Unlock()

	switch a.State() {
	case StateAuthenticated:
		if time.Until(a.tokens.ExpiresAt) > a.cfg.SafetyMargin {
			return nil
		}
		return a.refreshLocked(ctx)

	case StateAwaitingTwoFactor:
		return a.twoFactorRequiredLocked()

	default:
		if _, err := a.initiateLocked(ctx); err != nil {
			return err
		}
		return a.twoFactorRequiredLocked()
	}
}

func (a *Authenticator) twoFactorRequiredLocked() error {
	return &protocol.TwoFactorRequiredError{
		MaskedPhoneNumber:  a.prompt.MaskedPhoneNumber,
		CountdownInSeconds: a.prompt.CountdownInSeconds,
		CodeResent:         a.prompt.CodeResent,
	}
}

func (a *Authenticator) refreshLocked(ctx context.Context) error {
	a.setState(ctx, StateRefreshing)

	resp, err := a.transport.Call(ctx, transport.Request{
		Method: http.MethodPost,
		URL:    a.cfg.BaseURL + "/api/v1/auth/web/session",
		Body:   map[string]string{"refreshToken": a.tokens.RefreshToken},
	})
	if err != nil {
		// Refresh path is exhausted: drop everything and demand a full
		// re-login.
		a.tokens = types.SessionTokens{}
		a.setState(ctx, StateUnauthenticated)
		if _, initErr := a.initiateLocked(ctx); initErr != nil {
			return &protocol.SessionExpiredError{Err: err}
		}
		return a.twoFactorRequiredLocked()
	}

	var body struct {
		SessionToken string `json:"sessionToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.SessionToken == "" {
		a.tokens = types.SessionTokens{}
		a.setState(ctx, StateUnauthenticated)
		return &protocol.SessionExpiredError{Err: fmt.Errorf("auth: unexpected refresh response: %w", err)}
	}

	a.tokens.SessionToken = body.SessionToken
	a.tokens.ExpiresAt = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
	a.setState(ctx, StateAuthenticated)
	return nil
}

// Logout discards the in-memory tokens. Nothing is persisted, so this is
// purely a state reset.
func (a *Authenticator) Logout(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokens = types.SessionTokens{}
	a.processID = ""
	a.prompt = types.TwoFactorPrompt{}
	a.setState(ctx, StateUnauthenticated)
}

func asAuthError(err error) error {
	var terr *protocol.TransportError
	if errors.As(err, &terr) && terr.StatusCode >= 400 && terr.StatusCode < 500 {
		code, msg := parseBackendError(terr.Message)
		return &protocol.AuthenticationError{Code: code, Message: msg}
	}
	return err
}

// parseBackendError pulls errorCode/message out of a 4xx body, falling
// back to the raw text so the backend's wording is never lost.
func parseBackendError(raw string) (code, message string) {
	var body struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err == nil && (body.ErrorCode != "" || body.Message != "") {
		return body.ErrorCode, body.Message
	}
	return "", raw
}

func isExpiredCode(code string) bool {
	return strings.Contains(code, "EXPIRED") || strings.Contains(code, "TOO_LATE")
}

// maskPhone keeps the country prefix and the last two digits. Everything
// in between is starred out.
func maskPhone(phone string) string {
	if len(phone) <= 5 {
		return strings.Repeat("*", len(phone))
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}
