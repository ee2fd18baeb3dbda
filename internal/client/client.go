// Package client is the facade external collaborators see. It composes
// the keystore, the rate-limited control plane, the authenticator, and
// the connection manager; every public operation funnels through the
// lazy-authentication check first.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/auth"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/connection"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/interfaces"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/keystore"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/store"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/trace"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/transport"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

type Client struct {
	auth *auth.Authenticator
	conn *connection.Manager
}

var _ interfaces.ProtocolClient = (*Client)(nil)

// New wires the full stack from configuration and credentials. The
// credentials come from the environment at process start; the two-factor
// code is supplied later through CompleteTwoFactor.
func New(cfg *store.Config, creds types.Credentials) (*Client, error) {
	keys := keystore.New(cfg.KeystorePath)

	tp := transport.New(transport.Config{
		MinInterval:    cfg.ThrottleMinInterval(),
		MaxRetries:     cfg.Throttle.MaxRetries,
		InitialBackoff: cfg.ThrottleInitialBackoff(),
		MaxBackoff:     cfg.ThrottleMaxBackoff(),
		RequestTimeout: cfg.RequestTimeout(),
	})

	authenticator, err := auth.New(auth.Config{
		BaseURL:      cfg.APIBaseURL,
		Credentials:  creds,
		SafetyMargin: cfg.SessionSafetyMargin(),
	}, tp, keys)
	if err != nil {
		return nil, err
	}

	mgr := connection.NewManager(connection.Config{
		URL:                  cfg.WebsocketURL,
		HeartbeatInterval:    cfg.HeartbeatInterval(),
		LivenessTimeout:      cfg.LivenessTimeout(),
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay(),
		ReconnectMaxAttempts: cfg.Connection.ReconnectMaxAttempts,
		HandshakeTimeout:     cfg.HandshakeTimeout(),
		RequestTimeout:       cfg.RequestTimeout(),
	}, connection.NewDialer(cfg.HandshakeTimeout()), authenticator)

	return &Client{auth: authenticator, conn: mgr}, nil
}

// newWith is the test seam: it accepts pre-built components.
func newWith(authenticator *auth.Authenticator, mgr *connection.Manager) *Client {
	return &Client{auth: authenticator, conn: mgr}
}

// ensureReady performs the lazy-auth check and brings the duplex channel
// up if it is down. A TwoFactorRequiredError here means the caller must
// supply a code via CompleteTwoFactor and retry. While an automatic
// reconnect owns the channel, operations fail fast with
// connection.ErrBusy instead of queueing; callers retry once
// OnReconnected fires, or give up when OnError reports a
// ConnectivityError.
func (c *Client) ensureReady(ctx context.Context) error {
	if err := c.auth.EnsureValidSession(ctx); err != nil {
		return err
	}
	if c.conn.State() == connection.StateConnected {
		return nil
	}
	return c.conn.Connect(ctx)
}

// RequestOnce runs a single guarded query: ensure a session, ensure a
// connection, then a one-shot request that settles exactly once.
func (c *Client) RequestOnce(ctx context.Context, topic string, params map[string]any) (json.RawMessage, error) {
	ctx, span := trace.StartSpan(ctx, "client.RequestOnce")
	defer span.End()

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	return c.conn.RequestOnce(ctx, topic, params, 0)
}

// RequestOnceWithTimeout is RequestOnce with a caller-chosen deadline.
func (c *Client) RequestOnceWithTimeout(ctx context.Context, topic string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	ctx, span := trace.StartSpan(ctx, "client.RequestOnce")
	defer span.End()

	if err := c.ensureReady(ctx); err != nil {
		return nil, err
	}
	return c.conn.RequestOnce(ctx, topic, params, timeout)
}

// Subscribe opens a long-lived topic stream. Frames arrive via OnMessage.
func (c *Client) Subscribe(ctx context.Context, topic string, params map[string]any) (int, error) {
	ctx, span := trace.StartSpan(ctx, "client.Subscribe")
	defer span.End()

	if err := c.ensureReady(ctx); err != nil {
		return 0, err
	}
	return c.conn.Subscribe(ctx, topic, params)
}

func (c *Client) Unsubscribe(ctx context.Context, id int) error {
	return c.conn.Unsubscribe(ctx, id)
}

func (c *Client) OnMessage(fn func(types.Frame)) { c.conn.OnMessage(fn) }

func (c *Client) OnError(fn func(error)) { c.conn.OnError(fn) }

func (c *Client) OnReconnected(fn func()) { c.conn.OnReconnected(fn) }

// CompleteTwoFactor feeds back the out-of-band code requested during the
// lazy login.
func (c *Client) CompleteTwoFactor(ctx context.Context, code string) error {
	ctx, span := trace.StartSpan(ctx, "client.CompleteTwoFactor")
	defer span.End()

	return c.auth.CompleteTwoFactor(ctx, code)
}

// Ready reports whether the session and the duplex channel are usable
// right now, without triggering any side effects.
func (c *Client) Ready() bool {
	_, ok := c.auth.SessionToken()
	return ok && c.conn.State() == connection.StateConnected
}

// AuthState exposes the authenticator state for operators.
func (c *Client) AuthState() auth.State { return c.auth.State() }

// Close disconnects intentionally and discards the in-memory session.
func (c *Client) Close(ctx context.Context) error {
	c.conn.Disconnect(ctx)
	c.auth.Logout(ctx)
	return nil
}
