// Package transport wraps every control-plane HTTP call in two composed
// policies: a global throttle that queues excess calls instead of failing
// them, and a bounded exponential-backoff retry for transient failures.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/logger"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/observability"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
)

// Doer is the slice of http.Client this package needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Config struct {
	// MinInterval is the global throttle: at most one call per interval.
	MinInterval time.Duration
	// MaxRetries bounds retries after the first attempt.
	MaxRetries int
	// InitialBackoff doubles per retry, capped at MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RequestTimeout applies per HTTP attempt.
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinInterval:    time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     10 * time.Second,
		RequestTimeout: 15 * time.Second,
	}
}

// Request is one control-plane call. Body is JSON-encoded when non-nil.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   any
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Client serializes control-plane calls through a single throttle queue.
// Data-plane subscriptions never pass through here.
type Client struct {
	doer     Doer
	cfg      Config
	clientID string

	mu   sync.Mutex
	next time.Time
}

func New(cfg Config) *Client {
	return NewWithDoer(cfg, &http.Client{Timeout: cfg.RequestTimeout})
}

func NewWithDoer(cfg Config, doer Doer) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Client{
		doer:     doer,
		cfg:      cfg,
		clientID: uuid.NewString(),
	}
}

// ClientID identifies this process on control-plane calls and in logs.
func (c *Client) ClientID() string { return c.clientID }

// Call runs the request through throttle and retry. It returns the final
// response or the last error once retries are exhausted; it never silently
// drops a call. Non-retryable 4xx responses propagate immediately.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg, attempt)
			logger.Debug(ctx, "Retrying control-plane call",
				"url", req.URL, "attempt", attempt, "delay", delay.String())
			observability.ControlPlaneRetry()
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &protocol.TransportError{Err: ctx.Err()}
			}
		}

		if err := c.waitTurn(ctx); err != nil {
			return nil, &protocol.TransportError{Err: err}
		}

		resp, err := c.do(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var terr *protocol.TransportError
		if !errors.As(err, &terr) || !terr.Retryable() {
			return nil, err
		}
	}

	return nil, lastErr
}

// waitTurn reserves the next throttle slot and sleeps until it opens.
// Excess callers queue behind each other rather than failing.
func (c *Client) waitTurn(ctx context.Context) error {
	c.mu.Lock()
	now := time.Now()
	at := c.next
	if at.Before(now) {
		at = now
	}
	c.next = at.Add(c.cfg.MinInterval)
	c.mu.Unlock()

	if wait := time.Until(at); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		raw, err := json.Marshal(req.Body)
		if err != nil {
			return nil, &protocol.TransportError{Err: fmt.Errorf("encode body: %w", err)}
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("X-Client-Id", c.clientID)

	resp, err := c.doer.Do(httpReq)
	if err != nil {
		return nil, &protocol.TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &protocol.TransportError{Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode >= 400 {
		return nil, &protocol.TransportError{
			StatusCode: resp.StatusCode,
			Message:    string(raw),
		}
	}

	return &Response{StatusCode: resp.StatusCode, Body: raw}, nil
}

// backoffDelay returns the delay before retry N (1-based): initial backoff
// doubled per retry, capped.
func backoffDelay(cfg Config, attempt int) time.Duration {
	delay := cfg.InitialBackoff << (attempt - 1)
	if delay > cfg.MaxBackoff {
		delay = cfg.MaxBackoff
	}
	return delay
}
