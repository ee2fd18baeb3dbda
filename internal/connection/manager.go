// Package connection owns the duplex socket lifecycle: handshake,
// liveness detection based on frame arrival, reconnection with backoff and
// subscription replay, and correlation-id dispatch of inbound frames.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/interfaces"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/logger"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/observability"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNotConnected = errors.New("connection: not connected")
	ErrClosed       = errors.New("connection: closed")
	ErrBusy         = errors.New("connection: reconnect in progress")
)

// SessionSource supplies a currently-valid session token. Satisfied by
// the auth package's Authenticator.
type SessionSource interface {
	EnsureValidSession(ctx context.Context) error
	SessionToken() (token string, ok bool)
}

type Config struct {
	URL string
	// HeartbeatInterval is how often liveness is checked.
	HeartbeatInterval time.Duration
	// LivenessTimeout declares the connection dead after this much
	// silence (no frame of any kind).
	LivenessTimeout time.Duration
	// ReconnectBaseDelay doubles per attempt: 1s, 2s, 4s, 8s, 16s.
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	HandshakeTimeout     time.Duration
	// RequestTimeout is the default RequestOnce deadline.
	RequestTimeout time.Duration
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		HeartbeatInterval:    20 * time.Second,
		LivenessTimeout:      40 * time.Second,
		ReconnectBaseDelay:   time.Second,
		ReconnectMaxAttempts: 5,
		HandshakeTimeout:     10 * time.Second,
		RequestTimeout:       30 * time.Second,
	}
}

// Manager owns exactly one logical duplex connection. Multiple managers
// never share a socket or registry.
type Manager struct {
	cfg      Config
	dialer   interfaces.Dialer
	session  SessionSource
	registry *Registry

	state     atomic.Int32
	lastFrame atomic.Int64 // unix nanos of most recent inbound frame

	mu           sync.Mutex
	conn         interfaces.Conn
	gen          int // bumped per connection; stale goroutines check it
	intentional  bool
	reconnecting bool

	hmu           sync.RWMutex
	onMessage     func(types.Frame)
	onError       func(error)
	onReconnected func()
}

func NewManager(cfg Config, dialer interfaces.Dialer, session SessionSource) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 20 * time.Second
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 2 * cfg.HeartbeatInterval
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		session:  session,
		registry: NewRegistry(),
	}
}

func (m *Manager) State() State { return State(m.state.Load()) }

func (m *Manager) setState(ctx context.Context, to State) {
	from := State(m.state.Swap(int32(to)))
	if from != to {
		logger.Connection(ctx, "state", "from", from.String(), "to", to.String())
	}
}

// OnMessage registers the handler for subscription frames.
func (m *Manager) OnMessage(fn func(types.Frame)) {
	m.hmu.Lock()
	m.onMessage = fn
	m.hmu.Unlock()
}

// OnError registers the handler for backend errors and fatal connectivity
// failures.
func (m *Manager) OnError(fn func(error)) {
	m.hmu.Lock()
	m.onError = fn
	m.hmu.Unlock()
}

// OnReconnected registers the handler invoked after a successful
// automatic reconnect, once subscriptions have been replayed.
func (m *Manager) OnReconnected(fn func()) {
	m.hmu.Lock()
	m.onReconnected = fn
	m.hmu.Unlock()
}

func (m *Manager) emitMessage(f types.Frame) {
	m.hmu.RLock()
	fn := m.onMessage
	m.hmu.RUnlock()
	if fn != nil {
		fn(f)
	}
}

func (m *Manager) emitError(err error) {
	m.hmu.RLock()
	fn := m.onError
	m.hmu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

func (m *Manager) emitReconnected() {
	m.hmu.RLock()
	fn := m.onReconnected
	m.hmu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Connect opens the duplex channel, performs the handshake, and starts
// the read and heartbeat loops. Connecting while already connected is a
// no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if m.reconnecting {
		m.mu.Unlock()
		return ErrBusy
	}
	m.intentional = false
	m.mu.Unlock()

	m.setState(ctx, StateConnecting)

	conn, err := m.handshake(ctx)
	if err != nil {
		m.setState(ctx, StateDisconnected)
		return err
	}

	m.adopt(ctx, conn)
	logger.Connection(ctx, "connected", "url", m.cfg.URL)
	return nil
}

// handshake acquires a session token, dials, sends the connect frame, and
// waits for the backend's acknowledgement.
func (m *Manager) handshake(ctx context.Context) (interfaces.Conn, error) {
	if err := m.session.EnsureValidSession(ctx); err != nil {
		return nil, err
	}
	token, ok := m.session.SessionToken()
	if !ok {
		return nil, fmt.Errorf("connection: no usable session token")
	}

	conn, err := m.dialer.Dial(ctx, m.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connection: dial %s: %w", m.cfg.URL, err)
	}

	connectFrame, err := protocol.FormatConnect(map[string]string{"sessionToken": token})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, connectFrame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection: send connect frame: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(m.cfg.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("connection: await connect ack: %w", err)
	}
	if !protocol.IsConnectAck(msg) {
		conn.Close()
		return nil, &protocol.ProtocolError{Reason: "unexpected handshake response", Raw: string(msg)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	return conn, nil
}

// adopt installs a freshly handshaken connection and starts its loops.
// The reconnecting flag is cleared in the same critical section as the
// install, so a concurrent Connect never observes the gap between them
// and dials a second socket.
func (m *Manager) adopt(ctx context.Context, conn interfaces.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.gen++
	gen := m.gen
	m.reconnecting = false
	m.mu.Unlock()

	m.lastFrame.Store(time.Now().UnixNano())
	m.setState(ctx, StateConnected)

	go m.readLoop(gen, conn)
	go m.heartbeat(gen, conn)
}

func (m *Manager) isCurrent(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen && m.conn != nil
}

func (m *Manager) readLoop(gen int, conn interfaces.Conn) {
	ctx := context.Background()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.handleClosed(ctx, gen, err)
			return
		}

		m.lastFrame.Store(time.Now().UnixNano())

		if protocol.IsConnectAck(msg) {
			continue
		}
		frame, perr := protocol.ParseFrame(msg)
		if perr != nil {
			// Malformed frames never terminate the connection.
			logger.Warn(ctx, "Dropping malformed frame", "error", perr)
			observability.FrameDropped()
			continue
		}
		observability.ObserveFrame(string(frame.Code))
		m.dispatch(ctx, frame)
	}
}

// heartbeat treats the connection as dead once no frame of any kind has
// arrived within the liveness timeout, and forces a close so the read
// loop triggers reconnection.
func (m *Manager) heartbeat(gen int, conn interfaces.Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		if !m.isCurrent(gen) {
			return
		}
		last := time.Unix(0, m.lastFrame.Load())
		if silence := time.Since(last); silence > m.cfg.LivenessTimeout {
			logger.Warn(context.Background(), "Connection presumed dead, forcing close",
				"silence", silence.String(), "liveness_timeout", m.cfg.LivenessTimeout.String())
			conn.Close()
			return
		}
	}
}

// dispatch routes an inbound frame to at most one live waiter or
// subscription. Unmatched ids are logged and discarded.
func (m *Manager) dispatch(ctx context.Context, f types.Frame) {
	if settle, ok := m.registry.Waiter(f.ID); ok {
		switch f.Code {
		case types.CodeAnswer:
			settle(f.Payload, nil)
			return
		case types.CodeError:
			settle(nil, &protocol.BackendError{ID: f.ID, Message: protocol.ErrorMessage(f.Payload)})
			return
		}
		// Non-terminal frames for a pending request fall through to
		// normal delivery.
	}

	if !m.registry.Has(f.ID) {
		logger.Warn(ctx, "Dropping frame with no matching subscription", "id", f.ID, "code", string(f.Code))
		observability.FrameDropped()
		return
	}

	if f.Code == types.CodeError {
		m.emitError(&protocol.BackendError{ID: f.ID, Message: protocol.ErrorMessage(f.Payload)})
		return
	}
	m.emitMessage(f)
}

// handleClosed runs when a read loop dies. Intentional closes stop here;
// anything else starts the reconnect loop, guarded so only one is ever
// active.
func (m *Manager) handleClosed(ctx context.Context, gen int, cause error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.intentional {
		m.mu.Unlock()
		m.setState(ctx, StateDisconnected)
		return
	}
	if m.reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	m.mu.Unlock()

	m.setState(ctx, StateReconnecting)
	logger.Connection(ctx, "lost", "cause", cause.Error())
	go m.reconnectLoop(cause)
}

func (m *Manager) reconnectLoop(cause error) {
	ctx := context.Background()
	lastErr := cause

	for attempt := 1; attempt <= m.cfg.ReconnectMaxAttempts; attempt++ {
		delay := m.cfg.ReconnectBaseDelay << (attempt - 1)
		time.Sleep(delay)

		m.mu.Lock()
		abandoned := m.intentional
		m.mu.Unlock()
		if abandoned {
			m.finishReconnect(ctx, false)
			return
		}

		conn, err := m.handshake(ctx)
		if err != nil {
			lastErr = err
			observability.ReconnectResult("failure")
			logger.Warn(ctx, "Reconnect attempt failed",
				"attempt", attempt, "max_attempts", m.cfg.ReconnectMaxAttempts, "error", err)
			continue
		}

		m.adopt(ctx, conn)
		m.replaySubscriptions(ctx, conn)
		observability.ReconnectResult("success")
		logger.Connection(ctx, "reconnected", "attempt", attempt)
		m.emitReconnected()
		return
	}

	m.finishReconnect(ctx, true)
	m.emitError(&protocol.ConnectivityError{Attempts: m.cfg.ReconnectMaxAttempts, Err: lastErr})
}

func (m *Manager) finishReconnect(ctx context.Context, exhausted bool) {
	m.mu.Lock()
	m.reconnecting = false
	m.mu.Unlock()
	m.setState(ctx, StateDisconnected)
	if exhausted {
		logger.Error(ctx, "Reconnect attempts exhausted, giving up",
			"attempts", m.cfg.ReconnectMaxAttempts)
	}
}

// replaySubscriptions re-issues every registered subscription on the new
// connection with its original id and payload.
func (m *Manager) replaySubscriptions(ctx context.Context, conn interfaces.Conn) {
	subs := m.registry.Snapshot()
	for _, sub := range subs {
		if err := conn.WriteMessage(websocket.TextMessage, protocol.FormatSub(sub.ID, sub.Payload)); err != nil {
			logger.ErrorWithErr(ctx, "Failed to replay subscription", err, "id", sub.ID, "topic", sub.Topic)
			return
		}
	}
	if len(subs) > 0 {
		logger.Info(ctx, "Replayed subscriptions after reconnect", "count", len(subs))
	}
}

// Disconnect is the intentional shutdown: it suppresses reconnection,
// clears all subscriptions, settles pending requests, and closes the
// socket. Safe to call repeatedly.
func (m *Manager) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.intentional = true
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		m.setState(ctx, StateClosing)
		conn.Close()
	}

	for _, settle := range m.registry.Clear() {
		settle(nil, ErrClosed)
	}
	m.setState(ctx, StateDisconnected)
}

func (m *Manager) send(data []byte) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("connection: write: %w", err)
	}
	return nil
}

// Subscribe registers a topic and sends the subscribe frame. The id is
// returned immediately; data arrives asynchronously via OnMessage.
func (m *Manager) Subscribe(ctx context.Context, topic string, params map[string]any) (int, error) {
	payload, err := protocol.SubPayload(topic, params)
	if err != nil {
		return 0, err
	}

	id := m.registry.Add(topic, payload)
	if err := m.send(protocol.FormatSub(id, payload)); err != nil {
		m.registry.Remove(id)
		return 0, err
	}
	logger.Debug(ctx, "Subscribed", "id", id, "topic", topic)
	return id, nil
}

// Unsubscribe sends the unsubscribe frame and drops the registration.
// Unknown ids are a no-op, not an error.
func (m *Manager) Unsubscribe(ctx context.Context, id int) error {
	if !m.registry.Remove(id) {
		return nil
	}
	logger.Debug(ctx, "Unsubscribed", "id", id)
	return m.send(protocol.FormatUnsub(id))
}

// RequestOnce subscribes, waits for the first terminal frame (answer or
// error) matching the id, then unsubscribes and removes the waiter on any
// outcome. Exactly one of result/error is produced, exactly once, even
// when a frame and the deadline race; the first to arrive wins.
func (m *Manager) RequestOnce(ctx context.Context, topic string, params map[string]any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = m.cfg.RequestTimeout
	}

	payload, err := protocol.SubPayload(topic, params)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan outcome, 1)
	var once sync.Once
	settle := func(p json.RawMessage, err error) {
		once.Do(func() { ch <- outcome{payload: p, err: err} })
	}

	id := m.registry.AddWithWaiter(topic, payload, settle)
	if err := m.send(protocol.FormatSub(id, payload)); err != nil {
		m.registry.Remove(id)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var result outcome
	select {
	case result = <-ch:
		_ = m.Unsubscribe(ctx, id)
	case <-timer.C:
		// Cleanup happens before rejecting; if a frame slipped in first,
		// the settle below is a no-op and the frame's outcome wins.
		_ = m.Unsubscribe(ctx, id)
		settle(nil, &protocol.TimeoutError{ID: id, Topic: topic, After: timeout})
		result = <-ch
	case <-ctx.Done():
		_ = m.Unsubscribe(ctx, id)
		settle(nil, ctx.Err())
		result = <-ch
	}

	switch {
	case result.err == nil:
		observability.RequestOutcome("answer")
	case errors.As(result.err, new(*protocol.TimeoutError)):
		observability.RequestOutcome("timeout")
	default:
		observability.RequestOutcome("error")
	}
	return result.payload, result.err
}

// ActiveSubscriptions returns the number of live registrations.
func (m *Manager) ActiveSubscriptions() int { return m.registry.Len() }
