package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/interfaces"
)

// wsDialer opens real websocket connections via gorilla.
type wsDialer struct {
	handshakeTimeout time.Duration
}

func NewDialer(handshakeTimeout time.Duration) interfaces.Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &wsDialer{handshakeTimeout: handshakeTimeout}
}

func (d *wsDialer) Dial(ctx context.Context, url string, header http.Header) (interfaces.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
