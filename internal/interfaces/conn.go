package interfaces

import (
	"context"
	"net/http"
	"time"
)

// Conn is the slice of a websocket connection the connection manager
// uses. *websocket.Conn from gorilla satisfies it directly; tests plug in
// fakes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens duplex connections to the backend.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}
