package interfaces

import (
	"context"
	"encoding/json"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

// ProtocolClient is what downstream business services consume: one-shot
// queries, raw topic streaming, and the two-factor handoff. Callers never
// manage authentication state beyond supplying the code when prompted.
type ProtocolClient interface {
	RequestOnce(ctx context.Context, topic string, params map[string]any) (json.RawMessage, error)
	Subscribe(ctx context.Context, topic string, params map[string]any) (int, error)
	Unsubscribe(ctx context.Context, id int) error
	OnMessage(fn func(types.Frame))
	OnError(fn func(error))
	OnReconnected(fn func())
	CompleteTwoFactor(ctx context.Context, code string) error
	Ready() bool
	Close(ctx context.Context) error
}
