package connection

import (
	"encoding/json"
	"sync"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/observability"
	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/types"
)

// settleFunc settles a one-shot request. The registry never calls it
// twice for the same id; callers additionally guard with sync.Once so a
// racing timeout stays a no-op.
type settleFunc func(payload json.RawMessage, err error)

// Registry tracks active subscriptions and in-flight one-shot waiters by
// correlation id. Ids increase monotonically and are unique for the
// process lifetime. All mutation happens under one mutex; dispatch and
// subscribe calls may run on any goroutine.
type Registry struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]types.Subscription
	waiters map[int]settleFunc
}

func NewRegistry() *Registry {
	return &Registry{
		subs:    make(map[int]types.Subscription),
		waiters: make(map[int]settleFunc),
	}
}

// Add registers a subscription and returns its correlation id.
func (r *Registry) Add(topic string, payload json.RawMessage) int {
	return r.add(topic, payload, nil)
}

// AddWithWaiter registers a subscription whose first terminal frame
// settles the given waiter.
func (r *Registry) AddWithWaiter(topic string, payload json.RawMessage, settle settleFunc) int {
	return r.add(topic, payload, settle)
}

func (r *Registry) add(topic string, payload json.RawMessage, settle settleFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs[id] = types.Subscription{ID: id, Topic: topic, Payload: payload}
	if settle != nil {
		r.waiters[id] = settle
	}
	observability.SetActiveSubscriptions(len(r.subs))
	return id
}

// Remove drops the subscription and any waiter for id. Returns false for
// unknown ids, which callers treat as a no-op.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	delete(r.waiters, id)
	observability.SetActiveSubscriptions(len(r.subs))
	return true
}

// Has reports whether id belongs to a live subscription.
func (r *Registry) Has(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[id]
	return ok
}

// Waiter returns the settle hook for id, if a one-shot request is waiting.
func (r *Registry) Waiter(id int) (settleFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	settle, ok := r.waiters[id]
	return settle, ok
}

// Snapshot returns the current subscriptions for reconnection replay.
func (r *Registry) Snapshot() []types.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear empties the registry and hands back the orphaned waiters so the
// caller can settle them. Used on intentional disconnect.
func (r *Registry) Clear() []settleFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	orphans := make([]settleFunc, 0, len(r.waiters))
	for _, settle := range r.waiters {
		orphans = append(orphans, settle)
	}
	r.subs = make(map[int]types.Subscription)
	r.waiters = make(map[int]settleFunc)
	observability.SetActiveSubscriptions(0)
	return orphans
}
