package connection

import (
	"encoding/json"
	"testing"
)

func TestRegistryIDsAreMonotonic(t *testing.T) {
	r := NewRegistry()

	a := r.Add("ticker", json.RawMessage(`{"type":"ticker"}`))
	b := r.Add("portfolio", json.RawMessage(`{"type":"portfolio"}`))
	c := r.Add("orders", json.RawMessage(`{"type":"orders"}`))
	if a != 1 || b != 2 || c != 3 {
		t.Fatalf("expected ids 1,2,3, got %d,%d,%d", a, b, c)
	}

	// Ids are never reused, even after removal.
	r.Remove(b)
	if d := r.Add("cash", json.RawMessage(`{"type":"cash"}`)); d != 4 {
		t.Errorf("expected id 4 after removal, got %d", d)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	id := r.Add("ticker", nil)

	if !r.Remove(id) {
		t.Error("expected removal of known id to succeed")
	}
	if r.Remove(id) {
		t.Error("expected second removal to report unknown id")
	}
	if r.Remove(999) {
		t.Error("expected unknown id to report false")
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryWaiterLifecycle(t *testing.T) {
	r := NewRegistry()
	id := r.AddWithWaiter("ticker", nil, func(json.RawMessage, error) {})

	if _, ok := r.Waiter(id); !ok {
		t.Fatal("expected waiter for pending request")
	}
	if !r.Has(id) {
		t.Fatal("waiter registration must also be a live subscription")
	}

	r.Remove(id)
	if _, ok := r.Waiter(id); ok {
		t.Error("expected waiter to be gone after removal")
	}
}

func TestRegistrySnapshotPreservesPayloads(t *testing.T) {
	r := NewRegistry()
	payload := json.RawMessage(`{"type":"ticker","id":"DE0001234567"}`)
	id := r.Add("ticker", payload)

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(snap))
	}
	if snap[0].ID != id || snap[0].Topic != "ticker" {
		t.Errorf("unexpected snapshot entry: %+v", snap[0])
	}
	if string(snap[0].Payload) != string(payload) {
		t.Errorf("payload changed: %s", snap[0].Payload)
	}
}

func TestRegistryClearReturnsOrphanedWaiters(t *testing.T) {
	r := NewRegistry()
	settled := 0
	r.AddWithWaiter("a", nil, func(json.RawMessage, error) { settled++ })
	r.AddWithWaiter("b", nil, func(json.RawMessage, error) { settled++ })
	r.Add("c", nil)

	orphans := r.Clear()
	if len(orphans) != 2 {
		t.Fatalf("expected 2 orphaned waiters, got %d", len(orphans))
	}
	for _, settle := range orphans {
		settle(nil, nil)
	}
	if settled != 2 {
		t.Errorf("expected both waiters to be invokable, got %d", settled)
	}
	if r.Len() != 0 {
		t.Errorf("expected empty registry after clear, got %d", r.Len())
	}
}
