package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/visusnet/trade-republic-mcp-server-sub002/internal/protocol"
)

func testConfig() Config {
	return Config{
		MinInterval:    10 * time.Millisecond,
		MaxRetries:     3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		RequestTimeout: time.Second,
	}
}

func TestThrottleSpacesConcurrentCalls(t *testing.T) {
	var mu sync.Mutex
	var arrivals []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals = append(arrivals, time.Now())
		mu.Unlock()
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MinInterval = 50 * time.Millisecond
	client := New(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.Call(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
				t.Errorf("call: %v", err)
			}
		}()
	}
	wg.Wait()

	if len(arrivals) != 5 {
		t.Fatalf("expected 5 calls, got %d", len(arrivals))
	}
	sort.Slice(arrivals, func(i, j int) bool { return arrivals[i].Before(arrivals[j]) })
	for i := 1; i < len(arrivals); i++ {
		if gap := arrivals[i].Sub(arrivals[i-1]); gap < 40*time.Millisecond {
			t.Errorf("calls %d and %d only %v apart, want >= ~50ms", i-1, i, gap)
		}
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(testConfig())
	resp, err := client.Call(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestRetriesRateLimitResponses(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := New(testConfig())
	if _, err := client.Call(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("expected success after 429, got %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts, got %d", got)
	}
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"errorCode":"BAD_CREDENTIALS","message":"wrong pin"}`))
	}))
	defer srv.Close()

	client := New(testConfig())
	_, err := client.Call(context.Background(), Request{Method: http.MethodPost, URL: srv.URL, Body: map[string]string{"pin": "0"}})
	var terr *protocol.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if terr.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", terr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("4xx must not be retried, saw %d attempts", got)
	}
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.MaxRetries = 2
	client := New(cfg)

	_, err := client.Call(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	var terr *protocol.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError after exhaustion, got %v", err)
	}
	if terr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected last error to carry status 503, got %d", terr.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d", got)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 10 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second}
	for i, expected := range want {
		if got := backoffDelay(cfg, i+1); got != expected {
			t.Errorf("attempt %d: expected %v, got %v", i+1, expected, got)
		}
	}
}

func TestClientIDHeaderIsAttached(t *testing.T) {
	var mu sync.Mutex
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = r.Header.Get("X-Client-Id")
		mu.Unlock()
	}))
	defer srv.Close()

	client := New(testConfig())
	if _, err := client.Call(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}); err != nil {
		t.Fatalf("call: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got == "" || got != client.ClientID() {
		t.Errorf("expected client id %q on the wire, got %q", client.ClientID(), got)
	}
}
