package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/chis/portsmith/internal/storage"
)

// dedupStore implements the two Store methods the dispatcher touches.
type dedupStore struct {
	storage.Store

	mu      sync.Mutex
	claimed map[string]bool
	hooks   []storage.Webhook
}

func (s *dedupStore) MarkNotificationSent(_ context.Context, userID int64, dedupKey, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimed == nil {
		s.claimed = make(map[string]bool)
	}
	if s.claimed[dedupKey] {
		return false, nil
	}
	s.claimed[dedupKey] = true
	return true, nil
}

func (s *dedupStore) ListWebhooks(context.Context, int64) ([]storage.Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hooks, nil
}

// webhookSink records every payload POSTed to it.
func webhookSink(record func(payload)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		record(p)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestDispatchDeliversAndDeduplicates(t *testing.T) {
	var (
		mu       sync.Mutex
		received []payload
	)
	srv := httptest.NewServer(webhookSink(func(p payload) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}))
	defer srv.Close()

	store := &dedupStore{hooks: []storage.Webhook{
		{ID: 1, Name: "ops", URL: srv.URL, Enabled: true},
		{ID: 2, Name: "off", URL: srv.URL, Enabled: false},
	}}

	d := NewDispatcher(store, NewBus(), zerolog.Nop())
	ev := UpdateDetected(1, "library/redis", "7", "sha256:abc")

	d.dispatch(context.Background(), ev)
	d.dispatch(context.Background(), ev) // same dedup key, must be dropped

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("deliveries = %d, want 1 (dedup + disabled hook skipped)", len(received))
	}
	if received[0].Type != EventUpdateDetected {
		t.Errorf("type = %q", received[0].Type)
	}
	if received[0].Footer != payloadFooter {
		t.Errorf("footer = %q, want %q", received[0].Footer, payloadFooter)
	}
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	store := &dedupStore{hooks: []storage.Webhook{
		{ID: 1, Name: "flaky", URL: srv.URL, Enabled: true},
	}}
	d := NewDispatcher(store, NewBus(), zerolog.Nop())
	d.retryWait = time.Millisecond

	d.dispatch(context.Background(), UpdateDetected(1, "library/nginx", "1.27", "sha256:abc"))

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("attempts = %d, want 3 (two 502s then success)", calls)
	}
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := &dedupStore{hooks: []storage.Webhook{
		{ID: 1, Name: "down", URL: srv.URL, Enabled: true},
	}}
	d := NewDispatcher(store, NewBus(), zerolog.Nop())
	d.retryWait = time.Millisecond

	d.dispatch(context.Background(), UpdateDetected(1, "library/nginx", "1.27", "sha256:def"))

	mu.Lock()
	defer mu.Unlock()
	if calls != deliveryAttempts {
		t.Errorf("attempts = %d, want %d", calls, deliveryAttempts)
	}
}

func TestRunConsumesBusEvents(t *testing.T) {
	delivered := make(chan payload, 10)
	srv := httptest.NewServer(webhookSink(func(p payload) { delivered <- p }))
	defer srv.Close()

	store := &dedupStore{hooks: []storage.Webhook{
		{ID: 1, Name: "ops", URL: srv.URL, Enabled: true},
	}}

	bus := NewBus()
	d := NewDispatcher(store, bus, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	waitForSubscriber(t, bus)
	bus.Publish(UpgradeSuccess(1, 42, "web", "nginx:1.26", "nginx:1.27"))

	select {
	case p := <-delivered:
		if p.Type != EventUpgradeSuccess {
			t.Errorf("type = %q, want %q", p.Type, EventUpgradeSuccess)
		}
		if p.Title == "" || p.Description == "" {
			t.Error("expected populated title and description")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for webhook delivery")
	}
}

func waitForSubscriber(t *testing.T, bus *Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		bus.mu.RLock()
		n := len(bus.subscribers["*"])
		bus.mu.RUnlock()
		if n > 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("dispatcher never subscribed")
}

func TestDedupKeysAreStable(t *testing.T) {
	a := UpdateDetected(1, "library/nginx", "latest", "sha256:abc")
	b := UpdateDetected(1, "library/nginx", "1.27", "sha256:abc")
	if a.DedupKey != b.DedupKey {
		t.Errorf("same digest must share a dedup key: %q vs %q", a.DedupKey, b.DedupKey)
	}

	c := UpgradeSuccess(1, 5, "web", "a", "b")
	d := UpgradeFailure(1, 5, "web", "boom")
	if c.DedupKey != d.DedupKey {
		t.Errorf("success and failure for the same attempt must share a key: %q vs %q", c.DedupKey, d.DedupKey)
	}
}
