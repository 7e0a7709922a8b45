package sync

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/config"
	"github.com/waypointlabs/geoengine/internal/eventbus"
	"github.com/waypointlabs/geoengine/internal/models"
)

// fakeStore is an in-memory Store for exercising Pipeline without a real
// database.
type fakeStore struct {
	mu    sync.Mutex
	items map[string]models.QueueItem
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]models.QueueItem)}
}

// EnqueueItem mimics Store's real behavior: a non-empty idempotency_key
// already held by another item is a silent no-op, just like the partial
// unique index Store.EnqueueItem relies on.
func (f *fakeStore) EnqueueItem(item models.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item.IdempotencyKey != "" {
		for _, existing := range f.items {
			if existing.IdempotencyKey == item.IdempotencyKey {
				return nil
			}
		}
	}
	f.items[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateItem(item models.QueueItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteItem(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, id)
	return nil
}

func (f *fakeStore) LoadPendingItems() ([]models.QueueItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.QueueItem
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// fakeClaimer is an in-memory IdempotencyClaimer: the first claim of a key
// succeeds, every subsequent claim of the same key fails.
type fakeClaimer struct {
	mu     sync.Mutex
	claimed map[string]bool
}

func newFakeClaimer() *fakeClaimer {
	return &fakeClaimer{claimed: make(map[string]bool)}
}

func (f *fakeClaimer) ClaimIdempotencyKey(key string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[key] {
		return false, nil
	}
	f.claimed[key] = true
	return true, nil
}

// erroringClaimer always fails, simulating a Redis outage: every claim
// attempt returns an error and must never be trusted to gate dedup.
type erroringClaimer struct{}

func (erroringClaimer) ClaimIdempotencyKey(key string, ttl time.Duration) (bool, error) {
	return false, errors.New("redis unavailable")
}

func testSyncConfig(url string) config.SyncConfig {
	return config.SyncConfig{
		URL:                       url,
		MaxBatchSize:              10,
		AutoSync:                  true,
		MaxRetry:                  2,
		RetryDelay:                time.Millisecond,
		RetryBackoff:              2.0,
		MaxRetryDelay:             10 * time.Millisecond,
		CircuitBreakerMaxRequests: 1,
		CircuitBreakerInterval:    time.Second,
		CircuitBreakerTimeout:     time.Second,
	}
}

func TestEnqueueDedupsByIdempotencyKey(t *testing.T) {
	store := newFakeStore()
	claimer := newFakeClaimer()
	p := New(zap.NewNop(), eventbus.New(), store, claimer, testSyncConfig(""))

	id1, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1")
	if err != nil || id1 == "" {
		t.Fatalf("first Enqueue: id=%q err=%v", id1, err)
	}
	id2, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1")
	if err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if id2 != "" {
		t.Fatalf("expected the duplicate idempotency key to be a no-op, got id=%q", id2)
	}
	if store.count() != 1 {
		t.Fatalf("expected exactly one durably queued item, got %d", store.count())
	}
}

func TestEnqueueDedupsByIdempotencyKeyWithoutClaimer(t *testing.T) {
	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, nil, testSyncConfig(""))

	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1"); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected the store's own idempotency handling to dedup with no claimer at all, got %d", store.count())
	}
}

func TestEnqueueDedupsByIdempotencyKeyWhenClaimerErrors(t *testing.T) {
	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, erroringClaimer{}, testSyncConfig(""))

	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, "fix-1"); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
	if store.count() != 1 {
		t.Fatalf("expected a claimer error to fall through to the store's own dedup, got %d durably queued items", store.count())
	}
}

func TestSyncDispatchesAndClearsOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, nil, testSyncConfig(server.URL))
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := p.Sync(context.Background(), PolicyInput{NetworkType: "wifi"}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("expected the dispatched item to be cleared, got %d remaining", store.count())
	}
}

func TestSyncRetriesThenDropsAfterMaxRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, nil, testSyncConfig(server.URL))
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// MaxRetry is 2: three failed cycles should exhaust retries and drop the
	// item, waiting out each backoff delay between cycles.
	for i := 0; i < 3; i++ {
		if err := p.Sync(context.Background(), PolicyInput{NetworkType: "wifi"}); err != nil {
			t.Fatalf("Sync cycle %d: %v", i, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if store.count() != 0 {
		t.Fatalf("expected the item to be dropped after exhausting retries, got %d remaining", store.count())
	}
}

func TestSyncPausesOnUnauthorized(t *testing.T) {
	// The first request is rejected with 401; later ones succeed, so the
	// cycle ResumeSync runs does not pause the pipeline again.
	var mu sync.Mutex
	rejected := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if !rejected {
			rejected = true
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, nil, testSyncConfig(server.URL))
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := p.Sync(context.Background(), PolicyInput{NetworkType: "wifi"}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !p.Paused() {
		t.Fatal("expected a 401 response to pause the pipeline")
	}
	// The item stays queued for a future resume, not dropped.
	if store.count() != 1 {
		t.Fatalf("expected the item to remain queued while paused, got %d", store.count())
	}

	if err := p.ResumeSync(context.Background(), PolicyInput{NetworkType: "wifi"}); err != nil {
		t.Fatalf("ResumeSync: %v", err)
	}
	if p.Paused() {
		t.Fatal("expected ResumeSync to clear the pause")
	}
}

func TestSyncTreatsConflictAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	store := newFakeStore()
	p := New(zap.NewNop(), eventbus.New(), store, nil, testSyncConfig(server.URL))
	if _, err := p.Enqueue(map[string]any{"lat": 1.0}, ""); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := p.Sync(context.Background(), PolicyInput{NetworkType: "wifi"}); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if store.count() != 0 {
		t.Fatalf("expected a 409 response to clear the item like a success, got %d remaining", store.count())
	}
}
