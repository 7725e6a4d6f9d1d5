package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
)

// memStore is an in-memory Store for engine tests.
type memStore struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	getErr  error
	puts    int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string]models.CacheEntry)}
}

func (m *memStore) Get(_ context.Context, fp string) (models.CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return models.CacheEntry{}, m.getErr
	}
	e, ok := m.entries[fp]
	if !ok || !e.Live(time.Now()) {
		return models.CacheEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *memStore) Put(_ context.Context, e models.CacheEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.Fingerprint] = e
	m.puts++
	return nil
}

func (m *memStore) Count(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.entries {
		if e.Live(time.Now()) {
			n++
		}
	}
	return n, nil
}

func (m *memStore) Purge(_ context.Context, expiredOnly bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.entries {
		if !expiredOnly || !e.Live(time.Now()) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	return NewEngine(store, Options{DefaultTTL: time.Hour, Metrics: metrics.New(prometheus.NewRegistry())}), store
}

func chatKey(text string) Key {
	return Key{Text: text, Provider: "creovision-gp5", ModelVersion: "gemini-2.0-flash", SystemPrompt: "You are a concierge."}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(context.Context) (models.CachePayload, error) {
		calls.Add(1)
		return models.CachePayload{Content: "hola", Provider: "gemini"}, nil
	}

	first, err := e.GetOrCompute(ctx, chatKey("hello"), 18*time.Hour, fn)
	if err != nil {
		t.Fatal(err)
	}
	if first.FromCache || !first.Computed {
		t.Errorf("first call: FromCache=%v Computed=%v, want false/true", first.FromCache, first.Computed)
	}

	second, err := e.GetOrCompute(ctx, chatKey("  hello "), 18*time.Hour, fn)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache || second.Computed {
		t.Errorf("second call: FromCache=%v Computed=%v, want true/false", second.FromCache, second.Computed)
	}
	if second.Payload.Content != "hola" {
		t.Errorf("unexpected payload %q", second.Payload.Content)
	}
	if calls.Load() != 1 {
		t.Errorf("compute ran %d times, want 1", calls.Load())
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.LiveEntries != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", stats.HitRate)
	}
}

func TestGetOrComputeDeduplicatesConcurrentCallers(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	const n = 20
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (models.CachePayload, error) {
		calls.Add(1)
		<-release
		return models.CachePayload{Content: "shared"}, nil
	}

	var wg sync.WaitGroup
	var computed atomic.Int32
	results := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.GetOrCompute(ctx, chatKey("same prompt"), time.Hour, fn)
			if results[i].Computed {
				computed.Add(1)
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("compute ran %d times, want 1", calls.Load())
	}
	if computed.Load() != 1 {
		t.Errorf("%d callers report Computed, want 1", computed.Load())
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].Payload.Content != "shared" {
			t.Errorf("caller %d got %q", i, results[i].Payload.Content)
		}
	}
	if store.puts != 1 {
		t.Errorf("store written %d times, want 1", store.puts)
	}
}

func TestGetOrComputeSharesErrorAndDoesNotCache(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()
	boom := errors.New("all providers down")

	_, err := e.GetOrCompute(ctx, chatKey("q"), time.Hour, func(context.Context) (models.CachePayload, error) {
		return models.CachePayload{}, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected compute error, got %v", err)
	}
	if len(store.entries) != 0 {
		t.Fatal("failed computation must not be cached")
	}

	out, err := e.GetOrCompute(ctx, chatKey("q"), time.Hour, func(context.Context) (models.CachePayload, error) {
		return models.CachePayload{Content: "recovered"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Computed || out.Payload.Content != "recovered" {
		t.Errorf("expected fresh computation after failure, got %+v", out)
	}
}

func TestGetOrComputeTTLExpiry(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(context.Context) (models.CachePayload, error) {
		n := calls.Add(1)
		return models.CachePayload{Content: fmt.Sprintf("v%d", n)}, nil
	}

	if _, err := e.GetOrCompute(ctx, chatKey("q"), time.Millisecond, fn); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)

	out, err := e.GetOrCompute(ctx, chatKey("q"), time.Millisecond, fn)
	if err != nil {
		t.Fatal(err)
	}
	if out.FromCache || out.Payload.Content != "v2" {
		t.Errorf("expected recompute after expiry, got %+v", out)
	}
}

func TestGetOrComputeIgnoresCallerCancellation(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := e.GetOrCompute(ctx, chatKey("q"), time.Hour, func(cctx context.Context) (models.CachePayload, error) {
		if cctx.Err() != nil {
			return models.CachePayload{}, cctx.Err()
		}
		return models.CachePayload{Content: "done"}, nil
	})
	if err != nil {
		t.Fatalf("computation should not observe caller cancellation: %v", err)
	}
	if out.Payload.Content != "done" {
		t.Errorf("unexpected payload %+v", out.Payload)
	}
}

func TestStoreReadFailureIsMiss(t *testing.T) {
	e, store := newTestEngine(t)
	store.getErr = errors.New("disk on fire")

	out, err := e.GetOrCompute(context.Background(), chatKey("q"), time.Hour, func(context.Context) (models.CachePayload, error) {
		return models.CachePayload{Content: "fresh"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Computed || out.Payload.Content != "fresh" {
		t.Errorf("expected computation on read failure, got %+v", out)
	}
}

func TestLookup(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	if _, ok := e.Lookup(ctx, chatKey("q")); ok {
		t.Fatal("expected miss on empty cache")
	}
	_, _ = e.GetOrCompute(ctx, chatKey("q"), time.Hour, func(context.Context) (models.CachePayload, error) {
		return models.CachePayload{Content: "x"}, nil
	})
	p, ok := e.Lookup(ctx, chatKey("q"))
	if !ok || p.Content != "x" {
		t.Errorf("Lookup = %+v, %v", p, ok)
	}
}

func TestPayloadKeepsTopic(t *testing.T) {
	e, _ := newTestEngine(t)
	k := chatKey("q")
	k.Topic = "viral-script"
	out, err := e.GetOrCompute(context.Background(), k, time.Hour, func(context.Context) (models.CachePayload, error) {
		return models.CachePayload{Content: "x"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if out.Payload.Topic != "viral-script" {
		t.Errorf("topic = %q", out.Payload.Topic)
	}
	if out.Payload.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
}
