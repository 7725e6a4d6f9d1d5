// Package cache implements the response cache engine: fingerprinted
// lookups, TTL-bounded storage and de-duplication of concurrent
// computations for the same fingerprint.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
)

// ErrNotFound is returned by a Store when no live entry exists.
var ErrNotFound = errors.New("cache entry not found")

// Store persists cache entries.
type Store interface {
	// Get returns the live entry for fingerprint, or ErrNotFound if it is
	// missing or expired.
	Get(ctx context.Context, fingerprint string) (models.CacheEntry, error)
	// Put writes entry, superseding any previous entry for its fingerprint.
	Put(ctx context.Context, entry models.CacheEntry) error
	// Count returns the number of live entries.
	Count(ctx context.Context) (int64, error)
	// Purge deletes entries and returns how many were removed.
	Purge(ctx context.Context, expiredOnly bool) (int64, error)
	// Close releases the store.
	Close() error
}

// ComputeFunc produces a fresh payload on a cache miss.
type ComputeFunc func(ctx context.Context) (models.CachePayload, error)

// Outcome describes how GetOrCompute satisfied a request.
type Outcome struct {
	Fingerprint string
	Payload     models.CachePayload
	// FromCache is true when a live stored entry was served.
	FromCache bool
	// Computed is true only for the caller whose ComputeFunc actually ran.
	Computed bool
}

// Options configures an Engine.
type Options struct {
	DefaultTTL    time.Duration
	HistoryWindow int
	Metrics       *metrics.Metrics
	Logger        logr.Logger
}

// Engine is the response cache engine.
type Engine struct {
	store      Store
	group      singleflight.Group
	defaultTTL time.Duration
	window     int
	metrics    *metrics.Metrics
	log        logr.Logger
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
	joined atomic.Int64
}

type flight struct {
	payload models.CachePayload
	cached  bool
}

// NewEngine creates an Engine over store.
func NewEngine(store Store, opts Options) *Engine {
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 24 * time.Hour
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Engine{
		store:      store,
		defaultTTL: opts.DefaultTTL,
		window:     opts.HistoryWindow,
		metrics:    opts.Metrics,
		log:        opts.Logger.WithName("cache"),
		now:        time.Now,
	}
}

// Fingerprint returns the fingerprint for k under this engine's history window.
func (e *Engine) Fingerprint(k Key) string {
	return Fingerprint(k, e.window)
}

// Lookup reads the cache without computing. It counts as a hit or a miss.
func (e *Engine) Lookup(ctx context.Context, k Key) (models.CachePayload, bool) {
	p, ok := e.get(ctx, e.Fingerprint(k))
	if ok {
		e.hits.Add(1)
		e.metrics.CacheLookup(metrics.ResultHit)
	}
	return p, ok
}

// GetOrCompute serves a live entry for k, or joins or starts the single
// in-flight computation for its fingerprint. The computation runs with a
// context detached from the caller's cancellation, and every caller waiting
// on it receives the same payload or error. Failed computations are never
// stored. A ttl of zero uses the engine default.
func (e *Engine) GetOrCompute(ctx context.Context, k Key, ttl time.Duration, fn ComputeFunc) (Outcome, error) {
	fp := e.Fingerprint(k)
	if p, ok := e.get(ctx, fp); ok {
		e.hits.Add(1)
		e.metrics.CacheLookup(metrics.ResultHit)
		return Outcome{Fingerprint: fp, Payload: p, FromCache: true}, nil
	}
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	computed := false
	v, err, _ := e.group.Do(fp, func() (any, error) {
		// Another flight may have stored the entry between our miss and now.
		if p, ok := e.get(ctx, fp); ok {
			return flight{payload: p, cached: true}, nil
		}
		computed = true
		cctx := context.WithoutCancel(ctx)
		p, err := fn(cctx)
		if err != nil {
			return nil, err
		}
		if p.Topic == "" {
			p.Topic = k.Topic
		}
		now := e.now()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		entry := models.CacheEntry{
			Fingerprint: fp,
			Payload:     p,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := e.store.Put(cctx, entry); err != nil {
			e.log.Error(err, "cache write failed", "fingerprint", fp)
		}
		return flight{payload: p}, nil
	})

	switch {
	case computed:
		e.misses.Add(1)
		e.metrics.CacheLookup(metrics.ResultMiss)
	case err == nil && v.(flight).cached:
		e.hits.Add(1)
		e.metrics.CacheLookup(metrics.ResultHit)
	default:
		e.joined.Add(1)
		e.metrics.CacheLookup(metrics.ResultJoined)
	}

	if err != nil {
		if computed {
			e.metrics.CacheComputeError()
		}
		return Outcome{Fingerprint: fp, Computed: computed}, err
	}
	f := v.(flight)
	return Outcome{
		Fingerprint: fp,
		Payload:     f.payload,
		FromCache:   f.cached,
		Computed:    computed,
	}, nil
}

// Stats returns cache counters and the number of live entries.
func (e *Engine) Stats(ctx context.Context) (models.CacheStats, error) {
	live, err := e.store.Count(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	stats := models.CacheStats{
		Hits:        e.hits.Load(),
		Misses:      e.misses.Load(),
		Joined:      e.joined.Load(),
		LiveEntries: live,
	}
	if total := stats.Hits + stats.Misses + stats.Joined; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats, nil
}

// Purge removes stored entries.
func (e *Engine) Purge(ctx context.Context, expiredOnly bool) (int64, error) {
	return e.store.Purge(ctx, expiredOnly)
}

// get reads a live entry. Store failures degrade to a miss.
func (e *Engine) get(ctx context.Context, fp string) (models.CachePayload, bool) {
	entry, err := e.store.Get(ctx, fp)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			e.log.Error(err, "cache read failed", "fingerprint", fp)
		}
		return models.CachePayload{}, false
	}
	if !entry.Live(e.now()) {
		return models.CachePayload{}, false
	}
	return entry.Payload, true
}
