// Package redis provides a cache.Store backed by Redis. Expiry is delegated
// to Redis key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/creovision/governor/pkg/cache"
	"github.com/creovision/governor/pkg/models"
)

const defaultKeyPrefix = "governor"

// Compile-time interface check.
var _ cache.Store = (*Store)(nil)

// Store implements cache.Store using Redis.
type Store struct {
	client    goredis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewFromClient wraps an existing client. Close is a no-op because the
// caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (s *Store) entryKey(fingerprint string) string {
	return s.keyPrefix + ":cache:" + fingerprint
}

func (s *Store) pattern() string {
	return s.keyPrefix + ":cache:*"
}

// Get retrieves a live entry.
func (s *Store) Get(ctx context.Context, fingerprint string) (models.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(fingerprint)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return models.CacheEntry{}, cache.ErrNotFound
		}
		return models.CacheEntry{}, fmt.Errorf("redis: get cache entry: %w", err)
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.CacheEntry{}, fmt.Errorf("redis: unmarshal cache entry: %w", err)
	}
	if !entry.Live(s.now()) {
		return models.CacheEntry{}, cache.ErrNotFound
	}
	return entry, nil
}

// Put stores entry with a key TTL matching its expiry.
func (s *Store) Put(ctx context.Context, entry models.CacheEntry) error {
	ttl := entry.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redis: marshal cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set cache entry: %w", err)
	}
	return nil
}

// Count returns the number of cache keys. Redis drops expired keys itself,
// so every key counted is live.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	iter := s.client.Scan(ctx, 0, s.pattern(), 500).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis: scan cache keys: %w", err)
	}
	return n, nil
}

// Purge deletes all cache keys. Expired keys are already gone, so an
// expired-only purge removes nothing.
func (s *Store) Purge(ctx context.Context, expiredOnly bool) (int64, error) {
	if expiredOnly {
		return 0, nil
	}
	var removed int64
	iter := s.client.Scan(ctx, 0, s.pattern(), 500).Iterator()
	for iter.Next(ctx) {
		n, err := s.client.Del(ctx, iter.Val()).Result()
		if err != nil {
			return removed, fmt.Errorf("redis: delete cache key: %w", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("redis: scan cache keys: %w", err)
	}
	return removed, nil
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close() error {
	return nil
}
