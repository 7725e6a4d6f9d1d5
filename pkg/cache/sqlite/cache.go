package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/creovision/governor/pkg/cache"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/sqlitedb"
)

// Store is a cache.Store backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	fingerprint TEXT PRIMARY KEY,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
`

// New opens the cache table in the database at dbPath.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if _, err := db.Exec(createCacheTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate cache db: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Get retrieves a live entry.
func (s *Store) Get(ctx context.Context, fingerprint string) (models.CacheEntry, error) {
	var payload []byte
	var createdAt, expiresAt int64

	err := s.db.QueryRowContext(ctx,
		`SELECT payload, created_at, expires_at FROM cache_entries WHERE fingerprint = ? AND expires_at > ?`,
		fingerprint, s.now().UnixNano(),
	).Scan(&payload, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CacheEntry{}, cache.ErrNotFound
	}
	if err != nil {
		return models.CacheEntry{}, fmt.Errorf("cache get: %w", err)
	}

	entry := models.CacheEntry{
		Fingerprint: fingerprint,
		CreatedAt:   time.Unix(0, createdAt),
		ExpiresAt:   time.Unix(0, expiresAt),
	}
	if err := json.Unmarshal(payload, &entry.Payload); err != nil {
		return models.CacheEntry{}, fmt.Errorf("decode cache payload: %w", err)
	}
	return entry, nil
}

// Put stores an entry, replacing any previous one for the fingerprint.
func (s *Store) Put(ctx context.Context, entry models.CacheEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (fingerprint, payload, created_at, expires_at)
		 VALUES (?, ?, ?, ?)`,
		entry.Fingerprint, payload, entry.CreatedAt.UnixNano(), entry.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// Count returns the number of live entries.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cache_entries WHERE expires_at > ?`, s.now().UnixNano(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return count, nil
}

// Purge removes cache entries. If expiredOnly is true, only expired entries are removed.
func (s *Store) Purge(ctx context.Context, expiredOnly bool) (int64, error) {
	var res sql.Result
	var err error
	if expiredOnly {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, s.now().UnixNano())
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	}
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
