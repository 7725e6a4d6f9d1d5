// Package sqlite implements quota.Store with a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/quota"
	"github.com/creovision/governor/pkg/sqlitedb"
)

// Compile-time interface check.
var _ quota.Store = (*Store)(nil)

// Store implements quota.Store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const createTables = `
CREATE TABLE IF NOT EXISTS quota_sessions (
	identity TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	free_used INTEGER NOT NULL DEFAULT 0,
	paid_used INTEGER NOT NULL DEFAULT 0,
	paid_available INTEGER NOT NULL DEFAULT 0,
	credits_spent INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	stage TEXT NOT NULL DEFAULT 'intro',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_sessions_updated ON quota_sessions(updated_at);
CREATE TABLE IF NOT EXISTS free_trials (
	identity TEXT PRIMARY KEY,
	issued_at INTEGER NOT NULL,
	used_at INTEGER
);
CREATE TABLE IF NOT EXISTS promo_redemptions (
	code TEXT NOT NULL,
	identity TEXT NOT NULL,
	analyses INTEGER NOT NULL,
	redeemed_at INTEGER NOT NULL,
	PRIMARY KEY (code, identity)
);
CREATE TABLE IF NOT EXISTS promo_balances (
	identity TEXT PRIMARY KEY,
	remaining INTEGER NOT NULL CHECK (remaining >= 0)
);
CREATE TABLE IF NOT EXISTS promo_consumptions (
	identity TEXT NOT NULL,
	op_key TEXT NOT NULL,
	consumed_at INTEGER NOT NULL,
	PRIMARY KEY (identity, op_key)
);
`

// New creates a Store and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open quota db: %w", err)
	}
	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate quota db: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const sessionColumns = `session_id, identity, free_used, paid_used, paid_available, credits_spent, message_count, stage, created_at, updated_at`

func scanSession(row *sql.Row) (*models.Session, error) {
	var s models.Session
	var stage string
	var createdAt, updatedAt int64
	err := row.Scan(&s.ID, &s.Identity, &s.FreeUsed, &s.PaidUsed, &s.PaidAvailable,
		&s.CreditsSpent, &s.MessageCount, &stage, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Stage = models.Stage(stage)
	s.CreatedAt = time.Unix(0, createdAt).UTC()
	s.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &s, nil
}

// loadOrCreate returns the session for identity, inserting a fresh one if
// none exists.
func (s *Store) loadOrCreate(ctx context.Context, q querier, identity string) (*models.Session, error) {
	sess, err := scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM quota_sessions WHERE identity = ?`, identity))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session: %w", err)
	}

	now := s.now().UTC()
	id := quota.NewSessionID(now)
	_, err = q.ExecContext(ctx,
		`INSERT INTO quota_sessions (identity, session_id, stage, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(identity) DO NOTHING`,
		identity, id, string(models.StageIntro), now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	sess, err = scanSession(q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM quota_sessions WHERE identity = ?`, identity))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return sess, nil
}

// Session returns the session for identity, creating it if needed.
func (s *Store) Session(ctx context.Context, identity string) (*models.Session, error) {
	return s.loadOrCreate(ctx, s.db, identity)
}

// Mutate applies fn to the session within a write transaction.
func (s *Store) Mutate(ctx context.Context, identity string, fn func(*models.Session) error) (*models.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin mutate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := s.loadOrCreate(ctx, tx, identity)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	sess.UpdatedAt = s.now().UTC()

	_, err = tx.ExecContext(ctx,
		`UPDATE quota_sessions SET session_id = ?, free_used = ?, paid_used = ?, paid_available = ?,
		 credits_spent = ?, message_count = ?, stage = ?, updated_at = ? WHERE identity = ?`,
		sess.ID, sess.FreeUsed, sess.PaidUsed, sess.PaidAvailable,
		sess.CreditsSpent, sess.MessageCount, string(sess.Stage), sess.UpdatedAt.UnixNano(), identity,
	)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit mutate: %w", err)
	}
	return sess, nil
}

// ListSessions returns the most recently updated sessions.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM quota_sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var stage string
		var createdAt, updatedAt int64
		if err := rows.Scan(&sess.ID, &sess.Identity, &sess.FreeUsed, &sess.PaidUsed, &sess.PaidAvailable,
			&sess.CreditsSpent, &sess.MessageCount, &stage, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Stage = models.Stage(stage)
		sess.CreatedAt = time.Unix(0, createdAt).UTC()
		sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RedeemPromo records a redemption and credits the promo balance.
func (s *Store) RedeemPromo(ctx context.Context, identity, code string, analyses, maxUses int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin redeem: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promo_redemptions WHERE code = ? AND identity = ?`, code, identity,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("check redemption: %w", err)
	}
	if exists > 0 {
		return 0, quota.ErrPromoAlreadyRedeemed
	}

	if maxUses > 0 {
		var uses int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM promo_redemptions WHERE code = ?`, code,
		).Scan(&uses)
		if err != nil {
			return 0, fmt.Errorf("count redemptions: %w", err)
		}
		if uses >= maxUses {
			return 0, quota.ErrPromoExhausted
		}
	}

	now := s.now().UnixNano()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO promo_redemptions (code, identity, analyses, redeemed_at) VALUES (?, ?, ?, ?)`,
		code, identity, analyses, now,
	); err != nil {
		return 0, fmt.Errorf("insert redemption: %w", err)
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`INSERT INTO promo_balances (identity, remaining) VALUES (?, ?)
		 ON CONFLICT(identity) DO UPDATE SET remaining = remaining + excluded.remaining
		 RETURNING remaining`,
		identity, analyses,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("credit promo balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit redeem: %w", err)
	}
	return remaining, nil
}

// PromoRemaining returns the identity's promo balance.
func (s *Store) PromoRemaining(ctx context.Context, identity string) (int, error) {
	return promoRemaining(ctx, s.db, identity)
}

func promoRemaining(ctx context.Context, q querier, identity string) (int, error) {
	var remaining int
	err := q.QueryRowContext(ctx,
		`SELECT remaining FROM promo_balances WHERE identity = ?`, identity,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query promo balance: %w", err)
	}
	return remaining, nil
}

// ConsumePromo decrements the promo balance once per opKey.
func (s *Store) ConsumePromo(ctx context.Context, identity, opKey string) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin consume promo: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO promo_consumptions (identity, op_key, consumed_at) VALUES (?, ?, ?)
		 ON CONFLICT(identity, op_key) DO NOTHING`,
		identity, opKey, s.now().UnixNano(),
	)
	if err != nil {
		return 0, false, fmt.Errorf("record promo consumption: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		remaining, err := promoRemaining(ctx, tx, identity)
		return remaining, false, err
	}

	var remaining int
	err = tx.QueryRowContext(ctx,
		`UPDATE promo_balances SET remaining = remaining - 1
		 WHERE identity = ? AND remaining > 0 RETURNING remaining`,
		identity,
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement promo balance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit consume promo: %w", err)
	}
	return remaining, true, nil
}

// IssueTrial grants a free trial once per identity.
func (s *Store) IssueTrial(ctx context.Context, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO free_trials (identity, issued_at) VALUES (?, ?) ON CONFLICT(identity) DO NOTHING`,
		identity, s.now().UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("issue trial: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// TrialAvailable reports whether an issued trial is unconsumed.
func (s *Store) TrialAvailable(ctx context.Context, identity string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM free_trials WHERE identity = ? AND used_at IS NULL`, identity,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query trial: %w", err)
	}
	return n > 0, nil
}

// ConsumeTrial marks the trial used.
func (s *Store) ConsumeTrial(ctx context.Context, identity string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE free_trials SET used_at = ? WHERE identity = ? AND used_at IS NULL`,
		s.now().UnixNano(), identity,
	)
	if err != nil {
		return false, fmt.Errorf("consume trial: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
