// Package journal stores every governed conversation message in SQLite.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/sqlitedb"
)

// Journal writes and queries message records.
type Journal struct {
	db            *sql.DB
	retentionDays int
}

// New opens the journal database. Cleanup prunes entries older than
// retentionDays; a non-positive value keeps them forever.
func New(dbPath string, retentionDays int) (*Journal, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal db: %w", err)
	}

	return &Journal{db: db, retentionDays: retentionDays}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS message_log (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		identity       TEXT NOT NULL,
		session_id     TEXT NOT NULL,
		role           TEXT NOT NULL,
		content        TEXT NOT NULL,
		message_number INTEGER NOT NULL,
		is_free        INTEGER NOT NULL,
		provider       TEXT,
		created_at     INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_message_log_identity ON message_log(identity, created_at)`)
	if err != nil {
		return err
	}
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_message_log_session ON message_log(session_id)`)
	return err
}

// Log appends a message record.
func (j *Journal) Log(ctx context.Context, rec models.MessageRecord) error {
	if j == nil || j.db == nil {
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO message_log
		(identity, session_id, role, content, message_number, is_free, provider, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Identity, rec.SessionID, rec.Role, rec.Content,
		rec.MessageNumber, rec.IsFree, rec.Provider, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("journal message: %w", err)
	}
	return nil
}

// Query returns records matching opts, newest first.
func (j *Journal) Query(ctx context.Context, opts models.MessageQueryOpts) ([]models.MessageRecord, error) {
	q := `SELECT id, identity, session_id, role, content, message_number, is_free, provider, created_at
		FROM message_log WHERE 1=1`
	var args []any

	if opts.Identity != "" {
		q += " AND identity = ?"
		args = append(args, opts.Identity)
	}
	if opts.SessionID != "" {
		q += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Role != "" {
		q += " AND role = ?"
		args = append(args, opts.Role)
	}
	if !opts.Since.IsZero() {
		q += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}

	q += " ORDER BY id DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var records []models.MessageRecord
	for rows.Next() {
		var r models.MessageRecord
		var provider sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&r.ID, &r.Identity, &r.SessionID, &r.Role, &r.Content,
			&r.MessageNumber, &r.IsFree, &provider, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		r.Provider = provider.String
		r.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, r)
	}
	return records, rows.Err()
}

// Stats returns message counts grouped by day and role.
func (j *Journal) Stats(ctx context.Context) ([]models.JournalStat, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT date(created_at / 1000000000, 'unixepoch') AS day, role, count(*)
		 FROM message_log GROUP BY day, role ORDER BY day DESC, role`)
	if err != nil {
		return nil, fmt.Errorf("journal stats: %w", err)
	}
	defer rows.Close()

	var stats []models.JournalStat
	for rows.Next() {
		var s models.JournalStat
		var day sql.NullString
		if err := rows.Scan(&day, &s.Role, &s.Count); err != nil {
			return nil, fmt.Errorf("scan journal stat: %w", err)
		}
		s.Day = day.String
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Cleanup deletes entries older than the retention period.
func (j *Journal) Cleanup(ctx context.Context) (int64, error) {
	if j.retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -j.retentionDays)
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM message_log WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("journal cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (j *Journal) Close() error {
	return j.db.Close()
}
