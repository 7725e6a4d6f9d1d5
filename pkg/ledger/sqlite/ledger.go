package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/sqlitedb"
)

// Compile-time interface check.
var _ ledger.Ledger = (*Ledger)(nil)

// Ledger implements ledger.Ledger with a SQLite database.
type Ledger struct {
	db *sql.DB
}

const createTables = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	identity TEXT PRIMARY KEY,
	balance INTEGER NOT NULL CHECK (balance >= 0),
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS credit_transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	identity TEXT NOT NULL,
	kind TEXT NOT NULL,
	amount INTEGER NOT NULL,
	reason TEXT NOT NULL,
	note TEXT NOT NULL DEFAULT '',
	balance_after INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_tx_identity ON credit_transactions(identity, seq);
`

// New creates a Ledger and runs auto-migration.
func New(dbPath string) (*Ledger, error) {
	db, err := sqlitedb.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	if _, err := db.Exec(createTables); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}
	return &Ledger{db: db}, nil
}

// CheckSufficient reports whether identity can cover amount.
func (l *Ledger) CheckSufficient(ctx context.Context, identity string, amount int64) (ledger.Check, error) {
	bal, err := l.Balance(ctx, identity)
	if err != nil {
		return ledger.Check{}, err
	}
	return ledger.CheckFromBalance(bal, amount), nil
}

// Consume debits amount with a conditional update so the balance can never
// go below zero, and logs the debit in the same transaction.
func (l *Ledger) Consume(ctx context.Context, identity string, amount int64, reason, note string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxDebit, amount, reason, note)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`UPDATE credit_accounts SET balance = balance - ?, updated_at = ?
		 WHERE identity = ? AND balance >= ? RETURNING balance`,
		amount, txn.CreatedAt.UnixNano(), identity, amount,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := balanceTx(ctx, tx, identity)
		if err != nil {
			return ledger.Receipt{}, err
		}
		return ledger.Receipt{Remaining: current}, ledger.ErrInsufficientBalance
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("consume credits: %w", err)
	}

	txn.BalanceAfter = balance
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return ledger.Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("commit consume: %w", err)
	}
	return ledger.Receipt{Remaining: balance, Transaction: txn}, nil
}

// Refund credits amount back to an existing account.
func (l *Ledger) Refund(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxRefund, amount, reason, "")
	return l.credit(ctx, txn,
		`UPDATE credit_accounts SET balance = balance + ?, updated_at = ?
		 WHERE identity = ? RETURNING balance`,
		amount, txn.CreatedAt.UnixNano(), identity,
	)
}

// Deposit credits amount, opening the account if it does not exist.
func (l *Ledger) Deposit(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxDeposit, amount, reason, "")
	now := txn.CreatedAt.UnixNano()
	return l.credit(ctx, txn,
		`INSERT INTO credit_accounts (identity, balance, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(identity) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at
		 RETURNING balance`,
		identity, amount, now, now,
	)
}

func (l *Ledger) credit(ctx context.Context, txn models.Transaction, query string, args ...any) (ledger.Receipt, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("begin %s: %w", txn.Kind, err)
	}
	defer func() { _ = tx.Rollback() }()

	var balance int64
	err = tx.QueryRowContext(ctx, query, args...).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, ledger.ErrUnknownIdentity
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("%s credits: %w", txn.Kind, err)
	}

	txn.BalanceAfter = balance
	if err := insertTransaction(ctx, tx, txn); err != nil {
		return ledger.Receipt{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Receipt{}, fmt.Errorf("commit %s: %w", txn.Kind, err)
	}
	return ledger.Receipt{Remaining: balance, Transaction: txn}, nil
}

// Balance returns the current balance for identity.
func (l *Ledger) Balance(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM credit_accounts WHERE identity = ?`, identity,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUnknownIdentity
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

// History returns the most recent transactions for identity, newest first.
func (l *Ledger) History(ctx context.Context, identity string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, identity, kind, amount, reason, note, balance_after, created_at
		 FROM credit_transactions WHERE identity = ? ORDER BY seq DESC LIMIT ?`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var kind string
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.Identity, &kind, &t.Amount, &t.Reason, &t.Note, &t.BalanceAfter, &createdAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Kind = models.TransactionKind(kind)
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func balanceTx(ctx context.Context, tx *sql.Tx, identity string) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx, `SELECT balance FROM credit_accounts WHERE identity = ?`, identity).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ledger.ErrUnknownIdentity
	}
	if err != nil {
		return 0, fmt.Errorf("query balance: %w", err)
	}
	return balance, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t models.Transaction) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_transactions (id, identity, kind, amount, reason, note, balance_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Identity, string(t.Kind), t.Amount, t.Reason, t.Note, t.BalanceAfter, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
