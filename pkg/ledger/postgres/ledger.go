// Package postgres implements the credit ledger on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/models"
)

// Compile-time interface check.
var _ ledger.Ledger = (*Ledger)(nil)

// Ledger implements ledger.Ledger with a pgx connection pool.
type Ledger struct {
	pool *pgxpool.Pool
}

// New migrates the schema, then creates and verifies a connection pool.
func New(ctx context.Context, dsn string, maxConns int32) (*Ledger, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	if err := Migrate(dsn); err != nil {
		return nil, err
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Ledger{pool: pool}, nil
}

// CheckSufficient reports whether identity can cover amount.
func (l *Ledger) CheckSufficient(ctx context.Context, identity string, amount int64) (ledger.Check, error) {
	bal, err := l.Balance(ctx, identity)
	if err != nil {
		return ledger.Check{}, err
	}
	return ledger.CheckFromBalance(bal, amount), nil
}

// Consume debits amount with a conditional update and logs it in the same
// transaction.
func (l *Ledger) Consume(ctx context.Context, identity string, amount int64, reason, note string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxDebit, amount, reason, note)

	var receipt ledger.Receipt
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx,
			`UPDATE credit_accounts SET balance = balance - $2, updated_at = NOW()
			 WHERE identity = $1 AND balance >= $2 RETURNING balance`,
			identity, amount,
		).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			err := tx.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE identity = $1`, identity).Scan(&balance)
			if errors.Is(err, pgx.ErrNoRows) {
				return ledger.ErrUnknownIdentity
			}
			if err != nil {
				return fmt.Errorf("querying balance: %w", err)
			}
			receipt.Remaining = balance
			return ledger.ErrInsufficientBalance
		}
		if err != nil {
			return fmt.Errorf("consuming credits: %w", err)
		}
		txn.BalanceAfter = balance
		receipt = ledger.Receipt{Remaining: balance, Transaction: txn}
		return insertTransaction(ctx, tx, txn)
	})
	return receipt, err
}

// Refund credits amount back to an existing account.
func (l *Ledger) Refund(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxRefund, amount, reason, "")
	return l.credit(ctx, txn,
		`UPDATE credit_accounts SET balance = balance + $2, updated_at = NOW()
		 WHERE identity = $1 RETURNING balance`,
		identity, amount,
	)
}

// Deposit credits amount, opening the account if it does not exist.
func (l *Ledger) Deposit(ctx context.Context, identity string, amount int64, reason string) (ledger.Receipt, error) {
	if err := ledger.ValidateAmount(amount); err != nil {
		return ledger.Receipt{}, err
	}
	txn := ledger.NewTransaction(identity, models.TxDeposit, amount, reason, "")
	return l.credit(ctx, txn,
		`INSERT INTO credit_accounts (identity, balance) VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE
		 SET balance = credit_accounts.balance + EXCLUDED.balance, updated_at = NOW()
		 RETURNING balance`,
		identity, amount,
	)
}

func (l *Ledger) credit(ctx context.Context, txn models.Transaction, query string, args ...any) (ledger.Receipt, error) {
	var receipt ledger.Receipt
	err := pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		var balance int64
		err := tx.QueryRow(ctx, query, args...).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.ErrUnknownIdentity
		}
		if err != nil {
			return fmt.Errorf("%s credits: %w", txn.Kind, err)
		}
		txn.BalanceAfter = balance
		receipt = ledger.Receipt{Remaining: balance, Transaction: txn}
		return insertTransaction(ctx, tx, txn)
	})
	if err != nil {
		return ledger.Receipt{}, err
	}
	return receipt, nil
}

// Balance returns the current balance for identity.
func (l *Ledger) Balance(ctx context.Context, identity string) (int64, error) {
	var balance int64
	err := l.pool.QueryRow(ctx, `SELECT balance FROM credit_accounts WHERE identity = $1`, identity).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ledger.ErrUnknownIdentity
	}
	if err != nil {
		return 0, fmt.Errorf("querying balance: %w", err)
	}
	return balance, nil
}

// History returns the most recent transactions for identity, newest first.
func (l *Ledger) History(ctx context.Context, identity string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id::text, identity, kind, amount, reason, note, balance_after, created_at
		 FROM credit_transactions WHERE identity = $1 ORDER BY seq DESC LIMIT $2`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer rows.Close()

	var txs []models.Transaction
	for rows.Next() {
		var t models.Transaction
		var kind string
		if err := rows.Scan(&t.ID, &t.Identity, &kind, &t.Amount, &t.Reason, &t.Note, &t.BalanceAfter, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		t.Kind = models.TransactionKind(kind)
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

// Close shuts down the connection pool.
func (l *Ledger) Close() error {
	l.pool.Close()
	return nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t models.Transaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, identity, kind, amount, reason, note, balance_after, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.Identity, string(t.Kind), t.Amount, t.Reason, t.Note, t.BalanceAfter, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}
