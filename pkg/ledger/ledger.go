// Package ledger defines the credit ledger: per-identity non-negative
// integer balances with an append-only transaction log. Implementations
// guarantee that Consume is an atomic check-then-decrement.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/creovision/governor/pkg/models"
)

var (
	// ErrInsufficientBalance is returned by Consume when the balance is below
	// the requested amount. The balance is left unchanged.
	ErrInsufficientBalance = errors.New("insufficient credit balance")
	// ErrUnknownIdentity is returned when no account exists for the identity.
	ErrUnknownIdentity = errors.New("unknown identity")
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// Check is the advisory result of CheckSufficient.
type Check struct {
	Sufficient bool  `json:"sufficient"`
	Balance    int64 `json:"balance"`
	Missing    int64 `json:"missing"`
}

// Receipt is returned by balance-changing operations. On
// ErrInsufficientBalance, Remaining holds the current balance.
type Receipt struct {
	Remaining   int64              `json:"remaining"`
	Transaction models.Transaction `json:"transaction"`
}

// Ledger stores credit balances.
type Ledger interface {
	// CheckSufficient reports whether identity holds at least amount. It is
	// advisory only; Consume is the authoritative check.
	CheckSufficient(ctx context.Context, identity string, amount int64) (Check, error)
	// Consume atomically debits amount if the balance covers it.
	Consume(ctx context.Context, identity string, amount int64, reason, note string) (Receipt, error)
	// Refund credits amount back to an existing account.
	Refund(ctx context.Context, identity string, amount int64, reason string) (Receipt, error)
	// Deposit credits amount, opening the account if needed.
	Deposit(ctx context.Context, identity string, amount int64, reason string) (Receipt, error)
	// Balance returns the current balance.
	Balance(ctx context.Context, identity string) (int64, error)
	// History returns the most recent transactions, newest first.
	History(ctx context.Context, identity string, limit int) ([]models.Transaction, error)
	// Close releases resources.
	Close() error
}

// ValidateAmount rejects non-positive amounts.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return nil
}

// NewTransaction builds a log row. Debits are stored as negative amounts.
func NewTransaction(identity string, kind models.TransactionKind, amount int64, reason, note string) models.Transaction {
	if kind == models.TxDebit {
		amount = -amount
	}
	return models.Transaction{
		ID:        uuid.NewString(),
		Identity:  identity,
		Kind:      kind,
		Amount:    amount,
		Reason:    reason,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}
}

// CheckFromBalance derives a Check for amount from a known balance.
func CheckFromBalance(balance, amount int64) Check {
	c := Check{Sufficient: balance >= amount, Balance: balance}
	if !c.Sufficient {
		c.Missing = amount - balance
	}
	return c
}

// DefaultHistoryLimit caps History when limit is not positive.
const DefaultHistoryLimit = 50
