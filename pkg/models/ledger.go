package models

import "time"

// TransactionKind classifies a ledger movement.
type TransactionKind string

const (
	TxDebit   TransactionKind = "debit"
	TxRefund  TransactionKind = "refund"
	TxDeposit TransactionKind = "deposit"
)

// Transaction is an append-only credit ledger row. Amount is signed:
// debits are negative, refunds and deposits positive.
type Transaction struct {
	ID           string          `json:"id"`
	Identity     string          `json:"identity"`
	Kind         TransactionKind `json:"kind"`
	Amount       int64           `json:"amount"`
	Reason       string          `json:"reason"`
	Note         string          `json:"note,omitempty"`
	BalanceAfter int64           `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}
