package ledger

import (
	"context"
	"errors"

	"github.com/go-logr/logr"

	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
)

// Instrumented decorates a Ledger with metrics and logging.
type Instrumented struct {
	next    Ledger
	metrics *metrics.Metrics
	log     logr.Logger
}

// Instrument wraps l. Balance shortfalls are counted as successful calls.
func Instrument(l Ledger, m *metrics.Metrics, log logr.Logger) *Instrumented {
	return &Instrumented{next: l, metrics: m, log: log.WithName("ledger")}
}

func (i *Instrumented) record(op, identity string, err error) {
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrUnknownIdentity) {
		i.metrics.LedgerOp(op, nil)
		i.log.V(1).Info("ledger shortfall", "op", op, "identity", identity, "reason", err.Error())
		return
	}
	i.metrics.LedgerOp(op, err)
	if err != nil {
		i.log.Error(err, "ledger operation failed", "op", op, "identity", identity)
	}
}

func (i *Instrumented) CheckSufficient(ctx context.Context, identity string, amount int64) (Check, error) {
	c, err := i.next.CheckSufficient(ctx, identity, amount)
	i.record("check", identity, err)
	return c, err
}

func (i *Instrumented) Consume(ctx context.Context, identity string, amount int64, reason, note string) (Receipt, error) {
	r, err := i.next.Consume(ctx, identity, amount, reason, note)
	i.record("consume", identity, err)
	if err == nil {
		i.log.V(1).Info("credits consumed", "identity", identity, "amount", amount, "reason", reason, "remaining", r.Remaining)
	}
	return r, err
}

func (i *Instrumented) Refund(ctx context.Context, identity string, amount int64, reason string) (Receipt, error) {
	r, err := i.next.Refund(ctx, identity, amount, reason)
	i.record("refund", identity, err)
	if err == nil {
		i.log.Info("credits refunded", "identity", identity, "amount", amount, "reason", reason)
	}
	return r, err
}

func (i *Instrumented) Deposit(ctx context.Context, identity string, amount int64, reason string) (Receipt, error) {
	r, err := i.next.Deposit(ctx, identity, amount, reason)
	i.record("deposit", identity, err)
	return r, err
}

func (i *Instrumented) Balance(ctx context.Context, identity string) (int64, error) {
	b, err := i.next.Balance(ctx, identity)
	i.record("balance", identity, err)
	return b, err
}

func (i *Instrumented) History(ctx context.Context, identity string, limit int) ([]models.Transaction, error) {
	h, err := i.next.History(ctx, identity, limit)
	i.record("history", identity, err)
	return h, err
}

func (i *Instrumented) Close() error {
	return i.next.Close()
}
