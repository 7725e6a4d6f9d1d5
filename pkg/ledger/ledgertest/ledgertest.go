// Package ledgertest holds the behaviour tests every ledger backend must pass.
package ledgertest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/models"
)

// Factory returns a fresh, empty ledger for one subtest.
type Factory func(t *testing.T) ledger.Ledger

// Run executes the shared ledger suite against newLedger.
func Run(t *testing.T, newLedger Factory) {
	t.Run("DepositOpensAccount", func(t *testing.T) { testDeposit(t, newLedger(t)) })
	t.Run("ConsumeDebits", func(t *testing.T) { testConsume(t, newLedger(t)) })
	t.Run("ConsumeInsufficient", func(t *testing.T) { testInsufficient(t, newLedger(t)) })
	t.Run("UnknownIdentity", func(t *testing.T) { testUnknown(t, newLedger(t)) })
	t.Run("InvalidAmount", func(t *testing.T) { testInvalidAmount(t, newLedger(t)) })
	t.Run("Refund", func(t *testing.T) { testRefund(t, newLedger(t)) })
	t.Run("CheckSufficient", func(t *testing.T) { testCheck(t, newLedger(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, newLedger(t)) })
	t.Run("ConcurrentConsumeNeverOverdraws", func(t *testing.T) { testConcurrent(t, newLedger(t)) })
}

func deposit(t *testing.T, l ledger.Ledger, identity string, amount int64) {
	t.Helper()
	if _, err := l.Deposit(context.Background(), identity, amount, "test_funding"); err != nil {
		t.Fatalf("deposit: %v", err)
	}
}

func testDeposit(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	r, err := l.Deposit(ctx, "alice", 50, "welcome_bonus")
	if err != nil {
		t.Fatal(err)
	}
	if r.Remaining != 50 {
		t.Errorf("remaining = %d, want 50", r.Remaining)
	}
	if r.Transaction.Kind != models.TxDeposit || r.Transaction.Amount != 50 || r.Transaction.BalanceAfter != 50 {
		t.Errorf("unexpected transaction %+v", r.Transaction)
	}
	r, err = l.Deposit(ctx, "alice", 5, "top_up")
	if err != nil {
		t.Fatal(err)
	}
	if r.Remaining != 55 {
		t.Errorf("remaining = %d, want 55", r.Remaining)
	}
}

func testConsume(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "bob", 20)

	r, err := l.Consume(ctx, "bob", 15, "viral_script", "req-1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Remaining != 5 {
		t.Errorf("remaining = %d, want 5", r.Remaining)
	}
	if r.Transaction.Kind != models.TxDebit || r.Transaction.Amount != -15 || r.Transaction.BalanceAfter != 5 {
		t.Errorf("unexpected transaction %+v", r.Transaction)
	}
	if r.Transaction.ID == "" {
		t.Error("transaction id should be set")
	}

	// Exact balance is allowed.
	r, err = l.Consume(ctx, "bob", 5, "extend_session", "")
	if err != nil {
		t.Fatal(err)
	}
	if r.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", r.Remaining)
	}
}

func testInsufficient(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "carol", 3)

	r, err := l.Consume(ctx, "carol", 4, "extend_session", "")
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if r.Remaining != 3 {
		t.Errorf("receipt should carry current balance 3, got %d", r.Remaining)
	}
	bal, err := l.Balance(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 3 {
		t.Errorf("balance changed to %d on failed consume", bal)
	}
}

func testUnknown(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	if _, err := l.Consume(ctx, "ghost", 1, "x", ""); !errors.Is(err, ledger.ErrUnknownIdentity) {
		t.Errorf("Consume: expected ErrUnknownIdentity, got %v", err)
	}
	if _, err := l.Refund(ctx, "ghost", 1, "x"); !errors.Is(err, ledger.ErrUnknownIdentity) {
		t.Errorf("Refund: expected ErrUnknownIdentity, got %v", err)
	}
	if _, err := l.Balance(ctx, "ghost"); !errors.Is(err, ledger.ErrUnknownIdentity) {
		t.Errorf("Balance: expected ErrUnknownIdentity, got %v", err)
	}
	if _, err := l.CheckSufficient(ctx, "ghost", 1); !errors.Is(err, ledger.ErrUnknownIdentity) {
		t.Errorf("CheckSufficient: expected ErrUnknownIdentity, got %v", err)
	}
}

func testInvalidAmount(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "dave", 10)
	for _, amount := range []int64{0, -5} {
		if _, err := l.Consume(ctx, "dave", amount, "x", ""); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("Consume(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := l.Refund(ctx, "dave", amount, "x"); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("Refund(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
		if _, err := l.Deposit(ctx, "dave", amount, "x"); !errors.Is(err, ledger.ErrInvalidAmount) {
			t.Errorf("Deposit(%d): expected ErrInvalidAmount, got %v", amount, err)
		}
	}
	bal, _ := l.Balance(ctx, "dave")
	if bal != 10 {
		t.Errorf("balance = %d, want 10", bal)
	}
}

func testRefund(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "erin", 10)
	if _, err := l.Consume(ctx, "erin", 7, "premium_advisor", ""); err != nil {
		t.Fatal(err)
	}
	r, err := l.Refund(ctx, "erin", 7, "provider_failure")
	if err != nil {
		t.Fatal(err)
	}
	if r.Remaining != 10 {
		t.Errorf("remaining = %d, want 10", r.Remaining)
	}
	if r.Transaction.Kind != models.TxRefund || r.Transaction.Amount != 7 {
		t.Errorf("unexpected transaction %+v", r.Transaction)
	}
}

func testCheck(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "frank", 4)

	c, err := l.CheckSufficient(ctx, "frank", 4)
	if err != nil {
		t.Fatal(err)
	}
	if !c.Sufficient || c.Missing != 0 || c.Balance != 4 {
		t.Errorf("unexpected check %+v", c)
	}
	c, err = l.CheckSufficient(ctx, "frank", 9)
	if err != nil {
		t.Fatal(err)
	}
	if c.Sufficient || c.Missing != 5 {
		t.Errorf("unexpected check %+v", c)
	}
}

func testHistory(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "gina", 30)
	_, _ = l.Consume(ctx, "gina", 10, "viral_script", "")
	_, _ = l.Refund(ctx, "gina", 10, "provider_failure")
	_, _ = l.Consume(ctx, "gina", 100, "too_much", "")

	txs, err := l.History(ctx, "gina", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions (failed consume not logged), got %d", len(txs))
	}
	if txs[0].Kind != models.TxRefund || txs[2].Kind != models.TxDeposit {
		t.Errorf("expected newest first, got %s ... %s", txs[0].Kind, txs[2].Kind)
	}

	txs, err = l.History(ctx, "gina", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 1 {
		t.Errorf("limit ignored: got %d", len(txs))
	}
}

func testConcurrent(t *testing.T, l ledger.Ledger) {
	ctx := context.Background()
	deposit(t, l, "hank", 10)

	var wg sync.WaitGroup
	var ok, short atomic.Int32
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(ctx, "hank", 1, "burst", "")
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ledger.ErrInsufficientBalance):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 10 {
		t.Errorf("%d consumes succeeded, want exactly 10", ok.Load())
	}
	if short.Load() != 30 {
		t.Errorf("%d consumes rejected, want 30", short.Load())
	}
	bal, err := l.Balance(ctx, "hank")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 0 {
		t.Errorf("balance = %d, want 0", bal)
	}
}
