package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/ledger/ledgertest"
)

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	l, err := New(filepath.Join(t.TempDir(), "ledger_test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, newTestLedger)
}

func TestBalancePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	l, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Deposit(ctx, "alice", 25, "purchase"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Consume(ctx, "alice", 10, "viral_script", ""); err != nil {
		t.Fatal(err)
	}
	_ = l.Close()

	l, err = New(path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	bal, err := l.Balance(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if bal != 15 {
		t.Errorf("balance = %d, want 15", bal)
	}
	txs, err := l.History(ctx, "alice", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txs) != 2 {
		t.Errorf("expected 2 transactions, got %d", len(txs))
	}
}
