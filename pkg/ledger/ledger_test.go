package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/ledger/ledgertest"
	"github.com/creovision/governor/pkg/ledger/sqlite"
	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
)

func TestCheckFromBalance(t *testing.T) {
	tests := []struct {
		balance, amount int64
		want            ledger.Check
	}{
		{10, 5, ledger.Check{Sufficient: true, Balance: 10}},
		{5, 5, ledger.Check{Sufficient: true, Balance: 5}},
		{2, 5, ledger.Check{Sufficient: false, Balance: 2, Missing: 3}},
	}
	for _, tt := range tests {
		if got := ledger.CheckFromBalance(tt.balance, tt.amount); got != tt.want {
			t.Errorf("CheckFromBalance(%d, %d) = %+v, want %+v", tt.balance, tt.amount, got, tt.want)
		}
	}
}

func TestNewTransactionSignsDebits(t *testing.T) {
	d := ledger.NewTransaction("a", models.TxDebit, 5, "x", "")
	if d.Amount != -5 {
		t.Errorf("debit amount = %d, want -5", d.Amount)
	}
	r := ledger.NewTransaction("a", models.TxRefund, 5, "x", "")
	if r.Amount != 5 {
		t.Errorf("refund amount = %d, want 5", r.Amount)
	}
	if d.ID == r.ID {
		t.Error("transaction ids must be unique")
	}
}

func TestValidateAmount(t *testing.T) {
	if err := ledger.ValidateAmount(1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ledger.ValidateAmount(0); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func newInstrumented(t *testing.T) (*ledger.Instrumented, *metrics.Metrics) {
	t.Helper()
	l, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	m := metrics.New(prometheus.NewRegistry())
	return ledger.Instrument(l, m, logr.Discard()), m
}

func TestInstrumentedPassesSuite(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		l, _ := newInstrumented(t)
		return l
	})
}

func TestInstrumentedCountsShortfallAsSuccess(t *testing.T) {
	l, m := newInstrumented(t)
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "alice", 1, "seed"); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Consume(ctx, "alice", 5, "x", ""); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	if got := testutil.ToFloat64(m.LedgerOperationsTotal.WithLabelValues("consume", metrics.ResultSuccess)); got != 1 {
		t.Errorf("consume success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LedgerOperationsTotal.WithLabelValues("consume", metrics.ResultError)); got != 0 {
		t.Errorf("consume error count = %v, want 0", got)
	}
}
