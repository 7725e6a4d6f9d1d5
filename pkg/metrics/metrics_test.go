package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.CacheLookup(ResultHit)
	m.CacheComputeError()
	m.LedgerOp("consume", nil)
	m.ProviderAttempt("gemini", "gemini-2.0-flash", ResultSuccess, time.Second)
	m.Completion("ok")
	m.QuotaDecision("free_tier")
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.CacheLookup(ResultHit)
	m.CacheLookup(ResultHit)
	m.CacheLookup(ResultMiss)
	m.LedgerOp("consume", nil)
	m.LedgerOp("consume", errors.New("boom"))
	m.ProviderAttempt("deepseek", "deepseek-chat", "transport_failure", 2*time.Second)

	if got := testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues(ResultHit)); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues(ResultMiss)); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LedgerOperationsTotal.WithLabelValues("consume", ResultError)); got != 1 {
		t.Errorf("ledger errors = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ProviderAttemptsTotal.WithLabelValues("deepseek", "deepseek-chat", "transport_failure")); got != 1 {
		t.Errorf("provider attempts = %v, want 1", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice against fresh registries must not panic.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
