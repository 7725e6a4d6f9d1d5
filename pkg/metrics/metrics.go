// Package metrics provides Prometheus metrics for the governor components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values.
const (
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultJoined  = "joined"
	ResultSuccess = "success"
	ResultError   = "error"
)

// DefaultProviderBuckets are histogram buckets for provider attempt latency.
var DefaultProviderBuckets = []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30}

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// CacheLookupsTotal counts GetOrCompute outcomes by result (hit, miss, joined).
	CacheLookupsTotal *prometheus.CounterVec

	// CacheComputeErrorsTotal counts computations that failed and were not cached.
	CacheComputeErrorsTotal prometheus.Counter

	// LedgerOperationsTotal counts ledger calls by operation and result.
	LedgerOperationsTotal *prometheus.CounterVec

	// ProviderAttemptsTotal counts provider attempts by provider, model and outcome.
	ProviderAttemptsTotal *prometheus.CounterVec

	// ProviderAttemptDuration observes provider attempt latency.
	ProviderAttemptDuration *prometheus.HistogramVec

	// CompletionsTotal counts governed completions by final status.
	CompletionsTotal *prometheus.CounterVec

	// QuotaDecisionsTotal counts quota gate decisions by reason.
	QuotaDecisionsTotal *prometheus.CounterVec
}

// New creates all collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CacheLookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_cache_lookups_total",
			Help: "Total number of response cache lookups",
		}, []string{"result"}),

		CacheComputeErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "governor_cache_compute_errors_total",
			Help: "Total number of failed computations (never cached)",
		}),

		LedgerOperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_ledger_operations_total",
			Help: "Total number of credit ledger operations",
		}, []string{"op", "result"}),

		ProviderAttemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_provider_attempts_total",
			Help: "Total number of provider attempts",
		}, []string{"provider", "model", "outcome"}),

		ProviderAttemptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governor_provider_attempt_duration_seconds",
			Help:    "Duration of provider attempts in seconds",
			Buckets: DefaultProviderBuckets,
		}, []string{"provider"}),

		CompletionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_completions_total",
			Help: "Total number of governed completions by status",
		}, []string{"status"}),

		QuotaDecisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "governor_quota_decisions_total",
			Help: "Total number of quota gate decisions by reason",
		}, []string{"reason"}),
	}
}

// CacheLookup records a cache lookup outcome.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}

// CacheComputeError records a failed computation.
func (m *Metrics) CacheComputeError() {
	if m == nil {
		return
	}
	m.CacheComputeErrorsTotal.Inc()
}

// LedgerOp records a ledger operation. A nil err counts as success.
func (m *Metrics) LedgerOp(op string, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.LedgerOperationsTotal.WithLabelValues(op, result).Inc()
}

// ProviderAttempt records one provider attempt.
func (m *Metrics) ProviderAttempt(provider, model, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderAttemptsTotal.WithLabelValues(provider, model, outcome).Inc()
	m.ProviderAttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Completion records the final status of a governed completion.
func (m *Metrics) Completion(status string) {
	if m == nil {
		return
	}
	m.CompletionsTotal.WithLabelValues(status).Inc()
}

// QuotaDecision records a quota gate decision.
func (m *Metrics) QuotaDecision(reason string) {
	if m == nil {
		return
	}
	m.QuotaDecisionsTotal.WithLabelValues(reason).Inc()
}
