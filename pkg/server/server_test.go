package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/creovision/governor/pkg/cache"
	cachesqlite "github.com/creovision/governor/pkg/cache/sqlite"
	"github.com/creovision/governor/pkg/config"
	"github.com/creovision/governor/pkg/feature"
	"github.com/creovision/governor/pkg/governor"
	ledgersqlite "github.com/creovision/governor/pkg/ledger/sqlite"
	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/promo"
	"github.com/creovision/governor/pkg/provider"
	"github.com/creovision/governor/pkg/quota"
	quotasqlite "github.com/creovision/governor/pkg/quota/sqlite"
	"github.com/creovision/governor/pkg/ratelimit"
	"github.com/creovision/governor/pkg/router"
)

type testServer struct {
	srv      *Server
	ledger   *ledgersqlite.Ledger
	upstream *atomic.Int32
}

// setupServer builds a server over sqlite stores and a stub upstream. Rate
// limiting is off unless an option turns it on.
func setupServer(t *testing.T, opts ...func(*config.Config)) testServer {
	t.Helper()
	dir := t.TempDir()

	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk-provider" {
			t.Error("expected provider API key in upstream request")
		}
		json.NewEncoder(w).Encode(models.ChatCompletionResponse{
			Model:   "deepseek-chat",
			Choices: []models.Choice{{Message: models.ChatMessage{Role: "assistant", Content: "Hello!"}}},
		})
	}))
	t.Cleanup(upstream.Close)

	cfg := config.Default()
	cfg.Providers = []config.ProviderConfig{{Name: "deepseek", URL: upstream.URL, APIKey: "sk-provider"}}
	cfg.Router.Routes = []config.RouteConfig{
		{Model: "chat", Targets: []config.RouteTarget{{Provider: "deepseek", Model: "deepseek-chat"}}},
	}
	cfg.RateLimit = config.IdentityRateConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	cs, err := cachesqlite.New(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cs.Close() })
	l, err := ledgersqlite.New(filepath.Join(dir, "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	qs, err := quotasqlite.New(filepath.Join(dir, "quota.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { qs.Close() })

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	providers, err := provider.NewSet(cfg.Providers, upstream.Client())
	if err != nil {
		t.Fatal(err)
	}
	g := governor.New(governor.Deps{
		Cache: cache.NewEngine(cs, cache.Options{Metrics: m}),
		Quota: quota.New(qs, l, quota.Options{
			Policy:  quota.PolicyFromConfig(cfg.Quota),
			Catalog: promo.NewCatalog(cfg.Promo.Codes),
			Metrics: m,
		}),
		Ledger:       l,
		Router:       router.New(cfg),
		Orchestrator: router.NewOrchestrator(providers, time.Second, m, logr.Discard()),
		Features:     feature.NewCatalog(cfg.Features),
		Limiter:      ratelimit.New(cfg.RateLimit),
		Metrics:      m,
	})
	return testServer{srv: New(":0", g, reg, logr.Discard()), ledger: l, upstream: &calls}
}

func do(t *testing.T, s *Server, method, path, identity, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if identity != "" {
		req.Header.Set("X-Governor-Identity", identity)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func TestComplete(t *testing.T) {
	ts := setupServer(t)
	body := `{"route":"chat","text":"hi there","topic":"greeting"}`

	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", body)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Governor-Cache") != "miss" {
		t.Error("expected cache miss on first request")
	}
	var res governor.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Content != "Hello!" || res.Provider != "deepseek" {
		t.Errorf("result = %+v", res)
	}

	// Second request should be cached
	w = do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", body)
	if w.Header().Get("X-Governor-Cache") != "hit" {
		t.Error("expected cache hit on second request")
	}
	if ts.upstream.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", ts.upstream.Load())
	}
}

func TestBearerIdentity(t *testing.T) {
	ts := setupServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/quota", nil)
	req.Header.Set("Authorization", "Bearer user-42")
	w := httptest.NewRecorder()
	ts.srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var snap models.QuotaSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Identity != "user-42" || snap.FreeLimit != 8 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestMissingIdentity(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "", `{"route":"chat","text":"hi"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestInvalidBody(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	w = do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty text, got %d", w.Code)
	}
}

func TestQuotaExhaustedReturns429(t *testing.T) {
	ts := setupServer(t)
	for i := range 8 {
		body := `{"route":"chat","text":"message ` + string(rune('a'+i)) + `"}`
		if w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", body); w.Code != http.StatusOK {
			t.Fatalf("message %d: %d %s", i+1, w.Code, w.Body.String())
		}
	}

	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"ninth"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var res governor.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != governor.StatusQuotaExhausted || res.ExtensionCost != 2 {
		t.Errorf("result = %+v", res)
	}

	w = do(t, ts.srv, http.MethodPost, "/v1/quota/extend", "alice", "")
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("extend without credits: expected 402, got %d", w.Code)
	}

	if _, err := ts.ledger.Deposit(t.Context(), "alice", 5, "purchase"); err != nil {
		t.Fatal(err)
	}
	w = do(t, ts.srv, http.MethodPost, "/v1/quota/extend", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("extend: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ext quota.Extension
	_ = json.Unmarshal(w.Body.Bytes(), &ext)
	if !ext.Granted || ext.Cost != 2 || ext.Balance != 3 {
		t.Errorf("extension = %+v", ext)
	}

	w = do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"ninth"}`)
	if w.Code != http.StatusOK {
		t.Errorf("after extension: expected 200, got %d", w.Code)
	}
}

func TestInsufficientCreditsReturns402(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"script","feature":"viral_script"}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	var res governor.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Missing != 15 {
		t.Errorf("missing = %d, want the catalog price 15", res.Missing)
	}
	if ts.upstream.Load() != 0 {
		t.Error("upstream called without credits")
	}
}

func TestBodySuppliedCostIgnored(t *testing.T) {
	ts := setupServer(t)
	for _, body := range []string{
		`{"route":"chat","text":"script","feature":"viral_script","credit_cost":0}`,
		`{"route":"chat","text":"script","feature":"viral_script","credit_cost":-5}`,
	} {
		w := do(t, ts.srv, http.MethodPost, "/v1/complete", "nobody", body)
		if w.Code != http.StatusPaymentRequired {
			t.Errorf("%s: expected 402, got %d: %s", body, w.Code, w.Body.String())
		}
	}
	if ts.upstream.Load() != 0 {
		t.Errorf("upstream calls = %d, want 0", ts.upstream.Load())
	}

	if _, err := ts.ledger.Deposit(t.Context(), "alice", 20, "purchase"); err != nil {
		t.Fatal(err)
	}
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"script","feature":"viral_script","credit_cost":1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	bal, _ := ts.ledger.Balance(t.Context(), "alice")
	if bal != 5 {
		t.Errorf("balance = %d, want 5 after the catalog price of 15", bal)
	}
}

func TestUnknownFeatureReturns400(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"hi","feature":"teleport"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "unknown feature") {
		t.Errorf("body = %s", w.Body.String())
	}
	if ts.upstream.Load() != 0 {
		t.Error("upstream called for an unknown feature")
	}
}

func TestListFeatures(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodGet, "/v1/features", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body struct {
		Features []feature.Feature `json:"features"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Features) != len(config.Default().Features) {
		t.Errorf("features = %d, want %d", len(body.Features), len(config.Default().Features))
	}
}

func TestRateLimitReturns429WithRetryAfter(t *testing.T) {
	ts := setupServer(t, func(c *config.Config) {
		c.RateLimit = config.IdentityRateConfig{PerHour: 1}
	})
	w := do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"one"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("first: expected 200, got %d", w.Code)
	}
	w = do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"two"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: expected 429, got %d", w.Code)
	}
	secs, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || secs < 3500 || secs > 3601 {
		t.Errorf("Retry-After = %q, want about an hour", w.Header().Get("Retry-After"))
	}
	var res governor.Result
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.Status != governor.StatusRateLimited || res.Limit != ratelimit.ReasonHourly {
		t.Errorf("result = %+v", res)
	}
	if ts.upstream.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", ts.upstream.Load())
	}
}

func TestErrorBodyIsValidJSON(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSONError(w, http.StatusBadRequest, "bad\x00input \"quoted\" \u2028 \xff")
	var body struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v: %q", err, w.Body.String())
	}
	if body.Error.Code != http.StatusBadRequest || body.Error.Type != "governor_error" {
		t.Errorf("error = %+v", body.Error)
	}
	if !strings.HasPrefix(body.Error.Message, "bad\x00input") {
		t.Errorf("message = %q", body.Error.Message)
	}
}

func TestPromoAndTrial(t *testing.T) {
	ts := setupServer(t)

	w := do(t, ts.srv, http.MethodPost, "/v1/promo/redeem", "alice", `{"code":"launch2025"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("redeem: %d", w.Code)
	}
	var red quota.Redemption
	_ = json.Unmarshal(w.Body.Bytes(), &red)
	if !red.Success || red.Remaining != 10 {
		t.Errorf("redemption = %+v", red)
	}

	w = do(t, ts.srv, http.MethodPost, "/v1/promo/redeem", "alice", `{"code":""}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty code: expected 400, got %d", w.Code)
	}

	w = do(t, ts.srv, http.MethodPost, "/v1/trial", "bob", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"issued":true`) {
		t.Errorf("trial: %d %s", w.Code, w.Body.String())
	}
	w = do(t, ts.srv, http.MethodPost, "/v1/trial", "bob", "")
	if !strings.Contains(w.Body.String(), `"issued":false`) {
		t.Errorf("second trial: %s", w.Body.String())
	}
}

func TestCreditsAndReset(t *testing.T) {
	ts := setupServer(t)
	if _, err := ts.ledger.Deposit(t.Context(), "alice", 12, "purchase"); err != nil {
		t.Fatal(err)
	}

	w := do(t, ts.srv, http.MethodGet, "/v1/credits?limit=5", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("credits: %d", w.Code)
	}
	var credits struct {
		Balance      int64                `json:"balance"`
		Transactions []models.Transaction `json:"transactions"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &credits)
	if credits.Balance != 12 || len(credits.Transactions) != 1 {
		t.Errorf("credits = %+v", credits)
	}

	w = do(t, ts.srv, http.MethodGet, "/v1/credits?limit=abc", "alice", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: expected 400, got %d", w.Code)
	}

	do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"hello"}`)
	w = do(t, ts.srv, http.MethodPost, "/v1/quota/reset", "alice", "")
	if w.Code != http.StatusOK {
		t.Fatalf("reset: %d", w.Code)
	}
	var sess models.Session
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.FreeUsed != 0 || sess.MessageCount != 0 {
		t.Errorf("session after reset = %+v", sess)
	}
}

func TestCacheStatsHealthMetrics(t *testing.T) {
	ts := setupServer(t)
	do(t, ts.srv, http.MethodPost, "/v1/complete", "alice", `{"route":"chat","text":"hello"}`)

	w := do(t, ts.srv, http.MethodGet, "/v1/cache/stats", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("cache stats: %d", w.Code)
	}
	var stats models.CacheStats
	_ = json.Unmarshal(w.Body.Bytes(), &stats)
	if stats.Misses != 1 || stats.LiveEntries != 1 {
		t.Errorf("stats = %+v", stats)
	}

	w = do(t, ts.srv, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}

	w = do(t, ts.srv, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "governor_completions_total") {
		t.Errorf("metrics missing completions counter: %d", w.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts := setupServer(t)
	w := do(t, ts.srv, http.MethodGet, "/v1/complete", "alice", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
}
