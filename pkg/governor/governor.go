// Package governor gates every AI call: it checks entitlements, serves or
// de-duplicates through the response cache, falls back across providers on a
// miss and records what the call consumed.
package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/creovision/governor/pkg/cache"
	"github.com/creovision/governor/pkg/feature"
	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/provider"
	"github.com/creovision/governor/pkg/quota"
	"github.com/creovision/governor/pkg/ratelimit"
	"github.com/creovision/governor/pkg/router"
	"github.com/creovision/governor/pkg/tracing"
)

// ErrInvalidRequest is returned for requests missing an identity, route or
// text, or naming an unknown feature.
var ErrInvalidRequest = errors.New("invalid request")

// Status is the outcome of a governed completion.
type Status string

const (
	StatusOK                  Status = "ok"
	StatusQuotaExhausted      Status = "quota_exhausted"
	StatusInsufficientCredits Status = "insufficient_credits"
	StatusDegraded            Status = "degraded"
	StatusRateLimited         Status = "rate_limited"
)

// Result is returned by Complete. Only StatusOK carries provider content;
// StatusDegraded carries a canned reply for the conversation stage.
type Result struct {
	Status      Status `json:"status"`
	Content     string `json:"content,omitempty"`
	FromCache   bool   `json:"from_cache"`
	Provider    string `json:"provider,omitempty"`
	Model       string `json:"model,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	// Reason is the entitlement the call was charged to, or why it was refused.
	Reason quota.Reason `json:"reason,omitempty"`
	// Remaining counts calls left on that entitlement after this one.
	Remaining     int    `json:"remaining"`
	ExtensionCost int64  `json:"extension_cost,omitempty"`
	Balance       int64  `json:"balance,omitempty"`
	Missing       int64  `json:"missing,omitempty"`
	// Limit and RetryAfter (seconds) explain a rate_limited refusal.
	Limit      ratelimit.Reason `json:"limit,omitempty"`
	RetryAfter int64            `json:"retry_after,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Deps wires a Governor.
type Deps struct {
	Cache        *cache.Engine
	Quota        *quota.Manager
	Ledger       ledger.Ledger
	Router       *router.Router
	Orchestrator *router.Orchestrator
	// Features prices premium features. Nil admits only plain calls.
	Features *feature.Catalog
	// Limiter caps per-identity call rates. Nil disables it.
	Limiter *ratelimit.Limiter
	Metrics *metrics.Metrics
	Tracing *tracing.Provider
	Logger  logr.Logger
	// HistoryWindow caps how many prior messages are sent to providers.
	HistoryWindow int
}

// Governor is the entry point for governed AI calls.
type Governor struct {
	cache  *cache.Engine
	quota  *quota.Manager
	ledger ledger.Ledger
	router *router.Router
	orch   *router.Orchestrator
	feats  *feature.Catalog
	limit  *ratelimit.Limiter
	m      *metrics.Metrics
	tr     *tracing.Provider
	log    logr.Logger
	window int
}

// New creates a Governor.
func New(d Deps) *Governor {
	if d.Logger.GetSink() == nil {
		d.Logger = logr.Discard()
	}
	if d.HistoryWindow <= 0 {
		d.HistoryWindow = cache.DefaultHistoryWindow
	}
	return &Governor{
		cache:  d.Cache,
		quota:  d.Quota,
		ledger: d.Ledger,
		router: d.Router,
		orch:   d.Orchestrator,
		feats:  d.Features,
		limit:  d.Limiter,
		m:      d.Metrics,
		tr:     d.Tracing,
		log:    d.Logger.WithName("governor"),
		window: d.HistoryWindow,
	}
}

// Complete runs one governed completion for identity.
//
// Quota and credit shortfalls are reported in the Result. An error means
// the request was invalid or a store failed before any provider was called.
func (g *Governor) Complete(ctx context.Context, identity string, req models.GovernedRequest) (Result, error) {
	ctx, span := g.tr.StartCompletionSpan(ctx, identity, req.Route)
	defer span.End()

	res, err := g.complete(ctx, identity, req)
	if err != nil {
		tracing.RecordError(span, err)
		return res, err
	}
	span.SetAttributes(
		attribute.String(tracing.AttrStatus, string(res.Status)),
		attribute.Bool(tracing.AttrFromCache, res.FromCache),
		attribute.String(tracing.AttrFingerprint, res.Fingerprint),
	)
	tracing.SetSuccess(span)
	return res, nil
}

func (g *Governor) complete(ctx context.Context, identity string, req models.GovernedRequest) (Result, error) {
	if strings.TrimSpace(identity) == "" || strings.TrimSpace(req.Route) == "" || strings.TrimSpace(req.Text) == "" {
		return Result{}, fmt.Errorf("%w: identity, route and text are required", ErrInvalidRequest)
	}
	feat, err := g.feats.Lookup(req.Feature)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	admit, release := g.limit.Acquire(identity)
	defer release()
	if !admit.Allowed {
		g.m.Completion(string(StatusRateLimited))
		return rateLimited(admit), nil
	}

	unlock := g.quota.Lock(identity)
	defer unlock()

	decision, err := g.quota.CanProceed(ctx, identity)
	if err != nil {
		return Result{}, fmt.Errorf("check quota: %w", err)
	}
	if !decision.Allowed {
		g.m.Completion(string(StatusQuotaExhausted))
		return Result{
			Status:        StatusQuotaExhausted,
			Reason:        decision.Reason,
			ExtensionCost: decision.ExtensionCost,
			Message:       fmt.Sprintf("You have used all your messages in this conversation. Extend it by %d more for %d credits.", g.quota.Policy().ExtensionIncrement, decision.ExtensionCost),
		}, nil
	}

	routes, err := g.router.Resolve(req.Route)
	if err != nil {
		return Result{}, fmt.Errorf("resolve route %q: %w", req.Route, err)
	}

	key := cache.Key{
		Text:         req.Text,
		History:      req.History,
		SystemPrompt: req.SystemPrompt,
		Provider:     req.Route,
		ModelVersion: req.ModelVersion,
		Topic:        req.Topic,
	}

	var outcome cache.Outcome
	debited := false
	if feat.Credits > 0 {
		// Cache hits are free, so look up before debiting.
		if p, hit := g.cache.Lookup(ctx, key); hit {
			outcome = cache.Outcome{Fingerprint: g.cache.Fingerprint(key), Payload: p, FromCache: true}
		} else {
			short, err := g.debit(ctx, identity, feat, g.cache.Fingerprint(key))
			if err != nil {
				return Result{}, err
			}
			if short != nil {
				short.Reason = decision.Reason
				g.m.Completion(string(StatusInsufficientCredits))
				return *short, nil
			}
			debited = true
		}
	}

	if !outcome.FromCache {
		outcome, err = g.cache.GetOrCompute(ctx, key, g.ttlFor(req, feat), g.compute(routes, req))
		if debited && (err != nil || !outcome.Computed) {
			g.refund(ctx, identity, feat)
		}
		if err != nil {
			if errors.Is(err, router.ErrAllProvidersExhausted) {
				return g.degraded(ctx, identity, outcome.Fingerprint, err), nil
			}
			return Result{}, fmt.Errorf("compute completion: %w", err)
		}
	}

	res := Result{
		Status:      StatusOK,
		Content:     outcome.Payload.Content,
		FromCache:   outcome.FromCache,
		Provider:    outcome.Payload.Provider,
		Model:       outcome.Payload.Model,
		Fingerprint: outcome.Fingerprint,
		Reason:      decision.Reason,
	}
	res.Remaining = g.consume(ctx, identity, decision, req, res)
	g.m.Completion(string(StatusOK))
	return res, nil
}

// debit charges the feature cost. A shortfall is returned as a Result.
func (g *Governor) debit(ctx context.Context, identity string, feat feature.Feature, fingerprint string) (*Result, error) {
	receipt, err := g.ledger.Consume(ctx, identity, feat.Credits, feat.Slug, fingerprint)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return &Result{
			Status:  StatusInsufficientCredits,
			Balance: receipt.Remaining,
			Missing: feat.Credits - receipt.Remaining,
			Message: fmt.Sprintf("This feature costs %d credits and you have %d.", feat.Credits, receipt.Remaining),
		}, nil
	case errors.Is(err, ledger.ErrUnknownIdentity):
		return &Result{
			Status:  StatusInsufficientCredits,
			Missing: feat.Credits,
			Message: fmt.Sprintf("This feature costs %d credits and you have none.", feat.Credits),
		}, nil
	default:
		return nil, fmt.Errorf("debit credits: %w", err)
	}
}

func (g *Governor) refund(ctx context.Context, identity string, feat feature.Feature) {
	if _, err := g.ledger.Refund(context.WithoutCancel(ctx), identity, feat.Credits, feat.Slug+"_refund"); err != nil {
		g.log.Error(err, "credit refund failed", "identity", identity, "amount", feat.Credits)
	}
}

// ttlFor picks the cache TTL: the request's own, then the feature's, then
// the route's, which falls back to the cache default.
func (g *Governor) ttlFor(req models.GovernedRequest, feat feature.Feature) time.Duration {
	switch {
	case req.TTL > 0:
		return req.TTL
	case feat.TTL > 0:
		return feat.TTL
	default:
		return g.router.TTL(req.Route)
	}
}

func rateLimited(d ratelimit.Decision) Result {
	msg := "Too many requests right now. Please wait a moment."
	switch d.Reason {
	case ratelimit.ReasonHourly:
		msg = "You have reached the hourly request limit."
	case ratelimit.ReasonDaily:
		msg = "You have reached the daily request limit."
	}
	return Result{
		Status:     StatusRateLimited,
		Limit:      d.Reason,
		RetryAfter: int64(math.Ceil(d.RetryAfter.Seconds())),
		Message:    msg,
	}
}

func (g *Governor) compute(routes []router.Route, req models.GovernedRequest) cache.ComputeFunc {
	msgs := lastMessages(req.History, g.window)
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: req.Text})
	preq := provider.Request{
		SystemPrompt: req.SystemPrompt,
		Messages:     msgs,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	}
	return func(ctx context.Context) (models.CachePayload, error) {
		res, err := g.orch.Call(ctx, routes, preq)
		if err != nil {
			return models.CachePayload{}, err
		}
		return models.CachePayload{
			Content:  res.Content,
			Provider: res.Provider,
			Model:    res.Model,
			Topic:    req.Topic,
		}, nil
	}
}

func lastMessages(history []models.ChatMessage, window int) []models.ChatMessage {
	out := make([]models.ChatMessage, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) != "" {
			out = append(out, m)
		}
	}
	if len(out) > window {
		out = out[len(out)-window:]
	}
	return out
}

// consume charges the entitlement that allowed the call and returns what is
// left on it. Failures are logged: the caller already has its answer.
func (g *Governor) consume(ctx context.Context, identity string, d quota.Decision, req models.GovernedRequest, res Result) int {
	ctx = context.WithoutCancel(ctx)
	switch d.Reason {
	case quota.ReasonFreeTrial:
		if err := g.quota.MarkFreeTrialUsed(ctx, identity); err != nil {
			g.log.Error(err, "consume free trial", "identity", identity)
		}
		return 0
	case quota.ReasonPromoCode:
		left, err := g.quota.ConsumePromoAnalysis(ctx, identity, uuid.NewString())
		if err != nil {
			g.log.Error(err, "consume promo analysis", "identity", identity)
			return d.Remaining
		}
		return left
	default:
		s, err := g.quota.RecordUsage(ctx, identity, quota.Message{Role: "user", Content: req.Text})
		if err != nil {
			g.log.Error(err, "record user message", "identity", identity)
			return d.Remaining
		}
		if _, err := g.quota.RecordUsage(ctx, identity, quota.Message{Role: "assistant", Content: res.Content, Provider: res.Provider}); err != nil {
			g.log.Error(err, "record assistant message", "identity", identity)
		}
		return g.quota.Policy().Remaining(s)
	}
}

var stageFallbacks = map[models.Stage]string{
	models.StageIntro:     "Hi! What can I help you create today?",
	models.StageExplore:   "Tell me more about what you want to create.",
	models.StageCTA:       "Would you like to use the script generator to develop this idea?",
	models.StageExtension: "Let's keep developing your idea.",
	models.StageRedirect:  "To keep going, head over to the Creative Center.",
}

const defaultFallback = "How can I help you?"

// FallbackMessage is the canned reply used when no provider answers.
func FallbackMessage(stage models.Stage) string {
	if msg, ok := stageFallbacks[stage]; ok {
		return msg
	}
	return defaultFallback
}

func (g *Governor) degraded(ctx context.Context, identity, fingerprint string, cause error) Result {
	stage := models.StageIntro
	if s, err := g.quota.Session(ctx, identity); err == nil {
		stage = s.Stage
	} else {
		g.log.Error(err, "load session for fallback", "identity", identity)
	}
	g.log.Info("all providers failed, serving fallback", "identity", identity, "stage", stage, "error", cause.Error())
	g.m.Completion(string(StatusDegraded))
	return Result{
		Status:      StatusDegraded,
		Content:     FallbackMessage(stage),
		Fingerprint: fingerprint,
		Message:     "The assistant is temporarily unavailable.",
	}
}

// QuotaSnapshot returns the identity's entitlements.
func (g *Governor) QuotaSnapshot(ctx context.Context, identity string) (models.QuotaSnapshot, error) {
	return g.quota.Snapshot(ctx, identity)
}

// CacheStats returns response cache counters.
func (g *Governor) CacheStats(ctx context.Context) (models.CacheStats, error) {
	return g.cache.Stats(ctx)
}

// Extend buys more messages for the identity's conversation.
func (g *Governor) Extend(ctx context.Context, identity string) (quota.Extension, error) {
	return g.quota.RequestExtension(ctx, identity)
}

// Redeem applies a promo code.
func (g *Governor) Redeem(ctx context.Context, identity, code string) (quota.Redemption, error) {
	return g.quota.RedeemPromoCode(ctx, code, identity)
}

// Reset starts a new conversation for identity.
func (g *Governor) Reset(ctx context.Context, identity string) (*models.Session, error) {
	return g.quota.ResetSession(ctx, identity)
}

// IssueTrial grants the identity's one-time free trial.
func (g *Governor) IssueTrial(ctx context.Context, identity string) (bool, error) {
	return g.quota.IssueFreeTrial(ctx, identity)
}

// Credits returns the identity's balance and recent transactions. An
// identity without an account has a zero balance.
func (g *Governor) Credits(ctx context.Context, identity string, limit int) (int64, []models.Transaction, error) {
	bal, err := g.ledger.Balance(ctx, identity)
	if err != nil && !errors.Is(err, ledger.ErrUnknownIdentity) {
		return 0, nil, fmt.Errorf("credit balance: %w", err)
	}
	history, err := g.ledger.History(ctx, identity, limit)
	if err != nil {
		return 0, nil, fmt.Errorf("credit history: %w", err)
	}
	return bal, history, nil
}

// Features lists the priced features callers may name.
func (g *Governor) Features() []feature.Feature {
	return g.feats.List()
}

// ListSessions returns the most recently active conversations.
func (g *Governor) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	return g.quota.ListSessions(ctx, limit)
}
