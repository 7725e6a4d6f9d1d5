// Package quota decides whether an identity may make another AI call and
// tracks what each call consumed: free trial, promo analyses, or session
// messages from the free tier and paid extensions.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/promo"
)

// Reason explains a gate decision.
type Reason string

const (
	ReasonFreeTrial      Reason = "free_trial"
	ReasonPromoCode      Reason = "promo_code"
	ReasonFreeTier       Reason = "free_tier"
	ReasonPaidTier       Reason = "paid_tier"
	ReasonQuotaExhausted Reason = "quota_exhausted"
)

// Decision is the result of CanProceed.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Reason    Reason `json:"reason"`
	Remaining int    `json:"remaining"`
	// ExtensionCost prices the next extension, for the upsell prompt.
	ExtensionCost int64 `json:"extension_cost"`
}

// Extension is the result of RequestExtension.
type Extension struct {
	Granted       bool   `json:"granted"`
	Cost          int64  `json:"cost"`
	Balance       int64  `json:"balance"`
	Missing       int64  `json:"missing,omitempty"`
	PaidAvailable int    `json:"paid_available"`
	Message       string `json:"message"`
}

// RedeemStatus classifies a redemption attempt.
type RedeemStatus string

const (
	RedeemOK              RedeemStatus = "redeemed"
	RedeemInvalidCode     RedeemStatus = "invalid_code"
	RedeemExpired         RedeemStatus = "expired"
	RedeemAlreadyRedeemed RedeemStatus = "already_redeemed"
	RedeemExhausted       RedeemStatus = "exhausted"
)

// Redemption is the result of RedeemPromoCode.
type Redemption struct {
	Success   bool         `json:"success"`
	Status    RedeemStatus `json:"status"`
	Code      string       `json:"code"`
	Analyses  int          `json:"analyses,omitempty"`
	Remaining int          `json:"remaining"`
	Message   string       `json:"message"`
}

// Message is a conversation message to record against a session.
type Message struct {
	Role     string
	Content  string
	Provider string
}

// Manager is the quota and entitlement manager.
type Manager struct {
	store   Store
	ledger  ledger.Ledger
	catalog *promo.Catalog
	journal Journal
	policy  Policy
	locks   *keyedMutex
	metrics *metrics.Metrics
	log     logr.Logger
	now     func() time.Time
}

// Options configures a Manager. Journal and Metrics may be nil.
type Options struct {
	Policy  Policy
	Catalog *promo.Catalog
	Journal Journal
	Metrics *metrics.Metrics
	Logger  logr.Logger
}

// New creates a Manager.
func New(store Store, l ledger.Ledger, opts Options) *Manager {
	if opts.Catalog == nil {
		opts.Catalog = promo.NewCatalog(nil)
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Manager{
		store:   store,
		ledger:  l,
		catalog: opts.Catalog,
		journal: opts.Journal,
		policy:  opts.Policy,
		locks:   newKeyedMutex(),
		metrics: opts.Metrics,
		log:     opts.Logger.WithName("quota"),
		now:     time.Now,
	}
}

// Policy returns the pricing policy in force.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Catalog returns the promo catalog.
func (m *Manager) Catalog() *promo.Catalog {
	return m.catalog
}

// Lock serializes entitlement checks and consumption for identity. Callers
// hold it across CanProceed, the AI call and the matching Record/Mark/Consume.
// RequestExtension and ResetSession acquire it themselves and must not be
// called while it is held.
func (m *Manager) Lock(identity string) (unlock func()) {
	return m.locks.Lock(identity)
}

// CanProceed decides whether identity may make another call.
func (m *Manager) CanProceed(ctx context.Context, identity string) (Decision, error) {
	d, err := m.decide(ctx, identity)
	if err != nil {
		return Decision{}, err
	}
	m.metrics.QuotaDecision(string(d.Reason))
	return d, nil
}

func (m *Manager) decide(ctx context.Context, identity string) (Decision, error) {
	trial, err := m.store.TrialAvailable(ctx, identity)
	if err != nil {
		return Decision{}, fmt.Errorf("check free trial: %w", err)
	}
	if trial {
		return Decision{Allowed: true, Reason: ReasonFreeTrial, Remaining: 1}, nil
	}

	promoLeft, err := m.store.PromoRemaining(ctx, identity)
	if err != nil {
		return Decision{}, fmt.Errorf("check promo balance: %w", err)
	}
	if promoLeft > 0 {
		return Decision{Allowed: true, Reason: ReasonPromoCode, Remaining: promoLeft}, nil
	}

	s, err := m.store.Session(ctx, identity)
	if err != nil {
		return Decision{}, fmt.Errorf("load session: %w", err)
	}
	d := Decision{
		Remaining:     m.policy.Remaining(s),
		ExtensionCost: m.policy.NextExtensionCost(s),
	}
	switch {
	case s.FreeUsed < m.policy.FreeLimit:
		d.Allowed, d.Reason = true, ReasonFreeTier
	case s.TotalUsed() < m.policy.TotalAvailable(s):
		d.Allowed, d.Reason = true, ReasonPaidTier
	default:
		d.Reason = ReasonQuotaExhausted
	}
	return d, nil
}

// RecordUsage records a conversation message. A user message is charged to
// the free tier while it lasts, then to paid extensions; it fails with
// ErrQuotaExhausted rather than exceed the session's total. Other roles are
// journaled only.
func (m *Manager) RecordUsage(ctx context.Context, identity string, msg Message) (*models.Session, error) {
	isFree := false
	var s *models.Session
	var err error
	if msg.Role == "user" {
		s, err = m.store.Mutate(ctx, identity, func(s *models.Session) error {
			if s.TotalUsed() >= m.policy.TotalAvailable(s) {
				return ErrQuotaExhausted
			}
			if s.FreeUsed < m.policy.FreeLimit {
				s.FreeUsed++
				isFree = true
			} else {
				s.PaidUsed++
			}
			s.MessageCount++
			s.Stage = m.policy.StageFor(s)
			return nil
		})
	} else {
		s, err = m.store.Session(ctx, identity)
	}
	if err != nil {
		return nil, err
	}

	m.journalMessage(ctx, s, msg, isFree)
	return s, nil
}

func (m *Manager) journalMessage(ctx context.Context, s *models.Session, msg Message, isFree bool) {
	if m.journal == nil {
		return
	}
	rec := models.MessageRecord{
		Identity:      s.Identity,
		SessionID:     s.ID,
		Role:          msg.Role,
		Content:       msg.Content,
		MessageNumber: s.MessageCount,
		IsFree:        isFree,
		Provider:      msg.Provider,
		CreatedAt:     m.now().UTC(),
	}
	if err := m.journal.Log(ctx, rec); err != nil {
		m.log.Error(err, "journal write failed", "identity", s.Identity, "session", s.ID)
	}
}

// RequestExtension buys ExtensionIncrement more messages at the progressive
// price. Credits are debited first; the session is only extended if the
// debit succeeded, and the debit is refunded if extending fails.
func (m *Manager) RequestExtension(ctx context.Context, identity string) (Extension, error) {
	unlock := m.Lock(identity)
	defer unlock()

	s, err := m.store.Session(ctx, identity)
	if err != nil {
		return Extension{}, fmt.Errorf("load session: %w", err)
	}
	cost := m.policy.NextExtensionCost(s)
	ext := Extension{Cost: cost, PaidAvailable: s.PaidAvailable}

	if cost > 0 {
		receipt, err := m.ledger.Consume(ctx, identity, cost, "extend_session", s.ID)
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			ext.Balance = receipt.Remaining
			ext.Missing = cost - receipt.Remaining
			ext.Message = fmt.Sprintf("You need %d more credits to extend this conversation", ext.Missing)
			return ext, nil
		case errors.Is(err, ledger.ErrUnknownIdentity):
			ext.Missing = cost
			ext.Message = fmt.Sprintf("You need %d credits to extend this conversation", cost)
			return ext, nil
		case err != nil:
			return Extension{}, fmt.Errorf("debit extension: %w", err)
		}
		ext.Balance = receipt.Remaining
	}

	s, err = m.store.Mutate(ctx, identity, func(s *models.Session) error {
		s.PaidAvailable += m.policy.ExtensionIncrement
		s.CreditsSpent += cost
		s.Stage = m.policy.StageFor(s)
		return nil
	})
	if err != nil {
		if cost > 0 {
			if _, rerr := m.ledger.Refund(ctx, identity, cost, "extend_session_rollback"); rerr != nil {
				m.log.Error(rerr, "refund after failed extension", "identity", identity, "cost", cost)
			}
		}
		return Extension{}, fmt.Errorf("extend session: %w", err)
	}

	ext.Granted = true
	ext.PaidAvailable = s.PaidAvailable
	ext.Message = fmt.Sprintf("Conversation extended by %d messages for %d credits", m.policy.ExtensionIncrement, cost)
	m.log.Info("session extended", "identity", identity, "cost", cost, "paidAvailable", s.PaidAvailable)
	return ext, nil
}

// RedeemPromoCode validates code and grants its analyses once per identity.
// Rejections are reported in the Redemption, not as errors.
func (m *Manager) RedeemPromoCode(ctx context.Context, code, identity string) (Redemption, error) {
	normalized := promo.Normalize(code)
	r := Redemption{Code: normalized}

	entry, err := m.catalog.Lookup(normalized, m.now())
	switch {
	case errors.Is(err, promo.ErrInvalidCode):
		r.Status, r.Message = RedeemInvalidCode, "Invalid promo code"
		return m.withRemaining(ctx, identity, r)
	case errors.Is(err, promo.ErrExpired):
		r.Status, r.Message = RedeemExpired, "This promo code has expired"
		return m.withRemaining(ctx, identity, r)
	case err != nil:
		return Redemption{}, err
	}

	remaining, err := m.store.RedeemPromo(ctx, identity, entry.Code, entry.Analyses, entry.MaxUses)
	switch {
	case errors.Is(err, ErrPromoAlreadyRedeemed):
		r.Status, r.Message = RedeemAlreadyRedeemed, "You have already used this promo code"
		return m.withRemaining(ctx, identity, r)
	case errors.Is(err, ErrPromoExhausted):
		r.Status, r.Message = RedeemExhausted, "This promo code has reached its usage limit"
		return m.withRemaining(ctx, identity, r)
	case err != nil:
		return Redemption{}, fmt.Errorf("redeem promo: %w", err)
	}

	m.log.Info("promo code redeemed", "identity", identity, "code", entry.Code, "analyses", entry.Analyses)
	return Redemption{
		Success:   true,
		Status:    RedeemOK,
		Code:      entry.Code,
		Analyses:  entry.Analyses,
		Remaining: remaining,
		Message:   fmt.Sprintf("Promo code applied: %d analyses added", entry.Analyses),
	}, nil
}

func (m *Manager) withRemaining(ctx context.Context, identity string, r Redemption) (Redemption, error) {
	left, err := m.store.PromoRemaining(ctx, identity)
	if err != nil {
		return Redemption{}, fmt.Errorf("promo balance: %w", err)
	}
	r.Remaining = left
	return r, nil
}

// PromoAnalysesRemaining returns the identity's remaining promo analyses.
func (m *Manager) PromoAnalysesRemaining(ctx context.Context, identity string) (int, error) {
	return m.store.PromoRemaining(ctx, identity)
}

// ConsumePromoAnalysis spends one promo analysis after a successful call.
// Repeating opKey has no further effect.
func (m *Manager) ConsumePromoAnalysis(ctx context.Context, identity, opKey string) (int, error) {
	remaining, _, err := m.store.ConsumePromo(ctx, identity, opKey)
	if err != nil {
		return 0, fmt.Errorf("consume promo analysis: %w", err)
	}
	return remaining, nil
}

// IssueFreeTrial grants the one-time free trial. It reports false if the
// identity already received one.
func (m *Manager) IssueFreeTrial(ctx context.Context, identity string) (bool, error) {
	return m.store.IssueTrial(ctx, identity)
}

// FreeTrialAvailable reports whether an unconsumed trial exists.
func (m *Manager) FreeTrialAvailable(ctx context.Context, identity string) (bool, error) {
	return m.store.TrialAvailable(ctx, identity)
}

// MarkFreeTrialUsed consumes the free trial after a successful call.
// Calling it again is a no-op.
func (m *Manager) MarkFreeTrialUsed(ctx context.Context, identity string) error {
	if _, err := m.store.ConsumeTrial(ctx, identity); err != nil {
		return fmt.Errorf("consume free trial: %w", err)
	}
	return nil
}

// ResetSession starts a new conversation: usage counters and stage return to
// zero while purchased capacity and spend are kept.
func (m *Manager) ResetSession(ctx context.Context, identity string) (*models.Session, error) {
	unlock := m.Lock(identity)
	defer unlock()

	return m.store.Mutate(ctx, identity, func(s *models.Session) error {
		s.ID = NewSessionID(m.now())
		s.FreeUsed = 0
		s.PaidUsed = 0
		s.MessageCount = 0
		s.Stage = models.StageIntro
		return nil
	})
}

// Snapshot returns a read-only view of the identity's entitlements.
func (m *Manager) Snapshot(ctx context.Context, identity string) (models.QuotaSnapshot, error) {
	s, err := m.store.Session(ctx, identity)
	if err != nil {
		return models.QuotaSnapshot{}, fmt.Errorf("load session: %w", err)
	}
	promoLeft, err := m.store.PromoRemaining(ctx, identity)
	if err != nil {
		return models.QuotaSnapshot{}, fmt.Errorf("promo balance: %w", err)
	}
	trial, err := m.store.TrialAvailable(ctx, identity)
	if err != nil {
		return models.QuotaSnapshot{}, fmt.Errorf("check free trial: %w", err)
	}
	balance, err := m.ledger.Balance(ctx, identity)
	if err != nil && !errors.Is(err, ledger.ErrUnknownIdentity) {
		return models.QuotaSnapshot{}, fmt.Errorf("credit balance: %w", err)
	}

	freeRemaining := m.policy.FreeLimit - s.FreeUsed
	if freeRemaining < 0 {
		freeRemaining = 0
	}
	paidRemaining := s.PaidAvailable - s.PaidUsed
	if paidRemaining < 0 {
		paidRemaining = 0
	}
	return models.QuotaSnapshot{
		Identity:               identity,
		SessionID:              s.ID,
		FreeLimit:              m.policy.FreeLimit,
		FreeUsed:               s.FreeUsed,
		FreeRemaining:          freeRemaining,
		PaidAvailable:          s.PaidAvailable,
		PaidUsed:               s.PaidUsed,
		PaidRemaining:          paidRemaining,
		CreditsSpent:           s.CreditsSpent,
		NextExtensionCost:      m.policy.NextExtensionCost(s),
		MessageCount:           s.MessageCount,
		Stage:                  s.Stage,
		PromoAnalysesRemaining: promoLeft,
		FreeTrialAvailable:     trial,
		CreditBalance:          balance,
	}, nil
}

// Session returns the identity's current session.
func (m *Manager) Session(ctx context.Context, identity string) (*models.Session, error) {
	return m.store.Session(ctx, identity)
}

// ListSessions returns the most recently active sessions.
func (m *Manager) ListSessions(ctx context.Context, limit int) ([]models.Session, error) {
	return m.store.ListSessions(ctx, limit)
}
