package quota

import (
	"context"
	"errors"

	"github.com/creovision/governor/pkg/models"
)

var (
	// ErrQuotaExhausted is returned when recording a user message would
	// exceed the session's total available messages.
	ErrQuotaExhausted = errors.New("session quota exhausted")
	// ErrPromoAlreadyRedeemed is returned when the identity already redeemed the code.
	ErrPromoAlreadyRedeemed = errors.New("promo code already redeemed")
	// ErrPromoExhausted is returned when the code reached its usage cap.
	ErrPromoExhausted = errors.New("promo code usage limit reached")
)

// Store persists sessions and entitlement grants.
type Store interface {
	// Session returns the session for identity, creating it if needed.
	Session(ctx context.Context, identity string) (*models.Session, error)
	// Mutate applies fn to the latest persisted session inside a write
	// transaction and stores the result. If fn returns an error nothing is
	// written and the error is returned.
	Mutate(ctx context.Context, identity string, fn func(*models.Session) error) (*models.Session, error)
	// ListSessions returns the most recently updated sessions.
	ListSessions(ctx context.Context, limit int) ([]models.Session, error)

	// RedeemPromo records a redemption of code by identity and adds analyses
	// to the identity's promo balance. Returns the new balance.
	RedeemPromo(ctx context.Context, identity, code string, analyses, maxUses int) (int, error)
	// PromoRemaining returns the identity's remaining promo analyses.
	PromoRemaining(ctx context.Context, identity string) (int, error)
	// ConsumePromo decrements the promo balance once per opKey. consumed is
	// false when the balance was empty or opKey was already applied.
	ConsumePromo(ctx context.Context, identity, opKey string) (remaining int, consumed bool, err error)

	// IssueTrial grants a free trial once per identity.
	IssueTrial(ctx context.Context, identity string) (bool, error)
	// TrialAvailable reports whether an issued trial is still unconsumed.
	TrialAvailable(ctx context.Context, identity string) (bool, error)
	// ConsumeTrial marks the trial used. It reports false if there was
	// nothing to consume.
	ConsumeTrial(ctx context.Context, identity string) (bool, error)

	Close() error
}

// Journal receives every recorded conversation message.
type Journal interface {
	Log(ctx context.Context, rec models.MessageRecord) error
}
