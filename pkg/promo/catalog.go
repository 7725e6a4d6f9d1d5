// Package promo holds the catalog of redeemable promo codes.
package promo

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/creovision/governor/pkg/config"
)

var (
	// ErrInvalidCode is returned for codes not in the catalog or disabled.
	ErrInvalidCode = errors.New("invalid promo code")
	// ErrExpired is returned for codes past their expiry.
	ErrExpired = errors.New("promo code expired")
)

// Code is one catalog entry. MaxUses of zero means unlimited redemptions.
type Code struct {
	Code        string    `json:"code"`
	Analyses    int       `json:"analyses"`
	MaxUses     int       `json:"max_uses"`
	Description string    `json:"description,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Disabled    bool      `json:"disabled,omitempty"`
}

// Catalog is an immutable set of promo codes keyed by normalized code.
type Catalog struct {
	codes map[string]Code
}

// Normalize trims and upper-cases a code as typed by a user.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NewCatalog builds a catalog from configuration.
func NewCatalog(entries []config.PromoCodeConfig) *Catalog {
	c := &Catalog{codes: make(map[string]Code, len(entries))}
	for _, e := range entries {
		code := Normalize(e.Code)
		c.codes[code] = Code{
			Code:        code,
			Analyses:    e.Analyses,
			MaxUses:     e.MaxUses,
			Description: e.Description,
			ExpiresAt:   e.ExpiresAt,
			Disabled:    e.Disabled,
		}
	}
	return c
}

// Lookup returns the entry for a user-typed code if it can be redeemed at now.
func (c *Catalog) Lookup(code string, now time.Time) (Code, error) {
	entry, ok := c.codes[Normalize(code)]
	if !ok || entry.Disabled {
		return Code{}, ErrInvalidCode
	}
	if !entry.ExpiresAt.IsZero() && !now.Before(entry.ExpiresAt) {
		return entry, ErrExpired
	}
	return entry, nil
}

// List returns all entries sorted by code.
func (c *Catalog) List() []Code {
	out := make([]Code, 0, len(c.codes))
	for _, e := range c.codes {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
