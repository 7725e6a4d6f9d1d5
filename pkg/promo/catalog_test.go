package promo

import (
	"errors"
	"testing"
	"time"

	"github.com/creovision/governor/pkg/config"
)

func TestNormalize(t *testing.T) {
	if got := Normalize("  welcome10 "); got != "WELCOME10" {
		t.Errorf("Normalize = %q, want WELCOME10", got)
	}
}

func TestDefaultCatalog(t *testing.T) {
	c := NewCatalog(config.Default().Promo.Codes)
	now := time.Now()
	for _, code := range []string{"CREOVISION10", "launch2025", " Welcome10"} {
		entry, err := c.Lookup(code, now)
		if err != nil {
			t.Errorf("Lookup(%q): %v", code, err)
			continue
		}
		if entry.Analyses != 10 {
			t.Errorf("Lookup(%q).Analyses = %d, want 10", code, entry.Analyses)
		}
	}
	if len(c.List()) != 3 {
		t.Errorf("expected 3 codes, got %d", len(c.List()))
	}
}

func TestLookupFailures(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	c := NewCatalog([]config.PromoCodeConfig{
		{Code: "OLD", Analyses: 5, ExpiresAt: now.Add(-time.Hour)},
		{Code: "OFF", Analyses: 5, Disabled: true},
		{Code: "LATER", Analyses: 5, ExpiresAt: now.Add(time.Hour)},
	})

	if _, err := c.Lookup("nope", now); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("unknown code: got %v", err)
	}
	if _, err := c.Lookup("off", now); !errors.Is(err, ErrInvalidCode) {
		t.Errorf("disabled code: got %v", err)
	}
	if _, err := c.Lookup("old", now); !errors.Is(err, ErrExpired) {
		t.Errorf("expired code: got %v", err)
	}
	if _, err := c.Lookup("later", now); err != nil {
		t.Errorf("future expiry should be redeemable: %v", err)
	}
}

func TestListSorted(t *testing.T) {
	c := NewCatalog([]config.PromoCodeConfig{{Code: "b", Analyses: 1}, {Code: "a", Analyses: 1}})
	list := c.List()
	if list[0].Code != "A" || list[1].Code != "B" {
		t.Errorf("unexpected order %+v", list)
	}
}
