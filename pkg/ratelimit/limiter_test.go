package ratelimit

import (
	"testing"
	"time"

	"github.com/creovision/governor/pkg/config"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(cfg config.IdentityRateConfig) (*Limiter, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = c.now
	return l, c
}

func mustAllow(t *testing.T, l *Limiter, identity string) {
	t.Helper()
	d, release := l.Acquire(identity)
	if !d.Allowed {
		t.Fatalf("%s refused: %+v", identity, d)
	}
	release()
}

func TestHourlyCap(t *testing.T) {
	l, c := newTestLimiter(config.IdentityRateConfig{PerHour: 2})
	mustAllow(t, l, "alice")
	mustAllow(t, l, "alice")

	d, _ := l.Acquire("alice")
	if d.Allowed || d.Reason != ReasonHourly {
		t.Fatalf("third call = %+v, want hourly refusal", d)
	}
	if d.RetryAfter < 29*time.Minute || d.RetryAfter > 30*time.Minute {
		t.Errorf("RetryAfter = %v, want about 30m", d.RetryAfter)
	}

	mustAllow(t, l, "bob")

	c.t = c.t.Add(31 * time.Minute)
	mustAllow(t, l, "alice")
}

func TestDailyRefusalKeepsHourlyAllowance(t *testing.T) {
	l, _ := newTestLimiter(config.IdentityRateConfig{PerHour: 10, PerDay: 1})
	mustAllow(t, l, "alice")

	for range 3 {
		d, _ := l.Acquire("alice")
		if d.Allowed || d.Reason != ReasonDaily {
			t.Fatalf("call = %+v, want daily refusal", d)
		}
	}
	hour := l.entries["alice"].hour
	if got := hour.TokensAt(l.now()); got != 9 {
		t.Errorf("hourly tokens = %v, want 9", got)
	}
}

func TestConcurrentCap(t *testing.T) {
	l, _ := newTestLimiter(config.IdentityRateConfig{Concurrent: 1})
	d, release := l.Acquire("alice")
	if !d.Allowed {
		t.Fatal("first call refused")
	}

	d2, _ := l.Acquire("alice")
	if d2.Allowed || d2.Reason != ReasonConcurrent || d2.RetryAfter != ConcurrentRetryAfter {
		t.Errorf("second call = %+v, want concurrent refusal", d2)
	}

	release()
	release()
	if l.entries["alice"].inflight != 0 {
		t.Errorf("inflight = %d after double release", l.entries["alice"].inflight)
	}
	mustAllow(t, l, "alice")
}

func TestDisabled(t *testing.T) {
	var nilLimiter *Limiter
	mustAllow(t, nilLimiter, "alice")

	l, _ := newTestLimiter(config.IdentityRateConfig{})
	for range 100 {
		mustAllow(t, l, "alice")
	}
}

func TestPrune(t *testing.T) {
	l, c := newTestLimiter(config.IdentityRateConfig{PerHour: 2, Concurrent: 2})
	mustAllow(t, l, "alice")
	_, release := l.Acquire("bob")

	if n := l.Prune(); n != 0 {
		t.Errorf("pruned %d with fresh activity, want 0", n)
	}

	c.t = c.t.Add(2 * time.Hour)
	if n := l.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1 (bob still in flight)", n)
	}
	release()
	if n := l.Prune(); n != 1 || l.Len() != 0 {
		t.Errorf("pruned %d, len %d", n, l.Len())
	}
}
