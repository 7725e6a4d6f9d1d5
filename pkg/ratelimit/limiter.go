// Package ratelimit caps how often and how concurrently one identity may
// make governed calls.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/creovision/governor/pkg/config"
)

// ConcurrentRetryAfter is suggested to callers refused for too many calls in flight.
const ConcurrentRetryAfter = 5 * time.Second

// Reason names the cap that refused a call.
type Reason string

const (
	ReasonConcurrent Reason = "concurrent_limit"
	ReasonHourly     Reason = "hourly_limit"
	ReasonDaily      Reason = "daily_limit"
)

// Decision is the outcome of Acquire.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Duration
}

// Limiter holds one token bucket per window per identity. A bucket holds a
// full window's allowance and refills evenly across the window.
type Limiter struct {
	cfg config.IdentityRateConfig
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	hour     *rate.Limiter
	day      *rate.Limiter
	inflight int
}

// New creates a Limiter. Zero values in cfg disable the matching cap.
func New(cfg config.IdentityRateConfig) *Limiter {
	return &Limiter{cfg: cfg, now: time.Now, entries: make(map[string]*entry)}
}

func bucket(n int, window time.Duration) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(n)), n)
}

// Acquire admits one call for identity. On success the returned release
// must be called when the call finishes; it is safe to call more than once.
// A refused call consumes nothing. A nil Limiter admits everything.
func (l *Limiter) Acquire(identity string) (Decision, func()) {
	noop := func() {}
	if l == nil {
		return Decision{Allowed: true}, noop
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[identity]
	if !ok {
		e = &entry{hour: bucket(l.cfg.PerHour, time.Hour), day: bucket(l.cfg.PerDay, 24*time.Hour)}
		l.entries[identity] = e
	}

	if l.cfg.Concurrent > 0 && e.inflight >= l.cfg.Concurrent {
		return Decision{Reason: ReasonConcurrent, RetryAfter: ConcurrentRetryAfter}, noop
	}

	windows := []struct {
		lim    *rate.Limiter
		reason Reason
	}{{e.hour, ReasonHourly}, {e.day, ReasonDaily}}
	var held []*rate.Reservation
	for _, w := range windows {
		if w.lim == nil {
			continue
		}
		r := w.lim.ReserveN(now, 1)
		if delay := r.DelayFrom(now); !r.OK() || delay > 0 {
			r.CancelAt(now)
			for _, h := range held {
				h.CancelAt(now)
			}
			return Decision{Reason: w.reason, RetryAfter: delay}, noop
		}
		held = append(held, r)
	}

	e.inflight++
	var once sync.Once
	return Decision{Allowed: true}, func() {
		once.Do(func() {
			l.mu.Lock()
			e.inflight--
			l.mu.Unlock()
		})
	}
}

// Prune forgets identities with nothing in flight and full buckets, which
// are indistinguishable from new ones. It returns how many were dropped.
func (l *Limiter) Prune() int {
	if l == nil {
		return 0
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for id, e := range l.entries {
		if e.inflight == 0 && full(e.hour, now) && full(e.day, now) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

func full(lim *rate.Limiter, now time.Time) bool {
	return lim == nil || lim.TokensAt(now) >= float64(lim.Burst())
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
