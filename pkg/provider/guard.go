package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/creovision/governor/pkg/config"
)

// DefaultBreakerCooldown is how long an open breaker rejects calls.
const DefaultBreakerCooldown = 30 * time.Second

// Guard throttles and circuit-breaks a Provider. Rejections surface as
// transport failures so the orchestrator falls through to the next route.
type Guard struct {
	next    Provider
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
}

// NewGuard wraps p. A zero RPS disables rate limiting and zero Failures
// disables the breaker.
func NewGuard(p Provider, rl config.RateLimitConfig, br config.BreakerConfig) *Guard {
	g := &Guard{next: p}
	if rl.RPS > 0 {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rl.RPS), burst)
	}
	if br.Failures > 0 {
		cooldown := br.Cooldown
		if cooldown <= 0 {
			cooldown = DefaultBreakerCooldown
		}
		failures := br.Failures
		g.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:    p.Name(),
			Timeout: cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			// A missing API key says nothing about upstream health.
			IsSuccessful: func(err error) bool {
				return err == nil || KindOf(err) == KindConfigurationMissing
			},
		})
	}
	return g
}

// Name returns the wrapped provider's name.
func (g *Guard) Name() string { return g.next.Name() }

// State reports the breaker state, or "disabled".
func (g *Guard) State() string {
	if g.breaker == nil {
		return "disabled"
	}
	return g.breaker.State().String()
}

// Complete waits for a rate token, then calls through the breaker.
func (g *Guard) Complete(ctx context.Context, req Request) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", &Error{Kind: KindTransportFailure, Provider: g.Name(), Model: req.Model, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}
	if g.breaker == nil {
		return g.next.Complete(ctx, req)
	}

	out, err := g.breaker.Execute(func() (string, error) {
		return g.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", &Error{Kind: KindTransportFailure, Provider: g.Name(), Model: req.Model, Err: err}
	}
	return out, err
}
