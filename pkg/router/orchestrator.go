package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"

	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/models"
	"github.com/creovision/governor/pkg/provider"
	"github.com/creovision/governor/pkg/tracing"
)

// DefaultAttemptTimeout bounds a single provider attempt.
const DefaultAttemptTimeout = 20 * time.Second

// ErrAllProvidersExhausted matches an ExhaustedError.
var ErrAllProvidersExhausted = errors.New("all providers exhausted")

// ExhaustedError reports every failed attempt when no provider answered.
type ExhaustedError struct {
	Attempts []models.ProviderAttempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Provider+"="+a.ErrorKind)
	}
	return fmt.Sprintf("%s: [%s]", ErrAllProvidersExhausted, strings.Join(parts, ", "))
}

// Is makes errors.Is(err, ErrAllProvidersExhausted) match.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrAllProvidersExhausted
}

// Orchestrator tries routes in strict priority order until one returns
// non-empty content. A failed provider is never retried within a call.
type Orchestrator struct {
	providers      map[string]provider.Provider
	attemptTimeout time.Duration
	metrics        *metrics.Metrics
	tracing        *tracing.Provider
	log            logr.Logger
}

// NewOrchestrator creates an Orchestrator over providers keyed by name.
// A non-positive attemptTimeout uses DefaultAttemptTimeout.
func NewOrchestrator(providers map[string]provider.Provider, attemptTimeout time.Duration, m *metrics.Metrics, log logr.Logger) *Orchestrator {
	if attemptTimeout <= 0 {
		attemptTimeout = DefaultAttemptTimeout
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}
	return &Orchestrator{
		providers:      providers,
		attemptTimeout: attemptTimeout,
		metrics:        m,
		log:            log.WithName("orchestrator"),
	}
}

// WithTracing records a span per provider attempt.
func (o *Orchestrator) WithTracing(p *tracing.Provider) *Orchestrator {
	o.tracing = p
	return o
}

// Call walks routes and returns the first successful completion. When every
// route fails the error is an *ExhaustedError.
func (o *Orchestrator) Call(ctx context.Context, routes []Route, req provider.Request) (models.ProviderCallResult, error) {
	start := time.Now()
	attempts := make([]models.ProviderAttempt, 0, len(routes))

	for i, route := range routes {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, models.ProviderAttempt{
				Provider:  route.Provider.Name,
				Model:     route.Model,
				ErrorKind: string(provider.KindTransportFailure),
				Error:     err.Error(),
			})
			continue
		}

		content, attempt := o.attempt(ctx, route, req, i)
		attempts = append(attempts, attempt)
		if attempt.ErrorKind == "" {
			if i > 0 {
				o.log.Info("fallback provider answered", "provider", route.Provider.Name, "model", route.Model, "position", i)
			}
			return models.ProviderCallResult{
				Provider: route.Provider.Name,
				Model:    route.Model,
				Content:  content,
				Latency:  time.Since(start),
				Attempts: attempts,
			}, nil
		}
		o.log.Info("provider failed, trying next",
			"provider", route.Provider.Name, "model", route.Model,
			"kind", attempt.ErrorKind, "error", attempt.Error)
	}

	return models.ProviderCallResult{Latency: time.Since(start), Attempts: attempts},
		&ExhaustedError{Attempts: attempts}
}

func (o *Orchestrator) attempt(ctx context.Context, route Route, req provider.Request, position int) (string, models.ProviderAttempt) {
	a := models.ProviderAttempt{Provider: route.Provider.Name, Model: route.Model}

	ctx, span := o.tracing.StartAttemptSpan(ctx, a.Provider, a.Model, position)
	defer func() {
		if a.ErrorKind != "" {
			span.SetAttributes(attribute.String(tracing.AttrErrorKind, a.ErrorKind))
			tracing.RecordError(span, errors.New(a.Error))
		} else {
			tracing.SetSuccess(span)
		}
		span.End()
	}()

	p, ok := o.providers[route.Provider.Name]
	if !ok {
		a.ErrorKind = string(provider.KindConfigurationMissing)
		a.Error = "provider not registered"
		o.metrics.ProviderAttempt(a.Provider, a.Model, a.ErrorKind, 0)
		return "", a
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	defer cancel()

	req.Model = route.Model
	begin := time.Now()
	content, err := p.Complete(attemptCtx, req)
	a.Latency = time.Since(begin)

	outcome := metrics.ResultSuccess
	switch {
	case err != nil:
		a.ErrorKind = string(provider.KindOf(err))
		a.Error = err.Error()
		outcome = a.ErrorKind
	case strings.TrimSpace(content) == "":
		a.ErrorKind = string(provider.KindEmptyResponse)
		a.Error = "empty content"
		outcome = a.ErrorKind
	}
	o.metrics.ProviderAttempt(a.Provider, a.Model, outcome, a.Latency)
	if a.ErrorKind == "" {
		span.SetAttributes(attribute.Int(tracing.AttrGenAIResponseLen, len(content)))
	}
	return content, a
}
