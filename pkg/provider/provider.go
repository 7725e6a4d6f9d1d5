// Package provider implements clients for the upstream LLM APIs the governor
// falls back across, plus a guard that rate-limits and circuit-breaks them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/creovision/governor/pkg/config"
	"github.com/creovision/governor/pkg/models"
)

// Kind classifies a provider failure.
type Kind string

const (
	KindConfigurationMissing Kind = "configuration_missing"
	KindTransportFailure     Kind = "transport_failure"
	KindEmptyResponse        Kind = "empty_response"
)

// Error is returned by every Provider on failure.
type Error struct {
	Kind     Kind
	Provider string
	Model    string
	// Status is the upstream HTTP status, zero if no response was received.
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("provider %s", e.Provider)
	if e.Model != "" {
		msg += " model " + e.Model
	}
	msg += ": " + string(e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err. Errors that are not a
// provider Error count as transport failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransportFailure
}

// Request is one completion call.
type Request struct {
	SystemPrompt string
	Messages     []models.ChatMessage
	Model        string
	Temperature  *float64
	MaxTokens    *int
}

// Provider produces a completion for a request.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Defaults applied when a request leaves sampling unset.
const (
	DefaultTemperature = 0.8
	DefaultMaxTokens   = 150
)

func temperatureOf(req Request) float64 {
	if req.Temperature != nil {
		return *req.Temperature
	}
	return DefaultTemperature
}

func maxTokensOf(req Request) int {
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		return *req.MaxTokens
	}
	return DefaultMaxTokens
}

// Provider types.
const (
	TypeOpenAI    = "openai"
	TypeGemini    = "gemini"
	TypeAnthropic = "anthropic"
)

// New builds the client for cfg.Type wrapped in a Guard configured from cfg.
// A nil httpClient uses http.DefaultClient.
func New(cfg config.ProviderConfig, httpClient *http.Client) (Provider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	var p Provider
	switch strings.ToLower(cfg.Type) {
	case "", TypeOpenAI:
		p = NewOpenAI(cfg.Name, cfg.URL, cfg.APIKey, httpClient)
	case TypeGemini:
		p = NewGemini(cfg.Name, cfg.URL, cfg.APIKey, httpClient)
	case TypeAnthropic:
		p = NewAnthropic(cfg.Name, cfg.URL, cfg.APIKey, httpClient)
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.Name, cfg.Type)
	}
	return NewGuard(p, cfg.RateLimit, cfg.Breaker), nil
}

// NewSet builds every configured provider keyed by name.
func NewSet(cfgs []config.ProviderConfig, httpClient *http.Client) (map[string]Provider, error) {
	set := make(map[string]Provider, len(cfgs))
	for _, c := range cfgs {
		p, err := New(c, httpClient)
		if err != nil {
			return nil, err
		}
		set[c.Name] = p
	}
	return set, nil
}
