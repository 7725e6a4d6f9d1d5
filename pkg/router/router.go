// Package router resolves a provider code to its ordered fallback chain and
// walks that chain until one provider answers.
package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/creovision/governor/pkg/config"
)

// ErrNoProviders is returned when a code resolves to no usable provider.
var ErrNoProviders = errors.New("no providers configured")

// Route is one provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Router maps provider codes to fallback chains. It snapshots the provider
// list at construction.
type Router struct {
	cfg       *config.Config
	providers map[string]config.ProviderConfig
}

// New creates a Router from cfg.
func New(cfg *config.Config) *Router {
	providers := make(map[string]config.ProviderConfig, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p
	}
	return &Router{cfg: cfg, providers: providers}
}

// Resolve returns the ordered chain for code. A configured route yields its
// known targets; a target without a model inherits code. An unconfigured code
// goes to the first provider with code as the model name.
func (r *Router) Resolve(code string) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, ErrNoProviders
	}

	rc, ok := r.route(code)
	if !ok {
		return []Route{{Provider: r.cfg.Providers[0], Model: code}}, nil
	}

	chain := make([]Route, 0, len(rc.Targets))
	for _, t := range rc.Targets {
		p, known := r.providers[t.Provider]
		if !known {
			continue
		}
		model := t.Model
		if model == "" {
			model = code
		}
		chain = append(chain, Route{Provider: p, Model: model})
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("route %q: %w", code, ErrNoProviders)
	}
	return chain, nil
}

func (r *Router) route(code string) (config.RouteConfig, bool) {
	for _, rc := range r.cfg.Router.Routes {
		if rc.Model == code {
			return rc, true
		}
	}
	return config.RouteConfig{}, false
}

// TTL returns how long results produced through code stay cached.
func (r *Router) TTL(code string) time.Duration {
	return r.cfg.RouteTTL(code)
}
