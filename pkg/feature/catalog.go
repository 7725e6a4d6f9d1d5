// Package feature prices premium features against the credit ledger.
package feature

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/creovision/governor/pkg/config"
)

// ErrUnknown is returned for slugs missing from the catalog or disabled.
var ErrUnknown = errors.New("unknown feature")

// Feature is one priced feature. TTL of zero defers to the route TTL.
type Feature struct {
	Slug    string        `json:"slug"`
	Credits int64         `json:"credits"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// Catalog is an immutable set of features keyed by normalized slug.
type Catalog struct {
	features map[string]Feature
}

// Normalize trims and lower-cases a slug.
func Normalize(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

// NewCatalog builds a catalog from configuration, leaving out disabled entries.
func NewCatalog(cfg config.FeaturesConfig) *Catalog {
	c := &Catalog{features: make(map[string]Feature, len(cfg))}
	for slug, f := range cfg {
		if f.Disabled {
			continue
		}
		slug = Normalize(slug)
		c.features[slug] = Feature{Slug: slug, Credits: f.Credits, TTL: f.TTL}
	}
	return c
}

// Lookup resolves slug. An empty slug is a plain call: free, no TTL override.
func (c *Catalog) Lookup(slug string) (Feature, error) {
	slug = Normalize(slug)
	if slug == "" {
		return Feature{}, nil
	}
	if c != nil {
		if f, ok := c.features[slug]; ok {
			return f, nil
		}
	}
	return Feature{}, fmt.Errorf("%w: %q", ErrUnknown, slug)
}

// List returns every feature sorted by slug.
func (c *Catalog) List() []Feature {
	if c == nil {
		return nil
	}
	out := make([]Feature, 0, len(c.features))
	for _, f := range c.features {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}
