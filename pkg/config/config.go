package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all governor configuration.
type Config struct {
	Listen       string             `yaml:"listen"`
	DBPath       string             `yaml:"db_path"`
	LogLevel     string             `yaml:"log_level"`
	Providers    []ProviderConfig   `yaml:"providers"`
	Cache        CacheConfig        `yaml:"cache"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Quota        QuotaConfig        `yaml:"quota"`
	Promo        PromoConfig        `yaml:"promo"`
	Features     FeaturesConfig     `yaml:"features"`
	RateLimit    IdentityRateConfig `yaml:"rate_limit"`
	Router       RouterConfig       `yaml:"router"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Journal      JournalConfig      `yaml:"journal"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Maintenance  MaintenanceConfig  `yaml:"maintenance"`
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// RouterConfig defines provider-code routing and fallback chains.
type RouterConfig struct {
	Routes []RouteConfig `yaml:"routes"`
}

// RouteConfig maps a provider code to an ordered list of targets.
// TTL overrides the cache TTL for results produced through this route.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	TTL     time.Duration `yaml:"ttl"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model in a fallback chain.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default, also DeepSeek and Qwen), "gemini" or "anthropic".
type ProviderConfig struct {
	Name      string          `yaml:"name"`
	URL       string          `yaml:"url"`
	APIKey    string          `yaml:"api_key"`
	Type      string          `yaml:"type"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
}

// RateLimitConfig throttles calls to one provider. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// BreakerConfig controls the per-provider circuit breaker. Zero failures disables it.
type BreakerConfig struct {
	Failures uint32        `yaml:"failures"`
	Cooldown time.Duration `yaml:"cooldown"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	TTL           time.Duration `yaml:"ttl"`
	HistoryWindow int           `yaml:"history_window"`
}

// LedgerConfig selects the credit ledger store.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
}

// RedisConfig is shared by the redis cache and ledger backends.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the postgres ledger backend.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// QuotaConfig holds the session pricing policy.
type QuotaConfig struct {
	FreeLimit          int   `yaml:"free_limit"`
	ExtensionIncrement int   `yaml:"extension_increment"`
	ExtensionBaseCost  int64 `yaml:"extension_base_cost"`
}

// PromoConfig holds the promo code catalog.
type PromoConfig struct {
	Codes []PromoCodeConfig `yaml:"codes"`
}

// PromoCodeConfig is one redeemable code. MaxUses of zero means unlimited.
type PromoCodeConfig struct {
	Code        string    `yaml:"code"`
	Analyses    int       `yaml:"analyses"`
	MaxUses     int       `yaml:"max_uses"`
	Description string    `yaml:"description"`
	ExpiresAt   time.Time `yaml:"expires_at"`
	Disabled    bool      `yaml:"disabled"`
}

// FeaturesConfig prices premium features by slug. Callers name a feature;
// its cost and cache TTL always come from here.
type FeaturesConfig map[string]FeatureConfig

// FeatureConfig is one premium feature. A zero TTL falls back to the route TTL.
type FeatureConfig struct {
	Credits  int64         `yaml:"credits"`
	TTL      time.Duration `yaml:"ttl"`
	Disabled bool          `yaml:"disabled"`
}

// IdentityRateConfig caps how often one identity may call. Zero disables a cap.
type IdentityRateConfig struct {
	PerHour    int `yaml:"per_hour"`
	PerDay     int `yaml:"per_day"`
	Concurrent int `yaml:"concurrent"`
}

// OrchestratorConfig controls provider fallback.
type OrchestratorConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// JournalConfig controls the message journal.
type JournalConfig struct {
	Enabled       bool `yaml:"enabled"`
	RetentionDays int  `yaml:"retention_days"`
}

// TracingConfig controls OpenTelemetry span export over OTLP/gRPC.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// MaintenanceConfig schedules background upkeep while serving. Schedules use
// standard cron syntax or descriptors such as "@hourly"; empty disables a job.
type MaintenanceConfig struct {
	JournalCleanup string `yaml:"journal_cleanup"`
	CachePurge     string `yaml:"cache_purge"`
	RateLimitPrune string `yaml:"rate_limit_prune"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen:   ":8080",
		DBPath:   "governor.db",
		LogLevel: "info",
		Cache: CacheConfig{
			Backend:       BackendSQLite,
			TTL:           24 * time.Hour,
			HistoryWindow: 8,
		},
		Ledger: LedgerConfig{
			Backend: BackendSQLite,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "governor",
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Quota: QuotaConfig{
			FreeLimit:          8,
			ExtensionIncrement: 2,
			ExtensionBaseCost:  2,
		},
		Promo: PromoConfig{
			Codes: []PromoCodeConfig{
				{Code: "CREOVISION10", Analyses: 10, Description: "10 free analyses"},
				{Code: "LAUNCH2025", Analyses: 10, Description: "Launch promotion"},
				{Code: "WELCOME10", Analyses: 10, Description: "Welcome bonus"},
			},
		},
		Features: FeaturesConfig{
			"viral_script":      {Credits: 15, TTL: 24 * time.Hour},
			"image_analysis":    {Credits: 12},
			"twitter_thread":    {Credits: 8},
			"ad_copy":           {Credits: 6},
			"ai_assistant":      {Credits: 8, TTL: 6 * time.Hour},
			"seo_analysis":      {Credits: 5, TTL: 12 * time.Hour},
			"trend_research":    {Credits: 4, TTL: 3 * time.Hour},
			"hashtag_generator": {Credits: 2, TTL: 12 * time.Hour},
			"video_analysis":    {Credits: 15},
			"premium_advisor":   {Credits: 25, TTL: 24 * time.Hour},
			"thumbnail_ai":      {Credits: 10},
		},
		RateLimit: IdentityRateConfig{
			PerHour:    10,
			PerDay:     50,
			Concurrent: 2,
		},
		Orchestrator: OrchestratorConfig{
			AttemptTimeout: 20 * time.Second,
		},
		Journal: JournalConfig{
			Enabled:       true,
			RetentionDays: 90,
		},
		Tracing: TracingConfig{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
		Maintenance: MaintenanceConfig{
			JournalCleanup: "@hourly",
			CachePurge:     "@every 30m",
			RateLimitPrune: "@every 10m",
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the governor cannot run with.
func (c *Config) Validate() error {
	if c.Quota.FreeLimit < 0 {
		return fmt.Errorf("quota.free_limit must not be negative")
	}
	if c.Quota.ExtensionIncrement <= 0 {
		return fmt.Errorf("quota.extension_increment must be positive")
	}
	if c.Quota.ExtensionBaseCost < 0 {
		return fmt.Errorf("quota.extension_base_cost must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	for name, schedule := range map[string]string{
		"maintenance.journal_cleanup":  c.Maintenance.JournalCleanup,
		"maintenance.cache_purge":      c.Maintenance.CachePurge,
		"maintenance.rate_limit_prune": c.Maintenance.RateLimitPrune,
	} {
		if schedule == "" {
			continue
		}
		if _, err := cron.ParseStandard(schedule); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	switch c.Cache.Backend {
	case BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("cache.backend %q: want sqlite or redis", c.Cache.Backend)
	}
	switch c.Ledger.Backend {
	case BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("ledger.backend postgres requires postgres.dsn")
		}
	default:
		return fmt.Errorf("ledger.backend %q: want sqlite, redis or postgres", c.Ledger.Backend)
	}

	names := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate provider %q", p.Name)
		}
		names[p.Name] = true
		switch p.Type {
		case "", "openai", "gemini", "anthropic":
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}

	seen := make(map[string]bool, len(c.Promo.Codes))
	for _, pc := range c.Promo.Codes {
		if pc.Code == "" || pc.Analyses <= 0 {
			return fmt.Errorf("promo code %q: code and positive analyses required", pc.Code)
		}
		if seen[pc.Code] {
			return fmt.Errorf("duplicate promo code %q", pc.Code)
		}
		seen[pc.Code] = true
	}

	for slug, f := range c.Features {
		if slug == "" || f.Credits < 0 || f.TTL < 0 {
			return fmt.Errorf("feature %q: slug required, credits and ttl must not be negative", slug)
		}
	}
	if c.RateLimit.PerHour < 0 || c.RateLimit.PerDay < 0 || c.RateLimit.Concurrent < 0 {
		return fmt.Errorf("rate_limit values must not be negative")
	}
	return nil
}

// RouteTTL returns the cache TTL for results produced through the given route.
func (c *Config) RouteTTL(route string) time.Duration {
	for _, r := range c.Router.Routes {
		if r.Model == route && r.TTL > 0 {
			return r.TTL
		}
	}
	return c.Cache.TTL
}
