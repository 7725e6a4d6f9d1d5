package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Listen != ":8080" {
		t.Errorf("expected :8080, got %s", cfg.Listen)
	}
	if cfg.Cache.TTL != 24*time.Hour {
		t.Errorf("expected 24h TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Quota.FreeLimit != 8 || cfg.Quota.ExtensionIncrement != 2 || cfg.Quota.ExtensionBaseCost != 2 {
		t.Errorf("unexpected quota defaults: %+v", cfg.Quota)
	}
	if len(cfg.Promo.Codes) != 3 {
		t.Errorf("expected 3 default promo codes, got %d", len(cfg.Promo.Codes))
	}
	if cfg.Orchestrator.AttemptTimeout != 20*time.Second {
		t.Errorf("expected 20s attempt timeout, got %v", cfg.Orchestrator.AttemptTimeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "gm-test-123")

	path := writeConfig(t, `
listen: ":9090"
db_path: "test.db"
providers:
  - name: gemini
    type: gemini
    url: https://generativelanguage.googleapis.com
    api_key: ${TEST_GEMINI_KEY}
    breaker:
      failures: 3
      cooldown: 30s
  - name: deepseek
    url: https://api.deepseek.com
    rate_limit:
      rps: 2.5
      burst: 5
cache:
  enabled: true
  ttl: 30m
quota:
  free_limit: 4
router:
  routes:
    - model: chat
      ttl: 18h
      targets:
        - provider: gemini
          model: gemini-2.0-flash
        - provider: deepseek
          model: deepseek-chat
promo:
  codes:
    - code: SPRING
      analyses: 5
      max_uses: 100
features:
  viral_script:
    credits: 20
    ttl: 48h
  podcast_outline:
    credits: 3
rate_limit:
  per_hour: 30
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("expected :9090, got %s", cfg.Listen)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(cfg.Providers))
	}
	if cfg.Providers[0].APIKey != "gm-test-123" {
		t.Errorf("expected env-expanded key, got %s", cfg.Providers[0].APIKey)
	}
	if cfg.Providers[0].Breaker.Failures != 3 || cfg.Providers[0].Breaker.Cooldown != 30*time.Second {
		t.Errorf("unexpected breaker config: %+v", cfg.Providers[0].Breaker)
	}
	if cfg.Providers[1].RateLimit.RPS != 2.5 || cfg.Providers[1].RateLimit.Burst != 5 {
		t.Errorf("unexpected rate limit: %+v", cfg.Providers[1].RateLimit)
	}
	if cfg.Cache.TTL != 30*time.Minute {
		t.Errorf("expected 30m TTL, got %v", cfg.Cache.TTL)
	}
	if cfg.Quota.FreeLimit != 4 {
		t.Errorf("expected free limit 4, got %d", cfg.Quota.FreeLimit)
	}
	// Unset quota fields keep their defaults.
	if cfg.Quota.ExtensionIncrement != 2 {
		t.Errorf("expected default increment 2, got %d", cfg.Quota.ExtensionIncrement)
	}
	if len(cfg.Promo.Codes) != 1 || cfg.Promo.Codes[0].Code != "SPRING" {
		t.Errorf("promo catalog should be replaced, got %+v", cfg.Promo.Codes)
	}
	if f := cfg.Features["viral_script"]; f.Credits != 20 || f.TTL != 48*time.Hour {
		t.Errorf("viral_script = %+v", f)
	}
	if cfg.Features["podcast_outline"].Credits != 3 {
		t.Errorf("podcast_outline = %+v", cfg.Features["podcast_outline"])
	}
	// Features not named in the file keep their defaults.
	if cfg.Features["hashtag_generator"].Credits != 2 {
		t.Errorf("hashtag_generator = %+v", cfg.Features["hashtag_generator"])
	}
	if cfg.RateLimit.PerHour != 30 || cfg.RateLimit.PerDay != 50 {
		t.Errorf("rate limit = %+v", cfg.RateLimit)
	}
	if got := cfg.RouteTTL("chat"); got != 18*time.Hour {
		t.Errorf("RouteTTL(chat) = %v, want 18h", got)
	}
	if got := cfg.RouteTTL("analysis"); got != 30*time.Minute {
		t.Errorf("RouteTTL(analysis) = %v, want cache default", got)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero increment", func(c *Config) { c.Quota.ExtensionIncrement = 0 }, "extension_increment"},
		{"bad cache backend", func(c *Config) { c.Cache.Backend = "memcached" }, "cache.backend"},
		{"postgres without dsn", func(c *Config) { c.Ledger.Backend = BackendPostgres }, "postgres.dsn"},
		{"duplicate provider", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate provider"},
		{"unknown provider type", func(c *Config) {
			c.Providers = []ProviderConfig{{Name: "a", Type: "cohere"}}
		}, "unknown type"},
		{"promo without analyses", func(c *Config) {
			c.Promo.Codes = []PromoCodeConfig{{Code: "X"}}
		}, "positive analyses"},
		{"negative feature cost", func(c *Config) {
			c.Features = FeaturesConfig{"viral_script": {Credits: -1}}
		}, "feature"},
		{"negative rate limit", func(c *Config) { c.RateLimit.PerHour = -1 }, "rate_limit"},
		{"bad cron schedule", func(c *Config) { c.Maintenance.CachePurge = "every tuesday" }, "maintenance.cache_purge"},
		{"sample rate above one", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}
