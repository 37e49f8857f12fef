package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnv = []string{
	"PORT", "ENVIRONMENT", "LOG_LEVEL", "LOG_FILE", "LOG_MAX_SIZE_MB",
	"COUNTER_STORE", "REDIS_URL", "BOLT_PATH", "DATABASE_URL",
	"RATELIMIT_FAIL_OPEN", "RATELIMIT_STORE_TIMEOUT",
	"RATE_SUBMIT_MAX", "RATE_SUBMIT_WINDOW", "RATE_API_MAX", "RATE_API_WINDOW",
	"RATE_HEALTH_MAX", "RATE_HEALTH_WINDOW",
	"CSRF_SECRET", "CSRF_SECRET_FILE", "CSRF_ENFORCE", "CSRF_TTL", "HEALTH_SECRET",
	"WAITWHILE_API_KEY", "WAITWHILE_BASE_URL", "WAITWHILE_TIMEOUT",
	"IDENTITY_URL", "IDENTITY_API_KEY", "OIDC_ISSUER", "OIDC_CLIENT_ID",
	"METABASE_SITE_URL", "METABASE_SECRET_KEY", "METABASE_DASHBOARD_ID", "METABASE_EMBED_TTL",
	"TURNSTILE_SECRET", "METRICS_ENABLED", "CSP_EXTRA_ORIGINS",
}

// clearEnv blanks every config var; empty values fall back to defaults.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnv {
		t.Setenv(k, "")
	}
}

const testSecret = "0123456789abcdef0123456789abcdef"

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	t.Run("defaults with no env", func(t *testing.T) {
		clearEnv(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "7865" {
			t.Errorf("Port: expected %q, got %q", "7865", cfg.Port)
		}
		if cfg.Environment != "development" {
			t.Errorf("Environment: expected development, got %q", cfg.Environment)
		}
		if cfg.CounterStore != "memory" {
			t.Errorf("CounterStore: expected memory, got %q", cfg.CounterStore)
		}
		if !cfg.RateLimitFailOpen {
			t.Error("RateLimitFailOpen: expected true by default")
		}
		if cfg.RateLimitStoreTimeout != 250*time.Millisecond {
			t.Errorf("RateLimitStoreTimeout: expected 250ms, got %s", cfg.RateLimitStoreTimeout)
		}
		if cfg.RateSubmitMax != 5 || cfg.RateSubmitWindow != 5*time.Minute {
			t.Errorf("submit limit: expected 5/5m, got %d/%s", cfg.RateSubmitMax, cfg.RateSubmitWindow)
		}
		if cfg.RateAPIMax != 100 || cfg.RateAPIWindow != time.Minute {
			t.Errorf("api limit: expected 100/1m, got %d/%s", cfg.RateAPIMax, cfg.RateAPIWindow)
		}
		if cfg.RateHealthMax != 60 || cfg.RateHealthWindow != time.Minute {
			t.Errorf("health limit: expected 60/1m, got %d/%s", cfg.RateHealthMax, cfg.RateHealthWindow)
		}
		if cfg.CSRFEnforce {
			t.Error("CSRFEnforce: expected false by default")
		}
		if cfg.CSRFTTL != 24*time.Hour {
			t.Errorf("CSRFTTL: expected 24h, got %s", cfg.CSRFTTL)
		}
		if cfg.WaitwhileBaseURL != "https://api.waitwhile.com/v2" {
			t.Errorf("WaitwhileBaseURL: got %q", cfg.WaitwhileBaseURL)
		}
		if cfg.WaitwhileTimeout != 10*time.Second {
			t.Errorf("WaitwhileTimeout: expected 10s, got %s", cfg.WaitwhileTimeout)
		}
		if !cfg.MetricsEnabled {
			t.Error("MetricsEnabled: expected true by default")
		}
	})

	t.Run("generates a csrf secret outside production", func(t *testing.T) {
		clearEnv(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !cfg.CSRFSecretGenerated {
			t.Error("CSRFSecretGenerated: expected true")
		}
		if len(cfg.CSRFSecret) < MinCSRFSecretLen {
			t.Errorf("generated secret too short: %d", len(cfg.CSRFSecret))
		}
	})

	t.Run("reads overrides from env", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PORT", "9000")
		t.Setenv("RATE_SUBMIT_MAX", "10")
		t.Setenv("RATE_SUBMIT_WINDOW", "2m")
		t.Setenv("RATELIMIT_FAIL_OPEN", "false")
		t.Setenv("CSRF_ENFORCE", "true")
		t.Setenv("CSRF_SECRET", testSecret)
		t.Setenv("CSP_EXTRA_ORIGINS", "https://a.example, https://b.example,,")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.Port != "9000" {
			t.Errorf("Port: expected 9000, got %q", cfg.Port)
		}
		if cfg.RateSubmitMax != 10 || cfg.RateSubmitWindow != 2*time.Minute {
			t.Errorf("submit limit: expected 10/2m, got %d/%s", cfg.RateSubmitMax, cfg.RateSubmitWindow)
		}
		if cfg.RateLimitFailOpen {
			t.Error("RateLimitFailOpen: expected false")
		}
		if !cfg.CSRFEnforce {
			t.Error("CSRFEnforce: expected true")
		}
		if cfg.CSRFSecret != testSecret || cfg.CSRFSecretGenerated {
			t.Errorf("CSRFSecret: expected configured secret, generated=%v", cfg.CSRFSecretGenerated)
		}
		if len(cfg.CSPExtraOrigins) != 2 || cfg.CSPExtraOrigins[1] != "https://b.example" {
			t.Errorf("CSPExtraOrigins: got %v", cfg.CSPExtraOrigins)
		}
	})

	t.Run("production requires CSRF_SECRET", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENVIRONMENT", "production")

		_, err := LoadConfig()
		if err == nil || !strings.Contains(err.Error(), "CSRF_SECRET") {
			t.Fatalf("expected CSRF_SECRET error, got %v", err)
		}
	})

	t.Run("production accepts a configured secret", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENVIRONMENT", "Production")
		t.Setenv("CSRF_SECRET", testSecret)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !cfg.IsProduction() {
			t.Error("IsProduction: expected true")
		}
	})

	t.Run("reads secrets from _FILE vars", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "csrf")
		if err := os.WriteFile(path, []byte(testSecret+"\n"), 0o600); err != nil {
			t.Fatalf("write secret: %v", err)
		}
		t.Setenv("CSRF_SECRET_FILE", path)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CSRFSecret != testSecret {
			t.Errorf("CSRFSecret: expected file contents, got %q", cfg.CSRFSecret)
		}
	})

	t.Run("errors when _FILE path is unreadable", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("CSRF_SECRET_FILE", filepath.Join(t.TempDir(), "missing"))

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing secret file, got nil")
		}
	})

	t.Run("errors on malformed duration", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("RATE_API_WINDOW", "soon")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for malformed duration, got nil")
		}
	})
}

// --- Validate ---

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:                  "7865",
			Environment:           "development",
			LogLevel:              "info",
			CounterStore:          "memory",
			RateLimitStoreTimeout: 250 * time.Millisecond,
			RateSubmitMax:         5,
			RateSubmitWindow:      5 * time.Minute,
			RateAPIMax:            100,
			RateAPIWindow:         time.Minute,
			RateHealthMax:         60,
			RateHealthWindow:      time.Minute,
		}
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown environment", func(c *Config) { c.Environment = "staging" }, "ENVIRONMENT"},
		{"unknown log level", func(c *Config) { c.LogLevel = "trace" }, "LOG_LEVEL"},
		{"unknown counter store", func(c *Config) { c.CounterStore = "memcached" }, "COUNTER_STORE"},
		{"redis without url", func(c *Config) { c.CounterStore = "redis" }, "REDIS_URL"},
		{"redis with url", func(c *Config) { c.CounterStore = "redis"; c.RedisURL = "redis://localhost:6379" }, ""},
		{"bolt without path", func(c *Config) { c.CounterStore = "bolt" }, "BOLT_PATH"},
		{"zero store timeout", func(c *Config) { c.RateLimitStoreTimeout = 0 }, "RATELIMIT_STORE_TIMEOUT"},
		{"zero submit max", func(c *Config) { c.RateSubmitMax = 0 }, "RATE_SUBMIT_MAX"},
		{"sub-second api window", func(c *Config) { c.RateAPIWindow = 500 * time.Millisecond }, "RATE_API_WINDOW"},
		{"short csrf secret", func(c *Config) { c.CSRFSecret = "short" }, "CSRF_SECRET"},
		{"oidc issuer without client", func(c *Config) { c.OIDCIssuer = "https://id.example" }, "OIDC_CLIENT_ID"},
		{"metabase url alone", func(c *Config) { c.MetabaseSiteURL = "https://mb.example" }, "METABASE_SECRET_KEY"},
		{"metabase bad scheme", func(c *Config) {
			c.MetabaseSiteURL = "mb.example"
			c.MetabaseSecretKey = "k"
			c.MetabaseDashboardID = 1
		}, "METABASE_SITE_URL"},
		{"metabase complete", func(c *Config) {
			c.MetabaseSiteURL = "https://mb.example"
			c.MetabaseSecretKey = "k"
			c.MetabaseDashboardID = 1
		}, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Errorf("expected valid, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("expected error naming %s, got %v", tc.wantErr, err)
			}
		})
	}
}

// --- SlogLevel ---

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range cases {
		c := &Config{LogLevel: in}
		if got := c.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}
