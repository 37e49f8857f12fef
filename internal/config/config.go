// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// MinCSRFSecretLen matches the CSRF guard's minimum key length.
const MinCSRFSecretLen = 32

// Config holds all env configuration for the service. Each field's env var is
// its koanf key upper-cased (PORT, COUNTER_STORE, ...).
type Config struct {
	Port        string `koanf:"port"`
	Environment string `koanf:"environment"`

	LogLevel     string `koanf:"log_level"`
	LogFile      string `koanf:"log_file"`
	LogMaxSizeMB int    `koanf:"log_max_size_mb"`

	// CounterStore selects the rate-limit backend: memory, redis or bolt.
	CounterStore string `koanf:"counter_store"`
	RedisURL     string `koanf:"redis_url"`
	BoltPath     string `koanf:"bolt_path"`

	// DatabaseURL is optional; without it the analytics endpoint is disabled.
	DatabaseURL string `koanf:"database_url"`

	// Failure policy for the counter store. Default fail open, 250ms timeout.
	RateLimitFailOpen     bool          `koanf:"ratelimit_fail_open"`
	RateLimitStoreTimeout time.Duration `koanf:"ratelimit_store_timeout"`

	// Per-class limits. Defaults: submit 5/5m, api 100/1m, health 60/1m.
	RateSubmitMax    int           `koanf:"rate_submit_max"`
	RateSubmitWindow time.Duration `koanf:"rate_submit_window"`
	RateAPIMax       int           `koanf:"rate_api_max"`
	RateAPIWindow    time.Duration `koanf:"rate_api_window"`
	RateHealthMax    int           `koanf:"rate_health_max"`
	RateHealthWindow time.Duration `koanf:"rate_health_window"`

	// CSRFEnforce rejects submit requests with a bad token pair. Off by
	// default: failures are logged and counted but let through.
	CSRFSecret  string        `koanf:"csrf_secret"`
	CSRFEnforce bool          `koanf:"csrf_enforce"`
	CSRFTTL     time.Duration `koanf:"csrf_ttl"`

	HealthSecret string `koanf:"health_secret"`

	WaitwhileAPIKey  string        `koanf:"waitwhile_api_key"`
	WaitwhileBaseURL string        `koanf:"waitwhile_base_url"`
	WaitwhileTimeout time.Duration `koanf:"waitwhile_timeout"`

	// Bearer verification: OIDC when OIDCIssuer is set, else the HTTP user endpoint.
	IdentityURL    string `koanf:"identity_url"`
	IdentityAPIKey string `koanf:"identity_api_key"`
	OIDCIssuer     string `koanf:"oidc_issuer"`
	OIDCClientID   string `koanf:"oidc_client_id"`

	MetabaseSiteURL     string        `koanf:"metabase_site_url"`
	MetabaseSecretKey   string        `koanf:"metabase_secret_key"`
	MetabaseDashboardID int           `koanf:"metabase_dashboard_id"`
	MetabaseEmbedTTL    time.Duration `koanf:"metabase_embed_ttl"`

	// TurnstileSecret enables the bot check on intake submit.
	TurnstileSecret string `koanf:"turnstile_secret"`

	MetricsEnabled  bool     `koanf:"metrics_enabled"`
	CSPExtraOrigins []string `koanf:"-"`

	// CSRFSecretGenerated is set when no secret was configured outside
	// production and a random one was generated for this process.
	CSRFSecretGenerated bool `koanf:"-"`
}

// defaults sets the values used when an env var is unset or empty.
func defaults() map[string]any {
	return map[string]any{
		"port":                    "7865",
		"environment":             "development",
		"log_level":               "info",
		"log_max_size_mb":         50,
		"counter_store":           "memory",
		"bolt_path":               "data/counters.db",
		"ratelimit_fail_open":     true,
		"ratelimit_store_timeout": "250ms",
		"rate_submit_max":         5,
		"rate_submit_window":      "5m",
		"rate_api_max":            100,
		"rate_api_window":         "1m",
		"rate_health_max":         60,
		"rate_health_window":      "1m",
		"csrf_enforce":            false,
		"csrf_ttl":                "24h",
		"waitwhile_base_url":      "https://api.waitwhile.com/v2",
		"waitwhile_timeout":       "10s",
		"metabase_embed_ttl":      "10m",
		"metrics_enabled":         true,
	}
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a mounted secret.
var fileSecretKeys = []string{
	"csrf_secret",
	"health_secret",
	"waitwhile_api_key",
	"identity_api_key",
	"metabase_secret_key",
	"turnstile_secret",
	"database_url",
}

// LoadConfig reads environment variables over defaults and returns a
// validated Config.
func LoadConfig() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	// "." as delimiter keeps underscored names flat. Empty values are
	// skipped so PORT= falls back to the default rather than "".
	if err := k.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return strings.ToLower(key), value
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CSPExtraOrigins = splitCSV(k.String("csp_extra_origins"))
	cfg.Environment = strings.ToLower(cfg.Environment)
	cfg.CounterStore = strings.ToLower(cfg.CounterStore)
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.CSRFSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return nil, err
		}
		cfg.CSRFSecret = secret
		cfg.CSRFSecretGenerated = true
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.Environment != "development" && c.Environment != "production" {
		return fmt.Errorf("ENVIRONMENT must be development or production; got %q", c.Environment)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("LOG_LEVEL must be one of debug,info,warn,error; got %q", c.LogLevel)
	}

	switch c.CounterStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when COUNTER_STORE=redis")
		}
	case "bolt":
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when COUNTER_STORE=bolt")
		}
	default:
		return fmt.Errorf("COUNTER_STORE must be memory, redis or bolt; got %q", c.CounterStore)
	}

	if c.RateLimitStoreTimeout <= 0 {
		return fmt.Errorf("RATELIMIT_STORE_TIMEOUT must be > 0; got %s", c.RateLimitStoreTimeout)
	}
	for _, l := range []struct {
		name   string
		max    int
		window time.Duration
	}{
		{"RATE_SUBMIT", c.RateSubmitMax, c.RateSubmitWindow},
		{"RATE_API", c.RateAPIMax, c.RateAPIWindow},
		{"RATE_HEALTH", c.RateHealthMax, c.RateHealthWindow},
	} {
		if l.max < 1 {
			return fmt.Errorf("%s_MAX must be >= 1; got %d", l.name, l.max)
		}
		if l.window < time.Second {
			return fmt.Errorf("%s_WINDOW must be >= 1s; got %s", l.name, l.window)
		}
	}

	if c.CSRFSecret != "" && len(c.CSRFSecret) < MinCSRFSecretLen {
		return fmt.Errorf("CSRF_SECRET must be at least %d bytes", MinCSRFSecretLen)
	}
	if c.IsProduction() && c.CSRFSecret == "" {
		return fmt.Errorf("CSRF_SECRET is required in production")
	}

	if c.OIDCIssuer != "" && c.OIDCClientID == "" {
		return fmt.Errorf("OIDC_CLIENT_ID is required when OIDC_ISSUER is set")
	}

	if c.MetabaseSiteURL != "" {
		if c.MetabaseSecretKey == "" || c.MetabaseDashboardID < 1 {
			return fmt.Errorf("METABASE_SECRET_KEY and METABASE_DASHBOARD_ID are required when METABASE_SITE_URL is set")
		}
		if !strings.HasPrefix(c.MetabaseSiteURL, "https://") && !strings.HasPrefix(c.MetabaseSiteURL, "http://") {
			return fmt.Errorf("METABASE_SITE_URL must start with http:// or https://; got %q", c.MetabaseSiteURL)
		}
	}
	return nil
}

// IsProduction reports whether ENVIRONMENT=production.
func (c *Config) IsProduction() bool { return c.Environment == "production" }

// SlogLevel maps LogLevel to slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// injectFileSecrets reads <KEY>_FILE paths and sets the key to the file's
// trimmed contents.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		path := k.String(key + "_file")
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, path, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func randomSecret() (string, error) {
	var b [MinCSRFSecretLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating csrf secret: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
