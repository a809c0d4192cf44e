// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// The gateway starts with no external dependencies at all: without backend
// API keys it serves two built-in mock backends, and without REDIS_URL the
// cache and quota counters live in process memory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// APIKeys is the allow-list of gateway API keys (x-api-key header).
	// Default: ["dev-key"].
	APIKeys []string

	// Quota holds the per-key budget limits.
	Quota QuotaConfig

	// Backend upstream adapters. With neither key set the gateway runs two
	// built-in mock backends.
	OpenAI    BackendConfig
	Anthropic BackendConfig

	// Redis holds the connection URL for the shared cache and quota counters.
	// Empty selects the in-process implementations.
	Redis RedisConfig

	// Cache controls response caching.
	Cache CacheConfig

	// Batch controls the micro-batching scheduler.
	Batch BatchConfig

	// Router controls backend selection, breakers and probing.
	Router RouterConfig

	// RequestTimeout bounds the whole pipeline per request. Default: 60s.
	RequestTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ClickHouse optionally receives the async request log.
	ClickHouse ClickHouseConfig
}

// QuotaConfig holds the shared per-key rate policy.
type QuotaConfig struct {
	// RequestsPerMinute per key. Default: 120.
	RequestsPerMinute int64
	// TokensPerMinute per key. Default: 120000.
	TokensPerMinute int64
	// TokensPerDay per key. Default: 2000000.
	TokensPerDay int64
	// FailOpen admits requests when the quota store is unreachable.
	// Default: true.
	FailOpen bool
}

// BackendConfig holds configuration for one upstream adapter.
type BackendConfig struct {
	// APIKey enables the backend when non-empty.
	APIKey string
	// BaseURL overrides the default API endpoint. Useful for local mocks.
	BaseURL string
	// Timeout is the per-call HTTP timeout. Default: 30s.
	Timeout time.Duration
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
	// Prefix namespaces every gateway key. Default: "gateway".
	Prefix string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// TTL for cached responses. Default: 90s.
	TTL time.Duration

	// LocalCapacity bounds the in-process cache. Default: 1024.
	LocalCapacity int

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// BatchConfig controls the micro-batching scheduler.
type BatchConfig struct {
	// Enabled turns micro-batching on. Default: true.
	Enabled bool
	// MaxSize flushes a class at this many pending requests. Default: 8.
	MaxSize int
	// MaxWait flushes a class when the oldest request has waited this long.
	// Default: 10ms.
	MaxWait time.Duration
}

// RouterConfig controls backend selection and circuit breaking.
type RouterConfig struct {
	// FailureThreshold opens a breaker on this many consecutive failures.
	// Default: 3.
	FailureThreshold int
	// Cooldown is how long an open breaker rejects before probing.
	// Default: 30s.
	Cooldown time.Duration
	// Retries is how many transient failures are retried per request.
	// Default: 2.
	Retries int
	// ProbeInterval is the health probe period. Default: 10s.
	ProbeInterval time.Duration
}

// ClickHouseConfig holds the optional request-log sink. Disabled when Addr
// is empty.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("GATEWAY_API_KEYS", "dev-key")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Quota defaults.
	v.SetDefault("GATEWAY_LIMIT_REQUESTS_PER_MINUTE", 120)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_MINUTE", 120_000)
	v.SetDefault("GATEWAY_LIMIT_TOKENS_PER_DAY", 2_000_000)
	v.SetDefault("GATEWAY_QUOTA_FAIL_OPEN", true)

	// Cache defaults.
	v.SetDefault("GATEWAY_CACHE_TTL_SECS", 90)
	v.SetDefault("GATEWAY_CACHE_LOCAL_CAPACITY", 1024)

	// Batcher defaults.
	v.SetDefault("GATEWAY_BATCH_ENABLED", true)
	v.SetDefault("GATEWAY_BATCH_MAX_SIZE", 8)
	v.SetDefault("GATEWAY_BATCH_MAX_WAIT_MS", 10)

	// Router defaults.
	v.SetDefault("GATEWAY_CB_FAILURE_THRESHOLD", 3)
	v.SetDefault("GATEWAY_CB_COOLDOWN_SECS", 30)
	v.SetDefault("GATEWAY_ROUTER_RETRIES", 2)
	v.SetDefault("GATEWAY_HEALTH_PROBE_SECS", 10)

	v.SetDefault("GATEWAY_REQUEST_TIMEOUT_SECS", 60)
	v.SetDefault("GATEWAY_REDIS_PREFIX", "gateway")

	// Backend adapter defaults.
	v.SetDefault("OPENAI_TIMEOUT_SECS", 30)
	v.SetDefault("ANTHROPIC_TIMEOUT_SECS", 30)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		APIKeys: splitCSV(v.GetString("GATEWAY_API_KEYS")),

		Quota: QuotaConfig{
			RequestsPerMinute: v.GetInt64("GATEWAY_LIMIT_REQUESTS_PER_MINUTE"),
			TokensPerMinute:   v.GetInt64("GATEWAY_LIMIT_TOKENS_PER_MINUTE"),
			TokensPerDay:      v.GetInt64("GATEWAY_LIMIT_TOKENS_PER_DAY"),
			FailOpen:          v.GetBool("GATEWAY_QUOTA_FAIL_OPEN"),
		},

		OpenAI: BackendConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Timeout: time.Duration(v.GetInt("OPENAI_TIMEOUT_SECS")) * time.Second,
		},
		Anthropic: BackendConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Timeout: time.Duration(v.GetInt("ANTHROPIC_TIMEOUT_SECS")) * time.Second,
		},

		Redis: RedisConfig{
			URL:    v.GetString("REDIS_URL"),
			Prefix: v.GetString("GATEWAY_REDIS_PREFIX"),
		},

		Cache: CacheConfig{
			TTL:             time.Duration(v.GetInt("GATEWAY_CACHE_TTL_SECS")) * time.Second,
			LocalCapacity:   v.GetInt("GATEWAY_CACHE_LOCAL_CAPACITY"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		Batch: BatchConfig{
			Enabled: v.GetBool("GATEWAY_BATCH_ENABLED"),
			MaxSize: v.GetInt("GATEWAY_BATCH_MAX_SIZE"),
			MaxWait: time.Duration(v.GetInt("GATEWAY_BATCH_MAX_WAIT_MS")) * time.Millisecond,
		},

		Router: RouterConfig{
			FailureThreshold: v.GetInt("GATEWAY_CB_FAILURE_THRESHOLD"),
			Cooldown:         time.Duration(v.GetInt("GATEWAY_CB_COOLDOWN_SECS")) * time.Second,
			Retries:          v.GetInt("GATEWAY_ROUTER_RETRIES"),
			ProbeInterval:    time.Duration(v.GetInt("GATEWAY_HEALTH_PROBE_SECS")) * time.Second,
		},

		RequestTimeout: time.Duration(v.GetInt("GATEWAY_REQUEST_TIMEOUT_SECS")) * time.Second,

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		ClickHouse: ClickHouseConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in [1, 65535], got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Quota.RequestsPerMinute < 1 {
		return fmt.Errorf("config: GATEWAY_LIMIT_REQUESTS_PER_MINUTE must be ≥ 1, got %d", c.Quota.RequestsPerMinute)
	}
	if c.Quota.TokensPerMinute < 1 || c.Quota.TokensPerDay < 1 {
		return fmt.Errorf("config: token limits must be ≥ 1")
	}

	if c.Batch.MaxSize < 1 {
		return fmt.Errorf("config: GATEWAY_BATCH_MAX_SIZE must be ≥ 1, got %d", c.Batch.MaxSize)
	}
	if c.Batch.MaxWait <= 0 {
		return fmt.Errorf("config: GATEWAY_BATCH_MAX_WAIT_MS must be positive")
	}

	if c.Router.FailureThreshold < 1 {
		return fmt.Errorf("config: GATEWAY_CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.Router.FailureThreshold)
	}
	if c.Router.Retries < 0 {
		return fmt.Errorf("config: GATEWAY_ROUTER_RETRIES must be ≥ 0, got %d", c.Router.Retries)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: GATEWAY_REQUEST_TIMEOUT_SECS must be positive")
	}

	return nil
}

// splitCSV splits a comma-separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
