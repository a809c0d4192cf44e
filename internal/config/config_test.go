package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if len(cfg.APIKeys) != 1 || cfg.APIKeys[0] != "dev-key" {
		t.Errorf("api keys = %v, want [dev-key]", cfg.APIKeys)
	}
	if cfg.Quota.RequestsPerMinute != 120 {
		t.Errorf("requests/min = %d, want 120", cfg.Quota.RequestsPerMinute)
	}
	if !cfg.Quota.FailOpen {
		t.Error("quota fail-open should default to true")
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("cache ttl = %v, want 90s", cfg.Cache.TTL)
	}
	if !cfg.Batch.Enabled || cfg.Batch.MaxSize != 8 || cfg.Batch.MaxWait != 10*time.Millisecond {
		t.Errorf("batch config = %+v", cfg.Batch)
	}
	if cfg.Router.FailureThreshold != 3 || cfg.Router.Cooldown != 30*time.Second {
		t.Errorf("router config = %+v", cfg.Router)
	}
	if cfg.RequestTimeout != 60*time.Second {
		t.Errorf("request timeout = %v, want 60s", cfg.RequestTimeout)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("GATEWAY_API_KEYS", "k1, k2 ,,k3")
	t.Setenv("GATEWAY_BATCH_ENABLED", "false")
	t.Setenv("GATEWAY_CACHE_TTL_SECS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9999 {
		t.Errorf("port = %d, want 9999", cfg.Port)
	}
	if strings.Join(cfg.APIKeys, "|") != "k1|k2|k3" {
		t.Errorf("api keys = %v, want [k1 k2 k3]", cfg.APIKeys)
	}
	if cfg.Batch.Enabled {
		t.Error("batching should be disabled")
	}
	if cfg.Cache.TTL != 5*time.Second {
		t.Errorf("cache ttl = %v, want 5s", cfg.Cache.TTL)
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid LOG_LEVEL")
	}
}

func TestLoad_InvalidBatchSize(t *testing.T) {
	t.Setenv("GATEWAY_BATCH_MAX_SIZE", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	t.Setenv("PORT", "70000")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}
