package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Server.Addr != "127.0.0.1:8090" {
		t.Errorf("Expected default address to be 127.0.0.1:8090, got %s", config.Server.Addr)
	}

	if config.Cache.TTL != time.Hour {
		t.Errorf("Expected default cache TTL to be 1h, got %v", config.Cache.TTL)
	}

	if config.Cache.Capacity != 1000 {
		t.Errorf("Expected default cache capacity to be 1000, got %d", config.Cache.Capacity)
	}

	if config.RateLimit.Requests != 10 || config.RateLimit.Window != time.Minute {
		t.Errorf("Expected default rate limit to be 10/1m, got %d/%v", config.RateLimit.Requests, config.RateLimit.Window)
	}

	if config.Upstream.Timeout != 30*time.Second {
		t.Errorf("Expected default upstream timeout to be 30s, got %v", config.Upstream.Timeout)
	}

	if config.Upstream.MaxAttempts != 3 {
		t.Errorf("Expected default upstream attempts to be 3, got %d", config.Upstream.MaxAttempts)
	}

	if err := config.Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("IGPROXY_ADDR", ":9000")
	t.Setenv("IGPROXY_CACHE_TTL", "30m")
	t.Setenv("IGPROXY_CACHE_CAPACITY", "50")
	t.Setenv("IGPROXY_RATE_LIMIT_REQUESTS", "5")
	t.Setenv("IGPROXY_RATE_LIMIT_WINDOW", "10s")
	t.Setenv("IGPROXY_UPSTREAM_REQUESTS_PER_MINUTE", "120")
	t.Setenv("IGPROXY_IMAGE_PROXY_ALLOWED_HOSTS", "cdninstagram.com, fbcdn.net ,")
	t.Setenv("IGPROXY_TRUST_PROXY_HEADERS", "true")
	t.Setenv("IGPROXY_LOG_LEVEL", "debug")

	config := DefaultConfig()
	if err := config.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load from environment: %v", err)
	}

	if config.Server.Addr != ":9000" {
		t.Errorf("Expected addr to be :9000, got %s", config.Server.Addr)
	}
	if config.Cache.TTL != 30*time.Minute {
		t.Errorf("Expected cache TTL to be 30m, got %v", config.Cache.TTL)
	}
	if config.Cache.Capacity != 50 {
		t.Errorf("Expected cache capacity to be 50, got %d", config.Cache.Capacity)
	}
	if config.RateLimit.Requests != 5 || config.RateLimit.Window != 10*time.Second {
		t.Errorf("Expected rate limit 5/10s, got %d/%v", config.RateLimit.Requests, config.RateLimit.Window)
	}
	if config.Upstream.RequestsPerMinute != 120 {
		t.Errorf("Expected upstream requests per minute to be 120, got %d", config.Upstream.RequestsPerMinute)
	}
	if len(config.ImageProxy.AllowedHosts) != 2 || config.ImageProxy.AllowedHosts[1] != "fbcdn.net" {
		t.Errorf("Unexpected allowed hosts: %v", config.ImageProxy.AllowedHosts)
	}
	if !config.Server.TrustProxyHeaders {
		t.Error("Expected proxy headers to be trusted")
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected log level to be debug, got %s", config.Logging.Level)
	}
}

func TestLoadFromEnvInvalidValues(t *testing.T) {
	t.Setenv("IGPROXY_CACHE_CAPACITY", "lots")
	t.Setenv("IGPROXY_CACHE_TTL", "forever")

	config := DefaultConfig()
	err := config.LoadFromEnv()
	if err == nil {
		t.Fatal("Expected error for invalid environment values")
	}
	if !strings.Contains(err.Error(), "IGPROXY_CACHE_CAPACITY") || !strings.Contains(err.Error(), "IGPROXY_CACHE_TTL") {
		t.Errorf("Expected both variables to be reported, got %v", err)
	}
	if config.Cache.Capacity != 1000 {
		t.Errorf("Expected capacity to keep its default, got %d", config.Cache.Capacity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantError bool
	}{
		{
			name:      "valid config",
			mutate:    func(c *Config) {},
			wantError: false,
		},
		{
			name:      "zero cache capacity",
			mutate:    func(c *Config) { c.Cache.Capacity = 0 },
			wantError: true,
		},
		{
			name:      "negative TTL",
			mutate:    func(c *Config) { c.Cache.TTL = -time.Second },
			wantError: true,
		},
		{
			name:      "zero rate limit",
			mutate:    func(c *Config) { c.RateLimit.Requests = 0 },
			wantError: true,
		},
		{
			name:      "no upstream attempts",
			mutate:    func(c *Config) { c.Upstream.MaxAttempts = 0 },
			wantError: true,
		},
		{
			name:      "negative outbound budget",
			mutate:    func(c *Config) { c.Upstream.RequestsPerMinute = -1 },
			wantError: true,
		},
		{
			name:      "invalid log level",
			mutate:    func(c *Config) { c.Logging.Level = "invalid" },
			wantError: true,
		},
		{
			name:      "empty address",
			mutate:    func(c *Config) { c.Server.Addr = "" },
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if (err != nil) != tt.wantError {
				t.Errorf("Validate() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  addr: "0.0.0.0:8080"
  trust_proxy_headers: true
cache:
  ttl: 2h
  capacity: 250
rate_limit:
  requests: 20
  window: 30s
upstream:
  account: "gateway_bot"
image_proxy:
  allowed_hosts:
    - cdninstagram.com
logging:
  level: "warn"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	config := DefaultConfig()
	if err := config.LoadFromFile(configPath); err != nil {
		t.Fatalf("Failed to load config file: %v", err)
	}

	if config.Server.Addr != "0.0.0.0:8080" {
		t.Errorf("Expected addr from file, got %s", config.Server.Addr)
	}
	if config.Cache.TTL != 2*time.Hour || config.Cache.Capacity != 250 {
		t.Errorf("Unexpected cache config: %+v", config.Cache)
	}
	if config.RateLimit.Requests != 20 || config.RateLimit.Window != 30*time.Second {
		t.Errorf("Unexpected rate limit config: %+v", config.RateLimit)
	}
	if config.Upstream.Account != "gateway_bot" {
		t.Errorf("Expected account from file, got %s", config.Upstream.Account)
	}
	// Values absent from the file keep their defaults
	if config.Upstream.Timeout != 30*time.Second {
		t.Errorf("Expected default upstream timeout, got %v", config.Upstream.Timeout)
	}
	if config.Logging.Level != "warn" {
		t.Errorf("Expected log level warn, got %s", config.Logging.Level)
	}
}

func TestLoadPrecedence(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("server:\n  addr: \"file:1\"\nlogging:\n  level: warn\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	t.Setenv("IGPROXY_ADDR", "env:2")

	config, err := Load(configPath, map[string]interface{}{"log-level": "debug"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if config.Server.Addr != "env:2" {
		t.Errorf("Expected environment to override file, got %s", config.Server.Addr)
	}
	if config.Logging.Level != "debug" {
		t.Errorf("Expected flag to override file, got %s", config.Logging.Level)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	original := DefaultConfig()
	original.Cache.Capacity = 42
	if err := original.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded := DefaultConfig()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}
	if loaded.Cache.Capacity != 42 {
		t.Errorf("Expected capacity 42 after round trip, got %d", loaded.Cache.Capacity)
	}
}
