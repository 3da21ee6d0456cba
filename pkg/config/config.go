package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment variable the gateway reads
const envPrefix = "IGPROXY_"

// Config holds all configuration options for the profile gateway
type Config struct {
	// HTTP listener settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Profile cache sizing
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// Per-client rate limiting on the profile endpoint
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`

	// Instagram client policy
	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`

	// Image proxy hardening
	ImageProxy ImageProxyConfig `yaml:"image_proxy" json:"image_proxy"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr              string        `yaml:"addr" json:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	TrustProxyHeaders bool          `yaml:"trust_proxy_headers" json:"trust_proxy_headers"`
	EnableMetrics     bool          `yaml:"enable_metrics" json:"enable_metrics"`
}

// CacheConfig holds profile cache configuration
type CacheConfig struct {
	TTL           time.Duration `yaml:"ttl" json:"ttl"`
	Capacity      int           `yaml:"capacity" json:"capacity"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Requests   int           `yaml:"requests" json:"requests"`
	Window     time.Duration `yaml:"window" json:"window"`
	MaxClients int           `yaml:"max_clients" json:"max_clients"`
}

// UpstreamConfig holds Instagram client configuration
type UpstreamConfig struct {
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	Account           string        `yaml:"account" json:"account"`
	UseStoredSession  bool          `yaml:"use_stored_session" json:"use_stored_session"`
}

// ImageProxyConfig holds image proxy configuration
type ImageProxyConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	AllowedHosts []string      `yaml:"allowed_hosts" json:"allowed_hosts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              "127.0.0.1:8090",
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			TrustProxyHeaders: false,
			EnableMetrics:     true,
		},
		Cache: CacheConfig{
			TTL:           time.Hour,
			Capacity:      1000,
			SweepInterval: time.Minute,
		},
		RateLimit: RateLimitConfig{
			Requests:   10,
			Window:     time.Minute,
			MaxClients: 10000,
		},
		Upstream: UpstreamConfig{
			Timeout:           30 * time.Second,
			MaxAttempts:       3,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36",
			RequestsPerMinute: 0, // 0 means no outbound cap
			UseStoredSession:  true,
		},
		ImageProxy: ImageProxyConfig{
			Timeout: 15 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// LoadFromEnv loads configuration from environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	if addr := getenv("ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if v := getenv("TRUST_PROXY_HEADERS"); v != "" {
		c.Server.TrustProxyHeaders = strings.ToLower(v) == "true"
	}
	if v := getenv("ENABLE_METRICS"); v != "" {
		c.Server.EnableMetrics = strings.ToLower(v) == "true"
	}

	errs = append(errs,
		envDuration("CACHE_TTL", &c.Cache.TTL),
		envInt("CACHE_CAPACITY", &c.Cache.Capacity),
		envInt("RATE_LIMIT_REQUESTS", &c.RateLimit.Requests),
		envDuration("RATE_LIMIT_WINDOW", &c.RateLimit.Window),
		envDuration("UPSTREAM_TIMEOUT", &c.Upstream.Timeout),
		envInt("UPSTREAM_MAX_ATTEMPTS", &c.Upstream.MaxAttempts),
		envInt("UPSTREAM_REQUESTS_PER_MINUTE", &c.Upstream.RequestsPerMinute),
		envDuration("IMAGE_PROXY_TIMEOUT", &c.ImageProxy.Timeout),
	)

	if userAgent := getenv("USER_AGENT"); userAgent != "" {
		c.Upstream.UserAgent = userAgent
	}
	if account := getenv("ACCOUNT"); account != "" {
		c.Upstream.Account = account
	}
	if hosts := getenv("IMAGE_PROXY_ALLOWED_HOSTS"); hosts != "" {
		c.ImageProxy.AllowedHosts = splitList(hosts)
	}

	if logLevel := getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFile := getenv("LOG_FILE"); logFile != "" {
		c.Logging.File = logFile
	}

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	// If path is empty, try default locations
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home := os.Getenv("HOME")
	locations := []string{
		".igproxy.yaml",
		".igproxy.yml",
		filepath.Join(home, ".config", "igproxy", "config.yaml"),
		filepath.Join(home, ".config", "igproxy", "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server address is required"))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("cache TTL must be positive"))
	}
	if c.Cache.Capacity <= 0 {
		errs = append(errs, errors.New("cache capacity must be positive"))
	}

	if c.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("rate limit requests must be positive"))
	}
	if c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("rate limit window must be positive"))
	}
	if c.RateLimit.MaxClients <= 0 {
		errs = append(errs, errors.New("rate limit max clients must be positive"))
	}

	if c.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream timeout must be positive"))
	}
	if c.Upstream.MaxAttempts <= 0 {
		errs = append(errs, errors.New("upstream max attempts must be positive"))
	}
	if c.Upstream.RequestsPerMinute < 0 {
		errs = append(errs, errors.New("upstream requests per minute cannot be negative"))
	}

	if c.ImageProxy.Timeout <= 0 {
		errs = append(errs, errors.New("image proxy timeout must be positive"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if addr, ok := flags["addr"].(string); ok && addr != "" {
		c.Server.Addr = addr
	}
	if logLevel, ok := flags["log-level"].(string); ok && logLevel != "" {
		c.Logging.Level = logLevel
	}
	if account, ok := flags["account"].(string); ok && account != "" {
		c.Upstream.Account = account
	}
	if trust, ok := flags["trust-proxy-headers"].(bool); ok {
		c.Server.TrustProxyHeaders = trust
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	// Try to load .env files (don't fail if they don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(filepath.Join(os.Getenv("HOME"), ".igproxy.env"))

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

func getenv(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

func envInt(name string, target *int) error {
	raw := getenv(name)
	if raw == "" {
		return nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*target = val
	return nil
}

func envDuration(name string, target *time.Duration) error {
	raw := getenv(name)
	if raw == "" {
		return nil
	}
	val, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*target = val
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
