// Package config loads the proxy configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/Sternrassler/coin-market-proxy/pkg/cache"
	"github.com/Sternrassler/coin-market-proxy/pkg/client"
	"github.com/Sternrassler/coin-market-proxy/pkg/coins"
	"github.com/Sternrassler/coin-market-proxy/pkg/logging"
)

// Config is the complete proxy configuration.
type Config struct {
	Port string

	// Upstream
	APIURL          string
	APIKey          string
	UserAgent       string
	UpstreamTimeout time.Duration

	// Retry on 429; MaxAttempts 0 retries forever
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration

	// Cache
	CacheTTL           time.Duration
	CacheSweepInterval time.Duration
	RedisURL           string
	CollapseMisses     bool

	// Logging
	LogLevel  logging.LogLevel
	LogPretty bool
}

// Load reads .env (if any) and then the environment.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	return FromEnv()
}

// FromEnv builds the configuration from environment variables only.
// Every malformed value is reported, not just the first.
func FromEnv() (*Config, error) {
	var errs []error

	cfg := &Config{
		Port:      getEnv("PORT", "8080"),
		APIURL:    getEnv("COINGECKO_API_URL", client.DefaultBaseURL),
		APIKey:    os.Getenv("COINGECKO_API_KEY"),
		UserAgent: getEnv("USER_AGENT", client.DefaultConfig().UserAgent),
		RedisURL:  os.Getenv("REDIS_URL"),
	}

	cfg.UpstreamTimeout = getDuration("UPSTREAM_TIMEOUT", 10*time.Second, &errs)
	cfg.RetryMaxAttempts = getInt("RETRY_MAX_ATTEMPTS", client.DefaultRetryPolicy().MaxAttempts, &errs)
	cfg.RetryInitialBackoff = getDuration("RETRY_INITIAL_BACKOFF", client.DefaultRetryPolicy().InitialBackoff, &errs)
	cfg.RetryMaxBackoff = getDuration("RETRY_MAX_BACKOFF", client.DefaultRetryPolicy().MaxBackoff, &errs)
	cfg.CacheTTL = time.Duration(getInt("CACHE_TTL", int(cache.DefaultTTL/time.Second), &errs)) * time.Second
	cfg.CacheSweepInterval = getDuration("CACHE_SWEEP_INTERVAL", cache.DefaultMemoryConfig().SweepInterval, &errs)
	cfg.CollapseMisses = getBool("COLLAPSE_MISSES", true, &errs)
	cfg.LogPretty = getBool("LOG_PRETTY", false, &errs)

	level, err := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	cfg.LogLevel = level

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("PORT must be numeric (got %q)", c.Port))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT must be > 0 (got %s)", c.UpstreamTimeout))
	}
	if c.RetryMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 0 (got %d)", c.RetryMaxAttempts))
	}
	if c.RetryInitialBackoff < 0 {
		errs = append(errs, fmt.Errorf("RETRY_INITIAL_BACKOFF must be >= 0 (got %s)", c.RetryInitialBackoff))
	}
	if c.RetryMaxBackoff < 0 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_BACKOFF must be >= 0 (got %s)", c.RetryMaxBackoff))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be > 0 (got %s)", c.CacheTTL))
	}
	if c.CacheSweepInterval < 0 {
		errs = append(errs, fmt.Errorf("CACHE_SWEEP_INTERVAL must be >= 0 (got %s)", c.CacheSweepInterval))
	}

	return errors.Join(errs...)
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// RetryPolicy returns the upstream retry policy.
// RETRY_MAX_ATTEMPTS=0 selects unbounded immediate retries.
func (c *Config) RetryPolicy() client.RetryPolicy {
	if c.RetryMaxAttempts == 0 {
		return client.UnboundedRetryPolicy()
	}

	p := client.DefaultRetryPolicy()
	p.MaxAttempts = c.RetryMaxAttempts
	p.InitialBackoff = c.RetryInitialBackoff
	p.MaxBackoff = c.RetryMaxBackoff
	return p
}

// Client returns the upstream client configuration.
func (c *Config) Client() client.Config {
	return client.Config{
		BaseURL:   c.APIURL,
		APIKey:    c.APIKey,
		UserAgent: c.UserAgent,
		Timeout:   c.UpstreamTimeout,
		Retry:     c.RetryPolicy(),
	}
}

// Memory returns the in-process cache configuration.
func (c *Config) Memory() cache.MemoryConfig {
	return cache.MemoryConfig{
		DefaultTTL:    c.CacheTTL,
		SweepInterval: c.CacheSweepInterval,
	}
}

// Service returns the fetch service configuration.
func (c *Config) Service() coins.Config {
	cfg := coins.DefaultConfig()
	cfg.TTL = c.CacheTTL
	cfg.CollapseMisses = c.CollapseMisses
	return cfg
}

// Logging returns the logger configuration.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = c.LogLevel
	cfg.Pretty = c.LogPretty
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}
