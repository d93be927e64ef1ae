// Package config loads the emr-proxy configuration from the environment and
// an optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/Sternrassler/emr-records-client/pkg/cache"
	"github.com/Sternrassler/emr-records-client/pkg/logging"
	"github.com/spf13/viper"
)

type Config struct {
	APIURL             string        `mapstructure:"EMR_API_URL"`
	Port               string        `mapstructure:"PORT"`
	UserAgent          string        `mapstructure:"USER_AGENT"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	LogPretty          bool          `mapstructure:"LOG_PRETTY"`
	CacheStaleAfter    time.Duration `mapstructure:"CACHE_STALE_AFTER"`
	CacheEvictAfter    time.Duration `mapstructure:"CACHE_EVICT_AFTER"`
	CachePolicies      string        `mapstructure:"CACHE_POLICIES"`
	CacheSweepInterval time.Duration `mapstructure:"CACHE_SWEEP_INTERVAL"`
	PageConcurrency    int           `mapstructure:"PAGE_CONCURRENCY"`
	RetryEnabled       bool          `mapstructure:"RETRY_ENABLED"`
}

var keys = []string{
	"EMR_API_URL",
	"PORT",
	"USER_AGENT",
	"REQUEST_TIMEOUT",
	"REDIS_URL",
	"LOG_LEVEL",
	"LOG_PRETTY",
	"CACHE_STALE_AFTER",
	"CACHE_EVICT_AFTER",
	"CACHE_POLICIES",
	"CACHE_SWEEP_INTERVAL",
	"PAGE_CONCURRENCY",
	"RETRY_ENABLED",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("USER_AGENT", "emr-records-client/0.1.0")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("CACHE_STALE_AFTER", cache.DefaultStaleAfter.String())
	v.SetDefault("CACHE_EVICT_AFTER", cache.DefaultEvictAfter.String())
	v.SetDefault("CACHE_SWEEP_INTERVAL", "1m")
	v.SetDefault("PAGE_CONCURRENCY", 4)
	v.SetDefault("RETRY_ENABLED", true)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range keys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("EMR_API_URL is required")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be >= 0, got %s", c.RequestTimeout)
	}
	if c.PageConcurrency < 1 {
		return fmt.Errorf("PAGE_CONCURRENCY must be at least 1, got %d", c.PageConcurrency)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if _, err := c.Policies(); err != nil {
		return err
	}
	return nil
}

// Policies returns the cache policies: CACHE_STALE_AFTER/CACHE_EVICT_AFTER
// as the default, overridden per resource by CACHE_POLICIES.
//
// CACHE_POLICIES is a comma separated list of resource=stale/evict, e.g.
//
//	tags=30m/1h,patients=1m/5m
func (c *Config) Policies() (cache.Policies, error) {
	policies := cache.Policies{
		Default: cache.Policy{StaleAfter: c.CacheStaleAfter, EvictAfter: c.CacheEvictAfter},
	}

	for _, item := range strings.Split(c.CachePolicies, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		resource, windows, ok := strings.Cut(item, "=")
		if !ok || strings.TrimSpace(resource) == "" {
			return cache.Policies{}, fmt.Errorf("CACHE_POLICIES: %q is not resource=stale/evict", item)
		}
		staleStr, evictStr, ok := strings.Cut(windows, "/")
		if !ok {
			return cache.Policies{}, fmt.Errorf("CACHE_POLICIES: %q is not resource=stale/evict", item)
		}

		stale, err := time.ParseDuration(strings.TrimSpace(staleStr))
		if err != nil {
			return cache.Policies{}, fmt.Errorf("CACHE_POLICIES %s: stale window: %w", resource, err)
		}
		evict, err := time.ParseDuration(strings.TrimSpace(evictStr))
		if err != nil {
			return cache.Policies{}, fmt.Errorf("CACHE_POLICIES %s: evict window: %w", resource, err)
		}

		if policies.Resource == nil {
			policies.Resource = make(map[string]cache.Policy)
		}
		policies.Resource[strings.TrimSpace(resource)] = cache.Policy{StaleAfter: stale, EvictAfter: evict}
	}

	if err := policies.Validate(); err != nil {
		return cache.Policies{}, fmt.Errorf("cache policies: %w", err)
	}
	return policies, nil
}

// HasRedis reports whether a Redis second tier is configured.
func (c *Config) HasRedis() bool {
	return c.RedisURL != ""
}
