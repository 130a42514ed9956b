// Package config defines the typed configuration consumed by the limiter
// factory. Configuration is loaded from YAML (and optionally overridden from
// the environment) by the api package; this package only validates it.
package config

import (
	"fmt"
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// AlgorithmType selects one of the six rate limiting algorithms.
type AlgorithmType string

const (
	TokenBucket      AlgorithmType = "token_bucket"
	LeakyBucket      AlgorithmType = "leaky_bucket"
	FixedWindow      AlgorithmType = "fixed_window"
	SlidingWindow    AlgorithmType = "sliding_window"
	SlidingWindowLog AlgorithmType = "sliding_window_log"
	GCRA             AlgorithmType = "gcra"
)

// BackendType selects the storage backend.
type BackendType string

const (
	InMemory    BackendType = "in_memory"
	Redis       BackendType = "redis"
	Memcache    BackendType = "memcache"
	MultiRegion BackendType = "multi_region"
)

// DefaultMaxRetries bounds the compare-and-set retry loop when the config
// leaves it unset.
const DefaultMaxRetries = 3

// LimiterConfig holds the configuration for a single rate limiter instance.
type LimiterConfig struct {
	// Key names the limiter; it also prefixes every storage key.
	Key       string        `yaml:"key"`
	Algorithm AlgorithmType `yaml:"algorithm"`
	Backend   BackendType   `yaml:"backend"`

	Limit  int64         `yaml:"limit"`
	Window time.Duration `yaml:"window"`

	// FailOpen allows requests when the backend is unreachable or conflict
	// retries are exhausted. Deny-by-default (fail-closed) unless set.
	FailOpen bool `yaml:"fail_open"`
	// MaxRetries bounds the compare-and-set retry loop; 0 means the default.
	MaxRetries int `yaml:"max_retries"`
	// CheckTimeout bounds one Check call end to end; 0 disables it.
	CheckTimeout time.Duration `yaml:"check_timeout"`

	RedisParams    *RedisBackendConfig    `yaml:"redis_params,omitempty"`
	MemcacheParams *MemcacheBackendConfig `yaml:"memcache_params,omitempty"`
	Regions        []RegionConfig         `yaml:"regions,omitempty"`
}

// RedisBackendConfig holds parameters for the Redis backend.
type RedisBackendConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
}

// MemcacheBackendConfig holds parameters for the Memcache backend.
type MemcacheBackendConfig struct {
	Addresses []string `yaml:"addresses"`
}

// RegionConfig names one region of a multi-region backend. Each region is a
// full single-store backend of its own.
type RegionConfig struct {
	Name           string                 `yaml:"name"`
	Backend        BackendType            `yaml:"backend"`
	RedisParams    *RedisBackendConfig    `yaml:"redis_params,omitempty"`
	MemcacheParams *MemcacheBackendConfig `yaml:"memcache_params,omitempty"`
}

// Quota converts the configured limit and window.
func (c *LimiterConfig) Quota() types.Quota {
	return types.Quota{Limit: c.Limit, Window: c.Window}
}

// Validate fails fast on configuration the core would otherwise trip over at
// call time.
func (c *LimiterConfig) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("%w: limiter key must not be empty", types.ErrInvalidConfiguration)
	}
	switch c.Algorithm {
	case TokenBucket, LeakyBucket, FixedWindow, SlidingWindow, SlidingWindowLog, GCRA:
	default:
		return fmt.Errorf("%w: unknown algorithm %q", types.ErrInvalidConfiguration, c.Algorithm)
	}
	if err := c.Quota().Validate(); err != nil {
		return fmt.Errorf("limiter %q: %w", c.Key, err)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative, got %d", types.ErrInvalidConfiguration, c.MaxRetries)
	}
	if c.CheckTimeout < 0 {
		return fmt.Errorf("%w: check_timeout must not be negative, got %s", types.ErrInvalidConfiguration, c.CheckTimeout)
	}
	switch c.Backend {
	case InMemory:
	case Redis:
		if c.RedisParams == nil || c.RedisParams.Address == "" {
			return fmt.Errorf("%w: limiter %q: redis backend needs redis_params.address", types.ErrInvalidConfiguration, c.Key)
		}
	case Memcache:
		if c.MemcacheParams == nil || len(c.MemcacheParams.Addresses) == 0 {
			return fmt.Errorf("%w: limiter %q: memcache backend needs memcache_params.addresses", types.ErrInvalidConfiguration, c.Key)
		}
	case MultiRegion:
		if len(c.Regions) == 0 {
			return fmt.Errorf("%w: limiter %q: multi_region backend needs at least one region", types.ErrInvalidConfiguration, c.Key)
		}
		for _, r := range c.Regions {
			if err := r.validate(c.Key); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unknown backend %q", types.ErrInvalidConfiguration, c.Backend)
	}
	return nil
}

func (r *RegionConfig) validate(limiterKey string) error {
	if r.Name == "" {
		return fmt.Errorf("%w: limiter %q: region name must not be empty", types.ErrInvalidConfiguration, limiterKey)
	}
	switch r.Backend {
	case InMemory:
	case Redis:
		if r.RedisParams == nil || r.RedisParams.Address == "" {
			return fmt.Errorf("%w: limiter %q region %q: redis backend needs redis_params.address", types.ErrInvalidConfiguration, limiterKey, r.Name)
		}
	case Memcache:
		if r.MemcacheParams == nil || len(r.MemcacheParams.Addresses) == 0 {
			return fmt.Errorf("%w: limiter %q region %q: memcache backend needs memcache_params.addresses", types.ErrInvalidConfiguration, limiterKey, r.Name)
		}
	default:
		return fmt.Errorf("%w: limiter %q region %q: unsupported region backend %q", types.ErrInvalidConfiguration, limiterKey, r.Name, r.Backend)
	}
	return nil
}
