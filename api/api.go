// Package api is the public surface of the library: config-driven
// construction of limiters, the Limiter orchestrator, and the composing
// layers (priority tiers, quota pools, adaptive and hierarchical limiting).
package api

import (
	"fmt"
	"io"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	apiinternal "github.com/ratelink/ratelink-go/api/internal"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/memcacheiface"
)

// clientCloser holds backend clients and shuts them down together.
type clientCloser struct {
	closers []io.Closer
}

// Close shuts down all initialized backend clients.
func (c *clientCloser) Close() error {
	log.Debug().Int("clients", len(c.closers)).Msg("API: closing backend clients")
	var errs []error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during client shutdown: %v", errs)
	}
	return nil
}

// NewLimitersFromConfigPath loads the YAML config (with environment
// overrides applied), initializes any backend clients the limiters need, and
// returns the limiters keyed by name, their configs, and an io.Closer for
// the shared clients.
func NewLimitersFromConfigPath(configPath string, opts ...LimiterOption) (map[string]*Limiter, map[string]config.LimiterConfig, io.Closer, error) {
	cfgFile, err := apiinternal.LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if len(cfgFile.Limiters) == 0 {
		return nil, nil, nil, fmt.Errorf("no limiter configurations found in %s", configPath)
	}

	for i := range cfgFile.Limiters {
		if err := cfgFile.Limiters[i].Validate(); err != nil {
			return nil, nil, nil, err
		}
	}

	clients, closer, err := initClients(cfgFile.Limiters)
	if err != nil {
		return nil, nil, nil, err
	}

	limiters := make(map[string]*Limiter, len(cfgFile.Limiters))
	configs := make(map[string]config.LimiterConfig, len(cfgFile.Limiters))
	for _, cfg := range cfgFile.Limiters {
		if _, dup := limiters[cfg.Key]; dup {
			closer.Close()
			return nil, nil, nil, fmt.Errorf("duplicate limiter key %q in %s", cfg.Key, configPath)
		}
		limiter, err := NewLimiterFromConfig(cfg, clients, opts...)
		if err != nil {
			closer.Close()
			return nil, nil, nil, fmt.Errorf("limiter %q: %w", cfg.Key, err)
		}
		limiters[cfg.Key] = limiter
		configs[cfg.Key] = cfg
	}

	log.Info().Int("limiters", len(limiters)).Str("config_path", configPath).Msg("API: rate limiters initialized")
	return limiters, configs, closer, nil
}

// initClients creates the shared clients required by the configured backends:
// one Redis/Memcache client for the single-store backends (first config
// wins, as in a shared deployment they point at the same cluster), plus one
// client per named region for multi-region limiters.
func initClients(cfgs []config.LimiterConfig) (BackendClients, *clientCloser, error) {
	clients := BackendClients{
		RegionRedis:    make(map[string]*redis.Client),
		RegionMemcache: make(map[string]memcacheiface.Client),
	}
	closer := &clientCloser{}

	for _, cfg := range cfgs {
		switch cfg.Backend {
		case config.Redis:
			if clients.RedisClient == nil {
				client, err := apiinternal.InitRedisClient(cfg.RedisParams)
				if err != nil {
					closer.Close()
					return clients, nil, err
				}
				clients.RedisClient = client
				closer.closers = append(closer.closers, client)
			}
		case config.Memcache:
			if clients.MemcacheClient == nil {
				clients.MemcacheClient = memcache.New(cfg.MemcacheParams.Addresses...)
			}
		case config.MultiRegion:
			for _, rc := range cfg.Regions {
				switch rc.Backend {
				case config.Redis:
					if _, ok := clients.RegionRedis[rc.Name]; ok {
						continue
					}
					client, err := apiinternal.InitRedisClient(rc.RedisParams)
					if err != nil {
						closer.Close()
						return clients, nil, err
					}
					clients.RegionRedis[rc.Name] = client
					closer.closers = append(closer.closers, client)
				case config.Memcache:
					if _, ok := clients.RegionMemcache[rc.Name]; !ok {
						clients.RegionMemcache[rc.Name] = memcache.New(rc.MemcacheParams.Addresses...)
					}
				}
			}
		}
	}
	return clients, closer, nil
}
