package api

import (
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/algorithm"
	backendmemcache "github.com/ratelink/ratelink-go/internal/backend/memcache"
	backendmemory "github.com/ratelink/ratelink-go/internal/backend/memory"
	"github.com/ratelink/ratelink-go/internal/backend/multiregion"
	backendredis "github.com/ratelink/ratelink-go/internal/backend/redis"
	"github.com/ratelink/ratelink-go/internal/memcacheiface"
	"github.com/ratelink/ratelink-go/types"
)

// storeKeyPrefix namespaces every key this library writes into a shared store.
const storeKeyPrefix = "ratelink"

// BackendClients holds initialized backend client instances. Limiters sharing
// a backend share the client; the api closer shuts them down.
type BackendClients struct {
	RedisClient    *redis.Client
	MemcacheClient memcacheiface.Client

	// Per-region clients for multi_region limiters, keyed by region name.
	RegionRedis    map[string]*redis.Client
	RegionMemcache map[string]memcacheiface.Client
}

// newAlgorithm builds the configured algorithm. The set is closed: selection
// happens here, at construction time, not through a runtime registry.
func newAlgorithm(kind config.AlgorithmType, quota types.Quota) (algorithm.Algorithm, error) {
	switch kind {
	case config.TokenBucket:
		return algorithm.NewTokenBucket(quota)
	case config.LeakyBucket:
		return algorithm.NewLeakyBucket(quota)
	case config.FixedWindow:
		return algorithm.NewFixedWindow(quota)
	case config.SlidingWindow:
		return algorithm.NewSlidingWindow(quota)
	case config.SlidingWindowLog:
		return algorithm.NewSlidingWindowLog(quota)
	case config.GCRA:
		return algorithm.NewGCRA(quota)
	default:
		return nil, fmt.Errorf("%w: unsupported algorithm %q", types.ErrInvalidConfiguration, kind)
	}
}

// newBackend builds the configured backend from the available clients.
func newBackend(cfg config.LimiterConfig, clients BackendClients) (backend.Backend, error) {
	switch cfg.Backend {
	case config.InMemory:
		return backendmemory.New(), nil
	case config.Redis:
		if clients.RedisClient == nil {
			return nil, fmt.Errorf("%w: limiter %q: redis backend selected but no redis client provided", types.ErrInvalidConfiguration, cfg.Key)
		}
		return backendredis.New(clients.RedisClient, storeKeyPrefix), nil
	case config.Memcache:
		if clients.MemcacheClient == nil {
			return nil, fmt.Errorf("%w: limiter %q: memcache backend selected but no memcache client provided", types.ErrInvalidConfiguration, cfg.Key)
		}
		return backendmemcache.New(clients.MemcacheClient, storeKeyPrefix), nil
	case config.MultiRegion:
		regions := make([]multiregion.Region, 0, len(cfg.Regions))
		for _, rc := range cfg.Regions {
			rb, err := newRegionBackend(cfg.Key, rc, clients)
			if err != nil {
				return nil, err
			}
			regions = append(regions, multiregion.Region{Name: rc.Name, Backend: rb})
		}
		return multiregion.New(regions, multiregion.WithReplication())
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", types.ErrInvalidConfiguration, cfg.Backend)
	}
}

func newRegionBackend(limiterKey string, rc config.RegionConfig, clients BackendClients) (backend.Backend, error) {
	switch rc.Backend {
	case config.InMemory:
		return backendmemory.New(), nil
	case config.Redis:
		client, ok := clients.RegionRedis[rc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: limiter %q: no redis client for region %q", types.ErrInvalidConfiguration, limiterKey, rc.Name)
		}
		return backendredis.New(client, storeKeyPrefix), nil
	case config.Memcache:
		client, ok := clients.RegionMemcache[rc.Name]
		if !ok {
			return nil, fmt.Errorf("%w: limiter %q: no memcache client for region %q", types.ErrInvalidConfiguration, limiterKey, rc.Name)
		}
		return backendmemcache.New(client, storeKeyPrefix), nil
	default:
		return nil, fmt.Errorf("%w: limiter %q region %q: unsupported backend %q", types.ErrInvalidConfiguration, limiterKey, rc.Name, rc.Backend)
	}
}

// NewLimiterFromConfig validates cfg and assembles a Limiter over the
// configured backend. Extra options (hooks, clock) are appended after the
// config-derived ones.
func NewLimiterFromConfig(cfg config.LimiterConfig, clients BackendClients, opts ...LimiterOption) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := newBackend(cfg, clients)
	if err != nil {
		return nil, err
	}

	all := make([]LimiterOption, 0, len(opts)+3)
	if cfg.FailOpen {
		all = append(all, WithFailOpen())
	}
	if cfg.MaxRetries > 0 {
		all = append(all, WithMaxRetries(cfg.MaxRetries))
	}
	if cfg.CheckTimeout > 0 {
		all = append(all, WithCheckTimeout(cfg.CheckTimeout))
	}
	all = append(all, opts...)

	return NewLimiter(cfg.Key, cfg.Algorithm, cfg.Quota(), store, all...)
}
