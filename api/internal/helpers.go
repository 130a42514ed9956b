// Package internal holds the config-loading and client-bootstrap helpers
// behind the api facade.
package internal

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"github.com/ratelink/ratelink-go/config"
)

// ConfigFile is the top-level structure of the configuration file.
type ConfigFile struct {
	Limiters []config.LimiterConfig `yaml:"limiters"`
}

// envOverrides are deployment-environment knobs that take precedence over
// the file, so the same config ships to every environment and only the
// store endpoints differ.
type envOverrides struct {
	RedisAddr     string   `env:"RATELINK_REDIS_ADDR"`
	RedisPassword string   `env:"RATELINK_REDIS_PASSWORD"`
	RedisDB       int      `env:"RATELINK_REDIS_DB" envDefault:"-1"`
	MemcacheAddrs []string `env:"RATELINK_MEMCACHE_ADDRS" envSeparator:","`
}

// LoadConfig reads and unmarshals the YAML config, then applies environment
// overrides.
func LoadConfig(path string) (*ConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var cfg ConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config file %s: %w", path, err)
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("parse environment overrides: %w", err)
	}
	applyOverrides(&cfg, overrides)

	log.Debug().Str("config_path", path).Int("limiters", len(cfg.Limiters)).Msg("Config: loaded")
	return &cfg, nil
}

func applyOverrides(cfg *ConfigFile, o envOverrides) {
	for i := range cfg.Limiters {
		lc := &cfg.Limiters[i]
		if lc.RedisParams != nil {
			if o.RedisAddr != "" {
				lc.RedisParams.Address = o.RedisAddr
			}
			if o.RedisPassword != "" {
				lc.RedisParams.Password = o.RedisPassword
			}
			if o.RedisDB >= 0 {
				lc.RedisParams.DB = o.RedisDB
			}
		}
		if lc.MemcacheParams != nil && len(o.MemcacheAddrs) > 0 {
			lc.MemcacheParams.Addresses = o.MemcacheAddrs
		}
	}
}

// InitRedisClient initializes and pings a Redis client.
func InitRedisClient(params *config.RedisBackendConfig) (*redis.Client, error) {
	if params == nil {
		return nil, fmt.Errorf("redis backend selected but redis_params are missing")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     params.Address,
		Password: params.Password,
		DB:       params.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", params.Address, err)
	}
	log.Info().Str("address", params.Address).Int("db", params.DB).Msg("Config: connected to Redis")
	return client, nil
}
