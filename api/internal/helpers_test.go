package internal_test

import (
	"testing"
	"time"

	internal "github.com/ratelink/ratelink-go/api/internal"
	"github.com/ratelink/ratelink-go/config"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := internal.LoadConfig("testdata/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if len(cfg.Limiters) != 4 {
		t.Fatalf("Loaded %d limiters, want 4", len(cfg.Limiters))
	}

	api := cfg.Limiters[0]
	if api.Key != "api_rate_limit" || api.Algorithm != config.TokenBucket || api.Backend != config.InMemory {
		t.Fatalf("First limiter parsed wrong: %+v", api)
	}
	if api.Limit != 100 || api.Window != time.Minute || api.MaxRetries != 5 {
		t.Fatalf("First limiter fields parsed wrong: %+v", api)
	}

	login := cfg.Limiters[1]
	if !login.FailOpen || login.CheckTimeout != 250*time.Millisecond {
		t.Fatalf("Second limiter fields parsed wrong: %+v", login)
	}
	if login.RedisParams == nil || login.RedisParams.Address != "localhost:6379" || login.RedisParams.DB != 2 {
		t.Fatalf("Redis params parsed wrong: %+v", login.RedisParams)
	}

	search := cfg.Limiters[2]
	if search.MemcacheParams == nil || len(search.MemcacheParams.Addresses) != 1 {
		t.Fatalf("Memcache params parsed wrong: %+v", search.MemcacheParams)
	}

	global := cfg.Limiters[3]
	if global.Backend != config.MultiRegion || len(global.Regions) != 2 {
		t.Fatalf("Multi-region config parsed wrong: %+v", global)
	}
	if global.Regions[1].Name != "eu-west" || global.Regions[1].RedisParams.Address != "redis-eu:6379" {
		t.Fatalf("Region parsed wrong: %+v", global.Regions[1])
	}

	for _, lc := range cfg.Limiters {
		if err := lc.Validate(); err != nil {
			t.Fatalf("Loaded limiter %q fails validation: %v", lc.Key, err)
		}
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("RATELINK_REDIS_ADDR", "redis-prod:6380")
	t.Setenv("RATELINK_REDIS_PASSWORD", "hunter2")
	t.Setenv("RATELINK_REDIS_DB", "7")
	t.Setenv("RATELINK_MEMCACHE_ADDRS", "mc1:11211,mc2:11211")

	cfg, err := internal.LoadConfig("testdata/config.yaml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	login := cfg.Limiters[1]
	if login.RedisParams.Address != "redis-prod:6380" {
		t.Fatalf("Redis address override not applied: %q", login.RedisParams.Address)
	}
	if login.RedisParams.Password != "hunter2" || login.RedisParams.DB != 7 {
		t.Fatalf("Redis credential overrides not applied: %+v", login.RedisParams)
	}

	search := cfg.Limiters[2]
	if len(search.MemcacheParams.Addresses) != 2 || search.MemcacheParams.Addresses[0] != "mc1:11211" {
		t.Fatalf("Memcache address override not applied: %+v", search.MemcacheParams.Addresses)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := internal.LoadConfig("testdata/does-not-exist.yaml"); err == nil {
		t.Fatalf("LoadConfig should fail for a missing file")
	}
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	if _, err := internal.LoadConfig("testdata/malformed.yaml"); err == nil {
		t.Fatalf("LoadConfig should fail for malformed YAML")
	}
}
