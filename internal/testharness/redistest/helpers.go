// Package redistest provides Redis fixtures for backend tests: an in-process
// miniredis instance for unit tests and an env-guarded real server for
// integration runs.
package redistest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
)

// SetupMiniredis starts an in-process Redis and returns it with a connected
// client. Both are torn down with the test. The returned server exposes
// FastForward for TTL-sensitive tests.
func SetupMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

// GetRedisAddress returns the Redis address for integration tests,
// defaulting to "localhost:6379". REDIS_ADDR overrides it; under CI=true the
// default is "redis:6379".
func GetRedisAddress() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if os.Getenv("CI") == "true" {
		return "redis:6379"
	}
	return "localhost:6379"
}

// SetupRedisClient connects to a real Redis server for integration tests,
// skipping the test when none is reachable.
func SetupRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := GetRedisAddress()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skipf("Redis not reachable at %s, skipping integration test: %v", addr, err)
	}
	return client
}

// CleanupRedisKeys deletes all keys matching prefix:*.
func CleanupRedisKeys(t *testing.T, client *redis.Client, prefix string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, prefix+":*", 50).Result()
		if err != nil {
			t.Fatalf("SCAN %s:* failed: %v", prefix, err)
		}
		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				t.Errorf("DEL during cleanup failed: %v", err)
			}
		}
		if next == 0 {
			return
		}
		cursor = next
	}
}
