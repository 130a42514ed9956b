// Package redis provides the Redis-backed Backend. State and its version
// token live in a hash per key; the commit is a single Lua script so the
// version check and write are atomic server-side, which is what keeps the
// optimistic-concurrency contract honest over a network.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/types"
)

const (
	fieldState   = "state"
	fieldVersion = "ver"
)

// Backend stores limiter state in Redis.
type Backend struct {
	client    *redis.Client
	commit    *redis.Script
	store     *redis.Script
	keyPrefix string
}

// New creates a Redis Backend. keyPrefix namespaces all keys, e.g. "ratelink".
func New(client *redis.Client, keyPrefix string) *Backend {
	log.Info().Str("backend", "redis").Str("key_prefix", keyPrefix).Msg("Backend: initialized")
	return &Backend{
		client:    client,
		commit:    commitScript,
		store:     storeScript,
		keyPrefix: keyPrefix,
	}
}

func (b *Backend) redisKey(key string) string {
	if b.keyPrefix == "" {
		return key
	}
	return b.keyPrefix + ":" + key
}

// Load fetches the state and version hash fields. A missing key yields
// (nil, nil, nil).
func (b *Backend) Load(ctx context.Context, key string) ([]byte, backend.Version, error) {
	vals, err := b.client.HMGet(ctx, b.redisKey(key), fieldState, fieldVersion).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: redis HMGET %s: %v", types.ErrBackendUnavailable, key, err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil, nil
	}
	state, ok := vals[0].(string)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected state type %T for key %s", vals[0], key)
	}
	verStr, ok := vals[1].(string)
	if !ok {
		return nil, nil, fmt.Errorf("unexpected version type %T for key %s", vals[1], key)
	}
	ver, err := strconv.ParseInt(verStr, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("parse version for key %s: %w", key, err)
	}
	return []byte(state), ver, nil
}

// Commit runs the compare-and-set script. Version 0 stands for "key must not
// exist yet"; the script returns 0 on a version mismatch.
func (b *Backend) Commit(ctx context.Context, key string, state []byte, expected backend.Version, ttl time.Duration) error {
	var expectedVer int64
	if expected != nil {
		v, ok := expected.(int64)
		if !ok {
			return fmt.Errorf("foreign version token %T for key %s", expected, key)
		}
		expectedVer = v
	}

	res, err := b.commit.Run(ctx, b.client, []string{b.redisKey(key)},
		expectedVer, string(state), ttl.Milliseconds()).Result()
	if err != nil {
		return fmt.Errorf("%w: redis commit script %s: %v", types.ErrBackendUnavailable, key, err)
	}
	committed, ok := res.(int64)
	if !ok {
		return fmt.Errorf("unexpected commit script result type %T for key %s", res, key)
	}
	if committed != 1 {
		return backend.ErrConflict
	}
	return nil
}

// Delete removes the key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := b.client.Del(ctx, b.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: redis DEL %s: %v", types.ErrBackendUnavailable, key, err)
	}
	return nil
}

// Store unconditionally replaces the state, bumping the version so concurrent
// committers observe the replication as a conflict rather than racing it.
func (b *Backend) Store(ctx context.Context, key string, state []byte, ttl time.Duration) error {
	if err := b.store.Run(ctx, b.client, []string{b.redisKey(key)},
		string(state), ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("%w: redis store script %s: %v", types.ErrBackendUnavailable, key, err)
	}
	return nil
}
