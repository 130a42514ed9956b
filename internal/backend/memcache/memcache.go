// Package memcache provides the Memcached-backed Backend. Memcached's native
// CAS tokens carry the version: Load returns the fetched item as the opaque
// token and Commit replays it through CompareAndSwap, so a concurrent write
// between the two surfaces as backend.ErrConflict.
package memcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/internal/memcacheiface"
	"github.com/ratelink/ratelink-go/types"
)

// Backend stores limiter state in Memcached.
type Backend struct {
	client    memcacheiface.Client
	keyPrefix string
}

// New creates a Memcached Backend.
func New(client memcacheiface.Client, keyPrefix string) *Backend {
	log.Info().Str("backend", "memcache").Str("key_prefix", keyPrefix).Msg("Backend: initialized")
	return &Backend{client: client, keyPrefix: keyPrefix}
}

func (b *Backend) memcacheKey(key string) string {
	if b.keyPrefix == "" {
		return key
	}
	return b.keyPrefix + ":" + key
}

// ttlSeconds converts a TTL to memcached's whole-second expiration, with a
// one second floor so sub-second windows still expire rather than living
// forever.
func ttlSeconds(ttl time.Duration) int32 {
	sec := int32(ttl / time.Second)
	if sec < 1 {
		sec = 1
	}
	return sec
}

// Load fetches the item; the item itself is the version token.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, backend.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	item, err := b.client.Get(b.memcacheKey(key))
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: memcache get %s: %v", types.ErrBackendUnavailable, key, err)
	}
	state := make([]byte, len(item.Value))
	copy(state, item.Value)
	return state, item, nil
}

// Commit adds the key when expected is nil, otherwise compare-and-swaps the
// previously loaded item. Races map to backend.ErrConflict.
func (b *Backend) Commit(ctx context.Context, key string, state []byte, expected backend.Version, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if expected == nil {
		err := b.client.Add(&memcache.Item{
			Key:        b.memcacheKey(key),
			Value:      state,
			Expiration: ttlSeconds(ttl),
		})
		if errors.Is(err, memcache.ErrNotStored) {
			// someone else created the key first
			return backend.ErrConflict
		}
		if err != nil {
			return fmt.Errorf("%w: memcache add %s: %v", types.ErrBackendUnavailable, key, err)
		}
		return nil
	}

	item, ok := expected.(*memcache.Item)
	if !ok {
		return fmt.Errorf("foreign version token %T for key %s", expected, key)
	}
	item.Value = state
	item.Expiration = ttlSeconds(ttl)
	err := b.client.CompareAndSwap(item)
	switch {
	case errors.Is(err, memcache.ErrCASConflict):
		return backend.ErrConflict
	case errors.Is(err, memcache.ErrNotStored), errors.Is(err, memcache.ErrCacheMiss):
		// expired or deleted between load and commit
		return backend.ErrConflict
	case err != nil:
		return fmt.Errorf("%w: memcache cas %s: %v", types.ErrBackendUnavailable, key, err)
	}
	return nil
}

// Delete removes the key. A miss is not an error.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.client.Delete(b.memcacheKey(key))
	if err != nil && !errors.Is(err, memcache.ErrCacheMiss) {
		return fmt.Errorf("%w: memcache delete %s: %v", types.ErrBackendUnavailable, key, err)
	}
	return nil
}

// Store unconditionally replaces the state; the replication path of the
// multi-region composite.
func (b *Backend) Store(ctx context.Context, key string, state []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.client.Set(&memcache.Item{
		Key:        b.memcacheKey(key),
		Value:      state,
		Expiration: ttlSeconds(ttl),
	})
	if err != nil {
		return fmt.Errorf("%w: memcache set %s: %v", types.ErrBackendUnavailable, key, err)
	}
	return nil
}
