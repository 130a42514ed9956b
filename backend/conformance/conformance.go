// Package conformance is a reusable test suite for Backend implementations.
// A backend that passes Run yields identical admission decisions across all
// algorithms, honors compare-and-set semantics, and admits exactly the
// configured limit under concurrent load.
package conformance

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratelink/ratelink-go/api"
	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/clock"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/types"
)

// Factory creates a fresh, empty Backend for one subtest.
type Factory func(t *testing.T) backend.Backend

// Run exercises the backend through every algorithm plus the raw contract
// checks. Call it from a backend's own test file.
func Run(t *testing.T, newBackend Factory) {
	t.Run("Contract", func(t *testing.T) { runContract(t, newBackend) })
	for _, kind := range []config.AlgorithmType{
		config.TokenBucket,
		config.LeakyBucket,
		config.FixedWindow,
		config.SlidingWindow,
		config.SlidingWindowLog,
		config.GCRA,
	} {
		kind := kind
		t.Run(string(kind), func(t *testing.T) { runAlgorithm(t, newBackend, kind) })
	}
	t.Run("ConcurrentAdmission", func(t *testing.T) { runConcurrent(t, newBackend) })
}

// runContract checks the raw Load/Commit/Delete semantics.
func runContract(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	store := newBackend(t)
	const key = "contract"
	ttl := time.Minute

	state, ver, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, state, "missing key must load as nil state")
	assert.Nil(t, ver, "missing key must load as nil version")

	// create with nil expected
	require.NoError(t, store.Commit(ctx, key, []byte(`{"n":1}`), nil, ttl))

	// second create must conflict
	err = store.Commit(ctx, key, []byte(`{"n":2}`), nil, ttl)
	assert.ErrorIs(t, err, backend.ErrConflict, "creating an existing key must conflict")

	state, ver, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), state)
	require.NotNil(t, ver)

	// update with the loaded version succeeds
	require.NoError(t, store.Commit(ctx, key, []byte(`{"n":2}`), ver, ttl))

	// replaying the stale version must conflict
	err = store.Commit(ctx, key, []byte(`{"n":3}`), ver, ttl)
	assert.ErrorIs(t, err, backend.ErrConflict, "committing a stale version must conflict")

	state, _, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":2}`), state, "stale commit must not overwrite")

	require.NoError(t, store.Delete(ctx, key))
	state, ver, err = store.Load(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Nil(t, ver)

	// deleting a missing key is not an error
	require.NoError(t, store.Delete(ctx, key))
}

// runAlgorithm drives one algorithm through a scripted burst, denial and
// refill sequence. Every backend must produce the same decisions.
func runAlgorithm(t *testing.T, newBackend Factory, kind config.AlgorithmType) {
	ctx := context.Background()
	store := newBackend(t)
	fc := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	limiter, err := api.NewLimiter("conformance", kind, types.Quota{Limit: 5, Window: time.Minute}, store, api.WithClock(fc))
	require.NoError(t, err)

	const key = "client-1"

	// GCRA paces requests across the window instead of admitting bursts, so
	// it needs spacing the bucket and window algorithms do not.
	if kind == config.GCRA {
		for i := 0; i < 5; i++ {
			d, err := limiter.Check(ctx, key, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d within rate should be allowed", i)
			fc.Advance(12 * time.Second) // exactly the emission interval
		}
	} else {
		for i := 0; i < 5; i++ {
			d, err := limiter.Check(ctx, key, 1)
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d within limit should be allowed", i)
			assert.LessOrEqual(t, d.Remaining, int64(5))
			assert.GreaterOrEqual(t, d.Remaining, int64(0))
		}

		d, err := limiter.Check(ctx, key, 1)
		require.NoError(t, err)
		assert.False(t, d.Allowed, "request past the limit should be denied")
		assert.Greater(t, d.RetryAfter, time.Duration(0))
		assert.NotEqual(t, types.RetryNever, d.RetryAfter)

		// a full window later the quota has replenished
		fc.Advance(time.Minute + time.Second)
		d, err = limiter.Check(ctx, key, 1)
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request after a full window should be allowed")
	}

	// unsatisfiable cost: permanent denial, no retry horizon
	d, err := limiter.Check(ctx, key, 6)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, types.RetryNever, d.RetryAfter)

	// Peek must not consume
	before, err := limiter.Peek(ctx, key)
	require.NoError(t, err)
	after, err := limiter.Peek(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.Remaining, after.Remaining, "Peek must not consume capacity")

	// Reset clears the key entirely
	require.NoError(t, limiter.Reset(ctx, key))
	d, err = limiter.Check(ctx, key, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "request after reset should be allowed")
}

// runConcurrent fires more requests than the limit in parallel and requires
// exactly the limit to be admitted. This is the property the compare-and-set
// loop exists for.
func runConcurrent(t *testing.T, newBackend Factory) {
	ctx := context.Background()
	store := newBackend(t)

	const (
		limit   = 10
		callers = 25
	)
	limiter, err := api.NewLimiter("conformance-concurrent", config.FixedWindow,
		types.Quota{Limit: limit, Window: time.Hour}, store,
		api.WithMaxRetries(callers))
	require.NoError(t, err)

	var wg sync.WaitGroup
	allowed := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Check(ctx, "shared", 1)
			if err != nil {
				t.Errorf("concurrent Check failed: %v", err)
				return
			}
			allowed <- d.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	var admitted int
	for a := range allowed {
		if a {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted, "exactly the limit must be admitted under concurrency")
}
