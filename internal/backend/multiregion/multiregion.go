// Package multiregion composes regional Backends under a single contract.
//
// Policy: every key has one authoritative home region, chosen by hashing the
// key over the configured regions, and all loads and commits for that key go
// there. Peers optionally receive committed state asynchronously, best
// effort, for warm failover reads. Divergent counts from different regions
// are never merged; if the home region is unreachable the error propagates
// and the limiter's fail-open/fail-closed policy decides.
package multiregion

import (
	"context"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/types"
)

// Region is one named regional store.
type Region struct {
	Name    string
	Backend backend.Backend
}

// Backend routes each key to its authoritative home region.
type Backend struct {
	regions   []Region
	replicate bool
}

// Option configures the composite.
type Option func(*Backend)

// WithReplication enables best-effort asynchronous replication of committed
// state to peer regions.
func WithReplication() Option {
	return func(b *Backend) { b.replicate = true }
}

// New creates the multi-region composite. At least one region is required.
func New(regions []Region, opts ...Option) (*Backend, error) {
	if len(regions) == 0 {
		return nil, fmt.Errorf("%w: multi-region backend needs at least one region", types.ErrInvalidConfiguration)
	}
	for _, r := range regions {
		if r.Name == "" || r.Backend == nil {
			return nil, fmt.Errorf("%w: multi-region region needs a name and a backend", types.ErrInvalidConfiguration)
		}
	}
	b := &Backend{regions: regions}
	for _, opt := range opts {
		opt(b)
	}
	log.Info().Str("backend", "multi_region").Int("regions", len(regions)).Bool("replication", b.replicate).Msg("Backend: initialized")
	return b, nil
}

// home picks the authoritative region for a key. FNV keeps the routing
// deterministic across processes with the same region list.
func (b *Backend) home(key string) Region {
	h := fnv.New32a()
	h.Write([]byte(key))
	return b.regions[int(h.Sum32())%len(b.regions)]
}

// Home reports the authoritative region name for a key.
func (b *Backend) Home(key string) string { return b.home(key).Name }

func (b *Backend) Load(ctx context.Context, key string) ([]byte, backend.Version, error) {
	return b.home(key).Backend.Load(ctx, key)
}

func (b *Backend) Commit(ctx context.Context, key string, state []byte, expected backend.Version, ttl time.Duration) error {
	region := b.home(key)
	if err := region.Backend.Commit(ctx, key, state, expected, ttl); err != nil {
		return err
	}
	if b.replicate {
		b.fanOut(key, region.Name, state, ttl)
	}
	return nil
}

// Delete fans out to every region so stale replicas cannot resurrect state.
func (b *Backend) Delete(ctx context.Context, key string) error {
	var firstErr error
	for _, r := range b.regions {
		if err := r.Backend.Delete(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fanOut pushes committed state to peers that support unconditional writes.
// Failures are logged and dropped: replication never blocks or fails a
// decision.
func (b *Backend) fanOut(key, homeName string, state []byte, ttl time.Duration) {
	snapshot := make([]byte, len(state))
	copy(snapshot, state)
	for _, r := range b.regions {
		if r.Name == homeName {
			continue
		}
		rep, ok := r.Backend.(backend.Replicator)
		if !ok {
			continue
		}
		go func(region string, rep backend.Replicator) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := rep.Store(ctx, key, snapshot, ttl); err != nil {
				log.Warn().Err(err).Str("backend", "multi_region").Str("region", region).Str("key", key).Msg("Backend: replication to peer failed")
			}
		}(r.Name, rep)
	}
}
