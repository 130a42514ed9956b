package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/types"
)

// QuotaPool subdivides a shared total quota among explicitly allocated
// members. Allocations are bookkeeping on the pool; enforcement of each
// member's slice is an ordinary limiter over the pool's backend. The pool
// never allows the sum of allocations to exceed the total: over-allocation
// fails with types.ErrCapacityExceeded instead of being silently clipped.
type QuotaPool struct {
	name   string
	total  int64
	window time.Duration
	kind   config.AlgorithmType
	store  backend.Backend
	opts   []LimiterOption

	mu        sync.Mutex
	allocated int64
	members   map[string]*poolMember
}

type poolMember struct {
	limit   int64
	limiter *Limiter
}

// PoolStats is a point-in-time usage report.
type PoolStats struct {
	Total     int64
	Allocated int64
	Available int64
	Members   map[string]int64
}

// NewQuotaPool creates a pool of total units per window, enforced with the
// given algorithm over the given backend. Limiter options are applied to
// every member limiter.
func NewQuotaPool(name string, total int64, window time.Duration, kind config.AlgorithmType, store backend.Backend, opts ...LimiterOption) (*QuotaPool, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: quota pool name must not be empty", types.ErrInvalidConfiguration)
	}
	if err := (types.Quota{Limit: total, Window: window}).Validate(); err != nil {
		return nil, fmt.Errorf("quota pool %q: %w", name, err)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: quota pool %q needs a backend", types.ErrInvalidConfiguration, name)
	}
	log.Info().Str("pool", name).Int64("total", total).Dur("window", window).Msg("QuotaPool: initialized")
	return &QuotaPool{
		name:    name,
		total:   total,
		window:  window,
		kind:    kind,
		store:   store,
		opts:    opts,
		members: make(map[string]*poolMember),
	}, nil
}

// Allocate reserves limit units per window for member. Fails with
// types.ErrCapacityExceeded when the reservation would push the sum of
// allocations past the pool total.
func (p *QuotaPool) Allocate(member string, limit int64) error {
	if member == "" {
		return fmt.Errorf("%w: pool member name must not be empty", types.ErrInvalidConfiguration)
	}
	if limit <= 0 {
		return fmt.Errorf("%w: allocation for %q must be positive, got %d", types.ErrInvalidConfiguration, member, limit)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.members[member]; exists {
		return fmt.Errorf("%w: member %q already has an allocation", types.ErrInvalidConfiguration, member)
	}
	if p.allocated+limit > p.total {
		return fmt.Errorf("%w: pool %q has %d of %d available, requested %d for %q",
			types.ErrCapacityExceeded, p.name, p.total-p.allocated, p.total, limit, member)
	}

	limiter, err := NewLimiter(p.name+":"+member, p.kind, types.Quota{Limit: limit, Window: p.window}, p.store, p.opts...)
	if err != nil {
		return err
	}
	p.members[member] = &poolMember{limit: limit, limiter: limiter}
	p.allocated += limit
	log.Debug().Str("pool", p.name).Str("member", member).Int64("limit", limit).Int64("allocated", p.allocated).Msg("QuotaPool: allocation added")
	return nil
}

// Release drops member's allocation, returning its units to the pool and
// clearing its stored state.
func (p *QuotaPool) Release(ctx context.Context, member string) error {
	p.mu.Lock()
	m, ok := p.members[member]
	if ok {
		delete(p.members, member)
		p.allocated -= m.limit
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return m.limiter.Reset(ctx, member)
}

// Check runs a request of the given cost against member's slice of the pool.
func (p *QuotaPool) Check(ctx context.Context, member string, cost int64) (types.Decision, error) {
	p.mu.Lock()
	m, ok := p.members[member]
	p.mu.Unlock()
	if !ok {
		return types.Decision{}, fmt.Errorf("quota pool %q: no allocation for member %q", p.name, member)
	}
	return m.limiter.Check(ctx, member, cost)
}

// Peek reports member's current decision without consuming anything.
func (p *QuotaPool) Peek(ctx context.Context, member string) (types.Decision, error) {
	p.mu.Lock()
	m, ok := p.members[member]
	p.mu.Unlock()
	if !ok {
		return types.Decision{}, fmt.Errorf("quota pool %q: no allocation for member %q", p.name, member)
	}
	return m.limiter.Peek(ctx, member)
}

// Stats reports the pool's allocation bookkeeping.
func (p *QuotaPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := PoolStats{
		Total:     p.total,
		Allocated: p.allocated,
		Available: p.total - p.allocated,
		Members:   make(map[string]int64, len(p.members)),
	}
	for name, m := range p.members {
		stats.Members[name] = m.limit
	}
	return stats
}
