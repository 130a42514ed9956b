package api

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/types"
)

// Tier is one priority level with its own limiter. Tiers are ordered highest
// priority first.
type Tier struct {
	Name    string
	Limiter *Limiter
}

// PriorityLimiter routes each check to the named tier's limiter. With
// borrowing enabled, a denied request from a higher tier may consume spare
// capacity from lower tiers instead: tiers are walked in their declared
// order, the first one with capacity is charged, and the borrow reverses
// itself as that tier's quota refills with time. Lower tiers never borrow
// upward, so a flood of high-priority traffic can consume at most the spare
// capacity lower tiers are not using.
type PriorityLimiter struct {
	tiers       []Tier
	index       map[string]int
	borrow      bool
	defaultTier string
}

// PriorityOption configures a PriorityLimiter.
type PriorityOption func(*PriorityLimiter)

// WithBorrowing lets higher tiers consume unused lower-tier capacity.
func WithBorrowing() PriorityOption {
	return func(p *PriorityLimiter) { p.borrow = true }
}

// WithDefaultTier sets the tier used when a check names no tier.
func WithDefaultTier(name string) PriorityOption {
	return func(p *PriorityLimiter) { p.defaultTier = name }
}

// NewPriorityLimiter creates a priority limiter over the given tiers,
// ordered highest priority first.
func NewPriorityLimiter(tiers []Tier, opts ...PriorityOption) (*PriorityLimiter, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: priority limiter needs at least one tier", types.ErrInvalidConfiguration)
	}
	index := make(map[string]int, len(tiers))
	for i, t := range tiers {
		if t.Name == "" || t.Limiter == nil {
			return nil, fmt.Errorf("%w: every tier needs a name and a limiter", types.ErrInvalidConfiguration)
		}
		if _, dup := index[t.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %q", types.ErrInvalidConfiguration, t.Name)
		}
		index[t.Name] = i
	}
	p := &PriorityLimiter{tiers: tiers, index: index, defaultTier: tiers[len(tiers)-1].Name}
	for _, opt := range opts {
		opt(p)
	}
	if _, ok := p.index[p.defaultTier]; !ok {
		return nil, fmt.Errorf("%w: default tier %q is not configured", types.ErrInvalidConfiguration, p.defaultTier)
	}
	return p, nil
}

// Tiers lists the configured tier names, highest priority first.
func (p *PriorityLimiter) Tiers() []string {
	names := make([]string, len(p.tiers))
	for i, t := range p.tiers {
		names[i] = t.Name
	}
	return names
}

func (p *PriorityLimiter) tier(name string) (int, error) {
	if name == "" {
		name = p.defaultTier
	}
	idx, ok := p.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", types.ErrUnknownTier, name)
	}
	return idx, nil
}

// Check runs the request against its tier's limiter, falling back to lower
// tiers when borrowing is enabled. On a borrowed denial the original tier's
// decision is returned so RetryAfter reflects the caller's own quota.
func (p *PriorityLimiter) Check(ctx context.Context, key, tierName string, cost int64) (types.Decision, error) {
	idx, err := p.tier(tierName)
	if err != nil {
		return types.Decision{}, err
	}
	d, err := p.tiers[idx].Limiter.Check(ctx, key, cost)
	if err != nil || d.Allowed || !p.borrow {
		return d, err
	}
	for j := idx + 1; j < len(p.tiers); j++ {
		borrowed, berr := p.tiers[j].Limiter.Check(ctx, key, cost)
		if berr == nil && borrowed.Allowed {
			log.Debug().Str("tier", p.tiers[idx].Name).Str("borrowed_from", p.tiers[j].Name).Str("key", key).Msg("PriorityLimiter: borrowed lower-tier capacity")
			return borrowed, nil
		}
	}
	return d, nil
}

// Peek reports the tier's current decision without consuming capacity.
func (p *PriorityLimiter) Peek(ctx context.Context, key, tierName string) (types.Decision, error) {
	idx, err := p.tier(tierName)
	if err != nil {
		return types.Decision{}, err
	}
	return p.tiers[idx].Limiter.Peek(ctx, key)
}

// Reset clears the key's state in every tier.
func (p *PriorityLimiter) Reset(ctx context.Context, key string) error {
	var firstErr error
	for _, t := range p.tiers {
		if err := t.Limiter.Reset(ctx, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
