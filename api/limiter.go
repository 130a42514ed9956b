package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/clock"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/algorithm"
	"github.com/ratelink/ratelink-go/types"
)

// Limiter orchestrates one rate limit: it loads state from the Backend,
// evaluates the configured algorithm, and commits the new state with an
// optimistic compare-and-set, retrying a bounded number of times on races.
// The Limiter itself is stateless between calls; all per-key state lives in
// the Backend, so the same instance is safe for arbitrary concurrent callers.
type Limiter struct {
	name    string
	kind    config.AlgorithmType
	store   backend.Backend
	clock   clock.Clock
	hooks   []types.Hook
	retries int
	timeout time.Duration

	// failOpen allows requests when the backend is unreachable or retries
	// are exhausted. Loud policy: every fail-open allowance is logged.
	failOpen bool

	mu   sync.RWMutex
	algo algorithm.Algorithm
}

var _ types.Limiter = (*Limiter)(nil)

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock injects a custom time source.
func WithClock(c clock.Clock) LimiterOption {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// WithHooks registers observability hooks notified once per Check call.
func WithHooks(hooks ...types.Hook) LimiterOption {
	return func(l *Limiter) { l.hooks = append(l.hooks, hooks...) }
}

// WithFailOpen makes the limiter allow requests when the backend fails.
func WithFailOpen() LimiterOption {
	return func(l *Limiter) { l.failOpen = true }
}

// WithMaxRetries bounds the compare-and-set retry loop.
func WithMaxRetries(n int) LimiterOption {
	return func(l *Limiter) {
		if n > 0 {
			l.retries = n
		}
	}
}

// WithCheckTimeout bounds one Check call end to end, so a hot key cannot
// block a caller indefinitely.
func WithCheckTimeout(d time.Duration) LimiterOption {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// NewLimiter creates a limiter named name enforcing quota with the given
// algorithm over the given backend. The name prefixes every storage key, so
// limiters sharing a backend never collide.
func NewLimiter(name string, kind config.AlgorithmType, quota types.Quota, store backend.Backend, opts ...LimiterOption) (*Limiter, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: limiter name must not be empty", types.ErrInvalidConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: limiter %q needs a backend", types.ErrInvalidConfiguration, name)
	}
	algo, err := newAlgorithm(kind, quota)
	if err != nil {
		return nil, fmt.Errorf("limiter %q: %w", name, err)
	}
	l := &Limiter{
		name:    name,
		kind:    kind,
		algo:    algo,
		store:   store,
		clock:   clock.System(),
		retries: config.DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(l)
	}
	log.Info().Str("limiter", name).Str("algorithm", string(kind)).Int64("limit", quota.Limit).Dur("window", quota.Window).Bool("fail_open", l.failOpen).Msg("Limiter: initialized")
	return l, nil
}

// Name returns the limiter's name.
func (l *Limiter) Name() string { return l.name }

// AlgorithmName returns the configured algorithm identifier.
func (l *Limiter) AlgorithmName() string { return string(l.kind) }

// Quota returns the currently enforced quota.
func (l *Limiter) Quota() types.Quota { return l.algorithm().Quota() }

func (l *Limiter) algorithm() algorithm.Algorithm {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.algo
}

// SetQuota swaps the enforced quota, rebuilding the algorithm. Stored state
// is untouched: snapshots carry no quota, so in-flight windows reinterpret
// under the new limit. Used by the adaptive layer.
func (l *Limiter) SetQuota(quota types.Quota) error {
	algo, err := newAlgorithm(l.kind, quota)
	if err != nil {
		return fmt.Errorf("limiter %q: %w", l.name, err)
	}
	l.mu.Lock()
	l.algo = algo
	l.mu.Unlock()
	log.Debug().Str("limiter", l.name).Int64("limit", quota.Limit).Dur("window", quota.Window).Msg("Limiter: quota updated")
	return nil
}

func (l *Limiter) storageKey(key string) string { return l.name + ":" + key }

// Check decides whether a request of the given cost may proceed under key's
// quota, consuming capacity when it may. Exactly one event is emitted to the
// registered hooks per call, whatever the outcome.
func (l *Limiter) Check(ctx context.Context, key string, cost int64) (types.Decision, error) {
	start := time.Now()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	algo := l.algorithm()
	storageKey := l.storageKey(key)

	for attempt := 0; attempt <= l.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return l.fail(key, algo.Name(), start, fmt.Errorf("%w: %v", types.ErrBackendUnavailable, err))
		}

		state, ver, err := l.store.Load(ctx, storageKey)
		if err != nil {
			return l.fail(key, algo.Name(), start, err)
		}

		newState, d, err := algo.Evaluate(state, l.clock.Now(), cost)
		if err != nil {
			// invalid cost, corrupt state: not a policy matter
			return types.Decision{}, err
		}
		if newState == nil {
			l.emit(key, algo.Name(), d, start)
			return d, nil
		}

		err = l.store.Commit(ctx, storageKey, newState, ver, algo.TTL())
		if err == nil {
			l.emit(key, algo.Name(), d, start)
			log.Debug().Str("limiter", l.name).Str("key", key).Bool("allowed", d.Allowed).Int64("remaining", d.Remaining).Int("attempt", attempt).Msg("Limiter: decision")
			return d, nil
		}
		if err == backend.ErrConflict {
			continue
		}
		return l.fail(key, algo.Name(), start, err)
	}

	return l.fail(key, algo.Name(), start, fmt.Errorf("%w: key %q after %d attempts", types.ErrConflictExhausted, key, l.retries+1))
}

// Peek reports the decision a cost-1 request would get right now, without
// consuming capacity or emitting events.
func (l *Limiter) Peek(ctx context.Context, key string) (types.Decision, error) {
	algo := l.algorithm()
	state, _, err := l.store.Load(ctx, l.storageKey(key))
	if err != nil {
		return types.Decision{}, err
	}
	return algo.Peek(state, l.clock.Now())
}

// Reset clears all stored state for key. Administrative.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	log.Debug().Str("limiter", l.name).Str("key", key).Msg("Limiter: reset")
	return l.store.Delete(ctx, l.storageKey(key))
}

// fail applies the fail-open/fail-closed policy after a backend failure or
// retry exhaustion. Fail-closed (the default) denies and propagates the
// error; fail-open allows, swallows the error and logs the allowance loudly.
func (l *Limiter) fail(key, algoName string, start time.Time, cause error) (types.Decision, error) {
	if l.failOpen {
		log.Warn().Err(cause).Str("limiter", l.name).Str("key", key).Msg("Limiter: backend failure, failing open (request allowed)")
		d := types.Decision{Allowed: true, ResetAt: l.clock.Now()}
		l.emit(key, algoName, d, start)
		return d, nil
	}
	log.Error().Err(cause).Str("limiter", l.name).Str("key", key).Msg("Limiter: backend failure, failing closed (request denied)")
	d := types.Decision{Allowed: false, ResetAt: l.clock.Now()}
	l.emit(key, algoName, d, start)
	return d, fmt.Errorf("limiter %q: %w", l.name, cause)
}

// emit notifies every hook, isolating panics so a broken observer can never
// change a decision.
func (l *Limiter) emit(key, algoName string, d types.Decision, start time.Time) {
	if len(l.hooks) == 0 {
		return
	}
	e := types.Event{
		Limiter:   l.name,
		Key:       key,
		Algorithm: algoName,
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		Latency:   time.Since(start),
		Timestamp: l.clock.Now(),
	}
	for _, h := range l.hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Warn().Interface("panic", r).Str("limiter", l.name).Msg("Limiter: observability hook panicked")
				}
			}()
			h.Observe(e)
		}()
	}
}
