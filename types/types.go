// Package types defines the common types shared by the rate limiter core:
// quotas, decisions, observability events and the limiter call surface.
package types

import (
	"context"
	"fmt"
	"math"
	"time"
)

// RetryNever is the RetryAfter value reported for requests that can never be
// satisfied, such as a cost larger than the configured limit.
const RetryNever = time.Duration(math.MaxInt64)

// Quota is an allowed count per time window. It is immutable for the lifetime
// of a limiter instance (the adaptive layer swaps whole quotas, never mutates).
type Quota struct {
	Limit  int64
	Window time.Duration
}

// Validate reports ErrInvalidConfiguration for non-positive limits or windows.
func (q Quota) Validate() error {
	if q.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive, got %d", ErrInvalidConfiguration, q.Limit)
	}
	if q.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfiguration, q.Window)
	}
	return nil
}

// Decision is the outcome of a single admission check. It is produced fresh on
// every call and never persisted.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the capacity left in the current window, in [0, limit].
	Remaining int64
	// RetryAfter is how long the caller should wait before retrying. Zero iff
	// Allowed is true; RetryNever for permanently unsatisfiable requests.
	RetryAfter time.Duration
	// ResetAt is when the quota fully replenishes.
	ResetAt time.Time
}

// Event is the observability record emitted once per Check call.
type Event struct {
	Limiter   string
	Key       string
	Algorithm string
	Allowed   bool
	Remaining int64
	Latency   time.Duration
	Timestamp time.Time
}

// Hook receives Events. Implementations must not block for long; they are
// invoked synchronously after the decision is made and are panic-isolated, so
// a misbehaving hook can never change a Decision.
type Hook interface {
	Observe(Event)
}

// HookFunc adapts a function to the Hook interface.
type HookFunc func(Event)

// Observe calls f(e).
func (f HookFunc) Observe(e Event) { f(e) }

// Limiter is the call surface every rate limiter variant implements.
type Limiter interface {
	// Check decides whether a request of the given cost may proceed under the
	// key's quota, consuming capacity when it may.
	Check(ctx context.Context, key string, cost int64) (Decision, error)
	// Peek reports the current decision for the key without consuming
	// anything. Intended for dashboards.
	Peek(ctx context.Context, key string) (Decision, error)
	// Reset clears all stored state for the key.
	Reset(ctx context.Context, key string) error
}
