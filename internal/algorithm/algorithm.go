// Package algorithm implements the six rate-limiting strategies as pure
// functions over serialized state snapshots. An algorithm never talks to a
// store: it is handed the previously stored state (or nil for a never-seen
// key), the current time and the request cost, and returns the new state and
// a decision. Atomicity is the backend's job.
package algorithm

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// Algorithm names, also used as the config algorithm identifiers.
const (
	NameTokenBucket      = "token_bucket"
	NameLeakyBucket      = "leaky_bucket"
	NameFixedWindow      = "fixed_window"
	NameSlidingWindow    = "sliding_window"
	NameSlidingWindowLog = "sliding_window_log"
	NameGCRA             = "gcra"
)

// Algorithm is a stateless strategy evaluated against stored per-key state.
type Algorithm interface {
	// Name identifies the algorithm in events, logs and configuration.
	Name() string

	// Quota returns the quota the algorithm enforces.
	Quota() types.Quota

	// TTL is the idle bound after which stored state may be garbage
	// collected without changing any future decision.
	TTL() time.Duration

	// Evaluate computes the decision for a request of the given cost and the
	// state to persist. A nil state input means the key has never been seen.
	// A nil newState output means there is nothing to persist (the decision
	// did not touch stored state, e.g. a permanently unsatisfiable cost).
	Evaluate(state []byte, now time.Time, cost int64) (newState []byte, d types.Decision, err error)

	// Peek computes the decision a cost-1 request would receive right now
	// without consuming anything.
	Peek(state []byte, now time.Time) (types.Decision, error)
}

// stateTTL derives the expiry bound from the window: twice the window so a
// freshly rolled-over window never loses live state, with a one second floor
// for stores with coarse TTLs.
func stateTTL(window time.Duration) time.Duration {
	ttl := 2 * window
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// checkCost rejects non-positive costs. Costs above the limit are not an
// error: they yield a deterministic permanent deny instead.
func checkCost(cost int64) error {
	if cost <= 0 {
		return fmt.Errorf("%w: cost must be positive, got %d", types.ErrInvalidConfiguration, cost)
	}
	return nil
}

// unsatisfiable builds the permanent-deny decision for cost > limit.
func unsatisfiable(remaining int64, resetAt time.Time) types.Decision {
	return types.Decision{
		Allowed:    false,
		Remaining:  remaining,
		RetryAfter: types.RetryNever,
		ResetAt:    resetAt,
	}
}

// clampRemaining keeps remaining inside [0, limit].
func clampRemaining(remaining, limit int64) int64 {
	if remaining < 0 {
		return 0
	}
	if remaining > limit {
		return limit
	}
	return remaining
}

// laterOf guards against clocks that do not advance or step backwards: state
// transitions are monotonic in time, so evaluation never uses an instant
// earlier than the previously stored one.
func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

// secondsToDuration converts fractional seconds, rounding up so a reported
// RetryAfter never undershoots the actual wait.
func secondsToDuration(sec float64) time.Duration {
	if sec <= 0 {
		return 0
	}
	d := time.Duration(sec * float64(time.Second))
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

func encodeState(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode limiter state: %w", err)
	}
	return b, nil
}

func decodeState(state []byte, v interface{}) error {
	if err := json.Unmarshal(state, v); err != nil {
		return fmt.Errorf("decode limiter state: %w", err)
	}
	return nil
}
