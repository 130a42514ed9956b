package types

import "errors"

// Sentinel errors surfaced by the library. Wrap with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	// ErrBackendUnavailable indicates the state store could not be reached.
	// Whether the request is then allowed or denied is the limiter's
	// fail-open/fail-closed policy.
	ErrBackendUnavailable = errors.New("ratelink: backend unavailable")

	// ErrConflictExhausted indicates too many concurrent compare-and-set races
	// on one key. Transient; safe to retry at the caller.
	ErrConflictExhausted = errors.New("ratelink: conflict retries exhausted")

	// ErrInvalidConfiguration indicates a non-positive limit, window, cost or
	// retry bound. Raised at construction time, never mid-call.
	ErrInvalidConfiguration = errors.New("ratelink: invalid configuration")

	// ErrCapacityExceeded indicates a quota pool allocation that would exceed
	// the pool's total quota.
	ErrCapacityExceeded = errors.New("ratelink: pool capacity exceeded")

	// ErrUnknownTier indicates a priority check against an unconfigured tier.
	ErrUnknownTier = errors.New("ratelink: unknown tier")
)
