// Package backend defines the storage contract every state store must satisfy.
// The contract is deliberately small: an optimistic-concurrency load/commit
// pair plus delete. Any store implementing it with the stated atomicity works
// with every algorithm, whether state lives in-process or across a network.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrConflict is returned by Commit when the stored version token no longer
// matches the expected one. The caller must reload and retry.
var ErrConflict = errors.New("backend: version conflict")

// Version is the opaque compare-and-set token paired with a loaded state.
// It is owned by the backend that produced it and must be passed back to
// Commit unmodified. nil means "the key did not exist at load time".
type Version interface{}

// Backend is a pluggable atomic key-value state store.
//
// Commit must succeed only if the stored version still equals expected at the
// moment of write; otherwise it returns ErrConflict. With expected == nil the
// commit succeeds only if the key still does not exist. Partial writes must
// never be observable: a reader sees either the prior state or the fully new
// state. Every commit carries a TTL so state for idle keys expires without
// external intervention.
type Backend interface {
	// Load returns the stored state and its version token, or (nil, nil, nil)
	// when the key has never been seen or has expired.
	Load(ctx context.Context, key string) (state []byte, ver Version, err error)

	// Commit atomically replaces the state for key if the stored version still
	// matches expected, refreshing the key's TTL.
	Commit(ctx context.Context, key string, state []byte, expected Version, ttl time.Duration) error

	// Delete removes all state for key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// Replicator is an optional capability: an unconditional write used by the
// multi-region composite to push committed state to peer regions. It bypasses
// version checks and must only be used for best-effort replication, never for
// admission decisions.
type Replicator interface {
	Store(ctx context.Context, key string, state []byte, ttl time.Duration) error
}
