// Package memory provides the in-process Backend: a mutex-guarded map with
// per-entry version counters and TTL-based expiry.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/clock"
)

type entry struct {
	state     []byte
	version   uint64
	expiresAt time.Time
}

// Backend is the in-memory store. Safe for concurrent use; expired entries
// are dropped lazily on Load and swept by an optional janitor goroutine.
type Backend struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   clock.Clock

	janitorStop chan struct{}
	janitorOnce sync.Once
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock injects a custom time source, used by tests to drive expiry.
func WithClock(c clock.Clock) Option {
	return func(b *Backend) {
		if c != nil {
			b.clock = c
		}
	}
}

// WithJanitor starts a background sweep of expired entries at the given
// interval. Close stops it.
func WithJanitor(interval time.Duration) Option {
	return func(b *Backend) {
		if interval <= 0 {
			return
		}
		b.janitorStop = make(chan struct{})
		go b.janitor(interval)
	}
}

// New creates an in-memory Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		entries: make(map[string]*entry),
		clock:   clock.System(),
	}
	for _, opt := range opts {
		opt(b)
	}
	log.Info().Str("backend", "in_memory").Msg("Backend: initialized")
	return b
}

// Load returns the live state for key, or (nil, nil, nil) when absent or
// expired.
func (b *Backend) Load(ctx context.Context, key string) ([]byte, backend.Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return nil, nil, nil
	}
	if !b.clock.Now().Before(e.expiresAt) {
		delete(b.entries, key)
		return nil, nil, nil
	}
	state := make([]byte, len(e.state))
	copy(state, e.state)
	return state, e.version, nil
}

// Commit installs the new state if the stored version still matches expected.
// expected == nil asserts the key does not exist yet.
func (b *Backend) Commit(ctx context.Context, key string, state []byte, expected backend.Version, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	e, ok := b.entries[key]
	if ok && !now.Before(e.expiresAt) {
		delete(b.entries, key)
		e, ok = nil, false
	}

	if expected == nil {
		if ok {
			return backend.ErrConflict
		}
		stored := make([]byte, len(state))
		copy(stored, state)
		b.entries[key] = &entry{state: stored, version: 1, expiresAt: now.Add(ttl)}
		return nil
	}

	want, _ := expected.(uint64)
	if !ok || e.version != want {
		return backend.ErrConflict
	}
	e.state = make([]byte, len(state))
	copy(e.state, state)
	e.version++
	e.expiresAt = now.Add(ttl)
	return nil
}

// Delete removes the key. Absent keys are a no-op.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	delete(b.entries, key)
	b.mu.Unlock()
	return nil
}

// Store unconditionally replaces the state for key, resetting its version.
// Used by the multi-region composite for best-effort replication.
func (b *Backend) Store(ctx context.Context, key string, state []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(state))
	copy(stored, state)
	var version uint64 = 1
	if e, ok := b.entries[key]; ok {
		version = e.version + 1
	}
	b.entries[key] = &entry{state: stored, version: version, expiresAt: b.clock.Now().Add(ttl)}
	return nil
}

// Len reports the number of live entries; a test and stats helper.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Close stops the janitor goroutine if one was started.
func (b *Backend) Close() error {
	if b.janitorStop != nil {
		b.janitorOnce.Do(func() { close(b.janitorStop) })
	}
	return nil
}

func (b *Backend) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.janitorStop:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Backend) sweep() {
	now := b.clock.Now()
	b.mu.Lock()
	for key, e := range b.entries {
		if !now.Before(e.expiresAt) {
			delete(b.entries, key)
		}
	}
	b.mu.Unlock()
}
