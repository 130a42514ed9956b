package api_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/api"
	"github.com/ratelink/ratelink-go/backend"
	"github.com/ratelink/ratelink-go/clock"
	"github.com/ratelink/ratelink-go/config"
	"github.com/ratelink/ratelink-go/internal/backend/memory"
	"github.com/ratelink/ratelink-go/types"
)

var testTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// flakyBackend wraps a real backend and injects scripted failures.
type flakyBackend struct {
	inner backend.Backend

	mu             sync.Mutex
	conflictsLeft  int
	failLoads      bool
	commitAttempts int
}

func (f *flakyBackend) Load(ctx context.Context, key string) ([]byte, backend.Version, error) {
	f.mu.Lock()
	fail := f.failLoads
	f.mu.Unlock()
	if fail {
		return nil, nil, types.ErrBackendUnavailable
	}
	return f.inner.Load(ctx, key)
}

func (f *flakyBackend) Commit(ctx context.Context, key string, state []byte, expected backend.Version, ttl time.Duration) error {
	f.mu.Lock()
	f.commitAttempts++
	if f.conflictsLeft != 0 {
		if f.conflictsLeft > 0 {
			f.conflictsLeft--
		}
		f.mu.Unlock()
		return backend.ErrConflict
	}
	f.mu.Unlock()
	return f.inner.Commit(ctx, key, state, expected, ttl)
}

func (f *flakyBackend) Delete(ctx context.Context, key string) error {
	return f.inner.Delete(ctx, key)
}

func newTestLimiter(t *testing.T, store backend.Backend, opts ...api.LimiterOption) *api.Limiter {
	t.Helper()
	opts = append([]api.LimiterOption{api.WithClock(clock.NewFake(testTime))}, opts...)
	l, err := api.NewLimiter("test", config.TokenBucket, types.Quota{Limit: 5, Window: time.Minute}, store, opts...)
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	return l
}

func TestLimiter_AllowsWithinQuota(t *testing.T) {
	l := newTestLimiter(t, memory.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Check(ctx, "user1", 1)
		if err != nil {
			t.Fatalf("Check failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("Request %d unexpectedly denied", i+1)
		}
	}
	d, err := l.Check(ctx, "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed over the quota")
	}

	// Another key is unaffected.
	d, err = l.Check(ctx, "user2", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request for different key unexpectedly denied")
	}
}

func TestLimiter_KeysAreNamespaced(t *testing.T) {
	store := memory.New()
	a := newTestLimiter(t, store)
	b, err := api.NewLimiter("other", config.TokenBucket, types.Quota{Limit: 1, Window: time.Minute}, store, api.WithClock(clock.NewFake(testTime)))
	if err != nil {
		t.Fatalf("NewLimiter failed: %v", err)
	}
	ctx := context.Background()

	// Exhaust the second limiter; the first must be untouched even though
	// they share a store and a caller key.
	if _, err := b.Check(ctx, "user1", 1); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	d, err := b.Check(ctx, "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Second limiter should be exhausted")
	}
	d, err = a.Check(ctx, "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Limiters sharing a store must not share state")
	}
}

func TestLimiter_RetriesOnConflict(t *testing.T) {
	flaky := &flakyBackend{inner: memory.New(), conflictsLeft: 2}
	l := newTestLimiter(t, flaky)

	d, err := l.Check(context.Background(), "user1", 1)
	if err != nil {
		t.Fatalf("Check failed despite retries: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request unexpectedly denied after conflict retries")
	}
	if flaky.commitAttempts != 3 {
		t.Fatalf("Commit attempts = %d, want 3 (two conflicts then success)", flaky.commitAttempts)
	}
}

func TestLimiter_ConflictExhaustionFailsClosed(t *testing.T) {
	flaky := &flakyBackend{inner: memory.New(), conflictsLeft: -1} // conflict forever
	l := newTestLimiter(t, flaky, api.WithMaxRetries(2))

	d, err := l.Check(context.Background(), "user1", 1)
	if !errors.Is(err, types.ErrConflictExhausted) {
		t.Fatalf("err = %v, want ErrConflictExhausted", err)
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed after retry exhaustion")
	}
	if flaky.commitAttempts != 3 {
		t.Fatalf("Commit attempts = %d, want 3 (initial + 2 retries)", flaky.commitAttempts)
	}
}

func TestLimiter_FailClosedOnBackendError(t *testing.T) {
	flaky := &flakyBackend{inner: memory.New(), failLoads: true}
	l := newTestLimiter(t, flaky)

	d, err := l.Check(context.Background(), "user1", 1)
	if !errors.Is(err, types.ErrBackendUnavailable) {
		t.Fatalf("err = %v, want ErrBackendUnavailable", err)
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed with unreachable backend (fail-closed is the default)")
	}
}

func TestLimiter_FailOpenOnBackendError(t *testing.T) {
	flaky := &flakyBackend{inner: memory.New(), failLoads: true}
	l := newTestLimiter(t, flaky, api.WithFailOpen())

	d, err := l.Check(context.Background(), "user1", 1)
	if err != nil {
		t.Fatalf("Fail-open Check returned error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request unexpectedly denied with fail-open enabled")
	}
}

func TestLimiter_InvalidCostIsNotAPolicyMatter(t *testing.T) {
	// A bad cost is a caller bug: it must error even under fail-open, never
	// get waved through.
	l := newTestLimiter(t, memory.New(), api.WithFailOpen())

	if _, err := l.Check(context.Background(), "user1", 0); !errors.Is(err, types.ErrInvalidConfiguration) {
		t.Fatalf("Check with cost 0: err = %v, want ErrInvalidConfiguration", err)
	}
}

func TestLimiter_HookReceivesEvents(t *testing.T) {
	var mu sync.Mutex
	var events []types.Event
	hook := types.HookFunc(func(e types.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	l := newTestLimiter(t, memory.New(), api.WithHooks(hook))
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := l.Check(ctx, "user1", 1); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 6 {
		t.Fatalf("Hook saw %d events, want 6 (exactly one per Check)", len(events))
	}
	allowed := 0
	for _, e := range events {
		if e.Limiter != "test" || e.Algorithm != "token_bucket" || e.Key != "user1" {
			t.Fatalf("Event carries wrong identity: %+v", e)
		}
		if e.Allowed {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("Hook saw %d allowed events, want 5", allowed)
	}
}

func TestLimiter_PanickingHookDoesNotChangeDecision(t *testing.T) {
	panicking := types.HookFunc(func(types.Event) { panic("broken observer") })
	var after int
	counting := types.HookFunc(func(types.Event) { after++ })

	l := newTestLimiter(t, memory.New(), api.WithHooks(panicking, counting))

	d, err := l.Check(context.Background(), "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request unexpectedly denied because a hook panicked")
	}
	if after != 1 {
		t.Fatalf("Hook after the panicking one ran %d times, want 1", after)
	}
}

func TestLimiter_PeekDoesNotConsume(t *testing.T) {
	l := newTestLimiter(t, memory.New())
	ctx := context.Background()

	if _, err := l.Check(ctx, "user1", 2); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	for i := 0; i < 5; i++ {
		d, err := l.Peek(ctx, "user1")
		if err != nil {
			t.Fatalf("Peek failed: %v", err)
		}
		if !d.Allowed || d.Remaining != 3 {
			t.Fatalf("Peek %d: Allowed=%v Remaining=%d, want true/3", i, d.Allowed, d.Remaining)
		}
	}
}

func TestLimiter_ResetRestoresQuota(t *testing.T) {
	l := newTestLimiter(t, memory.New())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := l.Check(ctx, "user1", 1); err != nil {
			t.Fatalf("Check failed: %v", err)
		}
	}
	if err := l.Reset(ctx, "user1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	d, err := l.Check(ctx, "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request unexpectedly denied after reset")
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	l := newTestLimiter(t, memory.New())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := l.Check(ctx, "user1", 1)
	if err == nil {
		t.Fatalf("Check with cancelled context should fail closed")
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed with cancelled context")
	}
}

func TestLimiter_SetQuota(t *testing.T) {
	l := newTestLimiter(t, memory.New())
	ctx := context.Background()

	if err := l.SetQuota(types.Quota{Limit: 1, Window: time.Minute}); err != nil {
		t.Fatalf("SetQuota failed: %v", err)
	}
	if _, err := l.Check(ctx, "user1", 1); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	d, err := l.Check(ctx, "user1", 1)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed after quota shrank to 1")
	}

	if err := l.SetQuota(types.Quota{Limit: 0, Window: time.Minute}); err == nil {
		t.Fatalf("SetQuota with zero limit should fail")
	}
}
