// Package memcachetest provides Memcached fixtures for backend tests: an
// in-process fake with real CAS semantics for unit tests and an env-guarded
// real server for integration runs.
package memcachetest

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/ratelink/ratelink-go/internal/memcacheiface"
)

// GetMemcachedAddress returns the Memcached address for integration tests,
// defaulting to "localhost:11211". MEMCACHED_ADDR overrides it; under
// CI=true the default is "memcached:11211".
func GetMemcachedAddress() string {
	if addr := os.Getenv("MEMCACHED_ADDR"); addr != "" {
		return addr
	}
	if os.Getenv("CI") == "true" {
		return "memcached:11211"
	}
	return "localhost:11211"
}

// SetupMemcachedClient connects to a real Memcached server for integration
// tests, skipping the test when none is reachable. Memcached has no ping, so
// connectivity is checked with a throwaway set/get.
func SetupMemcachedClient(t *testing.T) *memcache.Client {
	t.Helper()
	addr := GetMemcachedAddress()
	mc := memcache.New(addr)

	if err := mc.Set(&memcache.Item{Key: "ping_test", Value: []byte("1"), Expiration: 10}); err != nil {
		t.Skipf("Memcached not reachable at %s, skipping integration test: %v", addr, err)
	}
	if _, err := mc.Get("ping_test"); err != nil {
		t.Skipf("Memcached not reachable at %s, skipping integration test: %v", addr, err)
	}
	mc.Delete("ping_test")
	return mc
}

// CleanupMemcachedKeys deletes the given keys, best effort.
func CleanupMemcachedKeys(t *testing.T, client memcacheiface.Client, keys []string) {
	t.Helper()
	for _, key := range keys {
		if err := client.Delete(key); err != nil && err != memcache.ErrCacheMiss {
			t.Logf("cleanup: failed to delete %q: %v", key, err)
		}
	}
}

type fakeEntry struct {
	value     []byte
	casid     uint64
	expiresAt time.Time
}

// FakeClient is an in-process memcacheiface.Client with compare-and-swap
// semantics matching a real server closely enough for backend unit tests.
// Item CAS identity is tracked per *memcache.Item pointer returned by Get,
// mirroring how the real client hides the token inside the item.
type FakeClient struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
	tokens  map[*memcache.Item]uint64
	nextCAS uint64

	// FailOps makes every call return this error, for outage simulation.
	FailOps error
}

// NewFakeClient creates an empty fake.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		entries: make(map[string]fakeEntry),
		tokens:  make(map[*memcache.Item]uint64),
	}
}

var _ memcacheiface.Client = (*FakeClient)(nil)

func (f *FakeClient) expired(e fakeEntry) bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

func expiration(seconds int32) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func (f *FakeClient) Get(key string) (*memcache.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOps != nil {
		return nil, f.FailOps
	}
	e, ok := f.entries[key]
	if !ok || f.expired(e) {
		delete(f.entries, key)
		return nil, memcache.ErrCacheMiss
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	item := &memcache.Item{Key: key, Value: value}
	f.tokens[item] = e.casid
	return item, nil
}

func (f *FakeClient) Add(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOps != nil {
		return f.FailOps
	}
	if e, ok := f.entries[item.Key]; ok && !f.expired(e) {
		return memcache.ErrNotStored
	}
	f.nextCAS++
	f.entries[item.Key] = fakeEntry{value: append([]byte(nil), item.Value...), casid: f.nextCAS, expiresAt: expiration(item.Expiration)}
	return nil
}

func (f *FakeClient) CompareAndSwap(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOps != nil {
		return f.FailOps
	}
	token, ok := f.tokens[item]
	if !ok {
		return memcache.ErrNotStored
	}
	e, exists := f.entries[item.Key]
	if !exists || f.expired(e) {
		delete(f.entries, item.Key)
		return memcache.ErrCacheMiss
	}
	if e.casid != token {
		return memcache.ErrCASConflict
	}
	f.nextCAS++
	f.entries[item.Key] = fakeEntry{value: append([]byte(nil), item.Value...), casid: f.nextCAS, expiresAt: expiration(item.Expiration)}
	return nil
}

func (f *FakeClient) Set(item *memcache.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOps != nil {
		return f.FailOps
	}
	f.nextCAS++
	f.entries[item.Key] = fakeEntry{value: append([]byte(nil), item.Value...), casid: f.nextCAS, expiresAt: expiration(item.Expiration)}
	return nil
}

func (f *FakeClient) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailOps != nil {
		return f.FailOps
	}
	if _, ok := f.entries[key]; !ok {
		return memcache.ErrCacheMiss
	}
	delete(f.entries, key)
	return nil
}
