// Package memcacheiface narrows the Memcache client to the operations the
// backend needs, so unit tests can substitute an in-process fake.
package memcacheiface

import "github.com/bradfitz/gomemcache/memcache"

// Client is the subset of *memcache.Client used by the memcache backend.
type Client interface {
	Get(key string) (*memcache.Item, error)
	Add(item *memcache.Item) error
	CompareAndSwap(item *memcache.Item) error
	Delete(key string) error
	Set(item *memcache.Item) error
}
