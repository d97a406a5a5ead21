// Package cache implements the time-bounded key-value cache used to avoid
// redundant key-store round trips for mapping, device-list, and session
// lookups.
//
// It is grounded on the teacher's injectable-clock idiom (crypto.TimeProvider,
// friend.TimeProvider): every Cache accepts a crypto.TimeProvider so tests can
// advance time deterministically instead of sleeping.
package cache

import (
	"sync"
	"time"

	"github.com/opd-ai/wacore/crypto"
)

// entry is one cached value with its expiration timestamp.
type entry struct {
	value   interface{}
	expires time.Time
}

// Cache is a TTL-bounded map. It is safe for concurrent use. There is no
// size bound; eviction happens only lazily, on read, or via Sweep.
type Cache struct {
	mu            sync.Mutex
	values        map[string]entry
	ttl           time.Duration
	accessRefresh bool
	timeProvider  crypto.TimeProvider
}

// Option configures a Cache at construction time.
type Option func(*Cache)

// WithAccessRefresh makes a cache hit reset the entry's expiration.
func WithAccessRefresh() Option {
	return func(c *Cache) { c.accessRefresh = true }
}

// WithTimeProvider injects a custom clock, for deterministic tests.
func WithTimeProvider(tp crypto.TimeProvider) Option {
	return func(c *Cache) {
		if tp != nil {
			c.timeProvider = tp
		}
	}
}

// New creates a Cache with the given TTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	c := &Cache{
		values:       make(map[string]entry),
		ttl:          ttl,
		timeProvider: crypto.DefaultTimeProvider{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key and true, or (nil, false) on miss or
// expiry. An expired entry found on read is removed.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.values[key]
	if !ok {
		return nil, false
	}
	now := c.timeProvider.Now()
	if now.After(e.expires) {
		delete(c.values, key)
		return nil, false
	}
	if c.accessRefresh {
		e.expires = now.Add(c.ttl)
		c.values[key] = e
	}
	return e.value, true
}

// Set stores value under key with a fresh TTL.
func (c *Cache) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = entry{value: value, expires: c.timeProvider.Now().Add(c.ttl)}
}

// Delete removes key unconditionally.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Sweep removes every entry expired as of now. Callers with long-lived
// caches may run this periodically; Get alone is sufficient for
// correctness since it evicts lazily.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeProvider.Now()
	removed := 0
	for k, e := range c.values {
		if now.After(e.expires) {
			delete(c.values, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently stored, including any not
// yet lazily evicted.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.values)
}
