// Package recent remembers remote hosts that recently completed a
// connection, so reconnect notices can be logged once per window.
package recent

import (
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	DefaultTTL      = time.Hour
	DefaultCapacity = 100
)

// Cache is a size and time bounded set of addresses. Entries expire TTL
// after they were written and the oldest insertion is evicted once the
// capacity is exceeded. The stored value is the insertion time.
type Cache struct {
	mu    sync.Mutex
	lru   *simplelru.LRU[netip.Addr, time.Time]
	ttl   time.Duration
	clock clock.Clock
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(capacity int, ttl time.Duration, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// Only fails for a non-positive size.
	lru, _ := simplelru.NewLRU[netip.Addr, time.Time](capacity, nil)
	c := &Cache{lru: lru, ttl: ttl, clock: clock.New()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SeenRecently reports whether addr was marked within the last TTL.
func (c *Cache) SeenRecently(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(addr, c.clock.Now())
}

// MarkSeen records addr as seen now.
func (c *Cache) MarkSeen(addr netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	c.expireLocked(now)
	c.lru.Add(addr, now)
}

// SeenOrMark reports whether addr was seen within the TTL and marks it if
// it was not. Check and insert happen under one lock so two concurrent
// callers for the same fresh address see exactly one false.
func (c *Cache) SeenOrMark(addr netip.Addr) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if c.liveLocked(addr, now) {
		return true
	}
	c.expireLocked(now)
	c.lru.Add(addr, now)
	return false
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked(c.clock.Now())
	return c.lru.Len()
}

func (c *Cache) liveLocked(addr netip.Addr, now time.Time) bool {
	// Peek so reads never change eviction order.
	at, ok := c.lru.Peek(addr)
	if !ok {
		return false
	}
	if !now.Before(at.Add(c.ttl)) {
		c.lru.Remove(addr)
		return false
	}
	return true
}

// expireLocked drops expired entries from the old end. Entries are ordered
// by insertion time, so the walk stops at the first live one.
func (c *Cache) expireLocked(now time.Time) {
	for {
		addr, at, ok := c.lru.GetOldest()
		if !ok || now.Before(at.Add(c.ttl)) {
			return
		}
		c.lru.Remove(addr)
	}
}
