package contextdata

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

type cacheEntry struct {
	value     any
	expiresAt time.Time
}

// Cache is a bounded in-process TTL cache. Eviction is oldest-inserted-first:
// when full, the entry that has been in the cache longest goes, regardless of
// how recently it was read. A background sweep removes expired entries so the
// cache does not hold dead values between evaluation cycles.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	order   []string // insertion order, oldest first
	maxSize int
	ttl     time.Duration

	flight singleflight.Group
	now    func() time.Time

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// NewCache creates a cache holding at most maxSize entries with the given
// default TTL and starts its background sweep.
func NewCache(maxSize int, ttl time.Duration) *Cache {
	c := &Cache{
		entries:   make(map[string]*cacheEntry),
		maxSize:   maxSize,
		ttl:       ttl,
		now:       time.Now,
		sweepStop: make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get returns the cached value for key if present and unexpired; otherwise it
// invokes fetch, stores the result with the given TTL and returns it. A fetch
// error propagates and nothing is cached. Concurrent Gets for the same key
// share a single fetch.
func (c *Cache) Get(key string, ttl time.Duration, fetch func() (any, error)) (any, error) {
	if v, ok := c.Lookup(key); ok {
		return v, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		if v, ok := c.Lookup(key); ok {
			return v, nil
		}
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Lookup returns the cached value without fetching
func (c *Cache) Lookup(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		c.removeLocked(key)
		return nil, false
	}
	return e.value, true
}

// Set stores a value, evicting the oldest entry first if the cache is full
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.maxSize && len(c.order) > 0 {
			c.removeLocked(c.order[0])
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// Has reports whether key is cached and unexpired
func (c *Cache) Has(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// Clear drops all entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = nil
}

// Len returns the current entry count
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close stops the background sweep
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.sweepStop) })
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Cache) sweep() {
	interval := c.ttl
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for key, e := range c.entries {
				if now.After(e.expiresAt) {
					c.removeLocked(key)
				}
			}
			c.mu.Unlock()
		}
	}
}
