package cache

import (
	"sync"
	"time"

	verrors "github.com/porthorian/vaultagent/pkg/errors"
)

type entry struct {
	value     any
	createdAt time.Time
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// Stats is a point-in-time snapshot of cache accounting.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Size    int
	MaxSize int
}

// Cache is a TTL and capacity bounded key/value store. When full it
// evicts the least-recently-inserted entry; reads never promote. A
// default TTL of zero disables caching entirely: every Get misses and
// Set is a no-op.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	order      []string
	defaultTTL time.Duration
	maxSize    int
	hits       uint64
	misses     uint64
}

func New(defaultTTL time.Duration, maxSize int) (*Cache, error) {
	if defaultTTL < 0 {
		return nil, verrors.New(verrors.CodeInvalidConfig, "cache: default ttl must not be negative")
	}
	if maxSize <= 0 {
		return nil, verrors.New(verrors.CodeInvalidConfig, "cache: max size must be greater than zero")
	}

	return &Cache{
		entries:    map[string]entry{},
		defaultTTL: defaultTTL,
		maxSize:    maxSize,
	}, nil
}

func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ent, ok := c.entries[key]
	if ok && !ent.expired(now) {
		c.hits++
		return ent.value, true
	}
	if ok {
		c.remove(key)
	}

	c.misses++
	return nil, false
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL stores value under key. A ttl of zero falls back to the
// default TTL; if the effective TTL is still zero the value is not
// cached at all.
func (c *Cache) SetWithTTL(key string, value any, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if ttl <= 0 {
		return
	}

	if _, exists := c.entries[key]; !exists {
		if len(c.entries) >= c.maxSize {
			c.evictExpired(now)
		}
		if len(c.entries) >= c.maxSize {
			c.evictOldest()
		}
		c.order = append(c.order, key)
	}

	c.entries[key] = entry{
		value:     value,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	c.remove(key)
	return true
}

// DeleteFunc removes every entry whose key matches the predicate.
func (c *Cache) DeleteFunc(match func(key string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if match(key) {
			c.remove(key)
		}
	}
}

// Clear removes all entries and resets the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = map[string]entry{}
	c.order = nil
	c.hits = 0
	c.misses = 0
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Size:    len(c.entries),
		MaxSize: c.maxSize,
	}
}

func (c *Cache) DefaultTTL() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.defaultTTL
}

func (c *Cache) SetDefaultTTL(ttl time.Duration) {
	if ttl < 0 {
		ttl = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultTTL = ttl
}

// remove drops key from both the map and the insertion queue.
// Caller holds c.mu.
func (c *Cache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// evictExpired drops every expired entry. Caller holds c.mu.
func (c *Cache) evictExpired(now time.Time) {
	for key, ent := range c.entries {
		if ent.expired(now) {
			c.remove(key)
		}
	}
}

// evictOldest drops the least-recently-inserted entry. Caller holds c.mu.
func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}

	key := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, key)
}
