package rulesets

import (
	"sync"
	"time"
)

// Cache holds the active rule sets between store reads.
// Implementations other than the in-memory one (Redis, for example) can be
// swapped in behind the interface.
type Cache interface {
	// Get returns the cached sets, or nil on a miss or after expiry
	Get() []*RuleSet

	Set(sets []*RuleSet)

	// Invalidate clears the cache, forcing a store read on the next Get
	Invalidate()

	IsValid() bool
}

// CacheConfig controls cache expiry
type CacheConfig struct {
	// TTL of 0 means entries live until invalidated
	TTL time.Duration `yaml:"ttl"`
}

// DefaultCacheConfig expires entries after a minute so that changes made by
// another engine instance become visible.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: time.Minute}
}

// InMemoryCache is a Cache safe for concurrent use
type InMemoryCache struct {
	sets     []*RuleSet
	cachedAt time.Time
	config   CacheConfig
	mu       sync.RWMutex
	valid    bool
	now      func() time.Time
}

// NewInMemoryCache creates an empty cache
func NewInMemoryCache(config CacheConfig) *InMemoryCache {
	return &InMemoryCache{config: config, now: time.Now}
}

func (c *InMemoryCache) Get() []*RuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	// callers get their own copies
	out := make([]*RuleSet, len(c.sets))
	for i, rs := range c.sets {
		out[i] = rs.clone()
	}
	return out
}

func (c *InMemoryCache) Set(sets []*RuleSet) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sets = make([]*RuleSet, len(sets))
	for i, rs := range sets {
		c.sets[i] = rs.clone()
	}
	c.cachedAt = c.now()
	c.valid = true
}

func (c *InMemoryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.valid = false
	c.sets = nil
}

func (c *InMemoryCache) IsValid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fresh()
}

// fresh must be called with mu held
func (c *InMemoryCache) fresh() bool {
	if !c.valid {
		return false
	}
	return c.config.TTL <= 0 || c.now().Sub(c.cachedAt) <= c.config.TTL
}
