package engine

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"
)

// cacheEntry represents one cached materialization result.
type cacheEntry struct {
	seriesID   string
	instances  []Instance
	expiresAt  time.Time
	accessedAt time.Time
}

// CacheConfig holds configuration for the materialization cache.
type CacheConfig struct {
	TTL             time.Duration // How long entries stay valid
	MaxEntries      int           // Maximum number of entries before cleanup
	CleanupInterval time.Duration // How often to run cleanup
}

// DefaultCacheConfig provides sensible defaults for materialization caching.
var DefaultCacheConfig = CacheConfig{
	TTL:             15 * time.Minute,
	MaxEntries:      1000,
	CleanupInterval: 5 * time.Minute,
}

// materializeCache caches materialization results per (series, window).
// Mutations invalidate every cached window of the affected series, so the
// TTL only matters for entries the engine itself did not obsolete.
type materializeCache struct {
	entries     map[string]*cacheEntry
	bySeries    map[string]map[string]struct{}
	mutex       sync.RWMutex
	config      CacheConfig
	stopCleanup chan struct{}
}

func newMaterializeCache(config CacheConfig) *materializeCache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = DefaultCacheConfig.CleanupInterval
	}

	c := &materializeCache{
		entries:     make(map[string]*cacheEntry),
		bySeries:    make(map[string]map[string]struct{}),
		config:      config,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

func cacheKey(seriesID string, windowStart, windowEnd time.Time) string {
	hasher := sha256.New()
	hasher.Write([]byte(seriesID))
	hasher.Write([]byte(windowStart.UTC().Format(time.RFC3339Nano)))
	hasher.Write([]byte(windowEnd.UTC().Format(time.RFC3339Nano)))
	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Get retrieves a cached result if it exists and hasn't expired.
func (c *materializeCache) Get(seriesID string, windowStart, windowEnd time.Time) ([]Instance, bool) {
	key := cacheKey(seriesID, windowStart, windowEnd)

	c.mutex.RLock()
	entry, exists := c.entries[key]
	c.mutex.RUnlock()
	if !exists {
		return nil, false
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		c.mutex.Lock()
		c.removeLocked(key)
		c.mutex.Unlock()
		return nil, false
	}

	c.mutex.Lock()
	entry.accessedAt = now
	c.mutex.Unlock()

	return cloneInstances(entry.instances), true
}

// Set stores a materialization result.
func (c *materializeCache) Set(seriesID string, windowStart, windowEnd time.Time, instances []Instance) {
	key := cacheKey(seriesID, windowStart, windowEnd)
	now := time.Now()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.entries[key] = &cacheEntry{
		seriesID:   seriesID,
		instances:  cloneInstances(instances),
		expiresAt:  now.Add(c.config.TTL),
		accessedAt: now,
	}
	if c.bySeries[seriesID] == nil {
		c.bySeries[seriesID] = make(map[string]struct{})
	}
	c.bySeries[seriesID][key] = struct{}{}

	if len(c.entries) > c.config.MaxEntries {
		c.cleanup()
	}
}

// InvalidateSeries drops every cached window of one series.
func (c *materializeCache) InvalidateSeries(seriesID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key := range c.bySeries[seriesID] {
		delete(c.entries, key)
	}
	delete(c.bySeries, seriesID)
}

func (c *materializeCache) removeLocked(key string) {
	if entry, ok := c.entries[key]; ok {
		delete(c.entries, key)
		if keys := c.bySeries[entry.seriesID]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.bySeries, entry.seriesID)
			}
		}
	}
}

// cleanup removes expired entries and, if still over the limit, the least
// recently accessed ones. Caller holds the write lock.
func (c *materializeCache) cleanup() {
	now := time.Now()
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			c.removeLocked(key)
		}
	}

	if len(c.entries) <= c.config.MaxEntries {
		return
	}

	type keyAccess struct {
		key        string
		accessedAt time.Time
	}
	victims := make([]keyAccess, 0, len(c.entries))
	for key, entry := range c.entries {
		victims = append(victims, keyAccess{key: key, accessedAt: entry.accessedAt})
	}
	for i := 0; i < len(victims)-1; i++ {
		for j := i + 1; j < len(victims); j++ {
			if victims[i].accessedAt.After(victims[j].accessedAt) {
				victims[i], victims[j] = victims[j], victims[i]
			}
		}
	}
	toRemove := len(c.entries) - c.config.MaxEntries
	for i := 0; i < toRemove && i < len(victims); i++ {
		c.removeLocked(victims[i].key)
	}
}

func (c *materializeCache) cleanupLoop() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			c.cleanup()
			c.mutex.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine and clears the cache.
func (c *materializeCache) Close() {
	close(c.stopCleanup)
	c.mutex.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.bySeries = make(map[string]map[string]struct{})
	c.mutex.Unlock()
}

func cloneInstances(in []Instance) []Instance {
	out := make([]Instance, len(in))
	copy(out, in)
	for i := range out {
		if out[i].Extra != nil {
			m := make(map[string]string, len(out[i].Extra))
			for k, v := range out[i].Extra {
				m[k] = v
			}
			out[i].Extra = m
		}
	}
	return out
}
