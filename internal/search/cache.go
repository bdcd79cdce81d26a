package search

import (
	"sync"

	"proptrust/searchservice/internal/domain"
	"proptrust/searchservice/internal/metrics"
)

const DefaultCacheCapacity = 50

type cacheEntry struct {
	records []domain.PropertyRecord
}

// ResultCache maps cache keys to filtered result lists and evicts the
// oldest inserted key once capacity is exceeded. Re-putting an existing key
// replaces its value without moving it in eviction order.
type ResultCache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]cacheEntry
	order    []string
}

func NewResultCache(capacity int) *ResultCache {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	return &ResultCache{
		capacity: capacity,
		entries:  make(map[string]cacheEntry, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Get returns a copy of the stored records.
func (c *ResultCache) Get(key string) ([]domain.PropertyRecord, bool) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	metrics.CacheHitsTotal.Inc()
	return domain.CloneRecords(entry.records), true
}

func (c *ResultCache) Put(key string, records []domain.PropertyRecord) {
	stored := domain.CloneRecords(records)
	if stored == nil {
		stored = []domain.PropertyRecord{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; exists {
		c.entries[key] = cacheEntry{records: stored}
		return
	}
	for len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order[0] = ""
		c.order = c.order[1:]
		delete(c.entries, oldest)
		metrics.CacheEvictionsTotal.Inc()
	}
	c.entries[key] = cacheEntry{records: stored}
	c.order = append(c.order, key)
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns cached keys from oldest to newest.
func (c *ResultCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}
