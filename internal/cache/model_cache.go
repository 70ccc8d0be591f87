package cache

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/IBM/taxinomitis/internal/models"
)

// EvictFunc is called synchronously for every entry that leaves the cache,
// whether pushed out by capacity or removed explicitly. It runs before the
// call that caused the eviction returns.
type EvictFunc func(key string, info models.ModelInfo)

// ModelCache is a bounded, least-recently-used map of model keys to ledger
// entries. Reads go straight to the LRU; mutations are serialised so that a
// compare-and-replace can never interleave with an eviction.
type ModelCache struct {
	mu        sync.Mutex
	entries   *lru.Cache[string, models.ModelInfo]
	evictions atomic.Int64
}

func New(size int, onEvict EvictFunc) (*ModelCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("model cache size must be positive, got %d", size)
	}
	c := &ModelCache{}
	entries, err := lru.NewWithEvict(size, func(key string, info models.ModelInfo) {
		c.evictions.Add(1)
		if onEvict != nil {
			onEvict(key, info)
		}
	})
	if err != nil {
		return nil, err
	}
	c.entries = entries
	return c, nil
}

// Get returns the entry for a key and marks it as recently used
func (c *ModelCache) Get(key string) (models.ModelInfo, bool) {
	return c.entries.Get(key)
}

// Peek returns the entry for a key without affecting recency
func (c *ModelCache) Peek(key string) (models.ModelInfo, bool) {
	return c.entries.Peek(key)
}

func (c *ModelCache) Contains(key string) bool {
	return c.entries.Contains(key)
}

// Put inserts or replaces an entry. If the cache is over capacity the least
// recently used other key is evicted before Put returns.
func (c *ModelCache) Put(key string, info models.ModelInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, info)
}

// PutIfAbsent inserts an entry only if the key is not cached already
func (c *ModelCache) PutIfAbsent(key string, info models.ModelInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries.Contains(key) {
		return false
	}
	c.entries.Add(key, info)
	return true
}

// ReplaceRun replaces the entry for key only while it still belongs to the
// given training run. It reports false if the key was evicted, deleted or
// taken over by a newer run.
func (c *ModelCache) ReplaceRun(key string, runID string, next models.ModelInfo) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	current, ok := c.entries.Peek(key)
	if !ok || runID == "" || current.RunID != runID {
		return false
	}
	c.entries.Add(key, next)
	return true
}

// OwnedBy reports whether the cached entry for key belongs to the given run
func (c *ModelCache) OwnedBy(key string, runID string) bool {
	current, ok := c.entries.Peek(key)
	return ok && runID != "" && current.RunID == runID
}

// Remove drops a key, running the eviction callback if it was present
func (c *ModelCache) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Remove(key)
}

func (c *ModelCache) Len() int {
	return c.entries.Len()
}

// Keys returns cached keys from least to most recently used
func (c *ModelCache) Keys() []string {
	return c.entries.Keys()
}

// Evictions counts entries that have left the cache since it was created
func (c *ModelCache) Evictions() int64 {
	return c.evictions.Load()
}
