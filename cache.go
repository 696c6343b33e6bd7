package holderfeed

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// RankCache is a process-local TTL cache of rankings.
// It is never shared across processes and a miss only costs a slower read.
//
// Every Invalidate bumps a per-key generation. A reader that loads from the store
// records the generation first and fills with SetIfCurrent, so a load that straddles
// a commit never puts the older ranking back.
type RankCache struct {
	cache *ristretto.Cache[string, []Holder]
	ttl   time.Duration

	mu          sync.Mutex
	generations map[string]uint64
}

// NewRankCache creates a cache whose entries expire after ttl.
func NewRankCache(ttl time.Duration) (*RankCache, error) {
	var cache, err = ristretto.NewCache(&ristretto.Config[string, []Holder]{
		NumCounters:        10_000,
		MaxCost:            1_000,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create rank cache: %w", err)
	}

	return &RankCache{
		cache:       cache,
		ttl:         ttl,
		generations: make(map[string]uint64),
	}, nil
}

// holdersKey is the cache key of an entity's current ranking.
func holdersKey(entityID string) string {
	return "holders:" + entityID
}

// Get returns a copy of the cached holders for key.
func (c *RankCache) Get(key string) ([]Holder, bool) {
	var holders, ok = c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return append([]Holder(nil), holders...), true
}

// Set stores holders under key. The write is visible to Get once Set returns.
func (c *RankCache) Set(key string, holders []Holder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(key, holders)
}

// Generation returns the number of times key was invalidated.
func (c *RankCache) Generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[key]
}

// SetIfCurrent stores holders only if key was not invalidated since generation was read.
// It reports whether the entry was stored.
func (c *RankCache) SetIfCurrent(key string, holders []Holder, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[key] != generation {
		return false
	}
	c.set(key, holders)
	return true
}

// Invalidate drops key so the next read goes to the store.
func (c *RankCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.generations[key]++
	c.cache.Del(key)
}

func (c *RankCache) set(key string, holders []Holder) {
	c.cache.SetWithTTL(key, append([]Holder(nil), holders...), 1, c.ttl)
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *RankCache) Close() {
	c.cache.Close()
}
