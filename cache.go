package fga

import (
	"fmt"
	"sync"

	"github.com/gofrs/uuid/v5"
	lru "github.com/hashicorp/golang-lru/v2"
)

// CheckCache memoizes Check decisions. Keys already include the store's
// current model version (see checkCacheKey), so entries computed under a
// superseded model are never served.
//
// Invalidation contract: Invalidate(storeID) must make every entry of the
// store unreachable. The engine calls it after every successful tuple
// batch. Precise dependency tracking across recursive chains is not
// attempted; a stale permission decision is a security defect, not a
// performance nuance.
//
// Set takes the epoch the caller captured (via Epoch) before it started
// reading tuples. A decision whose resolution raced an Invalidate is
// stored under the superseded epoch and never served, so invalidation
// wins over in-flight checks.
type CheckCache interface {
	Epoch(storeID uuid.UUID) uint64
	Get(storeID uuid.UUID, key string) (allowed, ok bool)
	Set(storeID uuid.UUID, epoch uint64, key string, allowed bool)
	Invalidate(storeID uuid.UUID)
	// Forget drops the store's invalidation state entirely; for stores
	// that no longer exist.
	Forget(storeID uuid.UUID)
}

// NopCache disables memoization. Useful in tests and as the default.
type NopCache struct{}

func (NopCache) Epoch(uuid.UUID) uint64              { return 0 }
func (NopCache) Get(uuid.UUID, string) (bool, bool)  { return false, false }
func (NopCache) Set(uuid.UUID, uint64, string, bool) {}
func (NopCache) Invalidate(uuid.UUID)                {}
func (NopCache) Forget(uuid.UUID)                    {}

// LRUCache is a bounded in-process CheckCache. Invalidation bumps a
// per-store epoch that is mixed into every key, so Invalidate is O(1) and
// orphaned entries age out of the LRU naturally.
type LRUCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, bool]
	epochs map[uuid.UUID]uint64
}

func NewLRUCache(size int) (*LRUCache, error) {
	inner, err := lru.New[string, bool](size)
	if err != nil {
		return nil, err
	}
	return &LRUCache{lru: inner, epochs: map[uuid.UUID]uint64{}}, nil
}

func (c *LRUCache) Epoch(storeID uuid.UUID) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epochs[storeID]
}

func (c *LRUCache) Get(storeID uuid.UUID, key string) (bool, bool) {
	return c.lru.Get(epochKey(c.Epoch(storeID), key))
}

func (c *LRUCache) Set(storeID uuid.UUID, epoch uint64, key string, allowed bool) {
	// The epoch is part of the key, so an entry inserted for a superseded
	// epoch is unreachable either way; skipping it just spares the LRU.
	if epoch != c.Epoch(storeID) {
		return
	}
	c.lru.Add(epochKey(epoch, key), allowed)
}

func (c *LRUCache) Invalidate(storeID uuid.UUID) {
	c.mu.Lock()
	c.epochs[storeID]++
	c.mu.Unlock()
}

func (c *LRUCache) Forget(storeID uuid.UUID) {
	c.mu.Lock()
	delete(c.epochs, storeID)
	c.mu.Unlock()
}

func epochKey(epoch uint64, key string) string {
	return fmt.Sprintf("%d|%s", epoch, key)
}
