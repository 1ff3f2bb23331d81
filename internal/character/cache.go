// Package character implements the bounded cache for playable character
// payloads, layered on the handle registry.
package character

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotCached is returned by InstantiateFrom for keys that were never loaded
// through the cache.
var ErrNotCached = errors.New("character: key not in cache")

// Registry is the subset of the handle registry the cache relies on.
type Registry interface {
	Load(ctx context.Context, key string) (any, error)
	Release(key string) error
	RefCount(key string) (int, bool)
	Payload(key string) (any, bool)
}

// SpawnFunc creates an instance from a cached payload.
type SpawnFunc func(key string, payload any) (any, error)

const DefaultCapacity = 15

// Cache stores character keys in insertion order (oldest first). The cache
// holds one registry reference per entry. Hits do not reorder entries.
//
// Capacity is soft: an entry is only evicted when the cache's own reference
// is the last one (refCount <= 1).
//
// Entries dropped by EvictHalf while a consumer still holds them are parked:
// they leave the cache but keep the cache's reference until every consumer
// has released theirs.
type Cache struct {
	mu       sync.Mutex
	order    []string       // insertion order, oldest first
	entries  map[string]any // key -> payload the cache's reference belongs to
	parked   map[string]any
	capacity int

	reg    Registry
	spawn  SpawnFunc
	group  singleflight.Group
	logger *zap.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	skipped   atomic.Uint64
}

// NewCache creates a character cache
func NewCache(reg Registry, capacity int, spawn SpawnFunc, logger *zap.Logger) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		order:    make([]string, 0, capacity+1),
		entries:  make(map[string]any),
		parked:   make(map[string]any),
		capacity: capacity,
		reg:      reg,
		spawn:    spawn,
		logger:   logger.Named("characters"),
	}
}

// GetOrLoad returns the payload for key, loading it through the registry on
// a miss. Concurrent misses for the same key share one load and one
// reference.
func (c *Cache) GetOrLoad(ctx context.Context, key string) (any, error) {
	if payload, ok := c.get(key); ok {
		c.hits.Add(1)
		return payload, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if payload, ok := c.get(key); ok {
			return payload, nil
		}

		c.misses.Add(1)
		payload, err := c.reg.Load(detached, key)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		var extra []string
		if p, ok := c.entries[key]; ok && p != payload {
			// Left over from a torn down generation whose eviction hook has
			// not run yet.
			c.removeLocked(key)
		}
		if p, ok := c.parked[key]; ok {
			delete(c.parked, key)
			if p == payload {
				extra = append(extra, key)
			}
		}
		if p, ok := c.entries[key]; ok && p == payload {
			extra = append(extra, key)
		} else {
			c.order = append(c.order, key)
			c.entries[key] = payload
		}
		victims := c.evictLocked(key)
		c.mu.Unlock()

		for _, k := range extra {
			_ = c.reg.Release(k)
		}
		c.release(victims)
		return payload, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) get(key string) (any, bool) {
	c.mu.Lock()
	cached, ok := c.entries[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	payload, ok := c.reg.Payload(key)
	if !ok || payload != cached {
		return nil, false
	}
	return payload, true
}

func (c *Cache) removeLocked(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictLocked drops the oldest evictable entries until the cache is back
// within capacity or nothing else can go. The just-inserted key is never a
// victim.
func (c *Cache) evictLocked(inserted string) []string {
	var victims []string
	for len(c.order) > c.capacity {
		idx := -1
		for i, key := range c.order {
			if key == inserted {
				continue
			}
			refs, ok := c.reg.RefCount(key)
			if !ok || refs <= 1 {
				idx = i
				break
			}
			c.skipped.Add(1)
		}
		if idx < 0 {
			c.logger.Debug("character cache over capacity, all entries in use",
				zap.Int("size", len(c.order)), zap.Int("capacity", c.capacity))
			break
		}
		victim := c.order[idx]
		c.order = append(c.order[:idx], c.order[idx+1:]...)
		if c.holdsLocked(victim, c.entries[victim]) {
			victims = append(victims, victim)
		}
		delete(c.entries, victim)
	}
	return victims
}

func (c *Cache) release(keys []string) {
	for _, key := range keys {
		c.evictions.Add(1)
		if err := c.reg.Release(key); err != nil {
			c.logger.Debug("evicted character already gone", zap.String("key", key))
		}
	}
}

// InstantiateFrom spawns an instance from a cached character. It never loads:
// a key that is not cached fails.
func (c *Cache) InstantiateFrom(key string) (any, error) {
	payload, ok := c.get(key)
	if !ok {
		c.logger.Error("character not cached, load it first", zap.String("key", key))
		return nil, ErrNotCached
	}
	return c.spawn(key, payload)
}

// Forget drops key from the cache without releasing it. Used when the
// registry tore the handle down on its own. payload identifies the torn down
// generation; an entry holding a newer payload for the same key is kept.
func (c *Cache) Forget(key string, payload any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.parked[key]; ok && p == payload {
		delete(c.parked, key)
	}
	if p, ok := c.entries[key]; ok && p == payload {
		c.removeLocked(key)
	}
}

// EvictHalf drops the oldest half of the cache regardless of reference
// counts. Entries nobody else holds are released now. Entries a consumer
// still holds are parked until ReleaseParked finds them unused. Returns the
// evicted keys.
func (c *Cache) EvictHalf() []string {
	c.mu.Lock()
	n := len(c.order) / 2
	victims := make([]string, n)
	copy(victims, c.order[:n])
	c.order = append(c.order[:0], c.order[n:]...)

	var free []string
	for _, key := range victims {
		payload := c.entries[key]
		delete(c.entries, key)
		if !c.holdsLocked(key, payload) {
			continue
		}
		if refs, ok := c.reg.RefCount(key); ok && refs > 1 {
			c.parked[key] = payload
			continue
		}
		free = append(free, key)
	}
	c.mu.Unlock()

	c.release(free)
	return victims
}

// ReleaseParked gives back the reference of every parked entry that is no
// longer held by anyone else. Returns the released keys.
func (c *Cache) ReleaseParked() []string {
	c.mu.Lock()
	var keys []string
	for key := range c.parked {
		if c.unusedLocked(key) {
			keys = append(keys, key)
		}
	}
	for _, key := range keys {
		delete(c.parked, key)
	}
	c.mu.Unlock()

	sort.Strings(keys)
	c.release(keys)
	return keys
}

// Settle releases the parked reference for key once it is the last one.
// Reports whether a reference was released.
func (c *Cache) Settle(key string) bool {
	c.mu.Lock()
	if _, ok := c.parked[key]; !ok || !c.unusedLocked(key) {
		c.mu.Unlock()
		return false
	}
	delete(c.parked, key)
	c.mu.Unlock()

	c.release([]string{key})
	return true
}

func (c *Cache) unusedLocked(key string) bool {
	if !c.holdsLocked(key, c.parked[key]) {
		return false
	}
	refs, ok := c.reg.RefCount(key)
	return ok && refs <= 1
}

// holdsLocked reports whether the registry still serves payload for key, so
// the reference taken with it is alive.
func (c *Cache) holdsLocked(key string, payload any) bool {
	current, ok := c.reg.Payload(key)
	return ok && current == payload
}

// Parked returns the parked keys in order.
func (c *Cache) Parked() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.parked))
	for key := range c.parked {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Clear releases every cached and parked entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	var victims []string
	for _, key := range c.order {
		if c.holdsLocked(key, c.entries[key]) {
			victims = append(victims, key)
		}
	}
	for key, payload := range c.parked {
		if c.holdsLocked(key, payload) {
			victims = append(victims, key)
		}
	}
	c.order = make([]string, 0, c.capacity+1)
	c.entries = make(map[string]any)
	c.parked = make(map[string]any)
	c.mu.Unlock()

	c.release(victims)
}

// Contains reports whether key is cached.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Keys returns cached keys oldest first.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Len returns the current cache size
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Capacity returns the soft capacity.
func (c *Cache) Capacity() int { return c.capacity }

// Stats returns cache statistics
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Size:      c.Len(),
		Parked:    len(c.Parked()),
		Capacity:  c.capacity,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Skipped:   c.skipped.Load(),
	}
}

// CacheStats holds cache metrics
type CacheStats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Skipped   uint64 `json:"skipped_in_use"`
	Parked    int    `json:"parked"`
}
