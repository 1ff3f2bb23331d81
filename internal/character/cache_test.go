package character

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"live-assets/internal/handle"
)

type stubLoader struct {
	calls atomic.Int64
}

func (l *stubLoader) LoadAsync(_ context.Context, key string) (any, error) {
	l.calls.Add(1)
	return "payload:" + key, nil
}

func (l *stubLoader) Release(string, any) {}

func newTestCache(t *testing.T, capacity int) (*Cache, *handle.Registry, *stubLoader) {
	t.Helper()
	loader := &stubLoader{}
	var cache *Cache
	reg := handle.New(loader, handle.Hooks{
		OnEvict: func(key string, p any) {
			if cache != nil {
				cache.Forget(key, p)
			}
		},
	}, nil)
	cache = NewCache(reg, capacity, func(key string, payload any) (any, error) {
		return fmt.Sprintf("instance of %v", payload), nil
	}, nil)
	return cache, reg, loader
}

func fill(t *testing.T, c *Cache, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.GetOrLoad(context.Background(), fmt.Sprintf("hero_%d", i))
		require.NoError(t, err)
	}
}

func TestHitDoesNotReorder(t *testing.T) {
	c, _, loader := newTestCache(t, 3)
	fill(t, c, 3)

	p, err := c.GetOrLoad(context.Background(), "hero_0")
	require.NoError(t, err)
	assert.Equal(t, "payload:hero_0", p)
	assert.Equal(t, int64(3), loader.calls.Load())
	assert.Equal(t, []string{"hero_0", "hero_1", "hero_2"}, c.Keys())
}

func TestEvictsOldestWhenOverCapacity(t *testing.T) {
	c, reg, _ := newTestCache(t, 15)
	fill(t, c, 16)

	require.Equal(t, 15, c.Len())
	assert.False(t, c.Contains("hero_0"))
	_, ok := reg.RefCount("hero_0")
	assert.False(t, ok, "evicted entry should be released from the registry")
	assert.Equal(t, "hero_15", c.Keys()[14])
}

func TestSkipsEntriesStillInUse(t *testing.T) {
	c, reg, _ := newTestCache(t, 15)
	fill(t, c, 15)

	// A consumer holds hero_0, so refCount == 2.
	_, err := reg.Load(context.Background(), "hero_0")
	require.NoError(t, err)

	_, err = c.GetOrLoad(context.Background(), "hero_15")
	require.NoError(t, err)

	assert.True(t, c.Contains("hero_0"), "in-use entry must survive")
	assert.False(t, c.Contains("hero_1"), "next-oldest evictable entry goes instead")
	assert.Equal(t, 15, c.Len())
	refs, _ := reg.RefCount("hero_0")
	assert.Equal(t, 2, refs)
}

func TestSoftCapacityWhenAllPinned(t *testing.T) {
	c, reg, _ := newTestCache(t, 2)
	fill(t, c, 2)
	for _, k := range c.Keys() {
		_, err := reg.Load(context.Background(), k)
		require.NoError(t, err)
	}

	_, err := c.GetOrLoad(context.Background(), "hero_new")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Len(), "cache may exceed capacity while entries are in use")
	assert.True(t, c.Contains("hero_new"))
}

func TestInstantiateFromRequiresCachedKey(t *testing.T) {
	c, _, loader := newTestCache(t, 3)

	_, err := c.InstantiateFrom("hero_9")
	require.ErrorIs(t, err, ErrNotCached)
	assert.Zero(t, loader.calls.Load(), "InstantiateFrom must never load")

	fill(t, c, 1)
	inst, err := c.InstantiateFrom("hero_0")
	require.NoError(t, err)
	assert.Equal(t, "instance of payload:hero_0", inst)
}

func TestConcurrentMissesShareOneReference(t *testing.T) {
	c, reg, loader := newTestCache(t, 5)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetOrLoad(context.Background(), "hero_x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), loader.calls.Load())
	assert.Equal(t, 1, c.Len())
	refs, _ := reg.RefCount("hero_x")
	assert.Equal(t, 1, refs, "the cache holds exactly one reference")
}

func TestEvictHalfIgnoresGuard(t *testing.T) {
	c, reg, _ := newTestCache(t, 10)
	fill(t, c, 6)
	_, err := reg.Load(context.Background(), "hero_0")
	require.NoError(t, err)

	victims := c.EvictHalf()
	assert.Equal(t, []string{"hero_0", "hero_1", "hero_2"}, victims)
	assert.Equal(t, 3, c.Len())
	assert.False(t, c.Contains("hero_0"))
	assert.Equal(t, []string{"hero_0"}, c.Parked())

	// The in-use entry keeps the cache's reference until its consumer is done.
	refs, ok := reg.RefCount("hero_0")
	require.True(t, ok)
	assert.Equal(t, 2, refs)
	_, ok = reg.RefCount("hero_1")
	assert.False(t, ok)

	assert.False(t, c.Settle("hero_0"), "consumer still holds it")
	require.NoError(t, reg.Release("hero_0"))
	assert.True(t, c.Settle("hero_0"))
	_, ok = reg.RefCount("hero_0")
	assert.False(t, ok)
	assert.Empty(t, c.Parked())
}

func TestRepeatedEvictHalfKeepsConsumerReferences(t *testing.T) {
	c, reg, _ := newTestCache(t, 10)
	fill(t, c, 4)
	for _, k := range []string{"hero_0", "hero_1"} {
		_, err := reg.Load(context.Background(), k)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"hero_0", "hero_1"}, c.EvictHalf())
	assert.Equal(t, []string{"hero_2"}, c.EvictHalf())
	assert.Empty(t, c.ReleaseParked(), "both parked entries are still held")
	assert.Equal(t, []string{"hero_3"}, c.Keys())

	for _, k := range []string{"hero_0", "hero_1"} {
		refs, ok := reg.RefCount(k)
		require.True(t, ok, k)
		assert.Equal(t, 2, refs, k)
	}
	_, ok := reg.RefCount("hero_2")
	assert.False(t, ok)

	require.NoError(t, reg.Release("hero_1"))
	assert.Equal(t, []string{"hero_1"}, c.ReleaseParked())
	assert.Equal(t, []string{"hero_0"}, c.Parked())
	assert.Equal(t, 1, c.Stats().Parked)
}

func TestGetOrLoadRevivesParkedEntry(t *testing.T) {
	c, reg, _ := newTestCache(t, 10)
	fill(t, c, 2)
	_, err := reg.Load(context.Background(), "hero_0")
	require.NoError(t, err)
	c.EvictHalf()

	_, err = c.GetOrLoad(context.Background(), "hero_0")
	require.NoError(t, err)
	assert.True(t, c.Contains("hero_0"))
	assert.Empty(t, c.Parked())
	refs, _ := reg.RefCount("hero_0")
	assert.Equal(t, 2, refs, "one reference for the consumer and one for the cache")
}

// generationLoader returns a new pointer on every load.
type generationLoader struct {
	calls atomic.Int64
}

type generation struct {
	key string
	n   int64
}

func (l *generationLoader) LoadAsync(_ context.Context, key string) (any, error) {
	return &generation{key: key, n: l.calls.Add(1)}, nil
}

func (l *generationLoader) Release(string, any) {}

func TestLateForgetKeepsReloadedEntry(t *testing.T) {
	// No eviction hook: the test delivers the old generation's Forget late.
	reg := handle.New(&generationLoader{}, handle.Hooks{}, nil)
	c := NewCache(reg, 5, func(string, any) (any, error) { return nil, nil }, nil)
	ctx := context.Background()

	old, err := c.GetOrLoad(ctx, "hero_1")
	require.NoError(t, err)
	reg.Evict("hero_1")

	fresh, err := c.GetOrLoad(ctx, "hero_1")
	require.NoError(t, err)
	require.NotSame(t, old, fresh)
	assert.Equal(t, []string{"hero_1"}, c.Keys())

	c.Forget("hero_1", old)
	assert.True(t, c.Contains("hero_1"), "stale forget must not drop the new entry")
	refs, ok := reg.RefCount("hero_1")
	require.True(t, ok)
	assert.Equal(t, 1, refs)

	c.Clear()
	_, ok = reg.RefCount("hero_1")
	assert.False(t, ok, "the new reference is still released on clear")
}

func TestForgetFollowsRegistryEviction(t *testing.T) {
	c, reg, _ := newTestCache(t, 5)
	fill(t, c, 2)

	reg.Evict("hero_1")
	assert.False(t, c.Contains("hero_1"))
	assert.Equal(t, []string{"hero_0"}, c.Keys())
}

func TestClearReleasesEverything(t *testing.T) {
	c, reg, _ := newTestCache(t, 5)
	fill(t, c, 4)
	c.Clear()

	assert.Zero(t, c.Len())
	assert.Zero(t, reg.Stats().Loaded)
}
