package permcache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type countingMetrics struct {
	mu     sync.Mutex
	hits   map[string]int
	misses int
}

func (m *countingMetrics) AddCacheHit(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hits == nil {
		m.hits = make(map[string]int)
	}
	m.hits[level]++
}

func (m *countingMetrics) AddCacheMiss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses++
}

func (m *countingMetrics) hit(level string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[level]
}

func newTestCache(t *testing.T, opts ...Option) (*Cache, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, time.Minute, nil, opts...), mr, client
}

func staticLoader(codes []string, calls *atomic.Int64) func(context.Context) ([]string, error) {
	return func(context.Context) ([]string, error) {
		calls.Add(1)
		return codes, nil
	}
}

func TestFetchEffectiveStoresAndServesFromRedis(t *testing.T) {
	c, _, client := newTestCache(t)
	var calls atomic.Int64
	load := staticLoader([]string{"orders.view", "orders.edit"}, &calls)

	codes, err := c.FetchEffective(context.Background(), 3, load)
	require.NoError(t, err)
	require.Equal(t, []string{"orders.view", "orders.edit"}, codes)
	require.EqualValues(t, 1, calls.Load())

	// A second instance sharing the same Redis serves the entry without
	// touching the loader.
	metrics := &countingMetrics{}
	other := New(client, time.Minute, nil, WithMetrics(metrics))
	codes, err = other.FetchEffective(context.Background(), 3, load)
	require.NoError(t, err)
	require.Equal(t, []string{"orders.view", "orders.edit"}, codes)
	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, metrics.hit("l2"))
}

func TestFetchEffectiveHitsL1OnRepeat(t *testing.T) {
	metrics := &countingMetrics{}
	c, _, _ := newTestCache(t, WithMetrics(metrics))
	var calls atomic.Int64
	load := staticLoader([]string{"profile.read"}, &calls)

	_, err := c.FetchEffective(context.Background(), 7, load)
	require.NoError(t, err)
	_, err = c.FetchEffective(context.Background(), 7, load)
	require.NoError(t, err)

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 1, metrics.hit("l1"))
	require.Equal(t, 1, metrics.misses)
}

func TestFetchEffectiveExpiredL1FallsBackToRedis(t *testing.T) {
	metrics := &countingMetrics{}
	c, _, _ := newTestCache(t, WithMetrics(metrics), WithL1TTL(-time.Second))
	var calls atomic.Int64
	load := staticLoader([]string{"profile.read"}, &calls)

	_, err := c.FetchEffective(context.Background(), 7, load)
	require.NoError(t, err)
	_, err = c.FetchEffective(context.Background(), 7, load)
	require.NoError(t, err)

	require.EqualValues(t, 1, calls.Load())
	require.Equal(t, 0, metrics.hit("l1"))
	require.Equal(t, 1, metrics.hit("l2"))
}

func TestFetchEffectiveCollapsesConcurrentLoads(t *testing.T) {
	c, _, _ := newTestCache(t)

	var calls atomic.Int64
	release := make(chan struct{})
	load := func(context.Context) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"orders.view"}, nil
	}

	const workers = 5
	var wg sync.WaitGroup
	results := make([][]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.FetchEffective(context.Background(), 9, load)
		}(i)
	}

	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, calls.Load())
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []string{"orders.view"}, results[i])
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	c, _, _ := newTestCache(t)
	var calls atomic.Int64
	load := staticLoader([]string{"orders.view"}, &calls)

	_, err := c.FetchEffective(context.Background(), 4, load)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background(), 4))

	_, err = c.FetchEffective(context.Background(), 4, load)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestInvalidateLeavesOtherRolesCached(t *testing.T) {
	c, _, _ := newTestCache(t, WithL1TTL(-time.Second))
	var calls atomic.Int64
	load := staticLoader([]string{"orders.view"}, &calls)

	_, err := c.FetchEffective(context.Background(), 4, load)
	require.NoError(t, err)
	_, err = c.FetchEffective(context.Background(), 5, load)
	require.NoError(t, err)
	require.NoError(t, c.Invalidate(context.Background(), 4))

	_, err = c.FetchEffective(context.Background(), 5, load)
	require.NoError(t, err)
	require.EqualValues(t, 2, calls.Load())
}

func TestInvalidateAllDropsEveryEntry(t *testing.T) {
	c, _, _ := newTestCache(t)
	var calls atomic.Int64
	load := staticLoader([]string{"orders.view"}, &calls)

	_, err := c.FetchEffective(context.Background(), 4, load)
	require.NoError(t, err)
	_, err = c.FetchEffective(context.Background(), 5, load)
	require.NoError(t, err)
	require.NoError(t, c.InvalidateAll(context.Background()))

	_, err = c.FetchEffective(context.Background(), 4, load)
	require.NoError(t, err)
	_, err = c.FetchEffective(context.Background(), 5, load)
	require.NoError(t, err)
	require.EqualValues(t, 4, calls.Load())
}

func TestApplyBroadcastDropsL1(t *testing.T) {
	c, _, _ := newTestCache(t)
	var calls atomic.Int64
	load := staticLoader([]string{"orders.view"}, &calls)

	_, err := c.FetchEffective(context.Background(), 6, load)
	require.NoError(t, err)
	_, ok := c.lookupL1(6)
	require.True(t, ok)

	c.applyBroadcast("6")
	_, ok = c.lookupL1(6)
	require.False(t, ok)

	c.storeL1(8, []string{"x"})
	c.applyBroadcast("all")
	_, ok = c.lookupL1(8)
	require.False(t, ok)
}

func TestFetchEffectiveBypassesCacheWhenRedisDown(t *testing.T) {
	c, mr, _ := newTestCache(t)
	mr.Close()

	var calls atomic.Int64
	codes, err := c.FetchEffective(context.Background(), 2, staticLoader([]string{"profile.read"}, &calls))
	require.NoError(t, err)
	require.Equal(t, []string{"profile.read"}, codes)
	require.EqualValues(t, 1, calls.Load())
}

func TestNilCacheDelegatesToLoader(t *testing.T) {
	var c *Cache
	var calls atomic.Int64
	codes, err := c.FetchEffective(context.Background(), 1, staticLoader([]string{"a"}, &calls))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, codes)
	require.EqualValues(t, 1, calls.Load())

	full, _, _ := newTestCache(t)
	_, err = full.FetchEffective(context.Background(), 1, nil)
	require.Error(t, err)
}
