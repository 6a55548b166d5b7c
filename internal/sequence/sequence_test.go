package sequence

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllocatorSequential(t *testing.T) {
	m := NewMemoryAllocator()
	m.Define(16384, DefaultOptions())

	for want := int64(1); want <= 3; want++ {
		v, err := m.NextVal(context.Background(), 16384)
		require.NoError(t, err)
		assert.Equal(t, want, v.Last)
		assert.Equal(t, want, v.Cached)
		assert.Equal(t, int64(1), v.Increment)
		assert.False(t, v.Overflow)
	}
}

func TestMemoryAllocatorCacheRanges(t *testing.T) {
	m := NewMemoryAllocator()
	m.Define(1, Options{Start: 10, Increment: 5, Cache: 3})

	v, err := m.NextVal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10), v.Last)
	assert.Equal(t, int64(20), v.Cached)

	v, err = m.NextVal(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(25), v.Last)
	assert.Equal(t, int64(35), v.Cached)
}

func TestMemoryAllocatorOverflowAndLimit(t *testing.T) {
	m := NewMemoryAllocator()
	m.Define(2, Options{Start: 1, Increment: 1, Cache: 4, Min: 1, Max: 6})

	v, err := m.NextVal(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Last)
	assert.Equal(t, int64(4), v.Cached)
	assert.False(t, v.Overflow)

	v, err = m.NextVal(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Last)
	assert.Equal(t, int64(6), v.Cached)
	assert.True(t, v.Overflow)

	_, err = m.NextVal(context.Background(), 2)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, CodeLimitExceeded, pqErr.Code)
}

func TestMemoryAllocatorCycleDescending(t *testing.T) {
	m := NewMemoryAllocator()
	m.Define(3, Options{Start: 3, Increment: -1, Cache: 1, Min: 1, Max: 3, Cycle: true})

	var got []int64
	for i := 0; i < 5; i++ {
		v, err := m.NextVal(context.Background(), 3)
		require.NoError(t, err)
		got = append(got, v.Last)
	}
	assert.Equal(t, []int64{3, 2, 1, 3, 2}, got)
}

func TestMemoryAllocatorUndefined(t *testing.T) {
	_, err := NewMemoryAllocator().NextVal(context.Background(), 99)
	var pqErr *pq.Error
	require.ErrorAs(t, err, &pqErr)
	assert.Equal(t, CodeUndefinedSequence, pqErr.Code)
}

func TestNormalizedDescendingDefaults(t *testing.T) {
	o := Options{Increment: -2}.normalized()
	assert.Equal(t, int64(math.MinInt64), o.Min)
	assert.Equal(t, int64(-1), o.Max)
	assert.Equal(t, int64(-1), o.Start)
	assert.Equal(t, int64(1), o.Cache)
}

func TestMaxIndex(t *testing.T) {
	assert.Equal(t, int64(5), Options{Start: 1, Increment: 1, Min: 1, Max: 6}.maxIndex())
	assert.Equal(t, int64(2), Options{Start: 10, Increment: -4, Min: 1, Max: 10}.maxIndex())
	assert.Equal(t, int64(math.MaxInt64-1), DefaultOptions().maxIndex())
}

func redisClient(t *testing.T) *redis.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Ping(context.Background()).Err())
	return c
}

func TestRedisAllocator(t *testing.T) {
	ctx := context.Background()
	r := NewRedisAllocator(redisClient(t), "gangway:test:seq:")
	require.NoError(t, r.Define(7, Options{Start: 1, Increment: 1, Cache: 4, Min: 1, Max: 6}))
	require.NoError(t, r.Reset(ctx, 7))

	v, err := r.NextVal(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Last)
	assert.Equal(t, int64(4), v.Cached)

	v, err = r.NextVal(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Last)
	assert.Equal(t, int64(6), v.Cached)
	assert.True(t, v.Overflow)

	_, err = r.NextVal(ctx, 7)
	assert.Error(t, err)
}

func TestRedisAllocatorRejectsCycle(t *testing.T) {
	r := NewRedisAllocator(nil, "x:")
	assert.Error(t, r.Define(1, Options{Cycle: true}))
	assert.Error(t, r.Define(2, Options{Start: 100, Increment: 1, Min: 1, Max: 10}))

	_, err := r.NextVal(context.Background(), 3)
	assert.Error(t, err)
}
