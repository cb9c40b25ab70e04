package geometry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trip-replay/internal/trip"
)

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test", ttl), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ok)

	path := []trip.Coord{{126.9, 37.5}, {127.2, 37.1}}
	require.NoError(t, s.Put(ctx, "42", path))
	assert.True(t, mr.Exists("test:42"))

	got, ok, err := s.Get(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, path, got)
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "1", []trip.Coord{{1, 1}, {2, 2}}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreRejectsEmptyRoadID(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	assert.Error(t, s.Put(context.Background(), "", []trip.Coord{{1, 1}, {2, 2}}))
}

func TestRedisStoreCorruptValue(t *testing.T) {
	s, mr := newRedisStore(t, 0)
	require.NoError(t, mr.Set("test:7", "not json"))

	_, ok, err := s.Get(context.Background(), "7")
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestCacheWithRedisLayer(t *testing.T) {
	s, _ := newRedisStore(t, 0)
	router := &fakeRouter{}
	ctx := context.Background()

	c1 := NewCache(nil, router, WithStore(s))
	_, ok := c1.Resolve(ctx, "77", seoul, busan)
	require.True(t, ok)

	// a second instance reads the shared layer instead of routing again
	c2 := NewCache(nil, router, WithStore(s))
	_, ok = c2.Resolve(ctx, "77", seoul, busan)
	require.True(t, ok)
	assert.Equal(t, int32(1), router.calls.Load())
}
