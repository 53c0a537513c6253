package cachesvc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syuukuriimu/student-forum/core"
)

type entry struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

func newRedis(t *testing.T) (*miniredis.Miniredis, core.Cache) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisCache(client, "forum:cache", 5*time.Second)
}

func TestCaches(t *testing.T) {
	_, redisCache := newRedis(t)
	caches := map[string]core.Cache{
		"memory": NewMemoryCache(5 * time.Second),
		"redis":  redisCache,
	}
	ctx := context.Background()

	for name, c := range caches {
		t.Run(name, func(t *testing.T) {
			var got entry
			ok, err := c.Get(ctx, "threads:student", &got)
			require.NoError(t, err)
			assert.False(t, ok, "empty cache")

			require.NoError(t, c.Set(ctx, "threads:student", entry{Title: "Q1", Count: 2}))
			ok, err = c.Get(ctx, "threads:student", &got)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, entry{Title: "Q1", Count: 2}, got)

			require.NoError(t, c.Invalidate(ctx))
			got = entry{}
			ok, err = c.Get(ctx, "threads:student", &got)
			require.NoError(t, err)
			assert.False(t, ok, "invalidated")
			assert.Equal(t, entry{}, got)

			// still usable after invalidation
			require.NoError(t, c.Set(ctx, "threads:teacher", []entry{{Title: "Q2"}}))
			var list []entry
			ok, err = c.Get(ctx, "threads:teacher", &list)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Len(t, list, 1)
		})
	}
}

func TestRedisCache_expires(t *testing.T) {
	mr, c := newRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "transcript:student:Q1", entry{Title: "Q1"}))
	mr.FastForward(6 * time.Second)

	var got entry
	ok, err := c.Get(ctx, "transcript:student:Q1", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_unavailable(t *testing.T) {
	mr, c := newRedis(t)
	mr.Close()

	var got entry
	_, err := c.Get(context.Background(), "threads:student", &got)
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	conf := core.NewTestConfig()
	assert.IsType(t, &memoryCache{}, New(conf))

	conf.Cache.Backend = core.CacheRedis
	conf.Cache.RedisAddr = "localhost:0"
	assert.IsType(t, &redisCache{}, New(conf))
}
