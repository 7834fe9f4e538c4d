package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stats struct {
	Total int `json:"total"`
}

func newRedisCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client), mr
}

func TestAside(t *testing.T) {
	c, mr := newRedisCache(t)
	ctx := context.Background()
	calls := 0
	fetch := func(context.Context) (stats, error) {
		calls++
		return stats{Total: 3}, nil
	}

	v, err := Aside(ctx, c, zerolog.Nop(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Total)

	v, err = Aside(ctx, c, zerolog.Nop(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 3, v.Total)
	assert.Equal(t, 1, calls, "expected second read to hit the cache")
	assert.Equal(t, time.Minute, mr.TTL("k"))

	require.NoError(t, c.Delete(ctx, "k"))
	_, err = Aside(ctx, c, zerolog.Nop(), "k", time.Minute, fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "expected fetch after invalidation")
}

func TestAside_FetchError(t *testing.T) {
	c, mr := newRedisCache(t)

	_, err := Aside(context.Background(), c, zerolog.Nop(), "k", time.Minute, func(context.Context) (stats, error) {
		return stats{}, errors.New("db down")
	})
	assert.Error(t, err)
	assert.False(t, mr.Exists("k"), "expected failed fetch to not be cached")
}

func TestAside_RedisDownFallsThrough(t *testing.T) {
	c, mr := newRedisCache(t)
	mr.Close()

	v, err := Aside(context.Background(), c, zerolog.Nop(), "k", time.Minute, func(context.Context) (stats, error) {
		return stats{Total: 9}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 9, v.Total)
}

func TestNoop(t *testing.T) {
	calls := 0
	for range 2 {
		_, err := Aside(context.Background(), Noop{}, zerolog.Nop(), "k", time.Minute, func(context.Context) (stats, error) {
			calls++
			return stats{}, nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, calls)
	assert.NoError(t, Noop{}.Delete(context.Background(), "k"))
}

func TestGetJSON_Miss(t *testing.T) {
	c, _ := newRedisCache(t)
	var v stats
	hit, err := c.GetJSON(context.Background(), "missing", &v)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestUnreadStatsKey(t *testing.T) {
	assert.Equal(t, "unread:user:12", UnreadStatsKey(12))
}
