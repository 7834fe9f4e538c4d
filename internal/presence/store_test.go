package presence

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestStores(t *testing.T) {
	redisStore, _ := newRedisStore(t)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Connect(ctx, 1, "s1"))
			require.NoError(t, store.Connect(ctx, 1, "s2"))
			require.NoError(t, store.Connect(ctx, 2, "s3"))

			online, err := store.Online(ctx, 1, 2, 3)
			require.NoError(t, err)
			assert.Equal(t, map[int]bool{1: true, 2: true, 3: false}, online)

			require.NoError(t, store.Disconnect(ctx, 1, "s1"))
			online, err = store.Online(ctx, 1)
			require.NoError(t, err)
			assert.True(t, online[1], "expected user with a remaining session to stay online")

			require.NoError(t, store.Disconnect(ctx, 1, "s2"))
			require.NoError(t, store.Disconnect(ctx, 1, "unknown"))
			online, err = store.Online(ctx, 1)
			require.NoError(t, err)
			assert.False(t, online[1], "expected user without sessions to be offline")

			online, err = store.Online(ctx)
			require.NoError(t, err)
			assert.Empty(t, online)
		})
	}
}

func TestRedisStore_SetsExpiry(t *testing.T) {
	store, mr := newRedisStore(t)

	require.NoError(t, store.Connect(context.Background(), 7, "s1"))
	assert.Equal(t, sessionSetTTL, mr.TTL(redisKey(7)))

	members, err := mr.Members(redisKey(7))
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()

	assert.Error(t, store.Connect(context.Background(), 1, "s1"))
	_, err := store.Online(context.Background(), 1)
	assert.Error(t, err)
}
