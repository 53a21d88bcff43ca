package backend_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bitmark-inc/logger"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocknity/fault"
	"stocknity/services/backend"
)

func TestMain(m *testing.M) {
	dir, _ := os.MkdirTemp("", "backend-test")
	_ = logger.Initialise(logger.Configuration{
		Directory: dir,
		File:      "testing.log",
		Size:      1048576,
		Count:     10,
		Console:   false,
		Levels: map[string]string{
			logger.DefaultTag: "critical",
		},
	})
	code := m.Run()
	logger.Finalise()
	os.RemoveAll(dir)
	os.Exit(code)
}

func newRedis(t *testing.T) (*backend.Redis, *miniredis.Miniredis) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	return backend.NewRedisFromClient(client, logger.New("testing")), srv
}

func backends(t *testing.T) map[string]backend.Backend {
	r, _ := newRedis(t)
	return map[string]backend.Backend{
		"memory": backend.NewMemory(),
		"redis":  r,
	}
}

func TestStringOperations(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "missing")
			assert.ErrorIs(t, err, fault.ErrKeyNotFound)

			require.NoError(t, b.Set(ctx, "k", []byte("v1"), 0))
			v, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), v)

			ok, err := b.SetNX(ctx, "k", []byte("v2"), time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = b.SetNX(ctx, "fresh", []byte("v3"), time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = b.Expire(ctx, "k", time.Hour)
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = b.Expire(ctx, "nope", time.Hour)
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := b.Del(ctx, "k", "fresh", "nope")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			for i := int64(1); i <= 3; i++ {
				got, err := b.Incr(ctx, "seq")
				require.NoError(t, err)
				assert.Equal(t, i, got)
			}
		})
	}
}

func TestKeysByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Set(ctx, "stocknity:cache:screener:DJIA:Energy", []byte("a"), 0))
			require.NoError(t, b.Set(ctx, "stocknity:cache:sector-averages", []byte("b"), 0))
			require.NoError(t, b.Set(ctx, "stocknity:task:1", []byte("c"), 0))

			keys, err := b.Keys(ctx, "stocknity:cache:*")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{
				"stocknity:cache:screener:DJIA:Energy",
				"stocknity:cache:sector-averages",
			}, keys)
		})
	}
}

func TestSortedSetPopsHighestScore(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.ZAdd(ctx, "q", 1, "low"))
			require.NoError(t, b.ZAdd(ctx, "q", 3, "high"))
			require.NoError(t, b.ZAdd(ctx, "q", 2, "normal"))

			card, err := b.ZCard(ctx, "q")
			require.NoError(t, err)
			assert.Equal(t, int64(3), card)

			for _, want := range []string{"high", "normal", "low"} {
				member, ok, err := b.ZPopMax(ctx, "q")
				require.NoError(t, err)
				require.True(t, ok)
				assert.Equal(t, want, member)
			}

			_, ok, err := b.ZPopMax(ctx, "q")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSetsAndLists(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.SAdd(ctx, "s", "a", "b", "c"))
			require.NoError(t, b.SRem(ctx, "s", "b"))
			card, err := b.SCard(ctx, "s")
			require.NoError(t, err)
			assert.Equal(t, int64(2), card)
			members, err := b.SMembers(ctx, "s")
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"a", "c"}, members)

			for i := 0; i < 5; i++ {
				require.NoError(t, b.LPushTrim(ctx, "l", []byte(fmt.Sprintf("e%d", i)), 3))
			}
			values, err := b.LRange(ctx, "l", 0, -1)
			require.NoError(t, err)
			require.Len(t, values, 3)
			assert.Equal(t, []byte("e4"), values[0])
			assert.Equal(t, []byte("e2"), values[2])

			values, err = b.LRange(ctx, "l", 0, 0)
			require.NoError(t, err)
			assert.Equal(t, [][]byte{[]byte("e4")}, values)
		})
	}
}

func TestRedisExpiry(t *testing.T) {
	ctx := context.Background()
	b, srv := newRedis(t)

	ok, err := b.SetNX(ctx, "pending", []byte("x"), 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(11 * time.Second)

	ok, err = b.SetNX(ctx, "pending", []byte("y"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	b := backend.NewMemory()

	require.NoError(t, b.Set(ctx, "short", []byte("x"), 20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	_, err := b.Get(ctx, "short")
	assert.ErrorIs(t, err, fault.ErrKeyNotFound)
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()

	m := backend.NewMemory()
	m.SetOffline(true)
	_, err := m.Get(ctx, "k")
	assert.ErrorIs(t, err, fault.ErrBackendUnavailable)
	assert.ErrorIs(t, m.Ping(ctx), fault.ErrBackendUnavailable)

	srv, err := miniredis.Run()
	require.NoError(t, err)
	r := backend.NewRedisFromClient(redis.NewClient(&redis.Options{Addr: srv.Addr(), MaxRetries: -1}), logger.New("testing"))
	srv.Close()
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, fault.ErrBackendUnavailable)
}
