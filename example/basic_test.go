package example

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/db/redis"
	"github.com/yuguang.xiao/leaselock/lock"
	"github.com/yuguang.xiao/leaselock/lock/impl"
)

func newStore(t testing.TB) (*miniredis.Miniredis, db.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redis.NewRedisStoreFromClient(client)
}

func TestBasic(t *testing.T) {
	_, store := newStore(t)
	lockManager, err := impl.NewLockManager(store)
	require.NoError(t, err)

	locker := lockManager.Lock("a")
	acquired, err := locker.TryAcquire(context.Background(), 0)
	require.NoError(t, err)
	require.True(t, acquired)

	released, err := locker.Release(context.Background())
	require.NoError(t, err)
	require.True(t, released)
}

func TestDo(t *testing.T) {
	_, store := newStore(t)
	lockManager, err := impl.NewLockManager(store)
	require.NoError(t, err)

	var ran bool
	err = lock.Do(context.Background(), lockManager, "a", func(ctx context.Context) error {
		ran = true
		held, err := lockManager.Lock("a").IsLocked(ctx)
		require.NoError(t, err)
		require.True(t, held)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)

	// released on the way out
	held, err := lockManager.Lock("a").IsLocked(context.Background())
	require.NoError(t, err)
	require.False(t, held)
}
