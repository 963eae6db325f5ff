package impl

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/yuguang.xiao/leaselock/db"
	redisstore "github.com/yuguang.xiao/leaselock/db/redis"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, db.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redisstore.NewRedisStoreFromClient(client)
}

func TestSettingValidation(t *testing.T) {
	cases := []struct {
		name    string
		options []Option
		wantErr error
	}{
		{
			name:    "defaults are valid",
			options: nil,
			wantErr: nil,
		},
		{
			name:    "zero lease",
			options: []Option{WithLease(0)},
			wantErr: SettingErrorLeaseInvalid,
		},
		{
			name:    "sub millisecond lease",
			options: []Option{WithLease(time.Microsecond * 500)},
			wantErr: SettingErrorLeaseInvalid,
		},
		{
			name:    "max lock time below lease",
			options: []Option{WithLease(time.Second * 20)},
			wantErr: SettingErrorMaxLockTimeInvalid,
		},
		{
			name:    "zero min retry interval",
			options: []Option{WithMinRetryInterval(0)},
			wantErr: SettingErrorRetryMinIntervalInvalid,
		},
		{
			name:    "max retry below min retry",
			options: []Option{WithMinRetryInterval(time.Millisecond * 100), WithMaxRetryInterval(time.Millisecond * 50)},
			wantErr: SettingErrorRetryMaxIntervalInvalid,
		},
		{
			name:    "keep alive not below lease",
			options: []Option{WithKeepAliveInterval(time.Second * 3)},
			wantErr: SettingErrorKeepAliveInvalid,
		},
		{
			name:    "zero endpoint timeout",
			options: []Option{WithEndpointTimeout(0)},
			wantErr: SettingErrorEndpointTimeoutInvalid,
		},
		{
			name:    "negative quorum drift",
			options: []Option{WithQuorumDrift(-time.Millisecond)},
			wantErr: SettingErrorQuorumDriftInvalid,
		},
	}

	_, store := newTestStore(t)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			manager, err := NewLockManager(store, c.options...)
			if c.wantErr == nil {
				require.NoError(t, err)
				require.NotNil(t, manager)
				return
			}
			require.ErrorIs(t, err, c.wantErr)
			require.Nil(t, manager)
		})
	}
}

func TestSettingDefaultsDerived(t *testing.T) {
	setting, err := buildSetting([]Option{WithLease(time.Millisecond * 600)})
	require.NoError(t, err)
	require.Equal(t, time.Millisecond*200, setting.keepAliveInterval)
	require.NotNil(t, setting.logger)

	setting, err = buildSetting([]Option{WithKeepAliveInterval(time.Millisecond * 700)})
	require.NoError(t, err)
	require.Equal(t, time.Millisecond*700, setting.keepAliveInterval)
}

func TestQuorumManagerNeedsEndpoints(t *testing.T) {
	manager, err := NewQuorumLockManager(nil)
	require.ErrorIs(t, err, SettingErrorNoEndpoints)
	require.Nil(t, manager)
}

func TestManagerHandsOutDistinctTokens(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t)
	manager, err := NewLockManager(store)
	require.NoError(t, err)

	first := manager.Lock("job").(*lockerImpl)
	second := manager.Lock("job").(*lockerImpl)
	require.NotEqual(t, first.token, second.token)

	acquired, err := first.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, acquired)
	defer first.Release(ctx)

	// a sibling handle is a distinct owner and must be excluded
	acquired, err = second.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.False(t, acquired)
}

func TestManagerForceReleaseWakesWaiter(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t)
	manager, err := NewLockManager(store, WithLease(time.Second*10))
	require.NoError(t, err)

	holder := manager.Lock("job")
	acquired, err := holder.TryAcquire(ctx, 0)
	require.NoError(t, err)
	require.True(t, acquired)

	go func() {
		time.Sleep(time.Millisecond * 100)
		removed, ferr := manager.ForceRelease(ctx, "job")
		if ferr != nil || !removed {
			t.Errorf("force release: removed=%v err=%v", removed, ferr)
		}
	}()

	start := time.Now()
	waiter := manager.Lock("job")
	acquired, err = waiter.Acquire(ctx, 0, time.Second*5)
	require.NoError(t, err)
	require.True(t, acquired)
	// woken by the force release, not by waiting out the 10s lease
	require.Less(t, time.Since(start), time.Second*2)

	released, err := waiter.Release(ctx)
	require.NoError(t, err)
	require.True(t, released)
}

func TestManagerForceReleaseReportsMissing(t *testing.T) {
	ctx := context.Background()
	_, store := newTestStore(t)
	manager, err := NewLockManager(store)
	require.NoError(t, err)

	removed, err := manager.ForceRelease(ctx, "nothing-here")
	require.NoError(t, err)
	require.False(t, removed)
}
