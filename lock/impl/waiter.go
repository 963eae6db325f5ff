package impl

import (
	"context"
	"math/rand"
	"time"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/lock"
)

// wake payload carries no data, waiters only race to retry
const wakeMessage = "0"

// waitForWake blocks until a wake message, the timeout, or ctx. A nil wake
// channel blocks until the timeout, which is the polling fallback.
func waitForWake(ctx context.Context, wake <-chan string, d time.Duration) error {
	timer := poolGetTimer(d)
	defer poolReturnTimer(timer)
	select {
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exponential backoff with jitter, clamped to the configured interval range
func backoffInterval(cnt uint64, setting *Setting) time.Duration {
	if cnt > 20 {
		cnt = 20
	}
	backOff := time.Millisecond << cnt
	if backOff < setting.retryMinInterval {
		backOff = setting.retryMinInterval
	}
	if backOff > setting.retryMaxInterval {
		backOff = setting.retryMaxInterval
	}
	if half := backOff / 2; half > 0 {
		backOff = half + time.Duration(rand.Int63n(int64(half)))
	}
	return backOff
}

// publishWake notifies blocked waiters that the lock was freed. Failures are
// only logged, waiters recover through their poll timers.
func publishWake(ctx context.Context, dbClient db.Store, logger lock.Logger, channel string) {
	if _, err := dbClient.Publish(ctx, channel, wakeMessage); err != nil {
		logger.Printf("wake publish on %s failed: %v", channel, err)
	}
}
