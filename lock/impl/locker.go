package impl

import (
	"context"
	"sync"
	"time"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/metrics"
)

type lockerImpl struct {
	dbClient db.Store
	setting  *Setting
	key      string
	channel  string
	token    string

	mu sync.Mutex
	// local mirror of the store side hold count, drives the watchdog only,
	// the store stays the single source of truth
	heldCount int64
	lease     time.Duration
	dog       *watchdog
	lost      bool
}

func newLocker(dbClient db.Store, setting *Setting, key, token string) *lockerImpl {
	return &lockerImpl{
		dbClient: dbClient,
		setting:  setting,
		key:      setting.LockKeyPrefix + key,
		channel:  setting.WakeChannelPrefix + key,
		token:    token,
	}
}

func (l *lockerImpl) TryAcquire(ctx context.Context, lease time.Duration) (bool, error) {
	lease, err := l.setting.effectiveLease(lease)
	if err != nil {
		return false, err
	}
	if l.Lost() {
		return false, ErrLockLost
	}
	acquired, _, err := l.tryAcquireDB(ctx, lease)
	if err != nil {
		return false, failedToTryLock(err)
	}
	if !acquired {
		metrics.ContendedCounter.Inc()
		return false, nil
	}
	l.afterAcquire(lease)
	return true, nil
}

func (l *lockerImpl) Acquire(ctx context.Context, lease time.Duration, waitTimeout time.Duration) (bool, error) {
	lease, err := l.setting.effectiveLease(lease)
	if err != nil {
		return false, err
	}
	if l.Lost() {
		return false, ErrLockLost
	}
	if waitTimeout <= 0 {
		waitTimeout = l.setting.MaxWaitTime
	}
	deadline := time.Now().Add(waitTimeout)

	acquired, ttl, err := l.tryAcquireDB(ctx, lease)
	if acquired {
		l.afterAcquire(lease)
		return true, nil
	}
	if err == nil {
		metrics.ContendedCounter.Inc()
	}

	// the lock is busy or the store is flaky, listen for the holder's wake
	// message and keep retrying until the deadline
	var wake <-chan string
	if sub, subErr := l.dbClient.Subscribe(ctx, l.channel); subErr == nil {
		defer sub.Close()
		wake = sub.Messages()
	} else {
		// without a subscription the waits below degrade to plain polling
		l.setting.logger.Printf("lock %s: wake subscription failed, falling back to polling: %v", l.key, subErr)
	}

	var retryCnt uint64
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if err != nil {
				return false, failedToLock(err)
			}
			return false, nil
		}

		// wait out the holder's remaining ttl, or back off after an error
		var wait time.Duration
		if err != nil {
			retryCnt++
			wait = backoffInterval(retryCnt, l.setting)
		} else {
			wait = ttl
			if wait <= 0 {
				wait = l.setting.retryMinInterval
			}
		}
		wait = min(wait, remaining)
		if waitErr := waitForWake(ctx, wake, wait); waitErr != nil {
			return false, waitErr
		}

		acquired, ttl, err = l.tryAcquireDB(ctx, lease)
		if acquired {
			l.afterAcquire(lease)
			return true, nil
		}
		if err == nil {
			metrics.ContendedCounter.Inc()
		}
	}
}

func (l *lockerImpl) Release(ctx context.Context) (released bool, err error) {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return false, ErrLockLost
	}
	lease := l.lease
	if lease <= 0 {
		lease = l.setting.Lease
	}
	// on the final hold, stop renewing before the entry goes away, so the
	// watchdog cannot mistake our own release for a lost lease
	var dog *watchdog
	if l.heldCount <= 1 {
		dog = l.dog
		l.dog = nil
	}
	l.mu.Unlock()
	if dog != nil {
		dog.stop()
		metrics.WatchdogGauge.Dec()
	}

	status, remaining, err := l.dbClient.Release(ctx, l.key, l.token, lease)
	if err != nil {
		return false, failedToRelease(err)
	}
	switch status {
	case db.ReleaseFull:
		l.syncNotHeld()
		metrics.ReleaseCounter.Inc()
		publishWake(ctx, l.dbClient, l.setting.logger, l.channel)
		return true, nil
	case db.ReleaseHeld:
		l.mu.Lock()
		l.heldCount = remaining
		rearm := l.dog == nil
		l.mu.Unlock()
		if rearm {
			// the mirror undercounted and the watchdog got stopped above
			l.armWatchdog(lease)
		}
		metrics.ReleaseCounter.Inc()
		return false, nil
	case db.ReleaseNotOwner:
		l.syncNotHeld()
		return false, ErrNotOwner
	default: // db.ReleaseMissing
		l.syncNotHeld()
		return false, ErrNotHeld
	}
}

func (l *lockerImpl) IsLocked(ctx context.Context) (bool, error) {
	return l.dbClient.Locked(ctx, l.key)
}

func (l *lockerImpl) IsHeldByCaller(ctx context.Context) (bool, error) {
	count, err := l.dbClient.HoldCount(ctx, l.key, l.token)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (l *lockerImpl) HoldCount(ctx context.Context) (int64, error) {
	return l.dbClient.HoldCount(ctx, l.key, l.token)
}

func (l *lockerImpl) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

func (l *lockerImpl) tryAcquireDB(ctx context.Context, lease time.Duration) (bool, time.Duration, error) {
	return l.dbClient.TryAcquire(ctx, l.key, l.token, lease)
}

func (l *lockerImpl) afterAcquire(lease time.Duration) {
	metrics.AcquireCounter.Inc()
	l.mu.Lock()
	l.heldCount++
	l.lease = lease
	armed := l.dog != nil
	l.mu.Unlock()
	if !armed {
		l.armWatchdog(lease)
	}
}

func (l *lockerImpl) armWatchdog(lease time.Duration) {
	interval := l.setting.keepAliveInterval
	if lease/3 < interval {
		interval = lease / 3
	}
	dog := newWatchdog(l.key, interval, l.setting.MaxLockTime, l.renewDB, l.setting.logger)
	dog.onLost = func() { l.onLeaseLost(dog) }

	l.mu.Lock()
	if l.dog != nil {
		// lost a race against another goroutine on this handle
		l.mu.Unlock()
		return
	}
	l.dog = dog
	l.mu.Unlock()
	metrics.WatchdogGauge.Inc()
	go dog.run()
}

// renewDB runs on the watchdog goroutine, transient failures are retried a
// few times before being reported
func (l *lockerImpl) renewDB(ctx context.Context) (renewed bool, err error) {
	l.mu.Lock()
	lease := l.lease
	l.mu.Unlock()
	if lease <= 0 {
		lease = l.setting.Lease
	}
	for i := 0; i < 3; i++ {
		randomSleep(i == 0, 5, 5)
		renewed, err = l.dbClient.Renew(ctx, l.key, l.token, lease)
		if err == nil {
			break
		}
	}
	return renewed, err
}

func (l *lockerImpl) onLeaseLost(w *watchdog) {
	l.mu.Lock()
	if l.dog != w {
		// a release already detached this watchdog, nothing was lost
		l.mu.Unlock()
		return
	}
	l.dog = nil
	l.heldCount = 0
	l.lease = 0
	l.lost = true
	l.mu.Unlock()
	metrics.LostCounter.Inc()
	metrics.WatchdogGauge.Dec()
	l.setting.logger.Printf("lock %s: lease lost, handle is dead", l.key)
}

// syncNotHeld reconciles local state after the store reported our token gone.
func (l *lockerImpl) syncNotHeld() {
	l.mu.Lock()
	l.heldCount = 0
	l.lease = 0
	dog := l.dog
	l.dog = nil
	l.mu.Unlock()
	if dog != nil {
		dog.stop()
		metrics.WatchdogGauge.Dec()
	}
}
