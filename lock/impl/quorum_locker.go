package impl

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/metrics"
)

var errValidityElapsed = errors.New("validity window elapsed before quorum completed")

// quorumLocker holds one named lock across several independent endpoints at
// once. Ownership is only asserted while a strict majority of them agree,
// minus a validity margin for the time the agreement itself took.
type quorumLocker struct {
	stores  []db.Store
	setting *Setting
	key     string
	channel string
	token   string

	mu         sync.Mutex
	heldCount  int64
	lease      time.Duration
	validUntil time.Time
	dog        *watchdog
	lost       bool
}

func newQuorumLocker(stores []db.Store, setting *Setting, key, token string) *quorumLocker {
	return &quorumLocker{
		stores:  stores,
		setting: setting,
		key:     setting.LockKeyPrefix + key,
		channel: setting.WakeChannelPrefix + key,
		token:   token,
	}
}

func (l *quorumLocker) quorum() int {
	return len(l.stores)/2 + 1
}

func (l *quorumLocker) drift(lease time.Duration) time.Duration {
	if l.setting.QuorumDrift > 0 {
		return l.setting.QuorumDrift
	}
	return lease/100 + 2*time.Millisecond
}

// fanOut runs fn against every endpoint concurrently, each under the per
// endpoint timeout, and waits for all of them. fn guards its own results.
func (l *quorumLocker) fanOut(ctx context.Context, fn func(ctx context.Context, store db.Store)) {
	var wg sync.WaitGroup
	for _, store := range l.stores {
		wg.Add(1)
		go func(store db.Store) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, l.setting.EndpointTimeout)
			defer cancel()
			fn(cctx, store)
		}(store)
	}
	wg.Wait()
}

func (l *quorumLocker) TryAcquire(ctx context.Context, lease time.Duration) (bool, error) {
	lease, err := l.setting.effectiveLease(lease)
	if err != nil {
		return false, err
	}
	if l.Lost() {
		return false, ErrLockLost
	}

	acquired, err := l.tryAcquireQuorum(ctx, lease)
	if err != nil {
		metrics.QuorumFailureCounter.Inc()
		return false, err
	}
	if !acquired {
		metrics.ContendedCounter.Inc()
		return false, nil
	}
	return true, nil
}

func (l *quorumLocker) tryAcquireQuorum(ctx context.Context, lease time.Duration) (bool, error) {
	start := time.Now()

	var (
		resMu    sync.Mutex
		acquired int
		causes   []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		ok, _, err := store.TryAcquire(ctx, l.key, l.token, lease)
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			causes = append(causes, err)
			return
		}
		if ok {
			acquired++
		}
	})

	q := l.quorum()
	validity := lease - time.Since(start) - l.drift(lease)
	if acquired >= q && validity > 0 {
		l.afterAcquire(lease, validity)
		return true, nil
	}

	// roll back on every endpoint, a grant whose reply was lost must not
	// outlive the failed acquisition
	l.releaseEndpoints(context.WithoutCancel(ctx), l.stores, lease)

	if acquired >= q {
		// quorum assembled, but too slowly to trust
		causes = append(causes, errValidityElapsed)
	} else if acquired+len(causes) < q {
		// a competing owner genuinely holds a majority, plain contention
		return false, nil
	}
	return false, &QuorumError{
		Achieved:  acquired,
		Required:  q,
		Endpoints: len(l.stores),
		Causes:    errors.Join(causes...),
	}
}

// releaseEndpoints rolls back a failed acquisition. Endpoints that never
// granted anything report the release as missing, which is fine. A failed
// rollback only lasts until that endpoint's own expiry, so failures are
// logged and tolerated.
func (l *quorumLocker) releaseEndpoints(ctx context.Context, stores []db.Store, lease time.Duration) {
	g := new(errgroup.Group)
	for _, store := range stores {
		store := store
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, l.setting.EndpointTimeout)
			defer cancel()
			_, _, err := store.Release(cctx, l.key, l.token, lease)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		l.setting.logger.Printf("lock %s: quorum rollback incomplete: %v", l.key, err)
	}
}

func (l *quorumLocker) Acquire(ctx context.Context, lease time.Duration, waitTimeout time.Duration) (bool, error) {
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

	// no wake channel spans endpoints, so blocking acquisition is backoff
	// polling
	var retryCnt uint64
	var lastErr error
	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		acquired, err := l.TryAcquire(ctx, lease)
		if acquired {
			return true, nil
		}
		if err != nil {
			if !errors.Is(err, ErrQuorumNotReached) {
				return false, err
			}
			// endpoints flapping, still worth retrying
			lastErr = err
		} else {
			lastErr = nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return false, failedToLock(lastErr)
			}
			return false, nil
		}
		retryCnt++
		wait := min(backoffInterval(retryCnt, l.setting), remaining)
		if waitErr := waitForWake(ctx, nil, wait); waitErr != nil {
			return false, waitErr
		}
	}
}

func (l *quorumLocker) Release(ctx context.Context) (released bool, err error) {
	l.mu.Lock()
	if l.lost {
		l.mu.Unlock()
		return false, ErrLockLost
	}
	lease := l.lease
	if lease <= 0 {
		lease = l.setting.Lease
	}
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

	var (
		resMu     sync.Mutex
		full      int
		missing   int
		held      int
		notOwner  int
		remaining int64
		causes    []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		status, rem, err := store.Release(ctx, l.key, l.token, lease)
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			causes = append(causes, err)
			return
		}
		switch status {
		case db.ReleaseFull:
			full++
		case db.ReleaseMissing:
			missing++
		case db.ReleaseHeld:
			held++
			if rem > remaining {
				remaining = rem
			}
		case db.ReleaseNotOwner:
			notOwner++
		}
	})

	q := l.quorum()
	switch {
	case full > 0 && full+missing >= q:
		// our token is gone from a majority, the lock is freed
		l.syncNotHeld()
		metrics.ReleaseCounter.Inc()
		l.publishWakeAll(ctx)
		return true, nil
	case held >= q:
		l.mu.Lock()
		l.heldCount = remaining
		rearm := l.dog == nil
		l.mu.Unlock()
		if rearm {
			// the mirror undercounted and the watchdog got stopped above
			l.armWatchdog(lease, lease-l.drift(lease))
		}
		metrics.ReleaseCounter.Inc()
		return false, nil
	case notOwner >= q:
		l.syncNotHeld()
		return false, ErrNotOwner
	case full == 0 && missing >= q:
		l.syncNotHeld()
		return false, ErrNotHeld
	default:
		if len(causes) > 0 {
			// not enough endpoints answered to call the outcome
			return false, failedToRelease(errors.Join(causes...))
		}
		// endpoints disagree with each other, nothing left to undo here
		l.syncNotHeld()
		return false, ErrNotHeld
	}
}

func (l *quorumLocker) IsLocked(ctx context.Context) (bool, error) {
	var (
		resMu  sync.Mutex
		yes    int
		causes []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		locked, err := store.Locked(ctx, l.key)
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			causes = append(causes, err)
			return
		}
		if locked {
			yes++
		}
	})

	q := l.quorum()
	no := len(l.stores) - yes - len(causes)
	switch {
	case yes >= q:
		return true, nil
	case no >= q:
		return false, nil
	default:
		return false, errors.Join(causes...)
	}
}

func (l *quorumLocker) IsHeldByCaller(ctx context.Context) (bool, error) {
	var (
		resMu  sync.Mutex
		yes    int
		causes []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		count, err := store.HoldCount(ctx, l.key, l.token)
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			causes = append(causes, err)
			return
		}
		if count > 0 {
			yes++
		}
	})

	q := l.quorum()
	no := len(l.stores) - yes - len(causes)
	switch {
	case yes >= q:
		return true, nil
	case no >= q:
		return false, nil
	default:
		return false, errors.Join(causes...)
	}
}

// HoldCount reports the deepest hold count any endpoint has for this token.
// Counts can briefly diverge across endpoints, the value is advisory.
func (l *quorumLocker) HoldCount(ctx context.Context) (int64, error) {
	var (
		resMu    sync.Mutex
		deepest  int64
		answered int
		causes   []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		count, err := store.HoldCount(ctx, l.key, l.token)
		resMu.Lock()
		defer resMu.Unlock()
		if err != nil {
			causes = append(causes, err)
			return
		}
		answered++
		if count > deepest {
			deepest = count
		}
	})
	if answered == 0 && len(causes) > 0 {
		return 0, errors.Join(causes...)
	}
	return deepest, nil
}

func (l *quorumLocker) Lost() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// Validity reports how much of the current ownership window remains. A non
// positive value means ownership can no longer be asserted even though the
// per endpoint leases may still be live.
func (l *quorumLocker) Validity() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.heldCount == 0 {
		return 0
	}
	return time.Until(l.validUntil)
}

func (l *quorumLocker) afterAcquire(lease, validity time.Duration) {
	metrics.AcquireCounter.Inc()
	l.mu.Lock()
	l.heldCount++
	l.lease = lease
	l.validUntil = time.Now().Add(validity)
	armed := l.dog != nil
	l.mu.Unlock()
	if !armed {
		l.armWatchdog(lease, validity)
	}
}

func (l *quorumLocker) armWatchdog(lease, validity time.Duration) {
	interval := l.setting.keepAliveInterval
	if lease/3 < interval {
		interval = lease / 3
	}
	// renew well before the validity window closes, not just the lease
	if validity/3 < interval {
		interval = validity / 3
	}
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	dog := newWatchdog(l.key, interval, l.setting.MaxLockTime, l.renewQuorum, l.setting.logger)
	dog.onLost = func() { l.onLeaseLost(dog) }

	l.mu.Lock()
	if l.dog != nil {
		l.mu.Unlock()
		return
	}
	l.dog = dog
	l.mu.Unlock()
	metrics.WatchdogGauge.Inc()
	go dog.run()
}

// renewQuorum extends the lease on every reachable endpoint. The lease is
// only declared lost once enough endpoints deny the renewal that no quorum
// can hold the token anymore, transient unreachability waits for the next
// tick.
func (l *quorumLocker) renewQuorum(ctx context.Context) (bool, error) {
	l.mu.Lock()
	lease := l.lease
	l.mu.Unlock()
	if lease <= 0 {
		lease = l.setting.Lease
	}

	start := time.Now()
	var (
		resMu   sync.Mutex
		renewed int
		denied  int
		causes  []error
	)
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		ok, err := store.Renew(ctx, l.key, l.token, lease)
		resMu.Lock()
		defer resMu.Unlock()
		switch {
		case err != nil:
			causes = append(causes, err)
		case ok:
			renewed++
		default:
			denied++
		}
	})

	q := l.quorum()
	if renewed >= q {
		validity := lease - time.Since(start) - l.drift(lease)
		if validity <= 0 {
			return false, errValidityElapsed
		}
		l.mu.Lock()
		l.validUntil = time.Now().Add(validity)
		l.mu.Unlock()
		return true, nil
	}
	if denied > len(l.stores)-q {
		// even if every other endpoint agreed, no quorum can hold us now
		return false, nil
	}
	return false, errors.Join(causes...)
}

func (l *quorumLocker) onLeaseLost(w *watchdog) {
	l.mu.Lock()
	if l.dog != w {
		// a release already detached this watchdog, nothing was lost
		l.mu.Unlock()
		return
	}
	l.dog = nil
	l.heldCount = 0
	l.lease = 0
	l.validUntil = time.Time{}
	l.lost = true
	l.mu.Unlock()
	metrics.LostCounter.Inc()
	metrics.WatchdogGauge.Dec()
	l.setting.logger.Printf("lock %s: quorum lease lost, handle is dead", l.key)
}

func (l *quorumLocker) syncNotHeld() {
	l.mu.Lock()
	l.heldCount = 0
	l.lease = 0
	l.validUntil = time.Time{}
	dog := l.dog
	l.dog = nil
	l.mu.Unlock()
	if dog != nil {
		dog.stop()
		metrics.WatchdogGauge.Dec()
	}
}

func (l *quorumLocker) publishWakeAll(ctx context.Context) {
	l.fanOut(ctx, func(ctx context.Context, store db.Store) {
		publishWake(ctx, store, l.setting.logger, l.channel)
	})
}
