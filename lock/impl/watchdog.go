package impl

import (
	"context"
	"sync"
	"time"

	"github.com/yuguang.xiao/leaselock/lock"
	"github.com/yuguang.xiao/leaselock/metrics"
)

// watchdog keeps one held lock's lease alive until stopped. It renews on a
// fixed interval and declares the lease lost once the store reports the
// owner token gone.
type watchdog struct {
	key         string
	interval    time.Duration
	maxLockTime time.Duration
	renew       func(ctx context.Context) (renewed bool, err error)
	onLost      func()
	logger      lock.Logger

	stopChan chan struct{}
	closed   chan struct{}
	stopOnce sync.Once
}

func newWatchdog(key string, interval, maxLockTime time.Duration, renew func(ctx context.Context) (bool, error), logger lock.Logger) *watchdog {
	return &watchdog{
		key:         key,
		interval:    interval,
		maxLockTime: maxLockTime,
		renew:       renew,
		logger:      logger,
		stopChan:    make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

func (w *watchdog) run() {
	defer close(w.closed)

	renewTicker := time.NewTicker(w.interval)
	defer renewTicker.Stop()

	var capChan <-chan time.Time
	if w.maxLockTime > 0 {
		maxLockTimer := time.NewTimer(w.maxLockTime)
		defer maxLockTimer.Stop()
		capChan = maxLockTimer.C
	}

	for {
		select {
		case <-w.stopChan:
			return
		case <-capChan:
			// the hold outlived its cap, stop extending and let the lease
			// lapse on its own
			w.logger.Printf("lock %s: max lock time reached, lease renewal stopped", w.key)
			return
		case <-renewTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), w.interval)
			renewed, err := w.renew(ctx)
			cancel()
			if err != nil {
				// transient, the lease survives until its expiry
				w.logger.Printf("lock %s: lease renewal failed: %v", w.key, err)
				continue
			}
			if !renewed {
				select {
				case <-w.stopChan:
					// a release raced the renewal, nothing was lost
					return
				default:
				}
				w.onLost()
				return
			}
			metrics.RenewCounter.Inc()
		}
	}
}

// stop disarms the watchdog and waits for the renew loop to exit, so no
// renewal is in flight once it returns. Safe to call more than once.
func (w *watchdog) stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
	<-w.closed
}
