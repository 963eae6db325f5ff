package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned by Do when the lock could not be obtained
// within the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// LockManager is a distributed lock system based on a shared store
// for detailed config, please refer to available Option
type LockManager interface {
	// Lock returns a handle on the named lock. Construction is local and
	// cheap, nothing is sent to the store until the handle is acquired.
	// Every handle carries its own owner token, so two handles on the same
	// key from the same manager still exclude each other.
	Lock(key string) Locker

	// ForceRelease removes the lock entry for key no matter who owns it and
	// wakes blocked waiters. It reports whether an entry existed. Meant for
	// operator tooling, a forcibly released owner learns about it through
	// its watchdog.
	ForceRelease(ctx context.Context, key string) (bool, error)
}

// Locker is a handle on one named lock for one owner token. A Locker is safe
// for concurrent use, goroutines sharing one handle also share its reentrant
// hold count.
type Locker interface {
	// TryAcquire attempts a single non-blocking acquisition. Holding the
	// lock already through this handle succeeds and deepens the hold.
	// lease <= 0 uses the configured default.
	TryAcquire(ctx context.Context, lease time.Duration) (bool, error)

	// Acquire blocks until the lock is obtained, waitTimeout elapses, or ctx
	// is done. An elapsed waitTimeout is not an error, it returns
	// (false, nil). waitTimeout <= 0 uses the configured default,
	// lease <= 0 likewise.
	Acquire(ctx context.Context, lease time.Duration, waitTimeout time.Duration) (bool, error)

	// Release undoes one acquisition. It reports true once the hold count
	// reaches zero and the lock is freed, a surviving reentrant hold
	// reports (false, nil). Releasing a lock this handle does not hold
	// is an error.
	Release(ctx context.Context) (released bool, err error)

	// IsLocked reports whether any owner holds the lock right now.
	IsLocked(ctx context.Context) (bool, error)

	// IsHeldByCaller reports whether this handle's token holds the lock,
	// as judged by the store rather than local state.
	IsHeldByCaller(ctx context.Context) (bool, error)

	// HoldCount reports this handle's reentrant hold count on the store.
	HoldCount(ctx context.Context) (int64, error)

	// Lost reports whether the renewal watchdog observed the lease being
	// lost. A lost handle is dead, acquisition and release on it fail
	// until a fresh handle is taken.
	Lost() bool
}

// Logger receives conditions the library cannot surface as return values,
// renewal failures mostly. *log.Logger satisfies it.
type Logger interface {
	Printf(format string, args ...any)
}

// Do runs fn while holding the named lock, releasing it when fn returns.
// The release runs even when ctx is already done. A release failure on a
// successful fn is reported, the lease then lapses on its own.
func Do(ctx context.Context, manager LockManager, key string, fn func(ctx context.Context) error) error {
	locker := manager.Lock(key)
	ok, err := locker.Acquire(ctx, 0, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotAcquired
	}
	fnErr := fn(ctx)
	if _, relErr := locker.Release(context.WithoutCancel(ctx)); relErr != nil && fnErr == nil {
		return relErr
	}
	return fnErr
}
