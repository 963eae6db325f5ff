package db

import (
	"context"
	"time"
)

// ReleaseStatus is the outcome of one release script execution.
type ReleaseStatus int

const (
	// ReleaseMissing means no lock entry exists for the key.
	ReleaseMissing ReleaseStatus = iota
	// ReleaseNotOwner means the entry is held by a different token.
	ReleaseNotOwner
	// ReleaseHeld means the hold count was decremented and the entry survives.
	ReleaseHeld
	// ReleaseFull means the hold count reached zero and the entry was removed.
	ReleaseFull
)

// Subscription is a live registration on one wake channel.
type Subscription interface {
	// Messages yields published payloads. The channel is closed by Close.
	// Slow consumers may miss messages, they are wake hints, not data.
	Messages() <-chan string

	// Close tears the registration down. Safe to call more than once.
	Close() error
}

// Store executes lock state transitions against one endpoint.
// Every mutating method runs as a single atomic script on the store,
// the caller never observes a partially applied transition.
type Store interface {
	// TryAcquire attempts one acquisition of key for token. It succeeds when
	// the entry is absent or already owned by token (the hold count is then
	// incremented), refreshing the expiry to lease either way. On failure it
	// reports the remaining lifetime of the current holder's entry.
	TryAcquire(ctx context.Context, key string, token string, lease time.Duration) (acquired bool, ttlRemaining time.Duration, err error)

	// Release undoes one acquisition of key by token. A surviving reentrant
	// hold refreshes the expiry to lease and reports the remaining count.
	Release(ctx context.Context, key string, token string, lease time.Duration) (status ReleaseStatus, remaining int64, err error)

	// Renew extends the entry's expiry to lease if token still holds it.
	Renew(ctx context.Context, key string, token string, lease time.Duration) (renewed bool, err error)

	// HoldCount reports token's current hold count on key, zero if absent.
	HoldCount(ctx context.Context, key string, token string) (int64, error)

	// Locked reports whether any token currently holds key.
	Locked(ctx context.Context, key string) (bool, error)

	// ForceRelease removes key's entry regardless of owner. It reports
	// whether an entry existed.
	ForceRelease(ctx context.Context, key string) (removed bool, err error)

	// Publish sends message on channel and reports the receiver count.
	Publish(ctx context.Context, channel string, message string) (receivers int64, err error)

	// Subscribe registers on channel. The subscription is live once
	// Subscribe returns.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}
