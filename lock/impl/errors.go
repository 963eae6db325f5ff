package impl

import (
	"errors"
	"fmt"
)

var (
	SettingErrorLeaseInvalid            = fmt.Errorf("lease must be at least one millisecond")
	SettingErrorMaxLockTimeInvalid      = fmt.Errorf("max lock time must be bigger than lease time")
	SettingErrorRetryMinIntervalInvalid = fmt.Errorf("retry min interval must be bigger than 0")
	SettingErrorRetryMaxIntervalInvalid = fmt.Errorf("retry max interval must be bigger than min interval")
	SettingErrorKeepAliveInvalid        = fmt.Errorf("keep alive interval must be shorter than lease time")
	SettingErrorEndpointTimeoutInvalid  = fmt.Errorf("endpoint timeout must be bigger than 0")
	SettingErrorQuorumDriftInvalid      = fmt.Errorf("quorum drift must not be negative")
	SettingErrorNoEndpoints             = fmt.Errorf("at least one store endpoint is required")
)

var (
	// ErrNotHeld is returned when releasing a lock that has no entry at all.
	ErrNotHeld = errors.New("lock is not held")
	// ErrNotOwner is returned when releasing a lock held by another token.
	ErrNotOwner = errors.New("lock is held by another owner")
	// ErrLockLost marks a handle whose lease was lost while believed held.
	ErrLockLost = errors.New("lock lease was lost")
	// ErrQuorumNotReached wraps every QuorumError.
	ErrQuorumNotReached = errors.New("quorum not reached")
)

// QuorumError reports a multi-endpoint acquisition that could not assemble
// a quorum, or assembled one too slowly to trust.
type QuorumError struct {
	// Achieved is the number of endpoints that granted the lock.
	Achieved int
	// Required is the quorum threshold, a strict majority of Endpoints.
	Required int
	// Endpoints is the total endpoint count.
	Endpoints int
	// Causes joins the per-endpoint errors, nil when endpoints merely
	// reported the lock held.
	Causes error
}

func (e *QuorumError) Error() string {
	if e.Causes != nil {
		return fmt.Sprintf("quorum not reached: %d of required %d (%d endpoints): %v", e.Achieved, e.Required, e.Endpoints, e.Causes)
	}
	return fmt.Sprintf("quorum not reached: %d of required %d (%d endpoints)", e.Achieved, e.Required, e.Endpoints)
}

func (e *QuorumError) Unwrap() error {
	return ErrQuorumNotReached
}

func failedToLock(err error) error {
	return fmt.Errorf("failed to lock: %w", err)
}

func failedToTryLock(err error) error {
	return fmt.Errorf("failed to try lock: %w", err)
}

func failedToRelease(err error) error {
	return fmt.Errorf("failed to release: %w", err)
}
