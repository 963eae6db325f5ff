package impl

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/lock"
)

var defaultSetting = Setting{
	retryMinInterval: time.Millisecond * 15,
	retryMaxInterval: time.Millisecond * 150,
	// will set to be 1/3 of Lease time
	keepAliveInterval: 0,
	Lease:             time.Second * 3,
	MaxLockTime:       time.Second * 10,
	MaxWaitTime:       time.Second * 10,
	LockKeyPrefix:     "leaselock:",
	WakeChannelPrefix: "leaselock:wake:",
	EndpointTimeout:   time.Millisecond * 250,
	// will set to be 1/100 of Lease time plus 2ms
	QuorumDrift: 0,
}

type Setting struct {
	retryMinInterval  time.Duration
	retryMaxInterval  time.Duration
	keepAliveInterval time.Duration
	// expire time for lock
	Lease time.Duration
	// lock's max lifecycle time, renewal stops once it is reached
	MaxLockTime time.Duration
	// max time waiting for Acquire()
	MaxWaitTime   time.Duration
	LockKeyPrefix string
	// prefix of the per key pub/sub channel waking blocked waiters
	WakeChannelPrefix string
	// per endpoint budget for quorum fan out calls
	EndpointTimeout time.Duration
	// safety margin subtracted from the quorum validity window
	QuorumDrift time.Duration
	logger      lock.Logger
}

type Option func(setting *Setting)

// min interval for exponential backoff retrying (Acquire)
func WithMinRetryInterval(t time.Duration) Option {
	return func(setting *Setting) {
		setting.retryMinInterval = t
	}
}

// max interval for exponential backoff retrying (Acquire)
func WithMaxRetryInterval(t time.Duration) Option {
	return func(setting *Setting) {
		setting.retryMaxInterval = t
	}
}

// set expire time for lock
func WithLease(t time.Duration) Option {
	return func(setting *Setting) {
		setting.Lease = t
	}
}

// set lock's max lifecycle time
func WithMaxLockTime(t time.Duration) Option {
	return func(setting *Setting) {
		setting.MaxLockTime = t
	}
}

// set max waiting time for Acquire()
func WithMaxWaitTime(t time.Duration) Option {
	return func(setting *Setting) {
		setting.MaxWaitTime = t
	}
}

func WithLockKeyPrefix(prefix string) Option {
	return func(setting *Setting) {
		setting.LockKeyPrefix = prefix
	}
}

func WithWakeChannelPrefix(prefix string) Option {
	return func(setting *Setting) {
		setting.WakeChannelPrefix = prefix
	}
}

// set interval between lease renewals, defaults to a third of the lease
func WithKeepAliveInterval(t time.Duration) Option {
	return func(setting *Setting) {
		setting.keepAliveInterval = t
	}
}

// set per endpoint timeout for quorum operations
func WithEndpointTimeout(t time.Duration) Option {
	return func(setting *Setting) {
		setting.EndpointTimeout = t
	}
}

// set clock drift margin for quorum validity, defaults to lease/100 + 2ms
func WithQuorumDrift(t time.Duration) Option {
	return func(setting *Setting) {
		setting.QuorumDrift = t
	}
}

// set destination for renewal failures and other conditions that cannot
// be returned to a caller, defaults to stderr
func WithLogger(logger lock.Logger) Option {
	return func(setting *Setting) {
		setting.logger = logger
	}
}

// effectiveLease substitutes the configured default for a non positive
// per call lease and rejects leases too short to carry an expiry.
func (s *Setting) effectiveLease(lease time.Duration) (time.Duration, error) {
	if lease <= 0 {
		return s.Lease, nil
	}
	if lease < time.Millisecond {
		return 0, SettingErrorLeaseInvalid
	}
	return lease, nil
}

func (s *Setting) Validate() error {
	if s.Lease < time.Millisecond {
		return SettingErrorLeaseInvalid
	}
	if s.MaxLockTime < s.Lease {
		return SettingErrorMaxLockTimeInvalid
	}
	if s.retryMinInterval <= 0 {
		return SettingErrorRetryMinIntervalInvalid
	}
	if s.retryMaxInterval < s.retryMinInterval {
		return SettingErrorRetryMaxIntervalInvalid
	}
	if s.keepAliveInterval >= s.Lease {
		return SettingErrorKeepAliveInvalid
	}
	if s.EndpointTimeout <= 0 {
		return SettingErrorEndpointTimeoutInvalid
	}
	if s.QuorumDrift < 0 {
		return SettingErrorQuorumDriftInvalid
	}
	return nil
}

func buildSetting(options []Option) (*Setting, error) {
	setting := defaultSetting
	for _, option := range options {
		option(&setting)
	}
	if setting.keepAliveInterval == 0 {
		setting.keepAliveInterval = setting.Lease / 3
	}
	if setting.logger == nil {
		setting.logger = log.New(os.Stderr, "leaselock: ", log.LstdFlags)
	}
	if err := setting.Validate(); err != nil {
		return nil, err
	}
	return &setting, nil
}

type lockManagerImpl struct {
	dbClient db.Store
	setting  *Setting
	// id prefixes every owner token handed out by this manager
	id string
}

func NewLockManager(dbClient db.Store, options ...Option) (lock.LockManager, error) {
	setting, err := buildSetting(options)
	if err != nil {
		return nil, err
	}

	return &lockManagerImpl{
		dbClient: dbClient,
		setting:  setting,
		id:       newRandID(),
	}, nil
}

func (l *lockManagerImpl) Lock(key string) lock.Locker {
	return newLocker(l.dbClient, l.setting, key, newOwnerToken(l.id))
}

func (l *lockManagerImpl) ForceRelease(ctx context.Context, key string) (bool, error) {
	removed, err := l.dbClient.ForceRelease(ctx, l.setting.LockKeyPrefix+key)
	if err != nil {
		return false, err
	}
	if removed {
		publishWake(ctx, l.dbClient, l.setting.logger, l.setting.WakeChannelPrefix+key)
	}
	return removed, nil
}
