package impl

import (
	"context"
	"errors"
	"sync"

	"github.com/yuguang.xiao/leaselock/db"
	"github.com/yuguang.xiao/leaselock/lock"
)

type quorumManagerImpl struct {
	stores  []db.Store
	setting *Setting
	id      string
}

// NewQuorumLockManager builds a manager that acquires the lock on a strict
// majority of independent store endpoints, so it survives the loss of a
// minority of them. Use an odd endpoint count, three or five in practice.
// Endpoints must not replicate each other.
func NewQuorumLockManager(stores []db.Store, options ...Option) (lock.LockManager, error) {
	if len(stores) == 0 {
		return nil, SettingErrorNoEndpoints
	}
	setting, err := buildSetting(options)
	if err != nil {
		return nil, err
	}
	return &quorumManagerImpl{
		stores:  stores,
		setting: setting,
		id:      newRandID(),
	}, nil
}

func (m *quorumManagerImpl) Lock(key string) lock.Locker {
	return newQuorumLocker(m.stores, m.setting, key, newOwnerToken(m.id))
}

func (m *quorumManagerImpl) ForceRelease(ctx context.Context, key string) (bool, error) {
	storeKey := m.setting.LockKeyPrefix + key
	channel := m.setting.WakeChannelPrefix + key

	var (
		wg      sync.WaitGroup
		resMu   sync.Mutex
		removed bool
		causes  []error
	)
	for _, store := range m.stores {
		wg.Add(1)
		go func(store db.Store) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.setting.EndpointTimeout)
			defer cancel()
			ok, err := store.ForceRelease(cctx, storeKey)
			if err == nil && ok {
				publishWake(cctx, store, m.setting.logger, channel)
			}
			resMu.Lock()
			defer resMu.Unlock()
			if err != nil {
				causes = append(causes, err)
				return
			}
			removed = removed || ok
		}(store)
	}
	wg.Wait()

	if len(causes) > 0 {
		joined := errors.Join(causes...)
		if !removed {
			return false, joined
		}
		m.setting.logger.Printf("force release of %s incomplete: %v", key, joined)
	}
	return removed, nil
}
