package example

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yuguang.xiao/leaselock/lock"
	"github.com/yuguang.xiao/leaselock/lock/impl"
)

func workerDoJob(tb testing.TB, lockManager lock.LockManager, numOfWorker int, jobTime time.Duration) {
	var unprotected int64
	adder := func() {
		unprotected = unprotected + 1
		if jobTime > 0 {
			time.Sleep(jobTime)
		}
	}
	wg := sync.WaitGroup{}
	lockKey := "workerDoJob"
	start := time.Now()
	for i := 0; i < numOfWorker; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locker := lockManager.Lock(lockKey)
			acquired, err := locker.Acquire(context.Background(), 0, time.Minute)
			if err != nil || !acquired {
				tb.Errorf("acquire: acquired=%v err=%v", acquired, err)
				return
			}
			adder()
			if _, err := locker.Release(context.Background()); err != nil {
				tb.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()
	fmt.Printf("total time use for %v jobs (job time: %v): %v\n", numOfWorker, jobTime, time.Since(start))
	require.Equal(tb, int64(numOfWorker), unprotected)
}

func TestConcurrentSimpleJob(t *testing.T) {
	_, store := newStore(t)
	lockManager, err := impl.NewLockManager(store)
	require.NoError(t, err)
	workerDoJob(t, lockManager, 200, 0)
}

func BenchmarkComplexJob(b *testing.B) {
	_, store := newStore(b)
	lockManager, err := impl.NewLockManager(store,
		impl.WithMinRetryInterval(time.Millisecond*10),
		impl.WithMaxRetryInterval(time.Millisecond*100))
	require.NoError(b, err)
	for i := 0; i < b.N; i++ {
		workerDoJob(b, lockManager, 100, time.Millisecond)
	}
}
