package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeyedLocksMutualExclusion(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	var inCritical atomic.Int32
	var maxSeen atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.acquire(ctx, "/tmp/a")
			require.NoError(t, err)
			defer release()

			n := inCritical.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inCritical.Add(-1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxSeen.Load())
	require.Zero(t, locks.inFlight())
}

func TestKeyedLocksIndependentPaths(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	releaseA, err := locks.acquire(ctx, "/tmp/a")
	require.NoError(t, err)

	// A held lock on another path must not block this one.
	done := make(chan struct{})
	go func() {
		releaseB, err := locks.acquire(ctx, "/tmp/b")
		require.NoError(t, err)
		releaseB()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on independent path blocked")
	}
	releaseA()
}

func TestKeyedLocksCancelledWaiter(t *testing.T) {
	locks := newKeyedLocks()

	release, err := locks.acquire(context.Background(), "/tmp/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = locks.acquire(ctx, "/tmp/a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Holder releases; registry must drain to empty.
	release()
	require.Zero(t, locks.inFlight())

	// The lock is usable again.
	release, err = locks.acquire(context.Background(), "/tmp/a")
	require.NoError(t, err)
	release()
}

func TestKeyedLocksCollectedAtZeroWaiters(t *testing.T) {
	locks := newKeyedLocks()
	ctx := context.Background()

	release, err := locks.acquire(ctx, "/tmp/a")
	require.NoError(t, err)
	require.Equal(t, 1, locks.inFlight())

	release()
	require.Zero(t, locks.inFlight())
}
