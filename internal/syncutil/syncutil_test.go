package syncutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_BasicLockUnlock(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ride:1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	unlock()
	assert.Equal(t, 0, m.Len(), "entry should be released once unused")
}

func TestKeyedMutex_UnlockIsIdempotent(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
	unlock()

	unlock2, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock2()
}

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	var counter int64
	var wg sync.WaitGroup
	const n = 100

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "counter")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			// Non-atomic read-modify-write exposes lost updates if exclusion breaks.
			v := atomic.LoadInt64(&counter)
			atomic.StoreInt64(&counter, v+1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(n), atomic.LoadInt64(&counter))
	assert.Equal(t, 0, m.Len())
}

func TestKeyedMutex_DistinctKeysDoNotContend(t *testing.T) {
	m := NewKeyedMutex()
	ctx := context.Background()

	unlockRide, err := m.LockContext(ctx, "ride:1")
	require.NoError(t, err)
	defer unlockRide()

	// Holding a ride lock must never block a wallet lock.
	timeoutCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlockWallet, err := m.LockContext(timeoutCtx, "wallet:user-1")
	require.NoError(t, err)
	unlockWallet()
}

func TestKeyedMutex_ContextCancelled(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "blocked")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	assert.Equal(t, 0, m.Len())
}

func TestAcquire_TimesOut(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ride:busy")
	require.NoError(t, err)
	defer unlock()

	start := time.Now()
	_, err = Acquire(context.Background(), m, "ride:busy", 40*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquire_ParentCancellationWins(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ride:busy")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = Acquire(ctx, m, "ride:busy", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrLockTimeout))
}

func TestAcquire_SucceedsAfterRelease(t *testing.T) {
	m := NewKeyedMutex()

	unlock, err := m.LockContext(context.Background(), "ride:1")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		unlock()
	}()

	unlock2, err := Acquire(context.Background(), m, "ride:1", time.Second)
	require.NoError(t, err)
	unlock2()
}

func TestLockScope(t *testing.T) {
	assert.Equal(t, "ride", lockScope("ride:abc"))
	assert.Equal(t, "wallet", lockScope("wallet:u1"))
	assert.Equal(t, "other", lockScope("plain"))
}
