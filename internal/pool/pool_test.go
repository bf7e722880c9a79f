package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsFairShare(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 10, APIConcurrency: 10, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	// sole user: fair share is the whole pool, capped by the request
	a, err := m.Acquire(ctx, "alice", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, a.Workers)

	// second user: fair share is 10/2, room for all of it
	b, err := m.Acquire(ctx, "bob", 10)
	require.NoError(t, err)
	assert.Equal(t, 5, b.Workers)

	stats := m.Stats()
	assert.Equal(t, 9, stats.UsedWorkers)
	assert.Equal(t, 2, stats.ActiveUsers)

	a.Release()
	b.Release()
	stats = m.Stats()
	assert.Equal(t, 0, stats.UsedWorkers)
	assert.Equal(t, 0, stats.UsedAPISlots)
	assert.Equal(t, 0, stats.ActiveUsers)
}

func TestAcquireFairShareRecomputedAsUsersChange(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 12, APIConcurrency: 12, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	// alone, alice gets the whole pool
	a, err := m.Acquire(ctx, "alice", 12)
	require.NoError(t, err)
	assert.Equal(t, 12, a.Workers)
	a.Release()

	// bob alone again gets a full fair share, capped by his request
	b, err := m.Acquire(ctx, "bob", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, b.Workers)

	// carol now sees two active users: floor(12/2) = 6
	c, err := m.Acquire(ctx, "carol", 12)
	require.NoError(t, err)
	assert.Equal(t, 6, c.Workers)

	b.Release()
	c.Release()
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 1, APIConcurrency: 1, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	a, err := m.Acquire(ctx, "alice", 1)
	require.NoError(t, err)
	defer a.Release()

	start := time.Now()
	_, err = m.Acquire(ctx, "bob", 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrResourceExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestAcquireWakesOnRelease(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 1, APIConcurrency: 1, AcquireTimeout: 2 * time.Second})
	ctx := context.Background()

	a, err := m.Acquire(ctx, "alice", 1)
	require.NoError(t, err)

	done := make(chan *Allocation, 1)
	go func() {
		b, err := m.Acquire(ctx, "bob", 1)
		if err == nil {
			done <- b
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	a.Release()

	select {
	case b := <-done:
		require.NotNil(t, b)
		b.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken by release")
	}
}

func TestAcquireRespectsContextCancel(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 1, APIConcurrency: 1, AcquireTimeout: 5 * time.Second})

	a, err := m.Acquire(context.Background(), "alice", 1)
	require.NoError(t, err)
	defer a.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "bob", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAPICeilingIndependentOfWorkers(t *testing.T) {
	t.Parallel()
	// workers are plentiful, the remote ceiling is the scarce resource
	m := New(Config{TotalWorkers: 100, APIConcurrency: 2, AcquireTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	a, err := m.Acquire(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, a.APISlots())

	_, err = m.Acquire(ctx, "bob", 10)
	assert.ErrorIs(t, err, ErrResourceExhausted, "no api slots left despite free workers")
	a.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 4, APIConcurrency: 4, AcquireTimeout: 50 * time.Millisecond})

	a, err := m.Acquire(context.Background(), "alice", 4)
	require.NoError(t, err)
	a.Release()
	a.Release()
	a.Release()

	stats := m.Stats()
	assert.Equal(t, 0, stats.UsedWorkers)
	assert.Equal(t, 0, stats.UsedAPISlots)

	// pool must still be fully usable afterwards
	b, err := m.Acquire(context.Background(), "bob", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, b.Workers)
	b.Release()
}

func TestAllocationAPISlotSemaphore(t *testing.T) {
	t.Parallel()
	m := New(Config{TotalWorkers: 4, APIConcurrency: 1, AcquireTimeout: 50 * time.Millisecond})

	a, err := m.Acquire(context.Background(), "alice", 4)
	require.NoError(t, err)
	defer a.Release()
	require.Equal(t, 1, a.APISlots())

	require.NoError(t, a.AcquireAPISlot(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = a.AcquireAPISlot(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	a.ReleaseAPISlot()
	require.NoError(t, a.AcquireAPISlot(context.Background()))
}

// TestConcurrentAcquireNeverExceedsCapacity hammers the pool from many
// simulated users and asserts both ceilings hold at every instant.
func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	t.Parallel()
	const (
		totalWorkers = 10
		apiCeiling   = 3
		users        = 8
		rounds       = 25
	)
	m := New(Config{TotalWorkers: totalWorkers, APIConcurrency: apiCeiling, AcquireTimeout: 2 * time.Second})

	var curWorkers, curAPI, maxWorkers, maxAPI atomic.Int64
	var wg sync.WaitGroup
	for u := 0; u < users; u++ {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				a, err := m.Acquire(context.Background(), userID, 4)
				if err != nil {
					continue
				}
				w := curWorkers.Add(int64(a.Workers))
				s := curAPI.Add(int64(a.APISlots()))
				for {
					old := maxWorkers.Load()
					if w <= old || maxWorkers.CompareAndSwap(old, w) {
						break
					}
				}
				for {
					old := maxAPI.Load()
					if s <= old || maxAPI.CompareAndSwap(old, s) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				curWorkers.Add(-int64(a.Workers))
				curAPI.Add(-int64(a.APISlots()))
				a.Release()
			}
		}(string(rune('a' + u)))
	}
	wg.Wait()

	assert.LessOrEqual(t, maxWorkers.Load(), int64(totalWorkers))
	assert.LessOrEqual(t, maxAPI.Load(), int64(apiCeiling))

	stats := m.Stats()
	assert.Equal(t, 0, stats.UsedWorkers)
	assert.Equal(t, 0, stats.UsedAPISlots)
	assert.Equal(t, 0, stats.ActiveUsers)
}
