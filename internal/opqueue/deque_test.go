package opqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ensemblelabs/libzk-go/internal/testutil"
)

func TestInsertRemoveOrder(t *testing.T) {
	d := NewDeque[int](8)
	ctx := context.Background()

	require.NoError(t, d.InsertTail(ctx, 1))
	require.NoError(t, d.InsertTail(ctx, 2))
	require.NoError(t, d.InsertHead(ctx, 0))

	v, err := d.RemoveHead(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	v, err = d.RemoveTail(ctx, true)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, ok := d.TryRemoveHead(true)
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = d.TryRemoveHead(true)
	require.False(t, ok)
}

func TestCapacityBlocksProducer(t *testing.T) {
	d := NewDeque[int](2)
	ctx := context.Background()
	require.True(t, d.TryInsertTail(1))
	require.True(t, d.TryInsertTail(2))
	require.False(t, d.TryInsertTail(3))

	inserted := testutil.NewSyncPoint()
	go func() {
		if err := d.InsertTail(ctx, 3); err == nil {
			inserted.Signal()
		}
	}()

	require.False(t, inserted.WaitTimeout(t, 50*time.Millisecond), "insert should block at capacity")

	_, ok := d.TryRemoveHead(true)
	require.True(t, ok)
	inserted.Wait(t)
}

func TestReservedRemovalHoldsCapacity(t *testing.T) {
	d := NewDeque[int](2)
	require.True(t, d.TryInsertTail(1))
	require.True(t, d.TryInsertTail(2))

	// Taking an item without committing keeps the capacity bound: the
	// producer still cannot enter until the removal is committed.
	v, ok := d.TryRemoveHead(false)
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.False(t, d.TryInsertTail(3))

	d.CommitRemovals(1)
	require.True(t, d.TryInsertTail(3))
	require.False(t, d.TryInsertTail(4))
}

func TestCommitWakesBlockedProducers(t *testing.T) {
	d := NewDeque[int](2)
	ctx := context.Background()
	require.True(t, d.TryInsertTail(1))
	require.True(t, d.TryInsertTail(2))

	_, ok := d.TryRemoveHead(false)
	require.True(t, ok)
	_, ok = d.TryRemoveHead(false)
	require.True(t, ok)

	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			results <- d.InsertTail(ctx, v)
		}(10 + i)
	}

	time.Sleep(20 * time.Millisecond)
	d.CommitRemovals(2)
	wg.Wait()
	close(results)
	for err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, 2, d.Len())
}

func TestTryRemoveItemDetachesQueuedItem(t *testing.T) {
	d := NewDeque[int](4)
	require.True(t, d.TryInsertTail(1))
	require.True(t, d.TryInsertTail(2))
	require.True(t, d.TryInsertTail(3))

	require.True(t, d.TryRemoveItem(2))
	require.False(t, d.TryRemoveItem(2))

	v, ok := d.TryRemoveHead(true)
	require.True(t, ok)
	require.Equal(t, 1, v)
	v, ok = d.TryRemoveHead(true)
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestCloseFailsWaiters(t *testing.T) {
	d := NewDeque[int](2)
	closeErr := errors.New("session expired")

	waiting := make(chan error, 1)
	go func() {
		_, err := d.RemoveHead(context.Background(), true)
		waiting <- err
	}()

	time.Sleep(20 * time.Millisecond)
	d.Close(closeErr)

	select {
	case err := <-waiting:
		require.ErrorIs(t, err, closeErr)
	case <-time.After(time.Second):
		t.Fatal("waiter not failed by close")
	}

	require.True(t, d.IsClosed())
	require.False(t, d.TryInsertTail(1))
	require.Zero(t, d.Len())

	err := d.InsertTail(context.Background(), 1)
	require.ErrorIs(t, err, closeErr)
}

func TestResetReArmsClosedDeque(t *testing.T) {
	d := NewDeque[int](2)
	d.Close(nil)
	require.True(t, d.IsClosed())

	d.Reset(2)
	require.False(t, d.IsClosed())
	require.True(t, d.TryInsertTail(1))
}

func TestBlockedConsumerCancellation(t *testing.T) {
	d := NewDeque[int](2)
	ctx, cancel := context.WithCancel(context.Background())

	waiting := make(chan error, 1)
	go func() {
		_, err := d.RemoveHead(ctx, true)
		waiting <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-waiting:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter not released by cancellation")
	}

	// The deque still works and no capacity leaked.
	require.True(t, d.TryInsertTail(1))
	v, ok := d.TryRemoveHead(true)
	require.True(t, ok)
	require.Equal(t, 1, v)
}

func TestConsumersAreFIFO(t *testing.T) {
	d := NewDeque[int](8)
	ctx := context.Background()

	order := make(chan int, 3)
	ready := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if i == 0 {
				close(ready)
			} else {
				<-ready
				time.Sleep(time.Duration(i) * 20 * time.Millisecond)
			}
			if _, err := d.RemoveHead(ctx, true); err == nil {
				order <- i
			}
		}()
	}

	// Give the three consumers time to queue up in a known order.
	time.Sleep(150 * time.Millisecond)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.InsertTail(ctx, i))
		time.Sleep(10 * time.Millisecond)
	}

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			require.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("consumer starved")
		}
	}
}

func TestPendingPlusReservedNeverExceedsCapacity(t *testing.T) {
	const capacity = 4
	d := NewDeque[int](capacity)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var mu sync.Mutex
	reserved := 0
	maxTotal := 0

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { // consumer: reserve, then commit
		defer wg.Done()
		for i := 0; i < 64; i++ {
			if _, err := d.RemoveHead(ctx, false); err != nil {
				return
			}
			mu.Lock()
			reserved++
			if total := d.Len() + reserved; total > maxTotal {
				maxTotal = total
			}
			reserved--
			mu.Unlock()
			d.CommitRemovals(1)
		}
	}()

	for i := 0; i < 64; i++ {
		require.NoError(t, d.InsertTail(ctx, i))
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxTotal, capacity)
}
