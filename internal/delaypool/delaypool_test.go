package delaypool

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(1))
}

func TestAllocateRotatesAndExhausts(t *testing.T) {
	items := []string{"a", "b", "c"}
	p := New(items, 1.0, 30*time.Millisecond, newRand())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		item, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.False(t, seen[item], "item %q allocated twice in one pass", item)
		seen[item] = true
	}

	_, ok, err := p.Allocate(context.Background())
	require.NoError(t, err)
	require.False(t, ok, "pool should be exhausted after a full pass")
}

func TestAllocationsSpacedAcrossBudget(t *testing.T) {
	budget := 90 * time.Millisecond
	p := New([]string{"a", "b", "c"}, 1.0, budget, newRand())

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
	}
	elapsed := time.Since(start)

	// First allocation is immediate; the remaining two are spaced a third
	// of the budget apart.
	require.GreaterOrEqual(t, elapsed, 2*budget/3-5*time.Millisecond)
	require.Less(t, elapsed, budget)
}

func TestReuseFactorRaisesAllocationCap(t *testing.T) {
	p := New([]string{"a", "b"}, 1.5, 30*time.Millisecond, newRand())

	count := 0
	for {
		_, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 3, count) // ceil(1.5 * 2)
}

func TestResetKeepsLastAllocatedAtTail(t *testing.T) {
	items := []string{"a", "b", "c", "d", "e"}

	for seed := int64(0); seed < 20; seed++ {
		p := New(items, 1.0, 10*time.Millisecond, rand.New(rand.NewSource(seed)))
		last, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		require.True(t, ok)

		p.Reset(1.0, 10*time.Millisecond)

		// The just-tried server must not come back until every other one
		// has been handed out.
		for i := 0; i < len(items)-1; i++ {
			item, ok, err := p.Allocate(context.Background())
			require.NoError(t, err)
			require.True(t, ok)
			require.NotEqual(t, last, item, "seed %d: last server retried at position %d", seed, i)
		}
		item, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, last, item)
	}
}

func TestNextAllocableAtIsConnectDeadline(t *testing.T) {
	p := New([]string{"a", "b"}, 1.0, 100*time.Millisecond, newRand())

	before := time.Now()
	_, ok, err := p.Allocate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	next := p.NextAllocableAt()
	require.True(t, next.After(before))
	require.WithinDuration(t, before.Add(50*time.Millisecond), next, 20*time.Millisecond)
}

func TestAllocateHonorsContext(t *testing.T) {
	p := New([]string{"a", "b"}, 1.0, 10*time.Second, newRand())
	_, ok, err := p.Allocate(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, _, err = p.Allocate(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
}

func TestDeduplicatesItems(t *testing.T) {
	p := New([]string{"a", "a", "b"}, 1.0, 20*time.Millisecond, newRand())
	count := 0
	for {
		_, ok, err := p.Allocate(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		count++
	}
	require.Equal(t, 2, count)
}
