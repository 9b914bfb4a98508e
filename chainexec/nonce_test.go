package chainexec

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonceAllocator_SeedThenAllocate(t *testing.T) {
	a := NewNonceAllocator()
	a.Seed("base", "0xabc", 42)

	lease, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(42), lease.Nonce())
	lease.Finalize()

	lease2, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(43), lease2.Nonce())
}

func TestNonceAllocator_SeedIsNoOpOnceAllocated(t *testing.T) {
	a := NewNonceAllocator()
	lease, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	lease.Finalize()

	a.Seed("base", "0xabc", 999)
	lease2, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(1), lease2.Nonce(), "seeding after allocation must not rewind the counter")
}

func TestNonceAllocator_ReleaseReusesLowestOutstandingNonce(t *testing.T) {
	a := NewNonceAllocator()

	first, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	first.Finalize()

	second, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(1), second.Nonce())
	second.Release()

	third, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	require.Equal(t, uint64(1), third.Nonce())
}

func TestNonceAllocator_ConcurrentAllocationsAreGaplessAndUnique(t *testing.T) {
	a := NewNonceAllocator()
	const n = 50
	seen := make([]uint64, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	idx := 0

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lease, err := a.Allocate("base", "0xabc")
			require.NoError(t, err)
			nonce := lease.Nonce()
			lease.Finalize()
			mu.Lock()
			seen[idx] = nonce
			idx++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)
	tally := make(map[uint64]int, n)
	for _, v := range seen {
		tally[v]++
	}
	for expected := uint64(0); expected < n; expected++ {
		require.Equal(t, 1, tally[expected], "nonce %d should be allocated exactly once", expected)
	}
}

func TestNonceAllocator_IndependentSendersDoNotShareCounters(t *testing.T) {
	a := NewNonceAllocator()
	l1, err := a.Allocate("base", "0xabc")
	require.NoError(t, err)
	l1.Finalize()

	l2, err := a.Allocate("base", "0xdef")
	require.NoError(t, err)
	require.Equal(t, uint64(0), l2.Nonce())
}
