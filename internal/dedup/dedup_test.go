package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// has checks membership without refreshing recency.
func has(s *Set, sig string) bool {
	_, ok := s.index[sig]
	return ok
}

func TestSetAddReportsNewness(t *testing.T) {
	t.Parallel()

	s := NewSet(4)
	require.True(t, s.Add("a"))
	require.False(t, s.Add("a"))
	require.True(t, has(s, "a"))
	require.Equal(t, 1, s.Len())
}

func TestSetNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	s := NewSet(100)
	for i := 0; i < 10_000; i++ {
		s.Add(fmt.Sprintf("sig-%d", i))
		require.LessOrEqual(t, s.Len(), s.capacity)
	}
	require.Equal(t, 100, s.Len())
	require.True(t, has(s, "sig-9999"))
	require.False(t, has(s, "sig-0"))
}

func TestSetEvictsLeastRecentlySeen(t *testing.T) {
	t.Parallel()

	s := NewSet(3)
	s.Add("a")
	s.Add("b")
	s.Add("c")
	s.Add("a") // refresh a
	s.Add("d") // evicts b
	require.True(t, has(s, "a"))
	require.False(t, has(s, "b"))
	require.True(t, has(s, "c"))
	require.True(t, has(s, "d"))
}

func TestSetShrinkKeepsNewestTail(t *testing.T) {
	t.Parallel()

	s := NewSet(10)
	for i := 0; i < 10; i++ {
		s.Add(fmt.Sprintf("%d", i))
	}
	require.Equal(t, 7, s.Shrink(3))
	require.Equal(t, 3, s.Len())
	for _, sig := range []string{"7", "8", "9"} {
		require.True(t, has(s, sig))
	}
	require.Zero(t, s.Shrink(5))
}

func TestSetSeedPreservesStoreOrder(t *testing.T) {
	t.Parallel()

	s := NewSet(2)
	s.Seed([]string{"newest", "middle", "oldest"})
	require.True(t, has(s, "newest"))
	require.True(t, has(s, "middle"))
	require.False(t, has(s, "oldest"))
}

func TestRecentIsFixedLength(t *testing.T) {
	t.Parallel()

	r := NewRecent(10)
	for i := 0; i < 25; i++ {
		r.Push(harvest.Record{Signature: fmt.Sprintf("%d", i)})
		require.LessOrEqual(t, r.Len(), 10)
	}
	snap := r.Snapshot()
	require.Len(t, snap, 10)
	require.Equal(t, "24", snap[0].Signature)
	require.Equal(t, "15", snap[9].Signature)
}

func TestRecentPartial(t *testing.T) {
	t.Parallel()

	r := NewRecent(3)
	r.Push(harvest.Record{Signature: "x"})
	require.Equal(t, []harvest.Record{{Signature: "x"}}, r.Snapshot())
}
