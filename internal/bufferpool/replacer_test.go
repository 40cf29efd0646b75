package bufferpool

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func allReplacers(t *testing.T, capacity int) map[Policy]Replacer {
	t.Helper()
	out := make(map[Policy]Replacer)
	for _, p := range []Policy{PolicyClock, PolicyLRU, PolicyLRUK} {
		r, err := NewReplacer(p, capacity, 2)
		require.NoError(t, err)
		out[p] = r
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":      PolicyClock,
		"Clock": PolicyClock,
		"lru":   PolicyLRU,
		"LRU-K": PolicyLRUK,
		"lruk":  PolicyLRUK,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("fifo")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestReplacer_NeverReturnsPinned(t *testing.T) {
	for policy, r := range allReplacers(t, 8) {
		t.Run(string(policy), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(1, 2))
			pinned := make(map[int]bool)
			tracked := make(map[int]bool)

			for range 2000 {
				id := rng.IntN(8)
				switch rng.IntN(4) {
				case 0:
					r.RecordAccess(id)
					tracked[id] = true
				case 1:
					on := rng.IntN(2) == 0
					r.SetEvictable(id, on)
					if tracked[id] {
						pinned[id] = !on
					}
				case 2:
					r.Remove(id)
					delete(tracked, id)
					delete(pinned, id)
				case 3:
					victim, ok := r.Evict()
					if !ok {
						continue
					}
					require.True(t, tracked[victim], "victim %d was never recorded", victim)
					require.False(t, pinned[victim], "victim %d is not evictable", victim)
					delete(tracked, victim)
					delete(pinned, victim)
				}
			}
		})
	}
}

func TestReplacer_SizeCountsEvictable(t *testing.T) {
	for policy, r := range allReplacers(t, 4) {
		t.Run(string(policy), func(t *testing.T) {
			r.SetEvictable(0, true)
			require.Equal(t, 0, r.Size(), "untracked frames are ignored")

			for id := range 4 {
				r.RecordAccess(id)
				r.SetEvictable(id, true)
			}
			require.Equal(t, 4, r.Size())

			r.SetEvictable(1, false)
			r.Remove(2)
			require.Equal(t, 2, r.Size())

			for range 2 {
				id, ok := r.Evict()
				require.True(t, ok)
				require.NotEqual(t, 1, id)
				require.NotEqual(t, 2, id)
			}
			_, ok := r.Evict()
			require.False(t, ok)
			require.Equal(t, 0, r.Size())
		})
	}
}

func TestReplacer_TouchedOutlivesUntouched(t *testing.T) {
	for policy, r := range allReplacers(t, 3) {
		t.Run(string(policy), func(t *testing.T) {
			for id := range 3 {
				r.RecordAccess(id)
				r.SetEvictable(id, true)
			}
			id, ok := r.Evict()
			require.True(t, ok)
			require.Equal(t, 0, id)

			r.RecordAccess(1)
			id, ok = r.Evict()
			require.True(t, ok)
			require.Equal(t, 2, id, "untouched frame goes before the touched one")

			id, ok = r.Evict()
			require.True(t, ok)
			require.Equal(t, 1, id)
		})
	}
}

func TestLRUReplacer_Order(t *testing.T) {
	r, err := newLRUReplacer(4)
	require.NoError(t, err)
	for _, id := range []int{0, 1, 2, 3} {
		r.RecordAccess(id)
		r.SetEvictable(id, true)
	}
	r.RecordAccess(0)
	r.SetEvictable(1, false)

	var got []int
	for {
		id, ok := r.Evict()
		if !ok {
			break
		}
		got = append(got, id)
	}
	require.Equal(t, []int{2, 3, 0}, got)
}

func TestLRUKReplacer_InfiniteDistanceFirst(t *testing.T) {
	r := newLRUKReplacer(4, 2)

	// 0 and 1 get two accesses, 2 and 3 only one
	r.RecordAccess(0) // t1
	r.RecordAccess(1) // t2
	r.RecordAccess(2) // t3
	r.RecordAccess(0) // t4
	r.RecordAccess(1) // t5
	r.RecordAccess(3) // t6
	for id := range 4 {
		r.SetEvictable(id, true)
	}

	var got []int
	for range 4 {
		id, ok := r.Evict()
		require.True(t, ok)
		got = append(got, id)
	}
	// 2 and 3 by first access, then 0 (k-th access at t1) before 1 (t2)
	require.Equal(t, []int{2, 3, 0, 1}, got)
}

func TestLRUKReplacer_HistoryResetOnRemove(t *testing.T) {
	r := newLRUKReplacer(2, 2)
	r.RecordAccess(0)
	r.RecordAccess(0)
	r.RecordAccess(1)
	r.RecordAccess(1)
	r.Remove(0)

	// 0 comes back with a single access: infinite distance
	r.RecordAccess(0)
	r.SetEvictable(0, true)
	r.SetEvictable(1, true)

	id, ok := r.Evict()
	require.True(t, ok)
	require.Equal(t, 0, id)
}
