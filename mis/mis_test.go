package mis_test

import (
	"testing"

	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/mis"
	"github.com/katalvlaran/mpcmatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectPicksLowestPriorityAndRejectsBallMembers(t *testing.T) {
	h := hashid.New(1)
	st := store.New(h, 0, 1)
	st.Init([][2]uint64{{1, 2}, {2, 3}, {5, 6}})

	e12, _ := st.IndexOf(h.EID(1, 2))
	e23, _ := st.IndexOf(h.EID(2, 3))
	e56, _ := st.IndexOf(h.EID(5, 6))

	arena := st.Arena(8)
	// (1,2) and (2,3) share vertex 2, so their balls mutually include
	// each other; (5,6) is isolated.
	arena.Set(e12, sortedBall(h.EID(1, 2), h.EID(2, 3)))
	arena.Set(e23, sortedBall(h.EID(1, 2), h.EID(2, 3)))
	arena.Set(e56, sortedBall(h.EID(5, 6)))

	mis.AssignPriorities(h, st, []int{e12, e23, e56}, 0)
	selected := mis.Select(st, arena, []int{e12, e23, e56})

	// e56 is always selected (no conflicts). Exactly one of e12/e23 is
	// selected, whichever sorts first by (priority, eid).
	require.Len(t, selected, 2)
	assert.Contains(t, selected, e56)

	matchedCount := 0
	for _, pos := range []int{e12, e23} {
		if st.Edge(pos).Matched {
			matchedCount++
		}
	}
	assert.Equal(t, 1, matchedCount)
	assert.True(t, st.Edge(e56).Matched)
}

func TestSelectSkipsCandidatesWithoutABall(t *testing.T) {
	h := hashid.New(1)
	st := store.New(h, 0, 1)
	st.Init([][2]uint64{{1, 2}})
	e12, _ := st.IndexOf(h.EID(1, 2))

	arena := st.Arena(4) // nothing Set: e12 was stalled-by-overflow
	mis.AssignPriorities(h, st, []int{e12}, 0)
	selected := mis.Select(st, arena, []int{e12})

	assert.Empty(t, selected)
	assert.False(t, st.Edge(e12).Matched)
}

func TestAssignPrioritiesIsDeterministic(t *testing.T) {
	h := hashid.New(7)
	st := store.New(h, 0, 1)
	st.Init([][2]uint64{{1, 2}, {3, 4}})
	e12, _ := st.IndexOf(h.EID(1, 2))
	e34, _ := st.IndexOf(h.EID(3, 4))

	mis.AssignPriorities(h, st, []int{e12, e34}, 2)
	p1 := st.Edge(e12).Priority
	p2 := st.Edge(e34).Priority

	st2 := store.New(h, 0, 1)
	st2.Init([][2]uint64{{1, 2}, {3, 4}})
	e12b, _ := st2.IndexOf(h.EID(1, 2))
	e34b, _ := st2.IndexOf(h.EID(3, 4))
	mis.AssignPriorities(h, st2, []int{e12b, e34b}, 2)

	assert.Equal(t, p1, st2.Edge(e12b).Priority)
	assert.Equal(t, p2, st2.Edge(e34b).Priority)
}

func sortedBall(eids ...uint64) []uint64 {
	out := append([]uint64(nil), eids...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}
