package exponent_test

import (
	"context"
	"testing"

	"github.com/katalvlaran/mpcmatch/exponent"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPath4 returns a single-worker Store for the path 1-2-3-4 with a
// fully resolved vertex CSR (Other endpoints included), plus the three
// edges' local positions in path order.
func buildPath4(t *testing.T, h *hashid.Hasher) (*store.Store, [3]int) {
	t.Helper()
	st := store.New(h, 0, 1)
	st.Init([][2]uint64{{1, 2}, {2, 3}, {3, 4}})

	e12, _ := st.IndexOf(h.EID(1, 2))
	e23, _ := st.IndexOf(h.EID(2, 3))
	e34, _ := st.IndexOf(h.EID(3, 4))

	st.BuildVertexCSR(map[uint64][]store.IncidentEdge{
		1: {{EID: h.EID(1, 2), Owner: 0, LocalPos: e12, Other: 2}},
		2: {
			{EID: h.EID(1, 2), Owner: 0, LocalPos: e12, Other: 1},
			{EID: h.EID(2, 3), Owner: 0, LocalPos: e23, Other: 3},
		},
		3: {
			{EID: h.EID(2, 3), Owner: 0, LocalPos: e23, Other: 2},
			{EID: h.EID(3, 4), Owner: 0, LocalPos: e34, Other: 4},
		},
		4: {{EID: h.EID(3, 4), Owner: 0, LocalPos: e34, Other: 3}},
	})
	return st, [3]int{e12, e23, e34}
}

func TestBatchesSplitsContiguously(t *testing.T) {
	b := exponent.Batches([]int{0, 1, 2, 3, 4}, 2)
	require.Len(t, b, 3)
	assert.Equal(t, []int{0, 1}, b[0])
	assert.Equal(t, []int{2, 3}, b[1])
	assert.Equal(t, []int{4}, b[2])
}

func TestBatchesSinglePassWhenBatchSizeExceedsInput(t *testing.T) {
	b := exponent.Batches([]int{0, 1}, 100)
	require.Len(t, b, 1)
	assert.Equal(t, []int{0, 1}, b[0])
}

func TestGrowBallsCoversFullChainAtRadiusTwo(t *testing.T) {
	h := hashid.New(1)
	st, pos := buildPath4(t, h)
	handles := fabric.NewInProcessGroup(1, 1<<16)
	ctx := context.Background()

	live, err := exponent.RefreshLiveness(ctx, handles[0], h, st)
	require.NoError(t, err)

	maxObserved, err := exponent.GrowBalls(ctx, handles[0], h, st, live, pos[:], 2, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), maxObserved)

	arena := st.Arena(0)
	for _, p := range pos {
		ball := arena.Get(p)
		assert.Len(t, ball, 3, "edge at position %d should see the whole chain", p)
	}
}

func TestVerifyBallInvariantsAcceptsASortedDedupedArena(t *testing.T) {
	h := hashid.New(1)
	st, pos := buildPath4(t, h)
	handles := fabric.NewInProcessGroup(1, 1<<16)
	ctx := context.Background()

	live, err := exponent.RefreshLiveness(ctx, handles[0], h, st)
	require.NoError(t, err)

	_, err = exponent.GrowBalls(ctx, handles[0], h, st, live, pos[:], 2, 100)
	require.NoError(t, err)

	assert.NoError(t, exponent.VerifyBallInvariants(st, st.Arena(0), 100))
}

func TestVerifyBallInvariantsRejectsAnOversizedBall(t *testing.T) {
	h := hashid.New(1)
	st, pos := buildPath4(t, h)
	handles := fabric.NewInProcessGroup(1, 1<<16)
	ctx := context.Background()

	live, err := exponent.RefreshLiveness(ctx, handles[0], h, st)
	require.NoError(t, err)

	_, err = exponent.GrowBalls(ctx, handles[0], h, st, live, pos[:], 2, 100)
	require.NoError(t, err)

	// budgetS below 3 makes the already-grown 3-eid balls look oversized
	// to a check run after the fact.
	err = exponent.VerifyBallInvariants(st, st.Arena(0), 2)
	require.Error(t, err)
}

func TestGrowBallsRadiusOneSeesOnlyDirectNeighbors(t *testing.T) {
	h := hashid.New(1)
	st, pos := buildPath4(t, h)
	handles := fabric.NewInProcessGroup(1, 1<<16)
	ctx := context.Background()

	live, err := exponent.RefreshLiveness(ctx, handles[0], h, st)
	require.NoError(t, err)

	_, err = exponent.GrowBalls(ctx, handles[0], h, st, live, pos[:], 1, 100)
	require.NoError(t, err)

	arena := st.Arena(0)
	// Middle edge (2,3) has two line-graph neighbors; end edges have one.
	assert.Len(t, arena.Get(pos[0]), 2) // (1,2): self + (2,3)
	assert.Len(t, arena.Get(pos[1]), 3) // (2,3): self + (1,2) + (3,4)
	assert.Len(t, arena.Get(pos[2]), 2) // (3,4): self + (2,3)
}

func TestGrowBallsStallsOnOverflow(t *testing.T) {
	h := hashid.New(1)
	st, pos := buildPath4(t, h)
	handles := fabric.NewInProcessGroup(1, 1<<16)
	ctx := context.Background()

	live, err := exponent.RefreshLiveness(ctx, handles[0], h, st)
	require.NoError(t, err)

	// budgetS=1 means even the first merge (ball size 2) overflows.
	_, err = exponent.GrowBalls(ctx, handles[0], h, st, live, pos[:], 2, 1)
	require.NoError(t, err)

	for _, p := range pos {
		assert.True(t, st.Edge(p).Stalled, "position %d should be stalled after overflow", p)
	}
}

func TestAgreeBatchCountTakesGlobalMax(t *testing.T) {
	ctx := context.Background()
	handles := fabric.NewInProcessGroup(2, 1<<16)

	results := make([]int, 2)
	errs := make([]error, 2)
	done := make(chan struct{}, 2)
	local := []int{1, 5}
	for r := 0; r < 2; r++ {
		go func(rank int) {
			n, err := exponent.AgreeBatchCount(ctx, handles[rank], local[rank])
			results[rank] = n
			errs[rank] = err
			done <- struct{}{}
		}(r)
	}
	<-done
	<-done
	for r := 0; r < 2; r++ {
		require.NoError(t, errs[r])
		assert.Equal(t, 5, results[r])
	}
}
