package finish_test

import (
	"context"
	"testing"

	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/finish"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTwoWorkerResidual splits a path (1,2)-(2,3) onto worker 0 and an
// isolated edge (5,6) onto worker 1, all active and unmatched.
func buildTwoWorkerResidual(h *hashid.Hasher) (*store.Store, *store.Store) {
	st0 := store.New(h, 0, 2)
	st0.Init([][2]uint64{{1, 2}, {2, 3}})
	st1 := store.New(h, 1, 2)
	st1.Init([][2]uint64{{5, 6}})
	return st0, st1
}

func runOnBoth(t *testing.T, fn func(ctx context.Context, f fabric.Fabric) error) {
	t.Helper()
	ctx := context.Background()
	handles := fabric.NewInProcessGroup(2, 1<<16)
	errs := make([]error, 2)
	done := make(chan struct{}, 2)
	for r := 0; r < 2; r++ {
		go func(rank int) {
			errs[rank] = fn(ctx, handles[rank])
			done <- struct{}{}
		}(r)
	}
	<-done
	<-done
	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestGatherMatchesIsolatedEdgeAndOneOfThePathEdges(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildTwoWorkerResidual(h)

	runOnBoth(t, func(ctx context.Context, f fabric.Fabric) error {
		st := st0
		if f.Rank() == 1 {
			st = st1
		}
		return finish.Gather(ctx, f, st)
	})

	e12, _ := st0.IndexOf(h.EID(1, 2))
	e23, _ := st0.IndexOf(h.EID(2, 3))
	matchedCount := 0
	if st0.Edge(e12).Matched {
		matchedCount++
	}
	if st0.Edge(e23).Matched {
		matchedCount++
	}
	assert.Equal(t, 1, matchedCount, "sharing vertex 2, at most one of the path edges can match")

	e56, _ := st1.IndexOf(h.EID(5, 6))
	assert.True(t, st1.Edge(e56).Matched)
	assert.False(t, st1.Edge(e56).Active)
}

func TestDistributedMatchesAcrossIndependentComponents(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildTwoWorkerResidual(h)

	runOnBoth(t, func(ctx context.Context, f fabric.Fabric) error {
		st := st0
		if f.Rank() == 1 {
			st = st1
		}
		return finish.Distributed(ctx, f, st)
	})

	e12, _ := st0.IndexOf(h.EID(1, 2))
	e23, _ := st0.IndexOf(h.EID(2, 3))
	matchedCount := 0
	if st0.Edge(e12).Matched {
		matchedCount++
	}
	if st0.Edge(e23).Matched {
		matchedCount++
	}
	assert.Equal(t, 1, matchedCount)

	e56, _ := st1.IndexOf(h.EID(5, 6))
	assert.True(t, st1.Edge(e56).Matched)
}

func TestSmallThresholdTakesTheSmallerBound(t *testing.T) {
	assert.Equal(t, uint64(50), finish.SmallThreshold(100, 2.0, 10.0)) // S/c = 50 < factor*S = 1000
	assert.Equal(t, uint64(1), finish.SmallThreshold(100, 2.0, 0.01))  // S/c = 50 > factor*S = 1
}
