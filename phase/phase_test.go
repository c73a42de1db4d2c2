package phase_test

import (
	"context"
	"testing"

	"github.com/katalvlaran/mpcmatch/config"
	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/phase"
	"github.com/katalvlaran/mpcmatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTwoDisjointEdges splits (1,2) onto worker 0 and (3,4) onto
// worker 1, both active and unmatched, four distinct vertices total.
func buildTwoDisjointEdges(h *hashid.Hasher) (*store.Store, *store.Store) {
	st0 := store.New(h, 0, 2)
	st0.Init([][2]uint64{{1, 2}})
	st1 := store.New(h, 1, 2)
	st1.Init([][2]uint64{{3, 4}})
	return st0, st1
}

func runOnBothWorkers(t *testing.T, fn func(ctx context.Context, f fabric.Fabric) error) {
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

// TestRunWorkerMatchesTwoDisjointEdgesThroughFinisher sets the small-
// residual threshold well above the whole graph's edge count so the
// driver hands off to the Finisher on its very first phase check,
// exercising store.ResolveVertices feeding directly into
// phase.Driver.RunWorker end to end over a two-disjoint-edges scenario.
func TestRunWorkerMatchesTwoDisjointEdgesThroughFinisher(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildTwoDisjointEdges(h)

	opts, err := config.New(
		config.WithSeed(1),
		config.WithFinishSmallThresholdFactor(10.0),
		config.WithPhaseBudget(4),
	)
	require.NoError(t, err)

	results := make([]phase.Result, 2)
	runOnBothWorkers(t, func(ctx context.Context, f fabric.Fabric) error {
		st := st0
		if f.Rank() == 1 {
			st = st1
		}
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		res, err := d.RunWorker(ctx, f, h, st, 4)
		results[f.Rank()] = res
		return err
	})

	for _, res := range results {
		assert.True(t, res.FinishedByFinisher)
		assert.Equal(t, 1, res.PhasesRun)
	}

	e12, ok := st0.IndexOf(h.EID(1, 2))
	require.True(t, ok)
	assert.True(t, st0.Edge(e12).Matched)
	assert.False(t, st0.Edge(e12).Active)

	e34, ok := st1.IndexOf(h.EID(3, 4))
	require.True(t, ok)
	assert.True(t, st1.Edge(e34).Matched)
	assert.False(t, st1.Edge(e34).Active)
}

// TestRunWorkerTestModeSurvivesAFullPhase runs with test_mode=on over a
// graph sized so the Finisher does not trigger on phase 0 (n=9 gives
// S=12, and the default small-threshold factor keeps the cutoff well
// below this graph's 6 active edges), so the run actually exercises
// sparsify/stall/exponent/mis/integrate and the P2/P3/P6 sampled
// checks inside the phase body rather than short-circuiting straight
// to the Finisher.
func TestRunWorkerTestModeSurvivesAFullPhase(t *testing.T) {
	h := hashid.New(1)
	st0 := store.New(h, 0, 2)
	st0.Init([][2]uint64{{1, 2}, {2, 3}, {3, 4}})
	st1 := store.New(h, 1, 2)
	st1.Init([][2]uint64{{4, 5}, {5, 6}, {6, 7}})

	opts, err := config.New(
		config.WithSeed(1),
		config.WithTestMode(config.TestModeOn),
		config.WithPhaseBudget(6),
	)
	require.NoError(t, err)

	stores := [2]*store.Store{st0, st1}
	results := make([]phase.Result, 2)
	runOnBothWorkers(t, func(ctx context.Context, f fabric.Fabric) error {
		st := stores[f.Rank()]
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		res, err := d.RunWorker(ctx, f, h, st, 9)
		results[f.Rank()] = res
		return err
	})

	for _, res := range results {
		assert.True(t, res.PhasesRun > 0)
	}
}

// warningObserver counts OnMemoryWarning calls, to confirm a soft
// breach is actually observed rather than silently swallowed.
type warningObserver struct {
	phase.NopObserver
	warnings int
}

func (o *warningObserver) OnMemoryWarning(float64) { o.warnings++ }

// runOnBothWorkersCollecting is runOnBothWorkers without the
// require.NoError assertion, for scenarios where a non-fatal error
// (or a deliberate fatal one) is itself the thing under test.
func runOnBothWorkersCollecting(fn func(ctx context.Context, f fabric.Fabric) error) []error {
	ctx := context.Background()
	handles := fabric.NewInProcessGroup(2, 1<<16)
	out := make([]error, 2)
	done := make(chan struct{}, 2)
	for r := 0; r < 2; r++ {
		go func(rank int) {
			out[rank] = fn(ctx, handles[rank])
			done <- struct{}{}
		}(r)
	}
	<-done
	<-done
	return out
}

// buildPathGraphAcrossTwoWorkers splits a 6-edge path (1-2-3-4-5-6-7)
// across two workers, large enough that the Finisher's small-residual
// cutoff does not trigger on phase 0 under the default factor.
func buildPathGraphAcrossTwoWorkers(h *hashid.Hasher) (*store.Store, *store.Store) {
	st0 := store.New(h, 0, 2)
	st0.Init([][2]uint64{{1, 2}, {2, 3}, {3, 4}})
	st1 := store.New(h, 1, 2)
	st1.Init([][2]uint64{{4, 5}, {5, 6}, {6, 7}})
	return st0, st1
}

// TestRunWorkerHardMemoryBreachAborts sets MemoryBudgetBytes to 1 byte,
// guaranteeing the Memory Guard's hard threshold is crossed the moment
// any heap is allocated, and asserts RunWorker propagates a fatal,
// non-recoverable errs.BudgetExceededHard instead of continuing.
func TestRunWorkerHardMemoryBreachAborts(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildPathGraphAcrossTwoWorkers(h)

	opts, err := config.New(
		config.WithSeed(1),
		config.WithMemoryBudgetBytes(1),
		config.WithMemoryFractions(0.75, 0.90),
	)
	require.NoError(t, err)

	stores := [2]*store.Store{st0, st1}
	errsOut := runOnBothWorkersCollecting(func(ctx context.Context, f fabric.Fabric) error {
		st := stores[f.Rank()]
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		_, err := d.RunWorker(ctx, f, h, st, 7)
		return err
	})

	for _, err := range errsOut {
		require.Error(t, err)
		ee, ok := errs.As(err)
		require.True(t, ok)
		assert.Equal(t, errs.CodeBudgetExceededHard, ee.Code)
		assert.False(t, ee.Recoverable)
	}
}

// TestRunWorkerSoftMemoryBreachIsRecoverable sets the soft threshold
// near zero and the hard threshold near one against a generous budget,
// so every heap reading crosses soft but never hard: RunWorker must
// keep running (no error from the memory check) while still notifying
// the Observer.
func TestRunWorkerSoftMemoryBreachIsRecoverable(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildPathGraphAcrossTwoWorkers(h)

	opts, err := config.New(
		config.WithSeed(1),
		config.WithMemoryBudgetBytes(1<<34), // 16 GiB, far above any test process's heap
		config.WithMemoryFractions(1e-6, 0.5),
	)
	require.NoError(t, err)

	stores := [2]*store.Store{st0, st1}
	observers := [2]*warningObserver{{}, {}}
	errsOut := runOnBothWorkersCollecting(func(ctx context.Context, f fabric.Fabric) error {
		st := stores[f.Rank()]
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		d.Observer = observers[f.Rank()]
		_, err := d.RunWorker(ctx, f, h, st, 7)
		return err
	})

	for i, err := range errsOut {
		require.NoError(t, err)
		assert.Greater(t, observers[i].warnings, 0, "soft breach must still notify the Observer")
	}
}

// TestRunWorkerProgressStallOnPhaseBudgetExhaustion forces a
// participation probability so small that no edge is ever sampled
// into the sparsified line graph, so a single-phase budget is
// guaranteed to be exhausted with every edge still active: RunWorker
// must hand off to the Finisher and return the recoverable
// errs.ProgressStall alongside Result.ProgressStalled.
func TestRunWorkerProgressStallOnPhaseBudgetExhaustion(t *testing.T) {
	h := hashid.New(1)
	st0, st1 := buildPathGraphAcrossTwoWorkers(h)

	opts, err := config.New(
		config.WithSeed(1),
		config.WithPhaseBudget(1),
		config.WithFinishSmallThresholdFactor(1e-9),
		config.WithSamplingMode(config.SamplingFixed),
		config.WithSamplingP(1e-9),
	)
	require.NoError(t, err)

	stores := [2]*store.Store{st0, st1}
	results := make([]phase.Result, 2)
	errsOut := runOnBothWorkersCollecting(func(ctx context.Context, f fabric.Fabric) error {
		st := stores[f.Rank()]
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		res, err := d.RunWorker(ctx, f, h, st, 7)
		results[f.Rank()] = res
		return err
	})

	for i, err := range errsOut {
		require.Error(t, err)
		ee, ok := errs.As(err)
		require.True(t, ok)
		assert.Equal(t, errs.CodeProgressStall, ee.Code)
		assert.True(t, ee.Recoverable)
		assert.True(t, results[i].ProgressStalled)
		assert.True(t, results[i].FinishedByFinisher)
	}
}

func TestRunWorkerReturnsZeroPhasesWhenGraphIsAlreadyEmpty(t *testing.T) {
	h := hashid.New(1)
	st0 := store.New(h, 0, 2)
	st0.Init(nil)
	st1 := store.New(h, 1, 2)
	st1.Init(nil)

	opts, err := config.New(config.WithSeed(1))
	require.NoError(t, err)

	stores := [2]*store.Store{st0, st1}
	results := make([]phase.Result, 2)
	runOnBothWorkers(t, func(ctx context.Context, f fabric.Fabric) error {
		st := stores[f.Rank()]
		if err := st.ResolveVertices(ctx, f, h); err != nil {
			return err
		}
		d := phase.NewDriver(opts)
		res, err := d.RunWorker(ctx, f, h, st, 4)
		results[f.Rank()] = res
		return err
	})

	for _, res := range results {
		assert.Equal(t, 0, res.PhasesRun)
		assert.False(t, res.FinishedByFinisher)
	}
}
