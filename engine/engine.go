// Package engine is the public façade: a single entry point that wires
// hashid, fabric, store, sparsify, stall, exponent, mis, integrate,
// finish, phase, and oracle together over a simulated group of
// in-process workers, resolving options once and applying a fixed
// sequence in deterministic order.
//
// Run owns nothing beyond wiring: per-worker edge ingestion (store.Init),
// the one-round vertex resolution (store.ResolveVertices), and handing
// each worker off to phase.Driver.RunWorker. Every error a worker
// returns is wrapped once at this boundary.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/katalvlaran/mpcmatch/config"
	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/metrics"
	"github.com/katalvlaran/mpcmatch/phase"
	"github.com/katalvlaran/mpcmatch/store"
)

// MatchedEdge is one edge of the final matching: a set of eids, or
// equivalently (u,v) pairs, with one record per matched edge.
type MatchedEdge struct {
	U, V, EID uint64
}

// Matching is the engine's output: a deduplicated, eid-ordered set of
// matched edges. The engine guarantees this set is a valid maximal
// matching on the input.
type Matching struct {
	Edges []MatchedEdge
}

// chunkLimit bounds how much payload a single fabric.Exchange round may
// carry per destination before the in-process transport splits it into
// multiple frames; 1<<20 keeps this generous relative to any single
// phase's per-worker message volume in realistic runs.
const chunkLimit = 1 << 20

// Run computes a maximal matching over edgesPerWorker, one slice of
// (u,v) pairs per simulated worker, using opts to configure every
// component from the Sparsifier through the Finisher. n is the global
// vertex count, used to derive the per-machine edge budget
// S = c_mem * n^alpha.
//
// Run validates opts once, spins up len(edgesPerWorker) in-process
// fabric peers, ingests each worker's edge slice, resolves the vertex
// CSR across workers, then runs phase.Driver in parallel across every
// worker. Any fatal worker error aborts the whole run; partial state
// from other workers is discarded. The one non-fatal exception is
// phase.Driver.RunWorker's ProgressStall: the phase budget ran out
// with active edges still outstanding, the Finisher still produced a
// best-effort matching, and Run returns it with
// RunRecord.ProgressStalled set instead of aborting.
func Run(ctx context.Context, opts config.Options, edgesPerWorker [][][2]uint64, n uint64) (Matching, metrics.RunRecord, error) {
	if err := opts.Validate(); err != nil {
		return Matching{}, metrics.RunRecord{}, fmt.Errorf("engine: %w", err)
	}
	p := len(edgesPerWorker)
	if p == 0 {
		return Matching{}, metrics.RunRecord{}, errs.MalformedGraph("engine: at least one worker required")
	}

	h := hashid.New(opts.Seed)
	handles := fabric.NewInProcessGroup(p, chunkLimit)

	stores := make([]*store.Store, p)
	for r := 0; r < p; r++ {
		st := store.New(h, r, p)
		st.Init(edgesPerWorker[r])
		stores[r] = st
	}

	runID := metrics.NewRunID()
	results := make([]phase.Result, p)
	sinks := make([]*collectingSink, p)
	progressStalled := &atomicBool{}

	// One goroutine per simulated worker, fanned out over a fixed worker
	// count via errgroup.Group: the first worker error cancels the
	// group's context, which unblocks every peer still parked in a
	// fabric rendezvous instead of leaving them to hang.
	g, gctx := errgroup.WithContext(ctx)
	for r := 0; r < p; r++ {
		rank := r
		g.Go(func() error {
			st := stores[rank]
			f := handles[rank]

			if err := st.ResolveVertices(gctx, f, h); err != nil {
				return fmt.Errorf("engine: ResolveVertices: %w", err)
			}

			sink := &collectingSink{}
			sinks[rank] = sink
			d := phase.NewDriver(opts)
			d.RunID = runID
			d.Sink = sink

			res, err := d.RunWorker(gctx, f, h, st, n)
			if err != nil {
				if ee, ok := errs.As(err); ok && ee.Code == errs.CodeProgressStall {
					// Global but non-fatal: the phase budget ran out with
					// active edges remaining. The Finisher already ran, so
					// this worker's partial result still belongs in the
					// gathered matching; only the explicit flag propagates.
					progressStalled.setTrue()
					results[rank] = res
					return nil
				}
				return fmt.Errorf("engine: worker %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Matching{}, metrics.RunRecord{}, err
	}

	matching := gatherMatching(stores)

	run := metrics.RunRecord{RunID: runID, MatchedEdges: len(matching.Edges), ProgressStalled: progressStalled.get()}
	for _, res := range results {
		if res.PhasesRun > run.PhasesRun {
			run.PhasesRun = res.PhasesRun
		}
		run.FinishedByFinisher = run.FinishedByFinisher || res.FinishedByFinisher
	}
	for _, sink := range sinks {
		if sink != nil {
			run.Phases = append(run.Phases, sink.records...)
		}
	}

	return matching, run, nil
}

// gatherMatching walks every worker's store and collects its matched
// edges. Each edge is owned by exactly one worker, so no cross-worker
// dedup is needed; the result is sorted by eid for a deterministic
// output order.
func gatherMatching(stores []*store.Store) Matching {
	var m Matching
	for _, st := range stores {
		for i := 0; i < st.NumEdges(); i++ {
			e := st.Edge(i)
			if e.Matched {
				m.Edges = append(m.Edges, MatchedEdge{U: e.U, V: e.V, EID: e.EID})
			}
		}
	}
	sort.Slice(m.Edges, func(i, j int) bool { return m.Edges[i].EID < m.Edges[j].EID })
	return m
}

// collectingSink accumulates every PhaseRecord a single worker's driver
// emits, so Run can fold them into the run-level RunRecord.Phases.
type collectingSink struct {
	records []metrics.PhaseRecord
}

func (c *collectingSink) RecordPhase(r metrics.PhaseRecord) { c.records = append(c.records, r) }
func (c *collectingSink) RecordRun(metrics.RunRecord)        {}

// atomicBool lets every worker goroutine report a sticky true without a
// data race; once true it stays true for the rest of Run.
type atomicBool struct {
	mu sync.Mutex
	v  bool
}

func (a *atomicBool) setTrue() {
	a.mu.Lock()
	a.v = true
	a.mu.Unlock()
}

func (a *atomicBool) get() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
