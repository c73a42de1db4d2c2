// Package phase implements the Phase driver: it sequences
// sparsify -> stall -> exponentiate -> local-MIS -> integrate per phase,
// invokes the Parameter Oracle, runs the Memory Guard between steps,
// and owns the phase counter and termination logic (no active edges
// globally, or phase budget exhausted, in which case the Finisher
// runs and RunWorker returns the non-fatal errs.ProgressStall alongside
// its best-effort Result).
//
// Driver.RunWorker is what engine.Run invokes once per simulated
// worker: the single orchestrator that applies each pipeline step in a
// fixed, deterministic order and wraps errors once at the boundary.
// Determinism comes from every worker calling the steps in the same
// order against the same barrier-synchronous fabric. Under
// config.TestModeOn it also runs the eid-symmetry check once at the
// very start of the run (store.Store.VerifyEIDSymmetry), behind a
// fabric.Barrier, and the per-phase sampled checks inline.
//
// The Memory Guard (guardMemory/checkMemory) distinguishes a soft
// breach, which is recoverable and absorbed locally, from a hard
// breach, which is fatal and propagates errs.BudgetExceededHard out of
// RunWorker. The ball-size estimator RunWorker feeds the oracle is
// selected by config.Options.SamplingEstimator via
// oracle.NewBallEstimator.
package phase

import (
	"context"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/katalvlaran/mpcmatch/config"
	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/exponent"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/finish"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/integrate"
	"github.com/katalvlaran/mpcmatch/metrics"
	"github.com/katalvlaran/mpcmatch/mis"
	"github.com/katalvlaran/mpcmatch/oracle"
	"github.com/katalvlaran/mpcmatch/sparsify"
	"github.com/katalvlaran/mpcmatch/stall"
	"github.com/katalvlaran/mpcmatch/store"
)

// Observer receives lifecycle notifications from a running Driver,
// following an OnEnqueue/OnDequeue/OnVisit-style hook pattern: every
// method has a no-op default (NopObserver) so a caller that wants none
// of this pays nothing for it.
type Observer interface {
	OnPhaseStart(phase int)
	OnPhaseEnd(rec metrics.PhaseRecord)
	OnMemoryWarning(rssFrac float64)
}

// NopObserver implements Observer with every method a no-op.
type NopObserver struct{}

func (NopObserver) OnPhaseStart(int)              {}
func (NopObserver) OnPhaseEnd(metrics.PhaseRecord) {}
func (NopObserver) OnMemoryWarning(float64)        {}

// Driver sequences the pipeline for one worker across its whole run.
type Driver struct {
	Opts     config.Options
	Observer Observer
	Sink     metrics.Sink
	// RunID stamps every metrics.PhaseRecord this Driver emits. Callers
	// running several Drivers (one per worker) over the same logical run
	// should set this to a single shared metrics.NewRunID() value so
	// every worker's PhaseRecords correlate under the same run; left at
	// its NewDriver default, each Driver mints its own.
	RunID uuid.UUID
}

// NewDriver returns a Driver with NopObserver/NopSink defaults and a
// freshly minted RunID.
func NewDriver(opts config.Options) *Driver {
	return &Driver{Opts: opts, Observer: NopObserver{}, Sink: metrics.NopSink{}, RunID: metrics.NewRunID()}
}

// Result is what RunWorker reports at the end of this worker's run.
type Result struct {
	PhasesRun          int
	FinishedByFinisher bool
	// ProgressStalled is true when the phase budget was exhausted with
	// active edges still outstanding: the Finisher still ran to produce
	// a complete matching, but termination was forced rather than
	// reached naturally (zero active edges, or a small residual).
	ProgressStalled bool
}

// RunWorker runs the full phase loop for this worker's slice of the
// graph: n is the global vertex count (used to derive the per-machine
// edge budget S), and st must already have its edges array and vertex
// CSR built (performed by the caller before the first phase).
//
// RunWorker returns a nil error on natural termination (zero active
// edges, or a small residual handed to the Finisher). It returns a
// fatal, non-recoverable error on a hard Memory Guard breach
// (errs.BudgetExceededHard) or any fabric/invariant failure. It
// returns Result{ProgressStalled: true} together with the recoverable
// errs.ProgressStall when the phase budget is exhausted with active
// edges still outstanding; the Finisher still ran, so the Result
// carries a best-effort matching even though the error is non-nil —
// callers that care about the partial result (engine.Run does) must
// inspect it rather than discard Result on any error.
func (d *Driver) RunWorker(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store, n uint64) (Result, error) {
	budgetS := oracle.EdgeBudget(n, d.Opts)
	peak := oracle.NewBallEstimator(d.Opts.SamplingEstimator)

	if d.Opts.TestMode == config.TestModeOn {
		if err := st.VerifyEIDSymmetry(h, 64); err != nil {
			return Result{}, err
		}
		if err := f.Barrier(ctx); err != nil {
			return Result{}, errs.FabricError(err)
		}
	}

	deltaEst, _, err := refreshDeltaEst(ctx, f, h, st)
	if err != nil {
		return Result{}, err
	}

	for phaseNum := 0; phaseNum < d.Opts.PhaseBudget; phaseNum++ {
		d.Observer.OnPhaseStart(phaseNum)
		start := time.Now()

		activeLocal := uint64(len(st.ActivePositions()))
		activeGlobal, err := f.AllreduceSumUint64(ctx, activeLocal)
		if err != nil {
			return Result{}, errs.FabricError(err)
		}
		if activeGlobal == 0 {
			return Result{PhasesRun: phaseNum}, nil
		}

		// 2.0 is the same >= 2 safety constant the batching discipline uses
		// ("|batch| * B_max <= S / c"), reused here for the finisher
		// threshold SMALL_THRESHOLD = min(S/c, small_threshold_factor * S).
		small := finish.SmallThreshold(budgetS, 2.0, d.Opts.FinishSmallThresholdFactor)
		if activeGlobal <= small {
			if err := d.runFinisher(ctx, f, st); err != nil {
				return Result{}, err
			}
			return Result{PhasesRun: phaseNum + 1, FinishedByFinisher: true}, nil
		}

		params := oracle.Derive(oracle.State{
			NumWorkers:   f.NumWorkers(),
			S:            budgetS,
			DeltaEst:     deltaEst,
			ActiveEdges:  activeGlobal,
			Phase:        phaseNum,
			BallEstimate: peak.Value(),
		}, d.Opts)

		st.ResetPhaseLocal()

		rec := metrics.PhaseRecord{
			RunID:             d.RunID,
			Phase:             phaseNum,
			ActiveEdgesBefore: activeGlobal,
			DeltaEst:          deltaEst,
			R:                 params.R,
			PPhase:            params.PPhase,
			TPhase:            params.TPhase,
			BatchSize:         params.BatchSize,
		}

		if err := sparsify.Run(ctx, f, h, st, phaseNum, params.PPhase); err != nil {
			return Result{}, err
		}
		if err := d.checkMemory(st); err != nil {
			return Result{}, err
		}

		stall.Run(h, st, phaseNum, params.PPhase, params.TPhase)
		candidates := stall.Candidates(st)
		rec.CandidatesTotal = len(candidates)

		live, err := exponent.RefreshLiveness(ctx, f, h, st)
		if err != nil {
			return Result{}, err
		}

		batches := exponent.Batches(candidates, params.BatchSize)
		globalBatchCount, err := exponent.AgreeBatchCount(ctx, f, len(batches))
		if err != nil {
			return Result{}, err
		}

		var maxObserved uint64
		reverted := 0
		for bi := 0; bi < globalBatchCount; bi++ {
			var batch []int
			if bi < len(batches) {
				// Candidates were fixed before the first batch; an earlier
				// batch's integration may since have matched or deactivated
				// some of them, and those take no further part this phase.
				for _, pos := range batches[bi] {
					if e := st.Edge(pos); e.Active && !e.Matched {
						batch = append(batch, pos)
					}
				}
			}

			obs, err := exponent.GrowBalls(ctx, f, h, st, live, batch, params.R, int(budgetS))
			if err != nil {
				return Result{}, err
			}
			if obs > maxObserved {
				maxObserved = obs
			}

			if d.Opts.TestMode == config.TestModeOn {
				if err := exponent.VerifyBallInvariants(st, st.Arena(0), int(budgetS)); err != nil {
					return Result{}, err
				}
			}

			mis.AssignPriorities(h, st, batch, phaseNum)
			selected := mis.Select(st, st.Arena(0), batch)

			r, err := integrate.Run(ctx, f, h, st, selected)
			if err != nil {
				return Result{}, err
			}
			reverted += r
			st.ReleaseArena()
			if err := d.checkMemory(st); err != nil {
				return Result{}, err
			}
		}

		peak.Update(maxObserved)
		rec.BatchesRun = globalBatchCount
		rec.MaxBallObserved = maxObserved
		rec.Reverted = reverted

		if d.Opts.TestMode == config.TestModeOn {
			if err := integrate.SampledCheck(ctx, f, h, st, 64); err != nil {
				return Result{}, err
			}
		}

		st.CompactIfNeeded(0.4)

		var localDegreeSum uint64
		deltaEst, localDegreeSum, err = refreshDeltaEst(ctx, f, h, st)
		if err != nil {
			return Result{}, err
		}

		activeAfterLocal := uint64(len(st.ActivePositions()))
		activeAfterGlobal, err := f.AllreduceSumUint64(ctx, activeAfterLocal)
		if err != nil {
			return Result{}, errs.FabricError(err)
		}
		rec.ActiveEdgesAfter = activeAfterGlobal
		rec.Elapsed = time.Since(start)

		if d.Opts.TestMode == config.TestModeOn {
			globalDegreeSum, err := f.AllreduceSumUint64(ctx, localDegreeSum)
			if err != nil {
				return Result{}, errs.FabricError(err)
			}
			if globalDegreeSum != 2*activeAfterGlobal {
				return Result{}, errs.InvariantViolation("sum of active degrees does not equal twice the active edge count")
			}
		}

		d.Sink.RecordPhase(rec)
		d.Observer.OnPhaseEnd(rec)

		if phaseNum == d.Opts.PhaseBudget-1 && activeAfterGlobal > 0 {
			if err := d.runFinisher(ctx, f, st); err != nil {
				return Result{}, err
			}
			res := Result{PhasesRun: phaseNum + 1, FinishedByFinisher: true, ProgressStalled: true}
			return res, errs.ProgressStall(int(activeAfterGlobal))
		}
	}

	return Result{PhasesRun: d.Opts.PhaseBudget}, nil
}

func (d *Driver) runFinisher(ctx context.Context, f fabric.Fabric, st *store.Store) error {
	if d.Opts.FinishStrategy == config.FinishDistributed {
		return finish.Distributed(ctx, f, st)
	}
	return finish.Gather(ctx, f, st)
}

// checkMemory runs the Memory Guard and turns its verdict into
// RunWorker control flow: a soft breach is recoverable (already freed
// and logged by guardMemory, nothing more to do here) and checkMemory
// returns nil for it; a hard breach is fatal and its
// errs.BudgetExceededHard is returned unchanged so RunWorker aborts.
func (d *Driver) checkMemory(st *store.Store) error {
	err := d.guardMemory(st)
	if err == nil {
		return nil
	}
	if ee, ok := errs.As(err); ok && ee.Recoverable {
		return nil
	}
	return err
}

// guardMemory is the Memory Guard: it snapshots heap usage (the
// stdlib's own notion of resident allocation; no OS-level RSS syscall
// wrapper is available, so runtime.MemStats is the closest faithful
// proxy without inventing a dependency) against Opts.MemoryBudgetBytes
// and reacts against two thresholds. Soft (>= MemorySoftFrac) frees the
// ball arena, warns the Observer, and returns a recoverable
// errs.BudgetExceededSoft. Hard (>= MemoryHardFrac) also frees the
// arena but returns a fatal, non-recoverable errs.BudgetExceededHard
// demanding a coordinated abort.
func (d *Driver) guardMemory(st *store.Store) error {
	frac := currentHeapFrac(d.Opts.MemoryBudgetBytes)
	if frac >= d.Opts.MemoryHardFrac {
		st.ReleaseArena()
		return errs.BudgetExceededHard(frac)
	}
	if frac >= d.Opts.MemorySoftFrac {
		st.ReleaseArena()
		d.Observer.OnMemoryWarning(frac)
		return errs.BudgetExceededSoft(frac)
	}
	return nil
}

// currentHeapFrac returns this process's current heap allocation as a
// fraction of budgetBytes. runtime.MemStats.HeapAlloc is the stdlib's
// own notion of live heap bytes; nothing in the example pack wraps an
// OS-level RSS syscall, so this is the closest faithful proxy without
// inventing a dependency no teacher repo reaches for.
func currentHeapFrac(budgetBytes uint64) float64 {
	if budgetBytes == 0 {
		return 0
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / float64(budgetBytes)
}

// deltaMsg carries one active edge's endpoint to its owner, for the
// Delta_est allreduce-max refresh: Delta_est is refreshed per phase by
// an allreduce-max of local max active degree. Active degree is
// computed at the vertex owner, which requires routing endpoints there
// first (the same "edge owner tells vertex owner" round sparsify.Run
// uses for deg_in_sparse aggregation).
type deltaMsg struct {
	Vertex uint64
}

// refreshDeltaEst recomputes Delta_est: the edge owner of every active
// edge reports each endpoint to that endpoint's owner, the vertex owner
// counts its own local max active degree, and an allreduce-max combines
// every worker's local max into the agreed-upon global value. It also
// returns this worker's share of Sigma_v deg_active(v), the left side of
// invariant P6 ("Sigma_v deg_active(v) = 2 * active_edge_count"); the
// caller allreduce-sums it against its own allreduce-summed active edge
// count under test_mode=on, reusing this round rather than opening a
// second one just to re-derive the same per-vertex degree counts.
func refreshDeltaEst(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store) (uint64, uint64, error) {
	p := f.NumWorkers()
	send := make([][]deltaMsg, p)
	for i := 0; i < st.NumEdges(); i++ {
		e := st.Edge(i)
		if !e.Active {
			continue
		}
		send[h.Owner(e.U, p)] = append(send[h.Owner(e.U, p)], deltaMsg{Vertex: e.U})
		send[h.Owner(e.V, p)] = append(send[h.Owner(e.V, p)], deltaMsg{Vertex: e.V})
	}

	recv, err := fabric.ExchangeTyped[deltaMsg](ctx, f, send)
	if err != nil {
		return 0, 0, err
	}

	degree := make(map[uint64]uint64)
	var localMax, localDegreeSum uint64
	for _, bucket := range recv {
		localDegreeSum += uint64(len(bucket))
		for _, m := range bucket {
			degree[m.Vertex]++
			if degree[m.Vertex] > localMax {
				localMax = degree[m.Vertex]
			}
		}
	}

	globalMax, err := f.AllreduceMaxUint64(ctx, localMax)
	if err != nil {
		return 0, 0, err
	}
	return globalMax, localDegreeSum, nil
}
