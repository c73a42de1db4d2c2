// Package oracle implements the Parameter Oracle: a pure function
// from (n, Δ_est, S, phase) to the round count R, sampling probability
// p_phase, stall threshold T_phase, and batch size the rest of the
// pipeline runs this phase with.
//
// Derive resolves all of these once into an immutable value before
// any pipeline step runs this phase, the same way a configuration
// chain is read once into an immutable struct before any constructor
// runs: all inputs are read once, the formulas below are applied, and
// the result is handed to the Phase driver as an opaque,
// already-resolved value — no component downstream re-derives any of
// these numbers.
package oracle

import (
	"math"

	"github.com/katalvlaran/mpcmatch/config"
)

// cR is the constant factor in R = ceil(c_R * sqrt(log(max(Delta,2)))).
// The formula names no fixed c_R; 1.0 leaves it unscaled. Any positive
// c_R already gives R >= 1 for every Delta >= 2, since the ceiling of a
// positive value is at least 1.
const cR = 1.0

// batchSafetyC is the "c >= 2 safety" constant shared by the batching
// discipline ("|batch| * B_max <= S / c") and the oracle's batch-size
// formula ("S / (c * B_est)").
const batchSafetyC = 2.0

// dynamicQuantileC approximates "a high quantile of expected
// sparse-degree under p_phase" for stall.mode=dynamic, left otherwise
// unparameterized. Expected sparse-degree of a participating vertex is
// approximately Delta_est * p_phase; 3x that expectation is used as a
// conservative (Chernoff-bound-flavored) stand-in for a high quantile,
// tightening automatically as either Delta_est decays across phases or
// p_phase shrinks.
const dynamicQuantileC = 3.0

// BallEstimator is the running ball-size estimator Derive consumes as
// State.BallEstimate. PeakHold and LastObserved are the two concrete
// implementations, selected by config.Options.SamplingEstimator.
type BallEstimator interface {
	// Update folds in this phase's observed maximum ball size and
	// returns the new estimate.
	Update(lastObservedMax uint64) uint64
	// Value returns the current estimate without updating it.
	Value() uint64
}

// PeakHold is the running ball-size estimator for
// config.EstimatorPeakHold: it never decreases within a run, and
// doubles its tracked value on every update —
// `B_max <- max(B_max, last_observed_max) * 2` — a deliberately
// conservative over-estimate so the batching discipline stays safely
// under budget even as ball sizes grow between phases.
type PeakHold struct {
	val uint64
}

// NewPeakHold returns a PeakHold starting at 0 (grows on first Update).
func NewPeakHold() *PeakHold { return &PeakHold{} }

// Update folds in this phase's observed maximum ball size and returns
// the new estimate.
func (p *PeakHold) Update(lastObservedMax uint64) uint64 {
	if lastObservedMax > p.val {
		p.val = lastObservedMax
	}
	p.val *= 2
	if p.val == 0 {
		p.val = 1
	}
	return p.val
}

// Value returns the current estimate without updating it.
func (p *PeakHold) Value() uint64 {
	if p.val == 0 {
		return 1
	}
	return p.val
}

// LastObserved is the running ball-size estimator for
// config.EstimatorLast: unlike PeakHold it tracks no history and never
// doubles, so a phase whose balls shrink immediately sees a smaller
// BatchSize ceiling on the next phase rather than one still inflated
// by an earlier, larger phase.
type LastObserved struct {
	val uint64
}

// NewLastObserved returns a LastObserved starting at 0 (set on first Update).
func NewLastObserved() *LastObserved { return &LastObserved{} }

// Update replaces the tracked value with lastObservedMax and returns it.
func (l *LastObserved) Update(lastObservedMax uint64) uint64 {
	l.val = lastObservedMax
	if l.val == 0 {
		l.val = 1
	}
	return l.val
}

// Value returns the current estimate without updating it.
func (l *LastObserved) Value() uint64 {
	if l.val == 0 {
		return 1
	}
	return l.val
}

// NewBallEstimator selects the BallEstimator named by est.
func NewBallEstimator(est config.Estimator) BallEstimator {
	if est == config.EstimatorLast {
		return NewLastObserved()
	}
	return NewPeakHold()
}

// State is the oracle's input: the quantities that change every phase.
type State struct {
	NumWorkers   int
	S            uint64 // per-machine edge budget, S = c_mem * n^alpha
	DeltaEst     uint64 // allreduce-max of local max active degree
	ActiveEdges  uint64 // global active edge count (post previous phase's integration)
	Phase        int
	BallEstimate uint64 // current BallEstimator.Value()
}

// Params is the oracle's output for one phase.
type Params struct {
	R         int
	PPhase    float64
	TPhase    int
	BatchSize int
}

// Derive computes this phase's parameters.
func Derive(st State, opts config.Options) Params {
	return Params{
		R:         deriveR(st, opts),
		PPhase:    derivePPhase(st, opts),
		TPhase:    0, // filled below once PPhase is known
		BatchSize: deriveBatchSize(st),
	}.withTPhase(st, opts)
}

func deriveR(st State, opts config.Options) int {
	if opts.RRoundsOverride > 0 {
		return clamp(opts.RRoundsOverride, 1, 4)
	}
	delta := st.DeltaEst
	if delta < 2 {
		delta = 2
	}
	r := int(math.Ceil(cR * math.Sqrt(math.Log(float64(delta)))))
	return clamp(r, 1, 4)
}

func derivePPhase(st State, opts config.Options) float64 {
	if opts.SamplingMode == config.SamplingFixed {
		return opts.SamplingP
	}
	if st.ActiveEdges == 0 || st.BallEstimate == 0 {
		return 0.5
	}
	budget := float64(st.NumWorkers) * float64(st.S)
	denom := float64(st.ActiveEdges) * float64(st.BallEstimate)
	p := opts.SamplingSafety * (budget / denom)
	if p > 0.5 {
		p = 0.5
	}
	if p < 0 {
		p = 0
	}
	return p
}

func deriveBatchSize(st State) int {
	est := st.BallEstimate
	if est == 0 {
		est = 1
	}
	bs := float64(st.S) / (batchSafetyC * float64(est))
	n := int(math.Floor(bs))
	if n < 1 {
		n = 1
	}
	return n
}

func (params Params) withTPhase(st State, opts config.Options) Params {
	switch opts.StallMode {
	case config.StallDynamic:
		t := dynamicQuantileC * float64(st.DeltaEst) * params.PPhase
		params.TPhase = max(1, int(math.Ceil(t)))
	default: // config.StallHardThreshold
		// Tighten as a decaying function of phase: T_phase tightens
		// across phases as Delta decays.
		decay := math.Pow(0.75, float64(st.Phase))
		t := opts.StallBase * decay
		params.TPhase = max(1, int(math.Ceil(t)))
	}
	return params
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// EdgeBudget computes S = c_mem * n^alpha, the per-machine edge budget.
func EdgeBudget(n uint64, opts config.Options) uint64 {
	s := opts.CMem * math.Pow(float64(n), opts.Alpha)
	if s < 1 {
		s = 1
	}
	return uint64(math.Ceil(s))
}
