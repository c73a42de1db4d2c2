// Package metrics defines the structured per-phase and per-run records
// the engine emits: a metrics record per phase and a run-level record
// (interface only; file layout is the observer's concern). Nothing in
// this package writes to a file, a socket, or a time-series database —
// that sink is explicitly someone else's job.
//
// Every derived record is stamped with a fresh uuid.New() RunID so
// records from the same run correlate without a database-assigned key.
package metrics

import (
	"time"

	"github.com/google/uuid"
)

// PhaseRecord summarizes one completed phase of the pipeline.
type PhaseRecord struct {
	RunID uuid.UUID
	Phase int

	ActiveEdgesBefore uint64
	ActiveEdgesAfter  uint64
	DeltaEst          uint64

	R         int
	PPhase    float64
	TPhase    int
	BatchSize int

	BatchesRun      int
	CandidatesTotal int
	Reverted        int
	MaxBallObserved uint64

	Elapsed time.Duration
}

// RunRecord summarizes one complete engine.Run invocation.
type RunRecord struct {
	RunID uuid.UUID

	Phases []PhaseRecord

	MatchedEdges int
	PhasesRun    int
	// FinishedByFinisher is true when the run terminated through the
	// Finisher (small residual or phase budget exhausted) rather than
	// by reaching zero active edges through phases alone.
	FinishedByFinisher bool
	// ProgressStalled is true when at least one worker exhausted its
	// phase budget with active edges still outstanding: Matching is
	// still the Finisher's best-effort output, but it is not guaranteed
	// maximal the way a naturally-terminated run's is.
	ProgressStalled bool

	Elapsed time.Duration
}

// NewRunID returns a fresh run identifier, stamping derived records
// with a fresh uuid.New() value.
func NewRunID() uuid.UUID { return uuid.New() }

// Sink receives records as a run progresses. File/DB/export layout is
// out of scope; Sink is the seam a caller plugs one into.
// NopSink is the default and does nothing with either call.
type Sink interface {
	RecordPhase(PhaseRecord)
	RecordRun(RunRecord)
}

// NopSink is a Sink that discards every record, the default used when
// no caller-supplied Sink is configured.
type NopSink struct{}

func (NopSink) RecordPhase(PhaseRecord) {}
func (NopSink) RecordRun(RunRecord)     {}
