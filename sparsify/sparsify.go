// Package sparsify implements the Sparsifier: per-phase participation
// sampling (a stateless hash draw, no storage) and the two-round
// sparse-degree aggregation that fills in each participating edge's
// deg_in_sparse.
package sparsify

import (
	"context"

	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/store"
)

// Participates reports whether edge eid is included in this phase's
// sparsified line graph: a deterministic hash draw against p_phase, with
// no storage — the Staller recomputes it fresh every phase since a
// stalled flag from a previous phase does not survive.
func Participates(h *hashid.Hasher, eid uint64, phase int, pPhase float64) bool {
	return h.Include(eid, phase, pPhase)
}

// vertexMsg is the round-1 wire record: an edge owner telling a vertex
// owner "this eid is incident to you and participates this phase".
type vertexMsg struct {
	EID    uint64
	Vertex uint64
}

// contribMsg is the round-2 wire record: a vertex owner telling an edge
// owner its per-endpoint contribution to deg_in_sparse.
type contribMsg struct {
	EID     uint64
	Contrib int
}

// Run executes one phase's Sparsifier: determines participation for
// every active, unmatched local edge, then runs the two fan-out/
// fan-back exchange rounds to compute deg_in_sparse for every
// participating edge. Non-participating edges keep DegInSparse at
// its phase-reset value of 0 and are left for the Staller to treat as
// inactive for the phase.
func Run(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store, phase int, pPhase float64) error {
	p := f.NumWorkers()

	// Round 1: edge owner -> vertex owner, one message per endpoint of
	// every participating edge.
	round1 := make([][]vertexMsg, p)
	participating := make([]int, 0) // local positions that participate this phase
	for _, i := range st.ActivePositions() {
		e := st.Edge(i)
		if !Participates(h, e.EID, phase, pPhase) {
			continue
		}
		participating = append(participating, i)
		uOwner := h.Owner(e.U, p)
		vOwner := h.Owner(e.V, p)
		round1[uOwner] = append(round1[uOwner], vertexMsg{EID: e.EID, Vertex: e.U})
		round1[vOwner] = append(round1[vOwner], vertexMsg{EID: e.EID, Vertex: e.V})
	}

	recv1, err := fabric.ExchangeTyped[vertexMsg](ctx, f, round1)
	if err != nil {
		return err
	}

	// Group every received incidence by vertex, to compute
	// deg_participating(w); reject anything touching a vertex this
	// worker has never heard of.
	byVertex := make(map[uint64][]vertexMsg)
	for _, bucket := range recv1 {
		for _, m := range bucket {
			if !st.OwnsVertex(m.Vertex) {
				return errs.MalformedGraph("sparsify: participation message references unknown vertex")
			}
			byVertex[m.Vertex] = append(byVertex[m.Vertex], m)
		}
	}

	// Round 2: vertex owner -> edge owner, one contribution per
	// received incidence.
	round2 := make([][]contribMsg, p)
	for _, msgs := range byVertex {
		degParticipating := len(msgs)
		contrib := degParticipating - 1
		for _, m := range msgs {
			owner := h.EdgeOwner(m.EID, p)
			round2[owner] = append(round2[owner], contribMsg{EID: m.EID, Contrib: contrib})
		}
	}

	recv2, err := fabric.ExchangeTyped[contribMsg](ctx, f, round2)
	if err != nil {
		return err
	}

	degSum := make(map[uint64]int)
	for _, bucket := range recv2 {
		for _, c := range bucket {
			degSum[c.EID] += c.Contrib
		}
	}
	for _, i := range participating {
		e := st.Edge(i)
		st.SetSparseDegree(i, degSum[e.EID])
	}

	return nil
}

// ParticipatingCount returns how many local positions participated, for
// metrics reporting. It recomputes participation rather than caching it,
// matching Participates' stateless contract.
func ParticipatingCount(h *hashid.Hasher, st *store.Store, phase int, pPhase float64) int {
	n := 0
	for _, i := range st.ActivePositions() {
		if Participates(h, st.Edge(i).EID, phase, pPhase) {
			n++
		}
	}
	return n
}
