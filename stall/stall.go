// Package stall implements the Staller: a pure, communication-free
// pass that marks every participating active edge stalled once its
// sparse-degree exceeds this phase's threshold.
package stall

import (
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/sparsify"
	"github.com/katalvlaran/mpcmatch/store"
)

// Run marks stalled(e) = deg_in_sparse(e) > tPhase for every active,
// unmatched local edge that participates this phase; non-participating
// edges are left stalled too, since an edge inactive for the phase is
// treated as stalled. No communication.
func Run(h *hashid.Hasher, st *store.Store, phase int, pPhase float64, tPhase int) {
	for _, i := range st.ActivePositions() {
		e := st.Edge(i)
		if !sparsify.Participates(h, e.EID, phase, pPhase) {
			st.SetStalled(i, true)
			continue
		}
		st.SetStalled(i, e.DegInSparse > tPhase)
	}
}

// Candidates returns the local positions eligible for this phase's ball
// growth: active, unmatched, participating, and not stalled. Run must
// have already been called this phase.
func Candidates(st *store.Store) []int {
	var out []int
	for _, i := range st.ActivePositions() {
		if !st.Edge(i).Stalled {
			out = append(out, i)
		}
	}
	return out
}
