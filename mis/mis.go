// Package mis implements the Local MIS: a deterministic,
// communication-free greedy independent-set pass over one batch's
// already-built balls.
//
// The walk-and-reject discipline below is a deterministic greedy
// matching pattern (deterministic tie-break, single pass, no panics)
// turned inside out: pick the nearest unpaired partner by weight then
// distance-tiebreak becomes pick the lowest-priority unconflicted edge
// then eid-tiebreak, rejecting instead of pairing.
package mis

import (
	"sort"

	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/store"
)

// AssignPriorities computes and stores priority(e) = H(eid, phase,
// "priority") for every candidate position in batch.
func AssignPriorities(h *hashid.Hasher, st *store.Store, batch []int, phase int) {
	for _, pos := range batch {
		e := st.Edge(pos)
		st.SetPriority(pos, h.Priority(e.EID, phase))
	}
}

// Select runs greedy MIS over batch: candidates are visited in
// (priority ascending, eid ascending) order; a candidate is chosen iff
// no previously chosen candidate's eid appears in its ball. Chosen
// positions are marked matched locally (the Integrator later
// arbitrates any cross-worker conflicts at the vertex level).
// AssignPriorities must have already run this batch, and arena must
// hold every batch member's ball.
func Select(st *store.Store, arena *store.BallArena, batch []int) []int {
	ordered := make([]int, 0, len(batch))
	for _, pos := range batch {
		if arena.Has(pos) { // stalled-by-overflow candidates never got a ball
			ordered = append(ordered, pos)
		}
	}
	sort.Slice(ordered, func(i, j int) bool {
		a, b := st.Edge(ordered[i]), st.Edge(ordered[j])
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.EID < b.EID
	})

	chosen := make(map[uint64]struct{}, len(ordered))
	var selected []int
	for _, pos := range ordered {
		e := st.Edge(pos)
		if conflicts(arena.Get(pos), chosen) {
			continue
		}
		st.SetMatched(pos, true)
		chosen[e.EID] = struct{}{}
		selected = append(selected, pos)
	}
	return selected
}

func conflicts(ball []uint64, chosen map[uint64]struct{}) bool {
	for _, g := range ball {
		if _, ok := chosen[g]; ok {
			return true
		}
	}
	return false
}
