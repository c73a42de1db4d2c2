// Package integrate implements the Integrator: turns one batch's
// locally-chosen (but not yet globally consistent) MIS winners into a
// globally valid matching delta, then deletes every edge that now
// touches a matched vertex.
//
// Simplification from a literal vertex-owner round trip: one natural
// design has the vertex owner compute and allreduce the newly-matched
// vertex set. An edge that receives zero rejections in the rejection
// round has, by construction, won at both its endpoints (the vertex
// owner on each side only rejects non-winning claims, so an
// unrejected edge was the unique winner on both sides) — so the edge
// owner already has everything needed to contribute its own endpoints
// to the global matched-vertex set, without a vertex owner round-trip.
// Broadcasting from the edge owner instead of the vertex owner carries
// the same information with one fewer hop.
package integrate

import (
	"context"
	"sort"

	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/store"
)

type claimMsg struct {
	V        uint64
	EID      uint64
	Priority uint64
}

type rejectMsg struct {
	EID uint64
}

// Run arbitrates the locally-chosen edges in selected (local positions
// mis.Select returned), reverting any that lose at either endpoint,
// then deletes every active edge touching a vertex newly matched this
// round. Returns the count of edges reverted, for metrics.
func Run(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store, selected []int) (int, error) {
	p := f.NumWorkers()

	claims := make([][]claimMsg, p)
	for _, pos := range selected {
		e := st.Edge(pos)
		claims[h.Owner(e.U, p)] = append(claims[h.Owner(e.U, p)], claimMsg{V: e.U, EID: e.EID, Priority: e.Priority})
		claims[h.Owner(e.V, p)] = append(claims[h.Owner(e.V, p)], claimMsg{V: e.V, EID: e.EID, Priority: e.Priority})
	}

	recvClaims, err := fabric.ExchangeTyped[claimMsg](ctx, f, claims)
	if err != nil {
		return 0, err
	}

	byVertex := make(map[uint64][]claimMsg)
	for _, bucket := range recvClaims {
		for _, c := range bucket {
			byVertex[c.V] = append(byVertex[c.V], c)
		}
	}

	rejects := make([][]rejectMsg, p)
	for _, cs := range byVertex {
		winner := 0
		for i := 1; i < len(cs); i++ {
			if less(cs[i], cs[winner]) {
				winner = i
			}
		}
		for i, c := range cs {
			if i == winner {
				continue
			}
			dst := h.EdgeOwner(c.EID, p)
			rejects[dst] = append(rejects[dst], rejectMsg{EID: c.EID})
		}
	}

	recvRejects, err := fabric.ExchangeTyped[rejectMsg](ctx, f, rejects)
	if err != nil {
		return 0, err
	}

	rejected := make(map[uint64]struct{})
	for _, bucket := range recvRejects {
		for _, r := range bucket {
			rejected[r.EID] = struct{}{}
		}
	}

	reverted := 0
	var localNewlyMatched []uint64
	for _, pos := range selected {
		e := st.Edge(pos)
		if _, lost := rejected[e.EID]; lost {
			st.SetMatched(pos, false)
			reverted++
			continue
		}
		localNewlyMatched = append(localNewlyMatched, e.U, e.V)
	}
	localNewlyMatched = sortedUnique(localNewlyMatched)

	broadcast := make([][]uint64, p)
	for dst := 0; dst < p; dst++ {
		broadcast[dst] = localNewlyMatched
	}
	recvMatched, err := fabric.ExchangeTyped[uint64](ctx, f, broadcast)
	if err != nil {
		return 0, err
	}

	globalMatched := make(map[uint64]struct{})
	for _, bucket := range recvMatched {
		for _, v := range bucket {
			globalMatched[v] = struct{}{}
		}
	}

	for i := 0; i < st.NumEdges(); i++ {
		e := st.Edge(i)
		if !e.Active {
			continue
		}
		if _, hit := globalMatched[e.U]; hit {
			st.SetActive(i, false)
			continue
		}
		if _, hit := globalMatched[e.V]; hit {
			st.SetActive(i, false)
		}
	}

	return reverted, nil
}

func less(a, b claimMsg) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EID < b.EID
}

func sortedUnique(xs []uint64) []uint64 {
	if len(xs) == 0 {
		return nil
	}
	cp := append([]uint64(nil), xs...)
	sort.Slice(cp, func(i, j int) bool { return cp[i] < cp[j] })
	out := cp[:1]
	for _, x := range cp[1:] {
		if x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}

type queryMsg struct {
	Vertex uint64
	EID    uint64
}

type queryReply struct {
	Vertex  uint64
	Matched bool
}

// SampledCheck is the Integrator's matching-validity sampled round-trip
// check, run only under test_mode=on: it samples up to maxVertices
// owned vertices, asks each incident edge's owner whether it is
// matched, and fails with InvariantViolation if any sampled vertex has
// more than one matched incident edge.
func SampledCheck(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store, maxVertices int) error {
	_ = h // owner routing below uses the CSR's cached Owner, not a fresh hash
	owned := st.OwnedVertices()
	if len(owned) > maxVertices {
		owned = owned[:maxVertices]
	}
	p := f.NumWorkers()

	queries := make([][]queryMsg, p)
	for _, v := range owned {
		neighbors, _ := st.NeighborsOf(v)
		for _, nb := range neighbors {
			queries[nb.Owner] = append(queries[nb.Owner], queryMsg{Vertex: v, EID: nb.EID})
		}
	}

	recvQueries, err := fabric.ExchangeTyped[queryMsg](ctx, f, queries)
	if err != nil {
		return err
	}

	replies := make([][]queryReply, p)
	for src, bucket := range recvQueries {
		for _, q := range bucket {
			idx, ok := st.IndexOf(q.EID)
			matched := ok && st.Edge(idx).Matched
			replies[src] = append(replies[src], queryReply{Vertex: q.Vertex, Matched: matched})
		}
	}

	recvReplies, err := fabric.ExchangeTyped[queryReply](ctx, f, replies)
	if err != nil {
		return err
	}

	matchedCountByVertex := make(map[uint64]int)
	for _, bucket := range recvReplies {
		for _, r := range bucket {
			if r.Matched {
				matchedCountByVertex[r.Vertex]++
			}
		}
	}

	for _, count := range matchedCountByVertex {
		if count > 1 {
			return errs.InvariantViolation("vertex has more than one matched incident edge")
		}
	}
	return nil
}
