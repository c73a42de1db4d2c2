// Package finish implements the Finisher: once the globally reduced
// active-edge count drops below SMALL_THRESHOLD, the residual is
// small enough to resolve without another sparsify/stall/
// exponentiate/MIS/integrate phase.
//
// Both policy choices are implemented, selected by
// config.Options.FinishStrategy: Gather runs a deterministic
// tie-break-by-id greedy matching pass (unweighted, since weighted
// matching is out of scope) over every residual edge gathered to
// rank 0. Distributed additionally partitions the gathered residual
// into connected components via a visited-set traversal before running
// the same greedy pass independently per component — cheaper to
// verify and to parallelize than one monolithic pass, even though both
// strategies currently gather to rank 0 first. On the small-residual
// path SMALL_THRESHOLD bounds what is gathered; when the Phase driver
// calls the Finisher because the phase budget is exhausted, the whole
// residual is gathered to rank 0 with no size check against the budget.
package finish

import (
	"context"
	"sort"

	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/store"
)

// residualMsg carries one active edge's endpoints to rank 0.
type residualMsg struct {
	U, V, EID uint64
}

// SmallThreshold computes SMALL_THRESHOLD = min(S/c,
// smallThresholdFactor * S).
func SmallThreshold(s uint64, c, smallThresholdFactor float64) uint64 {
	a := float64(s) / c
	b := smallThresholdFactor * float64(s)
	if a < b {
		return uint64(a)
	}
	return uint64(b)
}

// gatherResiduals sends every active edge this worker owns to rank 0
// and returns the full residual set there; every other rank gets nil.
func gatherResiduals(ctx context.Context, f fabric.Fabric, st *store.Store) ([]residualMsg, error) {
	p := f.NumWorkers()
	send := make([][]residualMsg, p)
	for i := 0; i < st.NumEdges(); i++ {
		e := st.Edge(i)
		if e.Active {
			send[0] = append(send[0], residualMsg{U: e.U, V: e.V, EID: e.EID})
		}
	}

	recv, err := fabric.ExchangeTyped[residualMsg](ctx, f, send)
	if err != nil {
		return nil, err
	}
	if f.Rank() != 0 {
		return nil, nil
	}

	var all []residualMsg
	for _, bucket := range recv {
		all = append(all, bucket...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].EID < all[j].EID })
	return all, nil
}

// broadcastMatched sends matchedEIDs (meaningful only on rank 0) to
// every worker and applies it to this worker's own store: any local
// edge whose eid is in the set is marked matched and inactive.
func broadcastMatched(ctx context.Context, f fabric.Fabric, st *store.Store, matchedEIDs []uint64) error {
	p := f.NumWorkers()
	send := make([][]uint64, p)
	if f.Rank() == 0 {
		for dst := 0; dst < p; dst++ {
			send[dst] = matchedEIDs
		}
	}

	recv, err := fabric.ExchangeTyped[uint64](ctx, f, send)
	if err != nil {
		return err
	}

	for _, eid := range recv[0] {
		if idx, ok := st.IndexOf(eid); ok {
			st.SetMatched(idx, true)
			st.SetActive(idx, false)
		}
	}
	return nil
}

// greedyUnweighted runs a deterministic greedy maximal matching over
// edges, already sorted ascending by EID: walk in order, skip any edge
// with an already-matched endpoint, otherwise take it. Unweighted
// because weighted matching is out of scope; the eid tiebreak keeps
// the pass deterministic without needing a distance comparison.
func greedyUnweighted(edges []residualMsg) []uint64 {
	matchedVertex := make(map[uint64]struct{}, 2*len(edges))
	var chosen []uint64
	for _, e := range edges {
		_, uTaken := matchedVertex[e.U]
		_, vTaken := matchedVertex[e.V]
		if uTaken || vTaken {
			continue
		}
		matchedVertex[e.U] = struct{}{}
		matchedVertex[e.V] = struct{}{}
		chosen = append(chosen, e.EID)
	}
	return chosen
}

// Gather implements the centralized finish strategy: gather residuals
// to rank 0 and run one sequential greedy pass, then broadcast the
// result back so every worker updates its own store.
func Gather(ctx context.Context, f fabric.Fabric, st *store.Store) error {
	residuals, err := gatherResiduals(ctx, f, st)
	if err != nil {
		return err
	}

	var chosen []uint64
	if f.Rank() == 0 {
		chosen = greedyUnweighted(residuals)
	}
	return broadcastMatched(ctx, f, st, chosen)
}

// components partitions edges into connected components via an
// iterative visited-set traversal, restricted to component discovery
// (no depth/hook bookkeeping, since nothing downstream needs traversal
// order, only group membership).
func components(edges []residualMsg) [][]residualMsg {
	adj := make(map[uint64][]int) // vertex -> indices into edges incident to it
	for i, e := range edges {
		adj[e.U] = append(adj[e.U], i)
		adj[e.V] = append(adj[e.V], i)
	}

	visited := make([]bool, len(edges))
	var groups [][]residualMsg
	for start := range edges {
		if visited[start] {
			continue
		}
		var group []residualMsg
		stack := []int{start}
		visited[start] = true
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			group = append(group, edges[i])
			e := edges[i]
			for _, nb := range adj[e.U] {
				if !visited[nb] {
					visited[nb] = true
					stack = append(stack, nb)
				}
			}
			for _, nb := range adj[e.V] {
				if !visited[nb] {
					visited[nb] = true
					stack = append(stack, nb)
				}
			}
		}
		groups = append(groups, group)
	}
	return groups
}

// Distributed implements the component-parallel finish strategy:
// gather residuals to
// rank 0, partition into connected components, run the greedy pass
// independently per component, then broadcast the combined result.
func Distributed(ctx context.Context, f fabric.Fabric, st *store.Store) error {
	residuals, err := gatherResiduals(ctx, f, st)
	if err != nil {
		return err
	}

	var chosen []uint64
	if f.Rank() == 0 {
		for _, group := range components(residuals) {
			chosen = append(chosen, greedyUnweighted(group)...)
		}
	}
	return broadcastMatched(ctx, f, st, chosen)
}
