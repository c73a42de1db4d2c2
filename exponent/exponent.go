// Package exponent implements the Exponentiator, the engine's hardest
// component: R-round ball growth over the implicit sparsified line
// graph, never materializing that graph.
//
// Ball growth never asks an edge's owner for its endpoints mid-round.
// Instead each candidate e tracks a phase-local frontier of VERTICES
// (not edges) to expand from: round 0 starts at e's own two endpoints
// (known directly, since e is locally owned); each round, a candidate's
// owner asks every frontier vertex's owner "which live edges touch
// you", and that vertex owner replies with both the new eid and its
// other endpoint — exactly what an ordinary adjacency list stores — so
// the requester can keep expanding without ever resolving a foreign
// eid's endpoints through its owner. This is the vertex-expansion
// mechanism; RefreshLiveness is the one additional per-phase exchange
// that mechanism alone elides: vertex owners need to know, for each
// incident eid, whether it is currently live (active, participating,
// non-stalled) before they can filter their replies — that liveness is
// phase-local state owned by the edge, not the vertex, so it has to be
// pushed to every endpoint once per phase.
package exponent

import (
	"context"
	"sort"
	"sync"

	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
	"github.com/katalvlaran/mpcmatch/stall"
	"github.com/katalvlaran/mpcmatch/store"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentMerges bounds how many candidates' ball merges run
// concurrently within one round of one batch.
const maxConcurrentMerges = 32

// Batches splits candidates into contiguous slices honoring the
// batching discipline: batch_size chosen upstream (by the Parameter
// Oracle) so that |batch| * B_max <= S/c.
func Batches(candidates []int, batchSize int) [][]int {
	if batchSize < 1 {
		batchSize = 1
	}
	var out [][]int
	for i := 0; i < len(candidates); i += batchSize {
		end := i + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		out = append(out, candidates[i:end])
	}
	return out
}

// AgreeBatchCount reaches global agreement on how many batches this
// phase will run: every worker must call GrowBalls exactly this many
// times, including with an empty batch, to stay in the required
// barrier-synchronous lockstep.
func AgreeBatchCount(ctx context.Context, f fabric.Fabric, localBatches int) (int, error) {
	n, err := f.AllreduceMaxUint64(ctx, uint64(localBatches))
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

type livenessMsg struct {
	V   uint64
	EID uint64
}

// RefreshLiveness tells every vertex owner, for each of its incident
// eids, whether that eid is live this phase (active, participating,
// non-stalled per the Staller's verdict). Must run once per phase,
// after stall.Run, before the first GrowBalls call of the phase.
func RefreshLiveness(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store) (*Liveness, error) {
	p := f.NumWorkers()
	send := make([][]livenessMsg, p)
	for _, i := range stall.Candidates(st) {
		e := st.Edge(i)
		send[h.Owner(e.U, p)] = append(send[h.Owner(e.U, p)], livenessMsg{V: e.U, EID: e.EID})
		send[h.Owner(e.V, p)] = append(send[h.Owner(e.V, p)], livenessMsg{V: e.V, EID: e.EID})
	}
	recv, err := fabric.ExchangeTyped[livenessMsg](ctx, f, send)
	if err != nil {
		return nil, err
	}
	live := &Liveness{byVertex: make(map[uint64]map[uint64]struct{})}
	for _, bucket := range recv {
		for _, m := range bucket {
			set, ok := live.byVertex[m.V]
			if !ok {
				set = make(map[uint64]struct{})
				live.byVertex[m.V] = set
			}
			set[m.EID] = struct{}{}
		}
	}
	return live, nil
}

// Liveness is the phase-local "which incident eids are currently live"
// cache built by RefreshLiveness, consulted by vertex expansion.
type Liveness struct {
	byVertex map[uint64]map[uint64]struct{}
}

func (l *Liveness) isLive(v, eid uint64) bool {
	set, ok := l.byVertex[v]
	if !ok {
		return false
	}
	_, live := set[eid]
	return live
}

type fanoutMsg struct {
	E uint64 // the candidate ball this request grows
	V uint64 // the frontier vertex to expand from
}

type returnMsg struct {
	E uint64 // the candidate ball this reply feeds
	G uint64 // newly discovered eid
	W uint64 // g's other endpoint, for the next round's frontier
}

type candidateState struct {
	pos      int
	ball     map[uint64]struct{}
	frontier []uint64
	overflow bool
}

// GrowBalls runs all R rounds of ball growth for one batch of local
// candidate positions, storing the finished balls in st's ball arena
// and returning the largest ball size actually observed (for the
// Parameter Oracle's peak-hold estimator). Candidates whose ball would
// exceed budgetS are stalled for this phase and dropped, following an
// adaptive-backoff policy — this is never treated as fatal.
//
// Every worker must call GrowBalls the same number of times per phase
// (see AgreeBatchCount) with the same R, since each round issues two
// fabric-wide exchanges regardless of whether this worker's batch is
// empty.
func GrowBalls(ctx context.Context, f fabric.Fabric, h *hashid.Hasher, st *store.Store, live *Liveness, batch []int, r, budgetS int) (uint64, error) {
	states := make(map[uint64]*candidateState, len(batch))
	order := make([]uint64, 0, len(batch))
	for _, pos := range batch {
		e := st.Edge(pos)
		cs := &candidateState{
			pos:      pos,
			ball:     map[uint64]struct{}{e.EID: {}},
			frontier: []uint64{e.U, e.V},
		}
		states[e.EID] = cs
		order = append(order, e.EID)
	}

	p := f.NumWorkers()
	for round := 0; round < r; round++ {
		send := make([][]fanoutMsg, p)
		for _, eid := range order {
			cs := states[eid]
			if cs.overflow {
				continue
			}
			for _, v := range cs.frontier {
				dst := h.Owner(v, p)
				send[dst] = append(send[dst], fanoutMsg{E: eid, V: v})
			}
		}

		recvFanout, err := fabric.ExchangeTyped[fanoutMsg](ctx, f, send)
		if err != nil {
			return 0, err
		}

		reply := make([][]returnMsg, p)
		for src, bucket := range recvFanout {
			for _, m := range bucket {
				neighbors, ok := st.NeighborsOf(m.V)
				if !ok {
					continue
				}
				for _, nb := range neighbors {
					if nb.EID == m.E || !live.isLive(m.V, nb.EID) {
						continue
					}
					reply[src] = append(reply[src], returnMsg{E: m.E, G: nb.EID, W: nb.Other})
				}
			}
		}

		recvReturn, err := fabric.ExchangeTyped[returnMsg](ctx, f, reply)
		if err != nil {
			return 0, err
		}

		if err := mergeReturns(ctx, states, recvReturn, budgetS); err != nil {
			return 0, err
		}
	}

	var maxObserved uint64
	for _, eid := range order {
		cs := states[eid]
		if cs.overflow {
			st.SetStalled(cs.pos, true)
			continue
		}
		ball := make([]uint64, 0, len(cs.ball))
		for g := range cs.ball {
			ball = append(ball, g)
		}
		sort.Slice(ball, func(i, j int) bool { return ball[i] < ball[j] })
		st.Arena(len(ball)).Set(cs.pos, ball)
		if uint64(len(ball)) > maxObserved {
			maxObserved = uint64(len(ball))
		}
	}
	return maxObserved, nil
}

// mergeReturns folds every (E, G, W) triple into its candidate's ball
// and next-round frontier, bounding concurrency across candidates with
// a semaphore since each candidate's state is independent.
func mergeReturns(ctx context.Context, states map[uint64]*candidateState, recvReturn [][]returnMsg, budgetS int) error {
	byCandidate := make(map[uint64][]returnMsg)
	for _, bucket := range recvReturn {
		for _, m := range bucket {
			byCandidate[m.E] = append(byCandidate[m.E], m)
		}
	}
	if len(byCandidate) == 0 {
		return nil
	}

	sem := semaphore.NewWeighted(maxConcurrentMerges)
	var wg sync.WaitGroup

	for eid, msgs := range byCandidate {
		cs, ok := states[eid]
		if !ok || cs.overflow {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(cs *candidateState, msgs []returnMsg) {
			defer wg.Done()
			defer sem.Release(1)
			next := make([]uint64, 0, len(msgs))
			for _, m := range msgs {
				if _, seen := cs.ball[m.G]; seen {
					continue
				}
				cs.ball[m.G] = struct{}{}
				next = append(next, m.W)
			}
			if len(cs.ball) > budgetS {
				cs.overflow = true
				cs.ball = nil
			} else {
				cs.frontier = dedup(next)
			}
		}(cs, msgs)
	}

	wg.Wait()
	return nil
}

// VerifyBallInvariants is the test_mode=on sampled check for invariants
// P2 ("ball is sorted ascending and duplicate-free") and P3 ("|ball(e)|
// <= S"), over every ball this batch stored in arena. Both properties
// already hold by construction (GrowBalls sorts before Set, and
// mergeReturns folds into a dedup'ing map bounded by budgetS before
// ever calling Set) — this walks the arena's own output to confirm that
// construction did what it claims, the way a test_mode check is meant
// to catch a regression rather than assume one can't happen.
func VerifyBallInvariants(st *store.Store, arena *store.BallArena, budgetS int) error {
	for _, pos := range arena.Positions() {
		ball := arena.Get(pos)
		if len(ball) > budgetS {
			return errs.BallOverflow(st.Edge(pos).EID)
		}
		for i := 1; i < len(ball); i++ {
			if ball[i] <= ball[i-1] {
				return errs.InvariantViolation("ball is not strictly ascending and duplicate-free")
			}
		}
	}
	return nil
}

func dedup(xs []uint64) []uint64 {
	if len(xs) == 0 {
		return nil
	}
	seen := make(map[uint64]struct{}, len(xs))
	out := make([]uint64, 0, len(xs))
	for _, x := range xs {
		if _, ok := seen[x]; !ok {
			seen[x] = struct{}{}
			out = append(out, x)
		}
	}
	return out
}
