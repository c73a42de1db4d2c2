// Package store is the per-worker state store: the stable edges array,
// the id→index map, the owned-vertex CSR adjacency, and the
// phase-scoped ball arena.
//
// It adapts a thread-safe Vertex/Edge container style (a
// sync.RWMutex-guarded map of maps, addressed by string id) to the
// engine's very different addressing discipline: positions are stable
// 64-bit-id-addressed array slots, never string keys, since local
// positions must never move within a phase, and every cross-worker
// reference must carry an eid, not a local index. A single worker's
// Store is not safe for concurrent mutation from multiple goroutines
// (nothing in the pipeline mutates one worker's Store concurrently —
// each worker is single-threaded from the algorithm's viewpoint) but
// ball arena reads during a batch are safe for concurrent readers.
package store

import (
	"context"
	"sort"

	"github.com/katalvlaran/mpcmatch/errs"
	"github.com/katalvlaran/mpcmatch/fabric"
	"github.com/katalvlaran/mpcmatch/hashid"
)

// Edge is one (u, v, eid) triple at a stable local array position, plus
// its lifecycle flags. Phase-local fields are overwritten every phase.
type Edge struct {
	U, V uint64
	EID  uint64

	Active  bool // not yet deleted
	Matched bool // monotone false -> true

	// Phase-local, valid only for the current phase's participating set.
	DegInSparse int
	Stalled     bool
	Priority    uint64
}

// IncidentEdge names an edge incident to an owned vertex in the vertex
// CSR. LocalPos is a valid index into this worker's own Edges array only
// when Owner equals this worker's rank; otherwise the edge lives on a
// remote worker and is addressed purely by EID: cross-worker references
// always carry eids, never local indices, since adjacency outside this
// worker is resolved via the fabric, never stored.
type IncidentEdge struct {
	EID      uint64
	Owner    int
	LocalPos int // -1 if Owner is not this worker
	// Other is EID's endpoint other than the owned vertex this
	// IncidentEdge is filed under — the ordinary "adjacency list stores
	// the neighbor, not just the edge" fact, needed so the Exponentiator
	// can keep growing a ball's frontier vertex-by-vertex without ever
	// asking EID's owner for its endpoints.
	Other uint64
}

// Store is one worker's slice of the distributed edge and vertex state.
type Store struct {
	hasher *hashid.Hasher
	rank   int
	numW   int

	edges     []Edge
	idToIndex map[uint64]int

	// Vertex CSR over vertices owned by this worker.
	vertexIndex map[uint64]int
	rowStart    []int
	neighbors   []IncidentEdge

	arena *BallArena
}

// New builds an empty Store for the given worker rank among numWorkers
// workers, using hasher for all owner/eid computations.
func New(hasher *hashid.Hasher, rank, numWorkers int) *Store {
	return &Store{
		hasher: hasher,
		rank:   rank,
		numW:   numWorkers,
	}
}

// Rank returns this store's worker rank.
func (s *Store) Rank() int { return s.rank }

// Init builds the stable edges array and id_to_index map from a set of
// (u, v) pairs already assigned to this worker by edge ownership. eids
// are computed from the hasher; pairs that collide with an eid already
// present are dropped defensively (ingestion is responsible for primary
// dedup, this method only guards against it).
//
// Init never touches the vertex CSR — that requires a cross-worker
// exchange and is built by BuildVertexCSR once the caller has run it.
func (s *Store) Init(pairs [][2]uint64) {
	s.edges = make([]Edge, 0, len(pairs))
	s.idToIndex = make(map[uint64]int, len(pairs))

	for _, p := range pairs {
		u, v := p[0], p[1]
		if u == v {
			continue // self-loops are an ingestion contract violation; drop defensively
		}
		eid := s.hasher.EID(u, v)
		if _, exists := s.idToIndex[eid]; exists {
			continue // duplicate edge, drop defensively
		}
		idx := len(s.edges)
		s.edges = append(s.edges, Edge{U: u, V: v, EID: eid, Active: true})
		s.idToIndex[eid] = idx
	}
}

// NumEdges returns the number of stable array slots (active + inactive).
func (s *Store) NumEdges() int { return len(s.edges) }

// Edge returns a copy of the edge record at local position i.
func (s *Store) Edge(i int) Edge { return s.edges[i] }

// IndexOf returns the local position of eid and true, or (0, false) if
// this worker does not own (or never owned) that edge.
func (s *Store) IndexOf(eid uint64) (int, bool) {
	i, ok := s.idToIndex[eid]
	return i, ok
}

// SetActive marks the edge at position i inactive. Active toggles
// exactly once (true -> false) and is terminal; setting it true again
// is a programmer error this method does not guard against (the
// Integrator and the Finisher are the only callers, and never do so).
func (s *Store) SetActive(i int, active bool) { s.edges[i].Active = active }

// SetMatched records whether the edge at position i is matched. The
// local MIS sets it true for selected edges; the Integrator sets it back
// to false for an edge that loses a vertex arbitration.
func (s *Store) SetMatched(i int, matched bool) { s.edges[i].Matched = matched }

// ResetPhaseLocal clears DegInSparse/Stalled/Priority for every edge
// ahead of a new phase; these fields are overwritten every phase.
func (s *Store) ResetPhaseLocal() {
	for i := range s.edges {
		s.edges[i].DegInSparse = 0
		s.edges[i].Stalled = false
		s.edges[i].Priority = 0
	}
}

// SetSparseDegree records deg_in_sparse(eid) for the edge at position i.
func (s *Store) SetSparseDegree(i, deg int) { s.edges[i].DegInSparse = deg }

// SetStalled records the staller's verdict for the edge at position i.
func (s *Store) SetStalled(i int, stalled bool) { s.edges[i].Stalled = stalled }

// SetPriority records the MIS priority for the edge at position i.
func (s *Store) SetPriority(i int, pr uint64) { s.edges[i].Priority = pr }

// ActiveFraction returns the fraction of local slots still active, used
// by CompactIfNeeded's trigger.
func (s *Store) ActiveFraction() float64 {
	if len(s.edges) == 0 {
		return 1
	}
	n := 0
	for i := range s.edges {
		if s.edges[i].Active {
			n++
		}
	}
	return float64(n) / float64(len(s.edges))
}

// ActivePositions returns the local positions of all active, unmatched
// edges, in ascending stable order. This is the candidate universe the
// Sparsifier samples from each phase.
func (s *Store) ActivePositions() []int {
	out := make([]int, 0, len(s.edges))
	for i := range s.edges {
		if s.edges[i].Active && !s.edges[i].Matched {
			out = append(out, i)
		}
	}
	return out
}

// CompactIfNeeded rebuilds the edges array and id_to_index map, dropping
// inactive unmatched edges, if the active fraction is below threshold.
// Matched edges are kept so the final matching can still be collected
// from every worker. This must
// only be called between phases, never mid-phase — it invalidates
// every local position a caller may be holding, and positions must
// never move within a phase.
func (s *Store) CompactIfNeeded(threshold float64) (compacted bool) {
	if s.ActiveFraction() >= threshold {
		return false
	}
	kept := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		if e.Active || e.Matched {
			kept = append(kept, e)
		}
	}
	s.edges = kept
	s.idToIndex = make(map[uint64]int, len(kept))
	for i, e := range s.edges {
		s.idToIndex[e.EID] = i
	}
	// Refresh the vertex CSR's cached LocalPos values for locally owned
	// edges: a kept edge gets its new position, a dropped one gets -1.
	// Remote-owned entries (LocalPos == -1) are left as they are.
	for vi := range s.neighbors {
		if s.neighbors[vi].Owner == s.rank {
			if idx, ok := s.idToIndex[s.neighbors[vi].EID]; ok {
				s.neighbors[vi].LocalPos = idx
			} else {
				s.neighbors[vi].LocalPos = -1
			}
		}
	}
	return true
}

// BuildVertexCSR constructs the CSR adjacency for vertices owned by this
// worker, from incidences collected by a one-round vertex-resolution
// exchange: incidences[v] lists every IncidentEdge touching owned
// vertex v, across all workers.
//
// This is the only persisted adjacency structure; line-graph adjacency
// is never materialized.
func (s *Store) BuildVertexCSR(incidences map[uint64][]IncidentEdge) {
	vertices := make([]uint64, 0, len(incidences))
	for v := range incidences {
		vertices = append(vertices, v)
	}
	sort.Slice(vertices, func(i, j int) bool { return vertices[i] < vertices[j] })

	s.vertexIndex = make(map[uint64]int, len(vertices))
	s.rowStart = make([]int, len(vertices)+1)
	s.neighbors = s.neighbors[:0]

	for i, v := range vertices {
		s.vertexIndex[v] = i
		s.rowStart[i] = len(s.neighbors)
		inc := incidences[v]
		sort.Slice(inc, func(a, b int) bool { return inc[a].EID < inc[b].EID })
		s.neighbors = append(s.neighbors, inc...)
	}
	s.rowStart[len(vertices)] = len(s.neighbors)
}

// vertexResolveMsg is what ResolveVertices sends: "here is one edge I
// own that touches the vertex you own", the one-round vertex-resolution
// exchange that builds the vertex CSR for owned vertices.
type vertexResolveMsg struct {
	Vertex   uint64
	EID      uint64
	Owner    int
	LocalPos int
	Other    uint64
}

// ResolveVertices runs the one-round vertex-resolution exchange of spec
// §4.C's init step: every worker, as the owner of its own local edges,
// tells each endpoint's owner about that incidence; every worker then
// builds its own vertex CSR from what it receives. Must be called once
// after Init, before the first phase.
func (s *Store) ResolveVertices(ctx context.Context, f fabric.Fabric, h *hashid.Hasher) error {
	p := f.NumWorkers()
	send := make([][]vertexResolveMsg, p)
	for i, e := range s.edges {
		send[h.Owner(e.U, p)] = append(send[h.Owner(e.U, p)], vertexResolveMsg{
			Vertex: e.U, EID: e.EID, Owner: s.rank, LocalPos: i, Other: e.V,
		})
		send[h.Owner(e.V, p)] = append(send[h.Owner(e.V, p)], vertexResolveMsg{
			Vertex: e.V, EID: e.EID, Owner: s.rank, LocalPos: i, Other: e.U,
		})
	}

	recv, err := fabric.ExchangeTyped[vertexResolveMsg](ctx, f, send)
	if err != nil {
		return err
	}

	incidences := make(map[uint64][]IncidentEdge)
	for _, bucket := range recv {
		for _, m := range bucket {
			localPos := m.LocalPos
			if m.Owner != s.rank {
				localPos = -1
			}
			incidences[m.Vertex] = append(incidences[m.Vertex], IncidentEdge{
				EID: m.EID, Owner: m.Owner, LocalPos: localPos, Other: m.Other,
			})
		}
	}

	s.BuildVertexCSR(incidences)
	return nil
}

// OwnsVertex reports whether this worker owns vertex v (i.e. it appeared
// in the incidences given to BuildVertexCSR, possibly with zero edges).
func (s *Store) OwnsVertex(v uint64) bool {
	_, ok := s.vertexIndex[v]
	return ok
}

// NeighborsOf returns the incident-edge list for owned vertex v, or
// (nil, false) if v is not owned by this worker.
func (s *Store) NeighborsOf(v uint64) ([]IncidentEdge, bool) {
	i, ok := s.vertexIndex[v]
	if !ok {
		return nil, false
	}
	return s.neighbors[s.rowStart[i]:s.rowStart[i+1]], true
}

// OwnedVertices returns every vertex owned by this worker, ascending.
func (s *Store) OwnedVertices() []uint64 {
	out := make([]uint64, len(s.vertexIndex))
	for v, i := range s.vertexIndex {
		out[i] = v
	}
	return out
}

// VerifyEIDSymmetry is the test_mode=on sampled check that h.EID is
// symmetric on this worker's own locally-owned edges: it draws up to
// maxSamples of them and confirms recomputing the eid from either
// endpoint order still matches the eid already stored against that
// edge. Purely local: EID is a pure function of (u,v), so no exchange
// round is needed to check it, only a later fabric.Barrier so every
// worker agrees it ran before the run proceeds.
func (s *Store) VerifyEIDSymmetry(h *hashid.Hasher, maxSamples int) error {
	n := len(s.edges)
	if n > maxSamples {
		n = maxSamples
	}
	for i := 0; i < n; i++ {
		e := s.edges[i]
		if h.EID(e.U, e.V) != e.EID || h.EID(e.V, e.U) != e.EID {
			return errs.SymmetricIdFailure(e.U, e.V)
		}
	}
	return nil
}

// Arena lazily allocates (if needed) and returns this worker's ball
// arena, sized to hold roughly capacityHint uint64s.
func (s *Store) Arena(capacityHint int) *BallArena {
	if s.arena == nil {
		s.arena = NewBallArena(capacityHint)
	}
	return s.arena
}

// ReleaseArena frees the current batch's ball storage: allocated only
// for the current batch, freed at batch end.
func (s *Store) ReleaseArena() {
	s.arena = nil
}

// ResolveEndpoint returns the local position of the edge identified by
// eid, or a MissingEndpoint error if this worker has no record of it —
// a fatal state-store corruption condition.
func (s *Store) ResolveEndpoint(eid uint64, touchedVertex uint64) (int, error) {
	i, ok := s.idToIndex[eid]
	if !ok {
		return 0, errs.MissingEndpoint(eid, touchedVertex)
	}
	return i, nil
}
