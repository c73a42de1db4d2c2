// Package hashid implements the engine's single keyed 64-bit hash and
// the identifiers derived from it.
//
// Every owner computation, sampling draw, and priority assignment in
// the pipeline goes through one Hasher so that workers started
// independently (and reruns of the same worker) agree bit-for-bit:
// identical inputs and the same keying seed always produce identical
// output.
//
// What:
//   - H(tag, x1..xk) — a deterministic 64-bit hash, keyed by a run-wide
//     seed and distinguished by a short tag string.
//   - EID(u, v) — the symmetric global edge id.
//   - Owner(v, p), EdgeOwner(eid, p) — deterministic owner mapping.
//   - Include(eid, phase, pPhase) — the sparsifier's participation draw.
//   - Priority(eid, phase) — the MIS's deterministic priority.
//
// Why a keyed hash at all: a fixed, unkeyed hash would make sampling and
// priority draws identical across unrelated runs of the same graph,
// which is fine for reproducibility but means two concurrently-running
// experiments (e.g. fixed vs adaptive sampling.mode, compared side by
// side) would make identical edge-level decisions. Keying by a run seed
// decorrelates them while keeping determinism within one run (same seed
// + same config always yields the same output).
package hashid

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// Tag distinguishes the call site of a hash draw so that the same
// (seed, x1..xk) tuple produces independent-looking values for different
// purposes (owner vs sample vs priority).
type Tag string

// Tags used by the pipeline. Components must use exactly these
// strings: the same Hasher drives owner computation, sampling
// decisions, and priorities, distinguished only by tag.
const (
	TagOwner     Tag = "owner"
	TagEdgeOwner Tag = "edge_owner"
	TagEID       Tag = "eid"
	TagSample    Tag = "sample"
	TagPriority  Tag = "priority"
)

// Hasher is the engine's single hash service, keyed by a run-wide seed.
// Hasher is immutable after construction and safe for concurrent use by
// any number of goroutines (each call allocates its own xxhash digest).
type Hasher struct {
	seed uint64
}

// New returns a Hasher keyed by seed. Two Hashers built from the same
// seed always agree; this is the only source of randomness-like behavior
// the engine has, and it is fully deterministic.
func New(seed uint64) *Hasher {
	return &Hasher{seed: seed}
}

// Seed returns the keying seed this Hasher was built from.
func (h *Hasher) Seed() uint64 { return h.seed }

// H computes the keyed hash of (tag, x1..xk). Inputs are encoded as
// fixed-width little-endian uint64s ahead of the tag bytes so that no
// two distinct (tag, xs) tuples can collide by byte-stream concatenation
// ambiguity (the tag is length-delimited implicitly by being written
// last, after a fixed number of 8-byte fields).
func (h *Hasher) H(tag Tag, xs ...uint64) uint64 {
	d := xxhash.New()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], h.seed)
	_, _ = d.Write(buf[:])

	for _, x := range xs {
		binary.LittleEndian.PutUint64(buf[:], x)
		_, _ = d.Write(buf[:])
	}
	_, _ = d.Write([]byte(tag))

	return d.Sum64()
}

// EID computes the symmetric global edge id for the unordered pair
// {u, v}: EID(u,v) == EID(v,u) exactly, computed from
// (min(u,v), max(u,v), "eid").
func (h *Hasher) EID(u, v uint64) uint64 {
	lo, hi := u, v
	if lo > hi {
		lo, hi = hi, lo
	}
	return h.H(TagEID, lo, hi)
}

// Owner computes the deterministic owner rank of vertex v among p
// workers: owner(v) = H(v, "owner") mod p.
func (h *Hasher) Owner(v uint64, p int) int {
	return int(h.H(TagOwner, v) % uint64(p))
}

// EdgeOwner computes the deterministic owner rank of edge eid among p
// workers: edge_owner(eid) = H(eid, "edge_owner") mod p.
func (h *Hasher) EdgeOwner(eid uint64, p int) int {
	return int(h.H(TagEdgeOwner, eid) % uint64(p))
}

// Include is the sparsifier's deterministic participation draw for edge
// eid in the given phase: include(e) = H(eid, phase, "sample") <
// floor(pPhase * 2^64). pPhase is clamped to [0, 1].
func (h *Hasher) Include(eid uint64, phase int, pPhase float64) bool {
	threshold := thresholdOf(pPhase)
	return h.H(TagSample, eid, uint64(phase)) < threshold
}

// Priority computes edge eid's deterministic 64-bit priority for the
// given phase: priority(e) = H(eid, phase, "priority"). Priorities are
// compared as unsigned integers.
func (h *Hasher) Priority(eid uint64, phase int) uint64 {
	return h.H(TagPriority, eid, uint64(phase))
}

// thresholdOf converts a probability in [0,1] to the unsigned 64-bit
// comparison threshold floor(p * 2^64). p <= 0 maps to 0 (never
// include); p >= 1 maps to the maximum uint64 (always include, since
// H(...) < max(uint64) excludes only the single hash value 2^64-1
// itself — negligible, and keeps the "<" comparison literal rather
// than rounding it away).
func thresholdOf(p float64) uint64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return ^uint64(0)
	default:
		// 2^64 does not fit in a float64 exactly past its mantissa, but
		// p*2^64 for p in (0,1) is always representable well enough for
		// a sampling threshold: compute via the 2^32 * 2^32 split to
		// avoid any single float64 literal overflowing.
		const two32 = 4294967296.0
		scaled := p * two32 * two32
		return uint64(scaled)
	}
}
