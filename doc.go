// Package mpcmatch is the core distributed engine for computing a
// maximal matching on graphs too large for one machine's memory,
// modeled after the Ghaffari-Uitto sublinear-MPC matching algorithm.
//
// A run is simulated as p synchronous workers sharing a per-machine
// edge budget S = c_mem * n^alpha, driven to completion through
// repeated phases of sparsify -> stall -> exponentiate -> local MIS ->
// integrate, finishing any small residual once the active edge count
// drops below a threshold. Everything is organized under one
// subpackage per component:
//
//	hashid/    — deterministic keyed hashing: vertex ownership, edge
//	             ids, MIS priorities
//	fabric/    — the barrier-synchronous exchange substrate every
//	             worker talks over (simulated in-process, or wired to
//	             a real transport)
//	store/     — per-worker CSR adjacency and edge state, the ball
//	             arena, vertex resolution
//	sparsify/  — Component D: participation sampling and sparse-degree
//	             aggregation
//	stall/     — Component E: per-phase candidate staller
//	exponent/  — Component F: R-round ball growth over the implicit
//	             sparsified line graph
//	mis/       — Component G: deterministic-priority greedy local MIS
//	integrate/ — Component H: claim/reject arbitration and matched-
//	             vertex deactivation broadcast
//	finish/    — Component I: small-residual finisher
//	phase/     — Component J: the per-worker phase driver that
//	             sequences D through H and owns termination
//	oracle/    — Component K: the parameter oracle (edge budget, R,
//	             batch size, peak-hold)
//	config/    — runtime configuration and validation
//	metrics/   — phase/run record shapes and the Sink interface
//	errs/      — the engine's typed error taxonomy
//	engine/    — the public façade wiring every component together
//	             over one simulated worker group
//	cmd/mpcmatch/ — a thin CLI demo over engine.Run
//
// See SPEC_FULL.md and the design ledger DESIGN.md at the repository
// root for the full algorithm description, invariants, and grounding
// notes.
package mpcmatch
