// Package fabric implements the exchange fabric: the one primitive
// every other component communicates through, exchange(...), plus the
// barrier and allreduce collectives the rest of the pipeline assumes
// at every suspension point between pipeline steps.
//
// The real collective-messaging substrate (the network transport
// underneath a cluster-scale all-to-all) is explicitly out of scope —
// Fabric is the thin interface that substrate would sit behind.
// InProcess, in this file's companion inprocess.go, is the one
// concrete implementation this module ships: it simulates p workers as
// goroutines in a single process, rendezvousing through a reusable
// barrier, which is enough to make the engine runnable and testable
// without a cluster.
package fabric

import (
	"context"
	"sync"
	"time"
)

// Fabric is the collective-messaging contract every engine component
// depends on. A call returns only on global success; any transport
// error is fatal to the whole run.
type Fabric interface {
	// Rank returns this handle's worker rank in [0, NumWorkers()).
	Rank() int
	// NumWorkers returns p, the total worker count.
	NumWorkers() int

	// Exchange performs one round of sparse all-to-all: send[j] is the
	// raw byte payload this worker sends to worker j (nil or empty means
	// nothing is sent). It returns recv[i], the payload received from
	// worker i. Records from rank i to rank j arrive in send order; no
	// ordering is promised across distinct source ranks.
	Exchange(ctx context.Context, send [][]byte) (recv [][]byte, err error)

	// Barrier blocks until every worker has called Barrier for this
	// logical step.
	Barrier(ctx context.Context) error

	// AllreduceMaxUint64 returns the maximum of local across all workers.
	AllreduceMaxUint64(ctx context.Context, local uint64) (uint64, error)

	// AllreduceSumUint64 returns the sum of local across all workers.
	AllreduceSumUint64(ctx context.Context, local uint64) (uint64, error)

	// Stats returns a snapshot of this worker's accounting counters.
	Stats() Stats
}

// Stats are the accounting counters the fabric maintains: bytes
// in/out, max single-message size, wall time per call.
type Stats struct {
	BytesIn         uint64
	BytesOut        uint64
	MaxMessageBytes uint64
	WallTime        time.Duration
	ExchangeCalls   int
	ChunkedRounds   int
}

// statsAccumulator is the mutable counterpart of Stats, guarded by its
// own mutex so concurrent calls from one worker's goroutines (there
// should only ever be one per rank, but tests may probe Stats() mid-run)
// never race.
type statsAccumulator struct {
	mu sync.Mutex
	s  Stats
}

func (a *statsAccumulator) recordExchange(bytesOut, bytesIn uint64, maxMsg uint64, d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.BytesOut += bytesOut
	a.s.BytesIn += bytesIn
	if maxMsg > a.s.MaxMessageBytes {
		a.s.MaxMessageBytes = maxMsg
	}
	a.s.WallTime += d
	a.s.ExchangeCalls++
}

func (a *statsAccumulator) recordChunkedRound() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s.ChunkedRounds++
}

func (a *statsAccumulator) snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.s
}
