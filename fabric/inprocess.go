package fabric

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/katalvlaran/mpcmatch/errs"
)

// hub is the shared rendezvous point behind every InProcess handle for
// one run: p goroutines call into it and the last arrival computes the
// collective result for everyone, mirroring the lock-step barrier model
// where workers proceed in lockstep and a global barrier terminates
// each logical step.
type hub struct {
	p int

	mu         sync.Mutex
	cond       *sync.Cond
	generation uint64
	arrived    int

	// per-generation scratch, valid only while arrived is being counted
	// up for the current generation.
	kind      opKind
	exchange  [][][]byte // exchange[sender][dest] = bytes sender sends to dest
	recvOut   [][][]byte // recvOut[rank][sender] = bytes rank received from sender
	reduceIn  []uint64
	reduceOut uint64
	err       error
}

type opKind int

const (
	opBarrier opKind = iota
	opExchange
	opAllreduceMax
	opAllreduceSum
)

func newHub(p int) *hub {
	h := &hub{p: p}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// rendezvous blocks until all p participants for this generation have
// called in, then returns the caller's own result slot (computed by
// whichever goroutine happened to be last). stage is called by every
// participant, under the hub lock, as it arrives; compute runs once, in
// the last arrival. The first arrival records kind; later arrivals'
// kinds are not compared against it.
func (h *hub) rendezvous(ctx context.Context, rank int, kind opKind, stage func(), compute func()) error {
	h.mu.Lock()
	myGen := h.generation
	if h.arrived == 0 {
		h.kind = kind
		h.err = nil
	}
	stage()
	h.arrived++

	if h.arrived == h.p {
		compute()
		h.arrived = 0
		h.generation++
		h.cond.Broadcast()
		err := h.err
		h.mu.Unlock()
		return err
	}

	// Not last: wait for the generation to advance, honoring ctx
	// cancellation so a stuck remote rank surfaces as a fabric error
	// rather than hanging forever. The engine itself imposes no timeout,
	// but a cancelled context must still unblock callers.
	done := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				h.mu.Lock()
				h.cond.Broadcast()
				h.mu.Unlock()
			case <-done:
			}
		}()
	}
	for h.generation == myGen {
		if ctx != nil {
			if cerr := ctx.Err(); cerr != nil {
				close(done)
				h.mu.Unlock()
				return cerr
			}
		}
		h.cond.Wait()
	}
	close(done)
	err := h.err
	h.mu.Unlock()
	return err
}

// InProcess is a Fabric implementation simulating p workers as
// goroutines within one process, used for tests and the cmd/mpcmatch
// demo. Construct one shared *hub with NewInProcessGroup and hand each
// worker its own handle.
type InProcess struct {
	h          *hub
	rank       int
	chunkLimit int
	stats      *statsAccumulator
}

// NewInProcessGroup returns p Fabric handles, one per rank, sharing a
// single rendezvous hub. chunkLimit bounds the size (in bytes) of a
// single low-level exchange payload per destination before the typed
// layer (see typed.go) splits it across multiple rounds.
func NewInProcessGroup(p int, chunkLimit int) []Fabric {
	if chunkLimit <= 0 {
		chunkLimit = 1 << 20 // 1 MiB default, well under a single message's practical size ceiling
	}
	h := newHub(p)
	out := make([]Fabric, p)
	for r := 0; r < p; r++ {
		out[r] = &InProcess{h: h, rank: r, chunkLimit: chunkLimit, stats: &statsAccumulator{}}
	}
	return out
}

// Rank implements Fabric.
func (f *InProcess) Rank() int { return f.rank }

// NumWorkers implements Fabric.
func (f *InProcess) NumWorkers() int { return f.h.p }

// ChunkLimit returns the configured per-destination byte threshold
// before the typed exchange layer splits a payload across rounds.
func (f *InProcess) ChunkLimit() int { return f.chunkLimit }

// Stats implements Fabric.
func (f *InProcess) Stats() Stats { return f.stats.snapshot() }

// Barrier implements Fabric.
func (f *InProcess) Barrier(ctx context.Context) error {
	return f.h.rendezvous(ctx, f.rank, opBarrier, func() {}, func() {})
}

// Exchange implements Fabric: one round of sparse all-to-all.
func (f *InProcess) Exchange(ctx context.Context, send [][]byte) ([][]byte, error) {
	start := time.Now()
	if len(send) != f.h.p {
		return nil, errs.FabricError(errors.New("send bucket count does not match worker count"))
	}

	var myRecv [][]byte
	err := f.h.rendezvous(ctx, f.rank, opExchange,
		func() {
			if f.h.exchange == nil {
				f.h.exchange = make([][][]byte, f.h.p)
				f.h.recvOut = make([][][]byte, f.h.p)
			}
			f.h.exchange[f.rank] = send
		},
		func() {
			for dst := 0; dst < f.h.p; dst++ {
				f.h.recvOut[dst] = make([][]byte, f.h.p)
				for src := 0; src < f.h.p; src++ {
					f.h.recvOut[dst][src] = f.h.exchange[src][dst]
				}
			}
			f.h.exchange = nil
		},
	)
	if err != nil {
		return nil, errs.FabricError(err)
	}

	f.h.mu.Lock()
	myRecv = f.h.recvOut[f.rank]
	f.h.mu.Unlock()

	var bytesOut, bytesIn, maxMsg uint64
	for _, b := range send {
		bytesOut += uint64(len(b))
		if uint64(len(b)) > maxMsg {
			maxMsg = uint64(len(b))
		}
	}
	for _, b := range myRecv {
		bytesIn += uint64(len(b))
	}
	f.stats.recordExchange(bytesOut, bytesIn, maxMsg, time.Since(start))

	return myRecv, nil
}

// AllreduceMaxUint64 implements Fabric.
func (f *InProcess) AllreduceMaxUint64(ctx context.Context, local uint64) (uint64, error) {
	var mine uint64
	err := f.h.rendezvous(ctx, f.rank, opAllreduceMax,
		func() {
			if f.h.reduceIn == nil {
				f.h.reduceIn = make([]uint64, f.h.p)
			}
			f.h.reduceIn[f.rank] = local
		},
		func() {
			max := uint64(0)
			for _, v := range f.h.reduceIn {
				if v > max {
					max = v
				}
			}
			f.h.reduceOut = max
			f.h.reduceIn = nil
		},
	)
	if err != nil {
		return 0, errs.FabricError(err)
	}
	f.h.mu.Lock()
	mine = f.h.reduceOut
	f.h.mu.Unlock()
	return mine, nil
}

// AllreduceSumUint64 implements Fabric.
func (f *InProcess) AllreduceSumUint64(ctx context.Context, local uint64) (uint64, error) {
	var mine uint64
	err := f.h.rendezvous(ctx, f.rank, opAllreduceSum,
		func() {
			if f.h.reduceIn == nil {
				f.h.reduceIn = make([]uint64, f.h.p)
			}
			f.h.reduceIn[f.rank] = local
		},
		func() {
			var sum uint64
			for _, v := range f.h.reduceIn {
				sum += v
			}
			f.h.reduceOut = sum
			f.h.reduceIn = nil
		},
	)
	if err != nil {
		return 0, errs.FabricError(err)
	}
	f.h.mu.Lock()
	mine = f.h.reduceOut
	f.h.mu.Unlock()
	return mine, nil
}
