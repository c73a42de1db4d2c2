package fabric

import (
	"bytes"
	"context"
	"encoding/gob"

	"github.com/katalvlaran/mpcmatch/errs"
)

// ExchangeTyped is the "exchange()" primitive every pipeline component
// actually calls: sendBuckets[dst] is the ordered sequence of typed
// records this worker sends to worker dst. It returns recvBuckets[src],
// the records received from worker src, with per-(src,dst) order
// preserved exactly as sent.
//
// When an encoded bucket would exceed f's chunk limit, ExchangeTyped
// transparently issues multiple low-level Exchange rounds (agreeing on
// the round count via AllreduceMaxUint64 so every worker participates
// in the same number of rounds) and reassembles the result, so a
// caller never has to reason about chunking: splitting into multiple
// rounds stays equivalent to one logical exchange.
func ExchangeTyped[T any](ctx context.Context, f Fabric, sendBuckets [][]T) ([][]T, error) {
	p := f.NumWorkers()
	if len(sendBuckets) != p {
		return nil, errs.FabricError(errMismatch("sendBuckets length must equal NumWorkers()"))
	}

	encoded := make([][]byte, p)
	for dst, recs := range sendBuckets {
		b, err := encodeBucket(recs)
		if err != nil {
			return nil, errs.FabricError(err)
		}
		encoded[dst] = b
	}

	chunkLimit := chunkLimitOf(f)
	localRounds := uint64(1)
	for _, b := range encoded {
		n := roundsNeeded(len(b), chunkLimit)
		if n > localRounds {
			localRounds = n
		}
	}

	globalRounds, err := f.AllreduceMaxUint64(ctx, localRounds)
	if err != nil {
		return nil, err
	}

	accum := make([][]byte, p) // accum[src] = concatenation of all rounds received from src
	cursor := make([]int, p)   // cursor[dst] = bytes of encoded[dst] already sent

	for r := uint64(0); r < globalRounds; r++ {
		send := make([][]byte, p)
		for dst := 0; dst < p; dst++ {
			remaining := encoded[dst][cursor[dst]:]
			n := len(remaining)
			if n > chunkLimit {
				n = chunkLimit
			}
			send[dst] = remaining[:n]
			cursor[dst] += n
		}
		recv, err := f.Exchange(ctx, send)
		if err != nil {
			return nil, err
		}
		if globalRounds > 1 {
			if ip, ok := f.(*InProcess); ok {
				ip.stats.recordChunkedRound()
			}
		}
		for src := 0; src < p; src++ {
			accum[src] = append(accum[src], recv[src]...)
		}
	}

	out := make([][]T, p)
	for src := 0; src < p; src++ {
		recs, err := decodeBucket[T](accum[src])
		if err != nil {
			return nil, errs.FabricError(err)
		}
		out[src] = recs
	}
	return out, nil
}

func chunkLimitOf(f Fabric) int {
	if ip, ok := f.(*InProcess); ok {
		return ip.ChunkLimit()
	}
	return 1 << 20
}

func roundsNeeded(byteLen, chunkLimit int) uint64 {
	if byteLen == 0 {
		return 1
	}
	n := (byteLen + chunkLimit - 1) / chunkLimit
	if n < 1 {
		n = 1
	}
	return uint64(n)
}

func encodeBucket[T any](recs []T) ([]byte, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(recs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeBucket[T any](b []byte) ([]T, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var recs []T
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&recs); err != nil {
		return nil, err
	}
	return recs, nil
}

type errMismatch string

func (e errMismatch) Error() string { return string(e) }
