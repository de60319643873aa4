package backend

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"
	"unsafe"
)

const (
	gib = 1 << 30

	// latencyNodes caps the pointer-chase list at 1M 8-byte nodes.
	latencyNodes     = 1 << 20
	hopsPerIteration = 1000

	// fpgaWindow is the buffer each offload iteration processes.
	fpgaWindow = 1 << 20
)

// sink keeps chased indices observable so the loops cannot be elided.
var sink atomic.Uint64

func bandwidth(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		elapsed = time.Nanosecond
	}

	return float64(bytes) / elapsed.Seconds() / gib
}

func checkIterations(iterations int) error {
	if iterations < 1 {
		return fmt.Errorf("invalid iteration count %d", iterations)
	}

	return nil
}

// blockOffset rotates iteration i through the whole blocks of r.
func blockOffset(r Region, bs int64, i int) int64 {
	slots := r.Length / bs

	return r.Offset + (int64(i)%slots)*bs
}

func writeBlocks(mem, buf []byte, r Region, iterations int) float64 {
	bs := int64(len(buf))

	start := time.Now()
	for i := 0; i < iterations; i++ {
		off := blockOffset(r, bs, i)
		copy(mem[off:off+bs], buf)
	}
	elapsed := time.Since(start)

	return bandwidth(bs*int64(iterations), elapsed)
}

func readBlocks(mem, buf []byte, r Region, iterations int) float64 {
	bs := int64(len(buf))

	start := time.Now()
	for i := 0; i < iterations; i++ {
		off := blockOffset(r, bs, i)
		copy(buf, mem[off:off+bs])
	}
	elapsed := time.Since(start)

	return bandwidth(bs*int64(iterations), elapsed)
}

// chase links the head of mem into a random cyclic permutation and walks
// it, so every hop depends on the previous load.
func chase(mem []byte, iterations int) (float64, error) {
	if err := checkIterations(iterations); err != nil {
		return 0, err
	}

	nodes := min(len(mem)/8, latencyNodes)
	if nodes < 2 {
		return 0, fmt.Errorf("%w: %d bytes cannot hold a latency list",
			ErrRegionTooSmall, len(mem))
	}

	list := unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), nodes)

	perm := rand.Perm(nodes)
	for i := 0; i < nodes-1; i++ {
		list[perm[i]] = uint64(perm[i+1])
	}
	list[perm[nodes-1]] = uint64(perm[0])

	var idx uint64
	for i := 0; i < nodes; i++ {
		idx = list[idx]
	}

	start := time.Now()
	for i := 0; i < iterations; i++ {
		for j := 0; j < hopsPerIteration; j++ {
			idx = list[idx]
		}
	}
	elapsed := time.Since(start)

	sink.Store(idx)

	return float64(elapsed.Nanoseconds()) / float64(iterations*hopsPerIteration), nil
}

func offload(mem []byte, op Op, iterations int) (float64, error) {
	if err := checkIterations(iterations); err != nil {
		return 0, err
	}

	if len(mem) < fpgaWindow {
		return 0, fmt.Errorf("%w: %d bytes, offload window is %d",
			ErrRegionTooSmall, len(mem), fpgaWindow)
	}

	window := Region{Offset: 0, Length: int64(len(mem))}

	switch op {
	case OpMemcpy:
		src := make([]byte, fpgaWindow)
		for i := range src {
			src[i] = 0xAA
		}

		return writeBlocks(mem, src, window, iterations), nil

	case OpMemfill:
		start := time.Now()
		for i := 0; i < iterations; i++ {
			off := blockOffset(window, fpgaWindow, i)
			fill(mem[off:off+fpgaWindow], byte(i))
		}
		elapsed := time.Since(start)

		return bandwidth(int64(fpgaWindow)*int64(iterations), elapsed), nil

	case OpCompute:
		n := fpgaWindow / 4
		data := unsafe.Slice((*float32)(unsafe.Pointer(&mem[0])), n)
		for j := range data {
			data[j] = float32(j)
		}

		start := time.Now()
		for i := 0; i < iterations; i++ {
			scalar := float32(i) * 0.01
			for j := range data {
				data[j] *= scalar
			}
		}
		elapsed := time.Since(start)

		if elapsed <= 0 {
			elapsed = time.Nanosecond
		}

		return float64(n) * float64(iterations) / (elapsed.Seconds() * 1e9), nil

	default:
		return 0, fmt.Errorf("%w: opcode %d", ErrUnknownOperation, int(op))
	}
}

func fill(b []byte, v byte) {
	if len(b) == 0 {
		return
	}

	b[0] = v
	for n := 1; n < len(b); n *= 2 {
		copy(b[n:], b[:n])
	}
}
