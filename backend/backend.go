// Package backend binds the benchmark harness to a memory-access backend.
// A backend maps a region of a memory device and runs timed write, read,
// latency and FPGA-offload kernels against it.
package backend

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrDeviceNotFound reports that the device path does not exist.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrBackendLoad reports that the requested backend is unavailable.
	ErrBackendLoad = errors.New("backend load failure")
	// ErrInitialization reports that the device exists but could not be mapped.
	ErrInitialization = errors.New("device initialization failed")
	// ErrUnknownOperation reports an unrecognized FPGA opcode or test kind.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrInvalidHandle reports use of a handle that is not currently mapped.
	ErrInvalidHandle = errors.New("invalid device handle")
	// ErrRegionTooSmall reports a test window that does not fit the mapping.
	ErrRegionTooSmall = errors.New("region too small")
)

// Handle identifies one mapping owned by a backend. The zero Handle is
// never returned by a successful Init.
type Handle uint64

// Region is the window of a mapping a bandwidth test may touch.
type Region struct {
	Offset int64
	Length int64
}

// Backend is the contract every memory-access backend implements. All
// calls block until the measurement completes.
type Backend interface {
	// Name returns the backend kind, e.g. "mmap".
	Name() string
	// Init maps size bytes of the device at devicePath.
	Init(devicePath string, size int64) (Handle, error)
	// Cleanup releases a mapping. Releasing an unknown handle is a no-op.
	Cleanup(h Handle)
	// TestWrite copies buf into the region iterations times and returns GiB/s.
	TestWrite(h Handle, buf []byte, r Region, iterations int) (float64, error)
	// TestRead copies the region into buf iterations times and returns GiB/s.
	TestRead(h Handle, buf []byte, r Region, iterations int) (float64, error)
	// TestLatency returns the mean access latency in nanoseconds.
	TestLatency(h Handle, iterations int) (float64, error)
	// TestFpgaOp runs an offload kernel and returns its throughput.
	TestFpgaOp(h Handle, op Op, iterations int) (float64, error)
}

// Op is an FPGA offload opcode.
type Op int

// Supported opcodes. The numeric values are part of the device protocol.
const (
	OpMemcpy  Op = 1
	OpMemfill Op = 2
	OpCompute Op = 3
)

// Ops returns every supported opcode in protocol order.
func Ops() []Op {
	return []Op{OpMemcpy, OpMemfill, OpCompute}
}

// ParseOp accepts an opcode name ("memcpy") or its numeric code ("1").
func ParseOp(s string) (Op, error) {
	name := strings.ToLower(strings.TrimSpace(s))

	if n, err := strconv.Atoi(name); err == nil {
		op := Op(n)
		if !op.Valid() {
			return 0, fmt.Errorf("%w: opcode %d", ErrUnknownOperation, n)
		}

		return op, nil
	}

	for _, op := range Ops() {
		if op.String() == name {
			return op, nil
		}
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownOperation, s)
}

// Valid reports whether op is a supported opcode.
func (op Op) Valid() bool {
	return op >= OpMemcpy && op <= OpCompute
}

func (op Op) String() string {
	switch op {
	case OpMemcpy:
		return "memcpy"
	case OpMemfill:
		return "memfill"
	case OpCompute:
		return "compute"
	default:
		return "op(" + strconv.Itoa(int(op)) + ")"
	}
}

// Unit returns the unit of the value TestFpgaOp reports for op.
func (op Op) Unit() string {
	if op == OpCompute {
		return "GFLOPS"
	}

	return "GiB/s"
}

// Kinds returns the names accepted by Load.
func Kinds() []string {
	return []string{"mmap", "sim"}
}

// Load returns the backend of the given kind. It is called once per
// process; a failure here is fatal for the caller.
func Load(kind string) (Backend, error) {
	switch kind {
	case "mmap", "":
		return newMemoryBackend("mmap", mapDevice), nil
	case "sim":
		return newMemoryBackend("sim", mapAnonymous), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q (want one of %s)",
			ErrBackendLoad, kind, strings.Join(Kinds(), ", "))
	}
}
