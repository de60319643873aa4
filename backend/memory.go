package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

type mapping struct {
	data []byte
	file *os.File
}

func (m *mapping) release() error {
	err := unix.Munmap(m.data)
	m.data = nil

	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}

	return err
}

type mapFunc func(devicePath string, size int64) (*mapping, error)

// memoryBackend runs the measurement kernels over a byte mapping obtained
// from mapFn. The handle table is per process.
type memoryBackend struct {
	name  string
	mapFn mapFunc

	mu       sync.Mutex
	next     Handle
	mappings map[Handle]*mapping
}

func newMemoryBackend(name string, fn mapFunc) *memoryBackend {
	return &memoryBackend{
		name:     name,
		mapFn:    fn,
		mappings: make(map[Handle]*mapping),
	}
}

func (b *memoryBackend) Name() string {
	return b.name
}

func (b *memoryBackend) Init(devicePath string, size int64) (Handle, error) {
	if size <= 0 {
		return 0, fmt.Errorf("%w: invalid size %d", ErrInitialization, size)
	}

	m, err := b.mapFn(devicePath, size)
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	b.mappings[b.next] = m

	return b.next, nil
}

func (b *memoryBackend) Cleanup(h Handle) {
	b.mu.Lock()
	m, ok := b.mappings[h]
	delete(b.mappings, h)
	b.mu.Unlock()

	if ok {
		_ = m.release()
	}
}

func (b *memoryBackend) lookup(h Handle) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m, ok := b.mappings[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}

	return m.data, nil
}

func (b *memoryBackend) TestWrite(
	h Handle, buf []byte, r Region, iterations int,
) (float64, error) {
	mem, err := b.lookup(h)
	if err != nil {
		return 0, err
	}

	if err := checkIterations(iterations); err != nil {
		return 0, err
	}

	if err := checkRegion(mem, buf, r); err != nil {
		return 0, err
	}

	return writeBlocks(mem, buf, r, iterations), nil
}

func (b *memoryBackend) TestRead(
	h Handle, buf []byte, r Region, iterations int,
) (float64, error) {
	mem, err := b.lookup(h)
	if err != nil {
		return 0, err
	}

	if err := checkIterations(iterations); err != nil {
		return 0, err
	}

	if err := checkRegion(mem, buf, r); err != nil {
		return 0, err
	}

	return readBlocks(mem, buf, r, iterations), nil
}

func (b *memoryBackend) TestLatency(h Handle, iterations int) (float64, error) {
	mem, err := b.lookup(h)
	if err != nil {
		return 0, err
	}

	return chase(mem, iterations)
}

func (b *memoryBackend) TestFpgaOp(h Handle, op Op, iterations int) (float64, error) {
	if !op.Valid() {
		return 0, fmt.Errorf("%w: opcode %d", ErrUnknownOperation, int(op))
	}

	mem, err := b.lookup(h)
	if err != nil {
		return 0, err
	}

	return offload(mem, op, iterations)
}

func checkRegion(mem, buf []byte, r Region) error {
	bs := int64(len(buf))
	if bs == 0 {
		return fmt.Errorf("%w: empty buffer", ErrRegionTooSmall)
	}

	if r.Offset < 0 || r.Length < bs || r.Offset+r.Length > int64(len(mem)) {
		return fmt.Errorf(
			"%w: block %d in window [%d, %d) of %d-byte mapping",
			ErrRegionTooSmall, bs, r.Offset, r.Offset+r.Length, len(mem),
		)
	}

	return nil
}

// mapDevice maps the device file itself, shared with every other process
// mapping the same path.
func mapDevice(devicePath string, size int64) (*mapping, error) {
	f, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, devicePath)
		}

		return nil, fmt.Errorf("%w: open %s: %v", ErrInitialization, devicePath, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: stat %s: %v", ErrInitialization, devicePath, err)
	}

	// Touching pages past EOF of a regular file raises SIGBUS.
	if info.Mode().IsRegular() && info.Size() < size {
		f.Close()

		return nil, fmt.Errorf("%w: %s holds %d bytes, need %d",
			ErrInitialization, devicePath, info.Size(), size)
	}

	data, err := unix.Mmap(
		int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: mmap %s: %v", ErrInitialization, devicePath, err)
	}

	return &mapping{data: data, file: f}, nil
}

// mapAnonymous backs a simulated device with private anonymous memory.
// The device path only has to exist.
func mapAnonymous(devicePath string, size int64) (*mapping, error) {
	if _, err := os.Stat(devicePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, devicePath)
		}

		return nil, fmt.Errorf("%w: stat %s: %v", ErrInitialization, devicePath, err)
	}

	data, err := unix.Mmap(
		-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: anonymous mmap: %v", ErrInitialization, err)
	}

	return &mapping{data: data}, nil
}
