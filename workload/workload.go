// Package workload builds deterministic benchmark inputs: block-size and
// process-count sweeps, and seeded buffer contents.
package workload

import (
	"fmt"
	mrand "math/rand"
	"strings"

	"github.com/dustin/go-humanize"
)

// Buffer fill patterns.
const (
	PatternRandom     = "random"
	PatternSequential = "sequential"
	PatternConstant   = "constant"
)

// constantByte matches the fill value the device kernels use for memcpy.
const constantByte = 0xAA

// Config controls buffer generation.
type Config struct {
	Pattern string
	Seed    int64
}

// Generator produces deterministic buffers from a Config. It is not safe
// for concurrent use.
type Generator struct {
	cfg Config
	rng *mrand.Rand
}

// NewGenerator creates a Generator from the given Config.
func NewGenerator(cfg Config) *Generator {
	if cfg.Pattern == "" {
		cfg.Pattern = PatternRandom
	}

	return &Generator{
		cfg: cfg,
		rng: mrand.New(mrand.NewSource(cfg.Seed)),
	}
}

// Pattern returns the fill pattern in use.
func (g *Generator) Pattern() string {
	return g.cfg.Pattern
}

// Buffer allocates size bytes and fills them.
func (g *Generator) Buffer(size int64) []byte {
	buf := make([]byte, size)
	g.Fill(buf)

	return buf
}

// Fill overwrites buf according to the generator's pattern.
func (g *Generator) Fill(buf []byte) {
	switch g.cfg.Pattern {
	case PatternSequential:
		for i := range buf {
			buf[i] = byte(i)
		}

	case PatternConstant:
		for i := range buf {
			buf[i] = constantByte
		}

	default:
		g.rng.Read(buf)
	}
}

// ValidatePattern reports whether name is a known fill pattern.
func ValidatePattern(name string) error {
	switch name {
	case PatternRandom, PatternSequential, PatternConstant:
		return nil
	default:
		return fmt.Errorf("unknown pattern %q (want %s)", name, strings.Join(
			[]string{PatternRandom, PatternSequential, PatternConstant}, ", ",
		))
	}
}

// BlockSizes returns the powers of two in [minBlock, maxBlock], smallest
// first. minBlock is rounded up to a power of two.
func BlockSizes(minBlock, maxBlock int64) []int64 {
	if minBlock <= 0 || maxBlock < minBlock {
		return nil
	}

	bs := int64(1)
	for bs > 0 && bs < minBlock {
		bs <<= 1
	}

	var sizes []int64
	for ; bs > 0 && bs <= maxBlock; bs <<= 1 {
		sizes = append(sizes, bs)
	}

	return sizes
}

// ProcessCounts returns 1..maxProcs.
func ProcessCounts(maxProcs int) []int {
	counts := make([]int, 0, max(maxProcs, 0))
	for k := 1; k <= maxProcs; k++ {
		counts = append(counts, k)
	}

	return counts
}

// SizeLabel renders a byte count the way sweeps are labelled, e.g. "4.0 KiB".
func SizeLabel(n int64) string {
	return humanize.IBytes(uint64(n))
}
