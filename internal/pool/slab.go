package pool

import (
	"sync"
	"sync/atomic"
)

// SizeClass buckets Task buffer requests into fixed allocation tiers
// (§4.2). Requests larger than the top class fall through to
// ClassUnlimited, and a request larger than that returns ErrNoResources.
type SizeClass int

// Size classes, smallest to largest.
const (
	Class16KiB SizeClass = iota
	Class64KiB
	Class256KiB
	Class1MiB
	ClassUnlimited
	numSizeClasses
)

// classBytes is the maximum buffer size admitted by each fixed class.
// ClassUnlimited has no fixed maximum; it is sized per-request.
var classBytes = [numSizeClasses]int{
	Class16KiB:  16 << 10,
	Class64KiB:  64 << 10,
	Class256KiB: 256 << 10,
	Class1MiB:   1 << 20,
	// ClassUnlimited entry is unused; the unlimited class allocates
	// exactly the requested size per block instead of a fixed maximum.
}

// classFor returns the smallest size class whose maximum is >= size, or
// ClassUnlimited if size exceeds every fixed class.
func classFor(size int) SizeClass {
	for c := Class16KiB; c < ClassUnlimited; c++ {
		if size <= classBytes[c] {
			return c
		}
	}
	return ClassUnlimited
}

// SlabConfig controls one size class's growth behavior.
type SlabConfig struct {
	// Initial is the number of blocks carved out when the slab is created.
	Initial int

	// Max is the maximum number of blocks the slab may grow to. Zero
	// means use Initial as the max (no growth).
	Max int

	// Growth is the number of blocks added per expansion.
	Growth int
}

// Slab is the free-list + backing regions for one size class.
type Slab struct {
	class      SizeClass
	blockSize  int
	freeHead   atomic.Pointer[Block]
	expandMu   sync.Mutex // serializes growth; not held on the hot acquire/release path
	curBlocks  int
	maxBlocks  int
	growthStep int
	regions    [][]byte // backing regions kept alive for the slab's lifetime
}

// newSlab creates a Slab for the given class and immediately carves out
// cfg.Initial blocks.
func newSlab(class SizeClass, blockSize int, cfg SlabConfig) *Slab {
	max := cfg.Max
	if max <= 0 {
		max = cfg.Initial
	}
	growth := cfg.Growth
	if growth <= 0 {
		growth = 1
	}

	s := &Slab{
		class:      class,
		blockSize:  blockSize,
		maxBlocks:  max,
		growthStep: growth,
	}
	if cfg.Initial > 0 {
		s.grow(cfg.Initial)
	}
	return s
}

// grow carves out up to n additional blocks from a freshly allocated
// region and pushes them onto the free list. Bounded by maxBlocks. Callers
// must hold expandMu.
func (s *Slab) grow(n int) int {
	if room := s.maxBlocks - s.curBlocks; n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}

	region := make([]byte, n*s.blockSize)
	s.regions = append(s.regions, region)

	for i := range n {
		b := &Block{
			slab:  s,
			Buf:   region[i*s.blockSize : (i+1)*s.blockSize : (i+1)*s.blockSize],
			Class: s.class,
		}
		b.refcntClaim.Store(1) // free, claimed by the free list
		reclaim(s, b)
	}

	s.curBlocks += n
	return n
}

// acquire pops a free block, expanding the slab (serialized by expandMu)
// if the free list is currently empty and there is room to grow.
func (s *Slab) acquire() *Block {
	if b := popFree(s); b != nil {
		return b
	}

	s.expandMu.Lock()
	added := s.grow(s.growthStep)
	s.expandMu.Unlock()

	if added == 0 {
		return nil
	}
	return popFree(s)
}
