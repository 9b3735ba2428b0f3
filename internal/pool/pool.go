package pool

import (
	"errors"
	"fmt"
)

// ErrNoResources indicates the requested size exceeds every size class, or
// a fixed-size class is exhausted and cannot grow further (§4.2, §7).
var ErrNoResources = errors.New("pool: no resources")

// Config sizes every fixed size class (§4.2). A class left zero-valued
// gets no blocks and cannot grow, so Acquire fails for it with
// ErrNoResources.
type Config struct {
	Class16KiB  SlabConfig
	Class64KiB  SlabConfig
	Class256KiB SlabConfig
	Class1MiB   SlabConfig

	// UnlimitedMax bounds a single ClassUnlimited allocation in bytes.
	// Zero means no bound beyond available memory.
	UnlimitedMax int
}

// DefaultConfig returns a small Config suitable for tests and examples:
// a handful of blocks per fixed class, generous headroom via Growth.
func DefaultConfig(queueDepth int) Config {
	headroom := queueDepth / 4
	if headroom < 4 {
		headroom = 4
	}
	initial := queueDepth + headroom

	mk := func(max int) SlabConfig {
		return SlabConfig{Initial: initial, Max: max, Growth: headroom}
	}

	return Config{
		Class16KiB:  mk(initial * 8),
		Class64KiB:  mk(initial * 4),
		Class256KiB: mk(initial * 2),
		Class1MiB:   mk(initial),
	}
}

// Pool is the TaskPool (C2): a lock-free, size-classed Block allocator.
type Pool struct {
	slabs        [ClassUnlimited]*Slab
	unlimitedMax int
}

// New creates a Pool with one Slab per fixed size class.
func New(cfg Config) *Pool {
	p := &Pool{unlimitedMax: cfg.UnlimitedMax}
	p.slabs[Class16KiB] = newSlab(Class16KiB, classBytes[Class16KiB], cfg.Class16KiB)
	p.slabs[Class64KiB] = newSlab(Class64KiB, classBytes[Class64KiB], cfg.Class64KiB)
	p.slabs[Class256KiB] = newSlab(Class256KiB, classBytes[Class256KiB], cfg.Class256KiB)
	p.slabs[Class1MiB] = newSlab(Class1MiB, classBytes[Class1MiB], cfg.Class1MiB)
	return p
}

// Acquire draws a Block able to hold at least size bytes, promoting to the
// next size class as needed. Returns ErrNoResources if size exceeds every
// class, or if the chosen fixed class is exhausted and cannot grow.
//
// A freshly acquired Block carries a single reference (its caller's hold);
// Release must be called exactly once to drop that hold, and AddRef for
// every additional holder (§3 invariants: a Task returned to the pool has
// reference count zero and is unreachable from any queue).
func (p *Pool) Acquire(size int) (*Block, error) {
	class := classFor(size)

	if class == ClassUnlimited {
		if p.unlimitedMax > 0 && size > p.unlimitedMax {
			return nil, fmt.Errorf("acquire %d bytes: %w", size, ErrNoResources)
		}
		b := &Block{Buf: make([]byte, size), Class: ClassUnlimited}
		b.refcntClaim.Store(2)
		return b, nil
	}

	b := p.slabs[class].acquire()
	if b == nil {
		return nil, fmt.Errorf("acquire %d bytes (class %d): %w", size, class, ErrNoResources)
	}
	return b, nil
}

// AddRef adds one holder to b, mirroring the accelio mempool's refcount
// increment on fan-out (e.g. a response task retained pending a receipt).
func (p *Pool) AddRef(b *Block) {
	if b == nil {
		return
	}
	b.refcntClaim.Add(2)
}

// Release drops one holder from b. When the holder count reaches zero the
// block is returned to its slab's free list (fixed classes) or dropped for
// the garbage collector (ClassUnlimited).
func (p *Pool) Release(b *Block) {
	if b == nil {
		return
	}
	release(b.slab, b)
}

// FreeCount reports the number of blocks currently on a fixed class's free
// list. Used by property tests to verify task-leak freedom (§8 property 3).
func (p *Pool) FreeCount(class SizeClass) int {
	if class == ClassUnlimited {
		return 0
	}
	s := p.slabs[class]
	n := 0
	for b := s.freeHead.Load(); b != nil; b = b.next.Load() {
		n++
	}
	return n
}
