package alloc

import "github.com/stillwater-sc/kpusim/kpu"

// Bump is a monotonically increasing frontier allocator. Reset frees
// everything at once; it never reclaims individual blocks. O(1)
// allocate. Used for per-kernel scratch (spec §4.3).
type Bump struct {
	base     kpu.Address
	capacity kpu.Size
	frontier kpu.Size
}

// NewBump creates a bump allocator over [base, base+capacity).
func NewBump(base kpu.Address, capacity kpu.Size) *Bump {
	return &Bump{base: base, capacity: capacity}
}

func (b *Bump) Base() kpu.Address   { return b.base }
func (b *Bump) Capacity() kpu.Size  { return b.capacity }

// Allocate bumps the frontier to the next aligned slot; 0 on OOM.
func (b *Bump) Allocate(size, alignment kpu.Size, label string) kpu.Address {
	if !isPowerOfTwo(alignment) {
		return 0
	}
	candidate := alignUp(b.base+kpu.Address(b.frontier), alignment)
	newFrontier := kpu.Size(candidate-b.base) + size
	if newFrontier > b.capacity {
		return 0
	}
	b.frontier = newFrontier
	return candidate
}

// Deallocate is a no-op for Bump; it always returns false.
func (b *Bump) Deallocate(kpu.Address) bool { return false }

// Reset frees the entire arena at once.
func (b *Bump) Reset() { b.frontier = 0 }
