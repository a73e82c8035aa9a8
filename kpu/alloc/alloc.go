// Package alloc implements the three address-carving strategies a memory
// resource can own: bump, tracking (free-list scan), and pool
// (fixed-block free list). Grounded on include/sw/kpu/allocator.hpp in
// original_source/ for the three-variant split and the "allocate returns
// 0 on OOM, never throws" contract (spec §4.3).
package alloc

import "github.com/stillwater-sc/kpusim/kpu"

// Record describes one allocation within a buffer's address space.
type Record struct {
	Address   kpu.Address
	Size      kpu.Size
	Alignment kpu.Size
	Label     string
	Free      bool
}

// Allocator carves addresses within a single memory resource's
// [base, base+capacity) range.
type Allocator interface {
	// Allocate reserves size bytes aligned to alignment, returning the
	// address, or 0 if there is no room. alignment must be a power of
	// two >= 1.
	Allocate(size, alignment kpu.Size, label string) kpu.Address
	// Deallocate frees a previously allocated block. Unsupported by Bump.
	Deallocate(address kpu.Address) bool
	// Reset discards all allocations, returning the allocator to empty.
	Reset()
	// Base returns the allocator's base address.
	Base() kpu.Address
	// Capacity returns the total addressable span.
	Capacity() kpu.Size
}

func isPowerOfTwo(n kpu.Size) bool {
	return n > 0 && n&(n-1) == 0
}

func alignUp(addr kpu.Address, alignment kpu.Size) kpu.Address {
	if alignment <= 1 {
		return addr
	}
	a := kpu.Address(alignment)
	return (addr + a - 1) / a * a
}
