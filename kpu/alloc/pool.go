package alloc

import "github.com/stillwater-sc/kpusim/kpu"

// Pool manages n fixed-size blocks of size b. Allocate hands out the
// lowest-indexed free block, found by a linear scan of per-block free
// flags, so it is O(n); Deallocate is O(1). Deallocating a misaligned or
// out-of-pool address is rejected (spec §4.3).
type Pool struct {
	base      kpu.Address
	blockSize kpu.Size
	count     kpu.Size
	free      []bool // free[i] == true means block i is available
}

// NewPool creates a pool of count blocks of blockSize bytes starting at base.
func NewPool(base kpu.Address, blockSize, count kpu.Size) *Pool {
	free := make([]bool, count)
	for i := range free {
		free[i] = true
	}
	return &Pool{base: base, blockSize: blockSize, count: count, free: free}
}

func (p *Pool) Base() kpu.Address  { return p.base }
func (p *Pool) Capacity() kpu.Size { return p.blockSize * p.count }

// Allocate ignores the requested size/alignment beyond validating they
// fit in one block, and returns the first free block's address, or 0 if
// the pool is exhausted or the request doesn't fit a block.
func (p *Pool) Allocate(size, alignment kpu.Size, label string) kpu.Address {
	if size > p.blockSize {
		return 0
	}
	if alignment > 0 && p.blockSize%alignment != 0 {
		return 0
	}
	for i, isFree := range p.free {
		if isFree {
			p.free[i] = false
			return p.base + kpu.Address(kpu.Size(i)*p.blockSize)
		}
	}
	return 0
}

// Deallocate returns the block at address to the free list. It rejects
// addresses that are not exactly block-aligned within the pool's range.
func (p *Pool) Deallocate(address kpu.Address) bool {
	if address < p.base {
		return false
	}
	offset := kpu.Size(address - p.base)
	if offset%p.blockSize != 0 {
		return false
	}
	idx := offset / p.blockSize
	if idx >= p.count {
		return false
	}
	if p.free[idx] {
		return false // double free
	}
	p.free[idx] = true
	return true
}

// Reset returns every block to the free list.
func (p *Pool) Reset() {
	for i := range p.free {
		p.free[i] = true
	}
}
