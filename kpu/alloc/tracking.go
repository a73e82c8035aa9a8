package alloc

import "github.com/stillwater-sc/kpusim/kpu"

// Tracking is a linear-list allocator: allocate first scans for a
// reusable free block of sufficient size that satisfies alignment, else
// bumps the frontier. Deallocate marks a block free for reuse. Used on
// the kernel-launch path where individual frees occur (spec §4.3).
type Tracking struct {
	base     kpu.Address
	capacity kpu.Size
	frontier kpu.Size
	records  []Record
}

// NewTracking creates a tracking allocator over [base, base+capacity).
func NewTracking(base kpu.Address, capacity kpu.Size) *Tracking {
	return &Tracking{base: base, capacity: capacity}
}

func (t *Tracking) Base() kpu.Address  { return t.base }
func (t *Tracking) Capacity() kpu.Size { return t.capacity }

// Allocate scans free records for a reusable block before bumping.
func (t *Tracking) Allocate(size, alignment kpu.Size, label string) kpu.Address {
	if !isPowerOfTwo(alignment) {
		return 0
	}

	for i := range t.records {
		r := &t.records[i]
		if !r.Free {
			continue
		}
		aligned := alignUp(r.Address, alignment)
		end := aligned + kpu.Address(size)
		if end <= r.Address+kpu.Address(r.Size) {
			// Reuse: shrink the free record to cover only the leftover,
			// and emit a new allocated record covering [aligned, end).
			leftoverFront := aligned - r.Address
			leftoverBack := (r.Address + kpu.Address(r.Size)) - end
			r.Free = false
			r.Address = aligned
			r.Size = size
			r.Label = label
			if leftoverFront > 0 {
				t.records = append(t.records, Record{})
				copy(t.records[i+1:], t.records[i:])
				t.records[i] = Record{Address: r.Address - kpu.Address(leftoverFront), Size: kpu.Size(leftoverFront), Free: true}
				i++
			}
			if leftoverBack > 0 {
				t.records = append(t.records, Record{Address: end, Size: kpu.Size(leftoverBack), Free: true})
			}
			return aligned
		}
	}

	candidate := alignUp(t.base+kpu.Address(t.frontier), alignment)
	newFrontier := kpu.Size(candidate-t.base) + size
	if newFrontier > t.capacity {
		return 0
	}
	t.frontier = newFrontier
	t.records = append(t.records, Record{Address: candidate, Size: size, Alignment: alignment, Label: label, Free: false})
	return candidate
}

// Deallocate marks the record at address free, returning false if no
// allocated record starts there.
func (t *Tracking) Deallocate(address kpu.Address) bool {
	for i := range t.records {
		if t.records[i].Address == address && !t.records[i].Free {
			t.records[i].Free = true
			return true
		}
	}
	return false
}

// Reset discards every record and rewinds the frontier.
func (t *Tracking) Reset() {
	t.records = t.records[:0]
	t.frontier = 0
}

// Records returns the current allocation list, for diagnostics and
// memory-map construction.
func (t *Tracking) Records() []Record { return t.records }
