// Package addr implements the global address decoder: a sorted,
// non-overlapping set of memory regions and the range-lookup that routes
// a flat 64-bit address to a (kind, instance, offset) route.
//
// Grounded on kpu_simulator.hpp's address-map responsibilities in
// original_source/ and on the teacher's habit of keeping a single
// sorted-slice-plus-binary-search index (see sim/cluster/event_heap.go
// for the same "keep one ordered structure, binary/heap search it" idiom,
// though event_heap uses a heap rather than a sorted slice).
package addr

import (
	"fmt"
	"sort"

	"github.com/stillwater-sc/kpusim/kpu"
)

// Region describes one mapped range of the global address space.
type Region struct {
	Base     kpu.Address
	Size     kpu.Size
	Kind     kpu.MemKind
	Instance kpu.InstanceID
	Label    string
}

// End returns the first address past the region.
func (r Region) End() kpu.Address { return r.Base + kpu.Address(r.Size) }

// Route is the result of a successful decode: which memory instance owns
// the address and at what offset within that instance.
type Route struct {
	Kind     kpu.MemKind
	Instance kpu.InstanceID
	Offset   kpu.Size
}

// ErrNotMapped is returned when an address (or address range) does not
// fall within any registered region.
var ErrNotMapped = fmt.Errorf("addr: not mapped")

// ErrCrossesRegion is returned by Decode(addr, size) when the requested
// range begins inside a mapped region but extends past its end.
var ErrCrossesRegion = fmt.Errorf("addr: range crosses region boundary")

// Decoder is a sorted, non-overlapping set of address regions.
type Decoder struct {
	regions []Region // kept sorted by Base
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// AddRegion registers a new region. It fails if size is zero or the new
// range overlaps any existing region.
func (d *Decoder) AddRegion(base kpu.Address, size kpu.Size, kind kpu.MemKind, instance kpu.InstanceID, label string) error {
	if size == 0 {
		return fmt.Errorf("addr: region %q has zero size", label)
	}
	newEnd := base + kpu.Address(size)

	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Base >= base })

	if i > 0 {
		prev := d.regions[i-1]
		if prev.End() > base {
			return fmt.Errorf("addr: region %q [%d,%d) overlaps %q [%d,%d)", label, base, newEnd, prev.Label, prev.Base, prev.End())
		}
	}
	if i < len(d.regions) {
		next := d.regions[i]
		if newEnd > next.Base {
			return fmt.Errorf("addr: region %q [%d,%d) overlaps %q [%d,%d)", label, base, newEnd, next.Label, next.Base, next.End())
		}
	}

	d.regions = append(d.regions, Region{})
	copy(d.regions[i+1:], d.regions[i:])
	d.regions[i] = Region{Base: base, Size: size, Kind: kind, Instance: instance, Label: label}
	return nil
}

// regionFor returns the index of the region with the greatest Base <= addr,
// or -1 if none exists (or addr falls before the first region).
func (d *Decoder) regionFor(address kpu.Address) int {
	i := sort.Search(len(d.regions), func(i int) bool { return d.regions[i].Base > address }) - 1
	if i < 0 {
		return -1
	}
	return i
}

// Decode routes a single address to its (kind, instance, offset).
func (d *Decoder) Decode(address kpu.Address) (Route, error) {
	i := d.regionFor(address)
	if i < 0 {
		return Route{}, ErrNotMapped
	}
	r := d.regions[i]
	if address >= r.End() {
		return Route{}, ErrNotMapped
	}
	return Route{Kind: r.Kind, Instance: r.Instance, Offset: kpu.Size(address - r.Base)}, nil
}

// DecodeRange routes an address range, requiring the entire [address,
// address+size) interval to lie within one region.
func (d *Decoder) DecodeRange(address kpu.Address, size kpu.Size) (Route, error) {
	i := d.regionFor(address)
	if i < 0 {
		return Route{}, ErrNotMapped
	}
	r := d.regions[i]
	if address >= r.End() {
		return Route{}, ErrNotMapped
	}
	if address+kpu.Address(size) > r.End() {
		return Route{}, ErrCrossesRegion
	}
	return Route{Kind: r.Kind, Instance: r.Instance, Offset: kpu.Size(address - r.Base)}, nil
}

// Regions returns an ordered view of all registered regions, for
// diagnostics and CLI dumps. The returned slice must not be mutated.
func (d *Decoder) Regions() []Region {
	return d.regions
}

// FindRegion returns the region backing (kind, instance), if any — used
// by the resource manager's find_resource_for_address-style lookups in
// reverse (id -> base address).
func (d *Decoder) FindRegion(kind kpu.MemKind, instance kpu.InstanceID) (Region, bool) {
	for _, r := range d.regions {
		if r.Kind == kind && r.Instance == instance {
			return r, true
		}
	}
	return Region{}, false
}
