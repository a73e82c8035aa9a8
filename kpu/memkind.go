package kpu

// MemKind tags which tier of the buffer hierarchy a resource belongs to.
type MemKind uint8

const (
	HostMemory MemKind = iota
	External
	L3Tile
	L2Bank
	L1Buffer
	PageBuffer
)

// String returns the canonical name used in trace events and diagnostics.
func (k MemKind) String() string {
	switch k {
	case HostMemory:
		return "HostMemory"
	case External:
		return "External"
	case L3Tile:
		return "L3Tile"
	case L2Bank:
		return "L2Bank"
	case L1Buffer:
		return "L1Buffer"
	case PageBuffer:
		return "PageBuffer"
	default:
		return "Unknown"
	}
}

// ResourceKind distinguishes memory, compute, and data-movement resources
// for the ResourceHandle predicates.
type ResourceKind uint8

const (
	KindMemory ResourceKind = iota
	KindCompute
	KindDataMovement
)

// ResourceHandle identifies one resource (a buffer instance, a compute
// fabric, or a data-movement engine) by kind and id. Equality is (kind, id).
type ResourceHandle struct {
	Kind     ResourceKind
	MemKind  MemKind // meaningful only when Kind == KindMemory
	ID       InstanceID
	Base     Address
	Capacity Size
}

// IsMemory reports whether the handle names a memory resource.
func (h ResourceHandle) IsMemory() bool { return h.Kind == KindMemory }

// IsCompute reports whether the handle names a compute resource.
func (h ResourceHandle) IsCompute() bool { return h.Kind == KindCompute }

// IsDataMovement reports whether the handle names a data-movement engine.
func (h ResourceHandle) IsDataMovement() bool { return h.Kind == KindDataMovement }

// Equal implements the (kind, id) equality contract from spec §3.
func (h ResourceHandle) Equal(o ResourceHandle) bool {
	return h.Kind == o.Kind && h.ID == o.ID
}
