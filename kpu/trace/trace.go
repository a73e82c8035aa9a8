// Package trace records component-level events (issue/complete) emitted by
// every timing-modeled engine in the simulator, and exports them in the
// formats external tools consume: CSV, a JSON envelope, and Chrome's
// about:tracing format. Grounded on sim/trace/trace.go and
// sim/trace/record.go in the teacher repo (a dependency-free package of
// plain data types plus a recorder), generalized from admission/routing
// decisions to component transactions per spec §6.
package trace

import "sync/atomic"

// ComponentType names the simulated hardware unit that issued an event.
type ComponentType string

const (
	HostMemory        ComponentType = "HostMemory"
	HostCPU           ComponentType = "HostCPU"
	PCIeBus           ComponentType = "PCIeBus"
	DMAEngine         ComponentType = "DMAEngine"
	BlockMover        ComponentType = "BlockMover"
	Streamer          ComponentType = "Streamer"
	KPUMemory         ComponentType = "KPUMemory"
	L3Tile            ComponentType = "L3Tile"
	L2Bank            ComponentType = "L2Bank"
	L1                ComponentType = "L1"
	PageBuffer        ComponentType = "PageBuffer"
	ComputeFabric     ComponentType = "ComputeFabric"
	SystolicArray     ComponentType = "SystolicArray"
	StorageScheduler  ComponentType = "StorageScheduler"
	MemoryOrchestrator ComponentType = "MemoryOrchestrator"
)

// componentProcessOrder fixes the Chrome-trace process id for each
// component type so the viewer lays out tracks in physical pipeline order:
// Host -> PCIe -> DMA -> Memory -> L3 -> BM -> L2 -> Streamer -> L1 -> Fabric.
var componentProcessOrder = map[ComponentType]int{
	HostCPU:            0,
	HostMemory:         1,
	PCIeBus:            2,
	DMAEngine:          3,
	KPUMemory:          4,
	L3Tile:             5,
	BlockMover:         6,
	L2Bank:             7,
	Streamer:           8,
	L1:                 9,
	PageBuffer:         10,
	ComputeFabric:      11,
	SystolicArray:      12,
	StorageScheduler:   13,
	MemoryOrchestrator: 14,
}

// TransactionType names the kind of operation an event describes.
type TransactionType string

const (
	Read       TransactionType = "Read"
	Write      TransactionType = "Write"
	Transfer   TransactionType = "Transfer"
	Copy       TransactionType = "Copy"
	Compute    TransactionType = "Compute"
	MatMul     TransactionType = "MatMul"
	DotProduct TransactionType = "DotProduct"
	Configure  TransactionType = "Configure"
	Sync       TransactionType = "Sync"
	Fence      TransactionType = "Fence"
	Allocate   TransactionType = "Allocate"
	Deallocate TransactionType = "Deallocate"
)

// Status tags an event's lifecycle state.
type Status string

const (
	Issued     Status = "Issued"
	InProgress Status = "InProgress"
	Completed  Status = "Completed"
	Failed     Status = "Failed"
	Cancelled  Status = "Cancelled"
)

// DMAPayload describes a data-movement transaction's source/destination and
// byte count, attached to DMA/BlockMover/Streamer events.
type DMAPayload struct {
	SrcLoc        string
	DstLoc        string
	Bytes         uint64
	BandwidthGBps float64
}

// ComputePayload describes a compute-fabric transaction.
type ComputePayload struct {
	M, N, K uint64
	DType   string
}

// ControlPayload describes a sync/control transaction.
type ControlPayload struct {
	Mask uint32
}

// MemoryPayload describes a plain read/write/allocate/deallocate.
type MemoryPayload struct {
	Address uint64
	Size    uint64
}

// Event is one trace record (spec §6 "Trace event schema").
type Event struct {
	TransactionID  uint64
	ComponentType  ComponentType
	ComponentID    uint32
	TransactionType TransactionType
	Status         Status
	CycleIssue     uint64
	CycleComplete  uint64 // 0 if still in flight
	ClockFreqGHz   float64

	DMA     *DMAPayload
	Compute *ComputePayload
	Control *ControlPayload
	Memory  *MemoryPayload

	Description string
}

// DurationCycles is CycleComplete-CycleIssue, or 0 while in flight.
func (e Event) DurationCycles() uint64 {
	if e.CycleComplete == 0 || e.CycleComplete < e.CycleIssue {
		return 0
	}
	return e.CycleComplete - e.CycleIssue
}

// nextTransactionID is the process-wide transaction id counter; every
// engine shares it so ids are unique across a whole simulation run.
var nextTransactionID uint64

// NextTransactionID allocates a fresh, process-unique transaction id.
func NextTransactionID() uint64 {
	return atomic.AddUint64(&nextTransactionID, 1)
}

// Logger accumulates events for one simulation run. Disabled loggers (the
// zero value, or Enabled == false) discard every Record call at no cost
// beyond the call itself: engines unconditionally call into a Logger so
// timing code never special-cases tracing (spec §4.4 "Events may be
// disabled via a flag").
type Logger struct {
	Enabled bool
	events  []Event
}

// NewLogger creates a Logger with tracing enabled.
func NewLogger() *Logger {
	return &Logger{Enabled: true}
}

// Record appends ev if the logger is enabled.
func (l *Logger) Record(ev Event) {
	if l == nil || !l.Enabled {
		return
	}
	l.events = append(l.events, ev)
}

// Events returns every recorded event, in emission order.
func (l *Logger) Events() []Event {
	if l == nil {
		return nil
	}
	return l.events
}

// Reset discards all recorded events without changing Enabled.
func (l *Logger) Reset() {
	if l == nil {
		return
	}
	l.events = nil
}
