// Package resource implements the ResourceManager facade spec §6
// describes: a single external-collaborator surface over the core's
// memory resources, offering resource discovery, allocation, raw
// read/write/copy/memset, address-space queries, and per-resource
// state/utilization reporting, without exposing addr.Decoder,
// mem.Buffer, or alloc.Allocator to callers directly.
//
// Grounded on include/sw/kpu/resource_api.hpp's ResourceManager class
// and resource_stats.hpp's ResourceState/MemoryResourceStats/SystemStats
// in original_source/, narrowed to the memory-resource subset spec §1
// actually names as an external interface ("a memory-resource handle
// with {read,write,allocate,reset}") — compute/data-movement resource
// discovery, busy/wait_ready polling, and per-engine performance
// counters are the original's, not something spec.md's contract line
// asks this module to expose.
package resource

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/engine"
	"github.com/stillwater-sc/kpusim/kpu/mem"
)

// State is a memory resource's operational status (resource_stats.hpp's
// ResourceState, minus the compute-only BUSY/STALLED transitions this
// package doesn't drive itself — callers that do track engine activity
// can still report it via SetState).
type State uint8

const (
	Uninitialized State = iota
	Idle
	Busy
	Errored
	Disabled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Idle:
		return "idle"
	case Busy:
		return "busy"
	case Errored:
		return "error"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// AllocationInfo describes one live allocation, as returned by
// diagnostics and retained internally for Deallocate/GetUtilization
// bookkeeping (resource_api.hpp's AllocationInfo).
type AllocationInfo struct {
	Address   kpu.Address
	Size      kpu.Size
	Alignment kpu.Size
	Resource  kpu.ResourceHandle
	Label     string
}

// MemoryStats mirrors resource_stats.hpp's MemoryResourceStats, the
// capacity/utilization subset this package tracks (access counters and
// bandwidth are an engine-level concern, reported by trace.Logger, not
// duplicated here).
type MemoryStats struct {
	CapacityBytes      kpu.Size
	AllocatedBytes     kpu.Size
	PeakAllocatedBytes kpu.Size
	AvailableBytes     kpu.Size
}

// SystemStats aggregates MemoryStats across every registered resource
// (resource_api.hpp's get_system_stats).
type SystemStats struct {
	MemoryResourceCount int
	TotalCapacityBytes  kpu.Size
	TotalAllocatedBytes kpu.Size
}

type resKey struct {
	memKind kpu.MemKind
	id      kpu.InstanceID
}

func keyOf(h kpu.ResourceHandle) resKey { return resKey{h.MemKind, h.ID} }

type memState struct {
	handle      kpu.ResourceHandle
	buffer      mem.Buffer
	allocator   alloc.Allocator
	allocations map[kpu.Address]AllocationInfo
	allocated   kpu.Size
	peak        kpu.Size
	state       State
}

// Manager is the ResourceManager facade. The zero value is not usable;
// use NewManager.
type Manager struct {
	registry *engine.Registry
	order    []kpu.ResourceHandle
	byKey    map[resKey]*memState
}

// NewManager creates a resource manager over an existing registry,
// which supplies the address decoder Read/Write/Copy/Memset and
// FindResourceForAddress resolve addresses against.
func NewManager(registry *engine.Registry) *Manager {
	return &Manager{registry: registry, byKey: make(map[resKey]*memState)}
}

// RegisterMemory makes a memory resource visible to the manager: its
// handle for discovery, its buffer for read/write/clear, and its
// allocator for allocate/deallocate/reset_allocations. The caller is
// expected to have already registered buf with the same registry's
// engine.Registry.Register and mapped its address range with
// addr.Decoder.AddRegion, the same two steps cmd/kpusim's
// buildHardwareContext performs.
func (m *Manager) RegisterMemory(handle kpu.ResourceHandle, buf mem.Buffer, allocator alloc.Allocator) error {
	if !handle.IsMemory() {
		return fmt.Errorf("resource: handle %+v is not a memory resource", handle)
	}
	k := keyOf(handle)
	if _, exists := m.byKey[k]; exists {
		return fmt.Errorf("resource: memory resource %s[%d] already registered", handle.MemKind, handle.ID)
	}
	m.byKey[k] = &memState{
		handle:      handle,
		buffer:      buf,
		allocator:   allocator,
		allocations: make(map[kpu.Address]AllocationInfo),
		state:       Idle,
	}
	m.order = append(m.order, handle)
	return nil
}

// GetResource looks up a memory resource's handle by kind and instance
// id (spec §6's get_resource(kind,id)).
func (m *Manager) GetResource(memKind kpu.MemKind, id kpu.InstanceID) (kpu.ResourceHandle, bool) {
	st, ok := m.byKey[resKey{memKind, id}]
	if !ok {
		return kpu.ResourceHandle{}, false
	}
	return st.handle, true
}

// SetState records a resource's operational state for later GetState
// queries. The manager never changes this on its own — it has no
// visibility into engine scheduling — so a caller driving the
// simulation (cmd/kpusim, or exec.Sequential's caller) is expected to
// call it around an operation that occupies the resource.
func (m *Manager) SetState(handle kpu.ResourceHandle, s State) error {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return fmt.Errorf("resource: unknown resource %+v", handle)
	}
	st.state = s
	return nil
}

// GetState returns a resource's last-recorded operational state (spec
// §6's get_state(handle)).
func (m *Manager) GetState(handle kpu.ResourceHandle) (State, error) {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return Uninitialized, fmt.Errorf("resource: unknown resource %+v", handle)
	}
	return st.state, nil
}

// Allocate reserves size bytes aligned to alignment within the named
// resource (spec §6's allocate(handle,size,alignment,label)). Returns
// (0, false) on capacity exhaustion, matching alloc.Allocator's
// "return 0, never throws" contract (spec §4.3).
func (m *Manager) Allocate(handle kpu.ResourceHandle, size, alignment kpu.Size, label string) (kpu.Address, bool) {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return 0, false
	}
	addr := st.allocator.Allocate(size, alignment, label)
	if addr == 0 {
		return 0, false
	}
	st.allocations[addr] = AllocationInfo{Address: addr, Size: size, Alignment: alignment, Resource: handle, Label: label}
	st.allocated += size
	if st.allocated > st.peak {
		st.peak = st.allocated
	}
	return addr, true
}

// Deallocate frees a previously allocated block (spec §6's
// deallocate(address)). It resolves the owning resource from the
// address itself, so callers don't need to track which resource an
// address came from.
func (m *Manager) Deallocate(address kpu.Address) bool {
	st := m.stateForAddress(address)
	if st == nil {
		return false
	}
	info, ok := st.allocations[address]
	if !ok {
		return false
	}
	if !st.allocator.Deallocate(address) {
		return false
	}
	delete(st.allocations, address)
	st.allocated -= info.Size
	return true
}

// ResetAllocations frees every allocation in a resource and rewinds its
// allocator, without touching the buffer's contents (spec §6's
// reset_allocations(handle), matching the original's "does NOT zero
// memory" contract — use Clear for that).
func (m *Manager) ResetAllocations(handle kpu.ResourceHandle) error {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return fmt.Errorf("resource: unknown resource %+v", handle)
	}
	st.allocator.Reset()
	st.allocations = make(map[kpu.Address]AllocationInfo)
	st.allocated = 0
	return nil
}

// Clear zeros a resource's buffer contents without affecting its
// allocation state (spec §6's clear(handle)).
func (m *Manager) Clear(handle kpu.ResourceHandle) error {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return fmt.Errorf("resource: unknown resource %+v", handle)
	}
	st.buffer.Reset()
	return nil
}

// Read copies size bytes starting at address (spec §6's
// read(address,size) -> bytes).
func (m *Manager) Read(address kpu.Address, size kpu.Size) ([]byte, error) {
	buf, offset, err := m.registry.ResolveRange(address, size)
	if err != nil {
		return nil, fmt.Errorf("resource: read [%d,+%d): %w", address, size, err)
	}
	out := make([]byte, size)
	if err := buf.Read(offset, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Write copies data to address (spec §6's write(address,bytes)).
func (m *Manager) Write(address kpu.Address, data []byte) error {
	buf, offset, err := m.registry.ResolveRange(address, kpu.Size(len(data)))
	if err != nil {
		return fmt.Errorf("resource: write [%d,+%d): %w", address, len(data), err)
	}
	return buf.Write(offset, data)
}

// Memset fills size bytes starting at address with value (spec §6's
// memset(address,byte,size)).
func (m *Manager) Memset(address kpu.Address, value byte, size kpu.Size) error {
	buf, offset, err := m.registry.ResolveRange(address, size)
	if err != nil {
		return fmt.Errorf("resource: memset [%d,+%d): %w", address, size, err)
	}
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = value
	}
	return buf.Write(offset, pattern)
}

// Copy moves size bytes from src to dst, which may resolve to the same
// or different resources (spec §6's copy(src,dst,size)).
func (m *Manager) Copy(src, dst kpu.Address, size kpu.Size) error {
	data, err := m.Read(src, size)
	if err != nil {
		return fmt.Errorf("resource: copy read: %w", err)
	}
	if err := m.Write(dst, data); err != nil {
		return fmt.Errorf("resource: copy write: %w", err)
	}
	return nil
}

// FindResourceForAddress returns the handle of the resource that owns
// address (spec §6's find_resource_for_address(address)).
func (m *Manager) FindResourceForAddress(address kpu.Address) (kpu.ResourceHandle, error) {
	route, err := m.registry.Decoder.Decode(address)
	if err != nil {
		return kpu.ResourceHandle{}, fmt.Errorf("resource: %w", err)
	}
	st, ok := m.byKey[resKey{route.Kind, route.Instance}]
	if !ok {
		return kpu.ResourceHandle{}, fmt.Errorf("resource: address %d decodes to an unregistered resource %s[%d]", address, route.Kind, route.Instance)
	}
	return st.handle, nil
}

func (m *Manager) stateForAddress(address kpu.Address) *memState {
	route, err := m.registry.Decoder.Decode(address)
	if err != nil {
		return nil
	}
	return m.byKey[resKey{route.Kind, route.Instance}]
}

// IsValidRange reports whether [address, address+size) lies entirely
// within one registered resource (spec §6's is_valid_range(address,size)).
func (m *Manager) IsValidRange(address kpu.Address, size kpu.Size) bool {
	_, err := m.registry.Decoder.DecodeRange(address, size)
	return err == nil
}

// GetUtilization returns the fraction (0 to 1) of a resource's capacity
// currently allocated (spec §6's get_utilization(handle); the original
// scales this to a 0-100 percentage — this package leaves the scaling
// to callers that want a percentage, consistent with kpu's other ratio
// fields like CompilationStats.ArithIntensity being a raw ratio).
func (m *Manager) GetUtilization(handle kpu.ResourceHandle) (float64, error) {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return 0, fmt.Errorf("resource: unknown resource %+v", handle)
	}
	capacity := st.allocator.Capacity()
	if capacity == 0 {
		return 0, nil
	}
	return float64(st.allocated) / float64(capacity), nil
}

// GetMemoryStats returns a resource's capacity/allocation snapshot.
func (m *Manager) GetMemoryStats(handle kpu.ResourceHandle) (MemoryStats, error) {
	st, ok := m.byKey[keyOf(handle)]
	if !ok {
		return MemoryStats{}, fmt.Errorf("resource: unknown resource %+v", handle)
	}
	capacity := st.allocator.Capacity()
	return MemoryStats{
		CapacityBytes:      capacity,
		AllocatedBytes:     st.allocated,
		PeakAllocatedBytes: st.peak,
		AvailableBytes:     capacity - st.allocated,
	}, nil
}

// GetSystemStats aggregates MemoryStats across every registered
// resource (spec §6's get_system_stats()).
func (m *Manager) GetSystemStats() SystemStats {
	var out SystemStats
	for _, h := range m.order {
		st := m.byKey[keyOf(h)]
		out.MemoryResourceCount++
		out.TotalCapacityBytes += st.allocator.Capacity()
		out.TotalAllocatedBytes += st.allocated
	}
	return out
}
