// Package engine implements the five timing-modeled components that move
// and transform bytes: the DMA engine, block mover, streamer, vector
// engine (with its SFU), and the two compute-fabric variants. Each engine
// owns a single FIFO of in-flight operations and exposes the same
// cooperative-scheduling shape: Enqueue validates and queues, Process
// advances state by exactly one cycle, and a completion callback fires
// the instant an operation retires (spec §4.4-§4.8, §5).
//
// Grounded on src/components/datamovement (dma/block_mover/streamer) and
// src/components/compute (compute_fabric/systolic_array) in
// original_source/, rendered in the teacher's style of small, independently
// testable units wired together by a higher-level orchestrator (compare
// sim/cluster's instance/scheduler/router split).
package engine

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/addr"
	"github.com/stillwater-sc/kpusim/kpu/mem"
)

type bufKey struct {
	kind kpu.MemKind
	id   kpu.InstanceID
}

// Registry binds the address decoder to the concrete buffers it routes
// to, so engines can resolve both global addresses (DMA) and explicit
// (kind,id) instance references (block mover, streamer, compute fabric)
// against the same memory map.
type Registry struct {
	Decoder *addr.Decoder
	buffers map[bufKey]mem.Buffer
}

// NewRegistry creates a registry over an existing decoder.
func NewRegistry(d *addr.Decoder) *Registry {
	return &Registry{Decoder: d, buffers: make(map[bufKey]mem.Buffer)}
}

// Register associates a buffer with its (kind,id) key. Callers are
// expected to have already mapped the same (kind,id) into the decoder
// with AddRegion, for kinds reachable from a global address (External,
// L3Tile, L2Bank, HostMemory); L1/PageBuffer are commonly addressed only
// by instance id and need no decoder region.
func (r *Registry) Register(buf mem.Buffer) {
	r.buffers[bufKey{buf.Kind(), buf.ID()}] = buf
}

// Buffer returns the registered buffer for (kind,id).
func (r *Registry) Buffer(kind kpu.MemKind, id kpu.InstanceID) (mem.Buffer, bool) {
	b, ok := r.buffers[bufKey{kind, id}]
	return b, ok
}

// ResolveAddress decodes a global address into its backing buffer and
// local offset.
func (r *Registry) ResolveAddress(address kpu.Address) (mem.Buffer, kpu.Size, error) {
	route, err := r.Decoder.Decode(address)
	if err != nil {
		return nil, 0, err
	}
	buf, ok := r.buffers[bufKey{route.Kind, route.Instance}]
	if !ok {
		return nil, 0, fmt.Errorf("engine: no buffer registered for %s[%d]", route.Kind, route.Instance)
	}
	return buf, route.Offset, nil
}

// ResolveRange is ResolveAddress with the decoder's cross-region check.
func (r *Registry) ResolveRange(address kpu.Address, size kpu.Size) (mem.Buffer, kpu.Size, error) {
	route, err := r.Decoder.DecodeRange(address, size)
	if err != nil {
		return nil, 0, err
	}
	buf, ok := r.buffers[bufKey{route.Kind, route.Instance}]
	if !ok {
		return nil, 0, fmt.Errorf("engine: no buffer registered for %s[%d]", route.Kind, route.Instance)
	}
	return buf, route.Offset, nil
}

// locString renders a buffer's (kind,id,offset) as the "src_loc"/"dst_loc"
// diagnostic strings the DMAPayload trace field carries.
func locString(kind kpu.MemKind, id kpu.InstanceID, offset kpu.Size) string {
	return fmt.Sprintf("%s[%d]+%d", kind, id, offset)
}
