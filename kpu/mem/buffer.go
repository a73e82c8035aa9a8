// Package mem implements the six byte-addressable buffer kinds of the
// KPU's on-chip and off-chip storage hierarchy (spec §3, §4.2).
//
// Grounded on include/sw/kpu/components (host_memory/l3_tile/l2_bank/
// l1_buffer) in original_source/ for the read/write/reset contract, and
// on the teacher's config-struct idiom (sim/config.go) for how per-buffer
// parameters (bandwidth, cache-line size) are grouped.
package mem

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
)

// Buffer is the shared contract every memory kind implements: bounds-checked,
// stall-free storage. Timing is the data-movement engine's responsibility,
// not the buffer's.
type Buffer interface {
	Kind() kpu.MemKind
	ID() kpu.InstanceID
	Capacity() kpu.Size
	Read(offset kpu.Size, dst []byte) error
	Write(offset kpu.Size, src []byte) error
	Reset()
	IsReady() bool
	LastAccessCycle() kpu.Cycle
	// Raw exposes the backing byte slice for components (block mover,
	// streamer, compute fabric) that index by element rather than issuing
	// byte-range Read/Write calls. Callers bounds-check themselves.
	Raw() []byte
	Touch(cycle kpu.Cycle)
}

// Base implements the common bookkeeping (storage, ready flag, last-access
// cycle) shared by every buffer kind. Each concrete kind embeds it.
type Base struct {
	kind     kpu.MemKind
	id       kpu.InstanceID
	data     []byte
	lastCyc  kpu.Cycle
	ready    bool
}

// NewBase allocates a zeroed backing store of the given capacity.
func NewBase(kind kpu.MemKind, id kpu.InstanceID, capacity kpu.Size) Base {
	return Base{kind: kind, id: id, data: make([]byte, capacity), ready: true}
}

func (b *Base) Kind() kpu.MemKind        { return b.kind }
func (b *Base) ID() kpu.InstanceID       { return b.id }
func (b *Base) Capacity() kpu.Size       { return kpu.Size(len(b.data)) }
func (b *Base) IsReady() bool            { return b.ready }
func (b *Base) LastAccessCycle() kpu.Cycle { return b.lastCyc }

// SetReady lets an engine mark a buffer busy/ready across a multi-cycle
// operation (e.g. while a streamer owns the L1 buffer for a feed).
func (b *Base) SetReady(ready bool) { b.ready = ready }

// Touch records the cycle of the most recent access, used for diagnostics.
func (b *Base) Touch(cycle kpu.Cycle) { b.lastCyc = cycle }

func (b *Base) boundsCheck(offset kpu.Size, n int) error {
	if offset+kpu.Size(n) > kpu.Size(len(b.data)) {
		return fmt.Errorf("mem: %s[%d] access [%d,%d) exceeds capacity %d", b.kind, b.id, offset, offset+kpu.Size(n), len(b.data))
	}
	return nil
}

// Read copies n=len(dst) bytes starting at offset into dst.
func (b *Base) Read(offset kpu.Size, dst []byte) error {
	if err := b.boundsCheck(offset, len(dst)); err != nil {
		return err
	}
	copy(dst, b.data[offset:offset+kpu.Size(len(dst))])
	return nil
}

// Write copies src into the buffer starting at offset.
func (b *Base) Write(offset kpu.Size, src []byte) error {
	if err := b.boundsCheck(offset, len(src)); err != nil {
		return err
	}
	copy(b.data[offset:offset+kpu.Size(len(src))], src)
	return nil
}

// Reset zeros every byte in the buffer.
func (b *Base) Reset() {
	for i := range b.data {
		b.data[i] = 0
	}
}

// Raw exposes the backing slice for components (block mover, streamer,
// compute fabric) that need direct element access rather than byte
// copies. Callers must bounds-check themselves; Raw performs none.
func (b *Base) Raw() []byte { return b.data }
