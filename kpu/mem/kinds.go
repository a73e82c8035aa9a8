package mem

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
)

// HostMemoryBuffer models host-side RAM, the source/sink for kernel
// arguments before/after a launch. No bandwidth attribute: traffic to it
// is accounted for by the caller, not the simulator core (spec §1).
type HostMemoryBuffer struct{ Base }

func NewHostMemoryBuffer(id kpu.InstanceID, capacity kpu.Size) *HostMemoryBuffer {
	return &HostMemoryBuffer{Base: NewBase(kpu.HostMemory, id, capacity)}
}

// ExternalBuffer models DRAM. It additionally carries a bandwidth used by
// the DMA engine's latency model (spec §4.4: cycles = ceil(bytes /
// bandwidth_bytes_per_cycle)).
type ExternalBuffer struct {
	Base
	BandwidthGBps float64
}

func NewExternalBuffer(id kpu.InstanceID, capacity kpu.Size, bandwidthGBps float64) *ExternalBuffer {
	return &ExternalBuffer{Base: NewBase(kpu.External, id, capacity), BandwidthGBps: bandwidthGBps}
}

// BytesPerCycle converts the external memory's GB/s rating into a
// bytes-per-cycle figure assuming a 1 GHz reference clock (spec leaves
// the cycle-to-time mapping to the trace's clock_freq_ghz field; the
// bandwidth model itself is clock-rate independent by construction).
func (e *ExternalBuffer) BytesPerCycle() float64 {
	return e.BandwidthGBps
}

// L3TileBuffer is an L3 scratch tile, addressed by DMA loads/stores and
// read/written by the block mover.
type L3TileBuffer struct{ Base }

func NewL3TileBuffer(id kpu.InstanceID, capacity kpu.Size) *L3TileBuffer {
	return &L3TileBuffer{Base: NewBase(kpu.L3Tile, id, capacity)}
}

// L2BankBuffer is an L2 bank, written by the block mover and streamed
// from/to by the streamer and vector engine. It additionally exposes
// cache-line-granular accessors for the streamer's sub-line coalescing.
type L2BankBuffer struct {
	Base
	CacheLineSize kpu.Size
}

func NewL2BankBuffer(id kpu.InstanceID, capacity kpu.Size, cacheLineSize kpu.Size) *L2BankBuffer {
	return &L2BankBuffer{Base: NewBase(kpu.L2Bank, id, capacity), CacheLineSize: cacheLineSize}
}

// ReadCacheLine reads one whole cache line starting at offset, which must
// be aligned to CacheLineSize.
func (l *L2BankBuffer) ReadCacheLine(offset kpu.Size, dst []byte) error {
	if offset%l.CacheLineSize != 0 {
		return fmt.Errorf("mem: L2Bank[%d] cache-line read offset %d not aligned to %d", l.ID(), offset, l.CacheLineSize)
	}
	if kpu.Size(len(dst)) != l.CacheLineSize {
		return fmt.Errorf("mem: L2Bank[%d] cache-line read dst length %d != line size %d", l.ID(), len(dst), l.CacheLineSize)
	}
	return l.Read(offset, dst)
}

// WriteCacheLine writes one whole cache line starting at offset, which
// must be aligned to CacheLineSize.
func (l *L2BankBuffer) WriteCacheLine(offset kpu.Size, src []byte) error {
	if offset%l.CacheLineSize != 0 {
		return fmt.Errorf("mem: L2Bank[%d] cache-line write offset %d not aligned to %d", l.ID(), offset, l.CacheLineSize)
	}
	if kpu.Size(len(src)) != l.CacheLineSize {
		return fmt.Errorf("mem: L2Bank[%d] cache-line write src length %d != line size %d", l.ID(), len(src), l.CacheLineSize)
	}
	return l.Write(offset, src)
}

// L1Buffer is the streaming buffer directly feeding/draining the compute
// fabric.
type L1Buffer struct{ Base }

func NewL1Buffer(id kpu.InstanceID, capacity kpu.Size) *L1Buffer {
	return &L1Buffer{Base: NewBase(kpu.L1Buffer, id, capacity)}
}

// PageBufferMem is the memory-controller-adjacent staging buffer,
// distinct from L1 (glossary).
type PageBufferMem struct{ Base }

func NewPageBufferMem(id kpu.InstanceID, capacity kpu.Size) *PageBufferMem {
	return &PageBufferMem{Base: NewBase(kpu.PageBuffer, id, capacity)}
}
