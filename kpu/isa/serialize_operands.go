package isa

import (
	"math"

	"github.com/stillwater-sc/kpusim/kpu"
)

func kpuSize(v uint64) kpu.Size       { return kpu.Size(v) }
func kpuAddress(v uint64) kpu.Address { return kpu.Address(v) }
func kpuCycle(v uint64) kpu.Cycle     { return kpu.Cycle(v) }
func bitsToFloat64(bits uint64) float64 { return math.Float64frombits(bits) }

// operandType distinguishes which Operands field a binary reader must
// populate for a given opcode: 0=DMA, 1=BlockMover, 2=Streamer, 3=Sync,
// 4=none (control opcodes carry no operands in this implementation).
func operandType(op Opcode) uint8 {
	switch {
	case op.IsDMA():
		return 0
	case op.IsBlockMover():
		return 1
	case op.IsStreamer():
		return 2
	case op.IsSync():
		return 3
	default:
		return 4
	}
}

func writeOperands(w *binWriter, op Opcode, o Operands) {
	switch operandType(op) {
	case 0:
		d := o.DMA
		w.u8(uint8(d.Matrix))
		w.u32(d.Tile.Ti)
		w.u32(d.Tile.Tj)
		w.u32(d.Tile.Tk)
		w.u64(uint64(d.L3Offset))
		w.u64(uint64(d.Size))
		w.u8(d.BufferSlot)
	case 1:
		b := o.BlockMover
		w.u32(uint32(b.SrcID))
		w.u64(uint64(b.SrcOffset))
		w.u32(uint32(b.DstID))
		w.u64(uint64(b.DstOffset))
		w.u32(b.Height)
		w.u32(b.Width)
		w.u64(uint64(b.ElementSize))
		w.u8(uint8(b.Transform))
		w.u8(uint8(b.Direction))
	case 2:
		s := o.Streamer
		w.u32(uint32(s.L2ID))
		w.u64(uint64(s.L2Addr))
		w.u32(uint32(s.L1ID))
		w.u64(uint64(s.L1Addr))
		w.u32(s.Height)
		w.u32(s.Width)
		w.u32(s.FabricSize)
		w.u8(uint8(s.Direction))
		w.u8(uint8(s.StreamType))
		w.u64(uint64(s.BiasAddr))
		w.u8(boolToU8(s.HasBias))
		w.u8(uint8(s.Activation))
		w.u32(s.RowStride)
	case 3:
		w.u32(o.Sync.Mask)
	}
}

func readOperands(r *binReader, op Opcode) Operands {
	var o Operands
	switch operandType(op) {
	case 0:
		o.DMA.Matrix = MatrixID(r.u8())
		o.DMA.Tile.Ti = r.u32()
		o.DMA.Tile.Tj = r.u32()
		o.DMA.Tile.Tk = r.u32()
		o.DMA.L3Offset = kpuAddress(uint64(r.u64()))
		o.DMA.Size = kpuSize(uint64(r.u64()))
		o.DMA.BufferSlot = r.u8()
	case 1:
		o.BlockMover.SrcID = kpu.InstanceID(r.u32())
		o.BlockMover.SrcOffset = kpuAddress(uint64(r.u64()))
		o.BlockMover.DstID = kpu.InstanceID(r.u32())
		o.BlockMover.DstOffset = kpuAddress(uint64(r.u64()))
		o.BlockMover.Height = r.u32()
		o.BlockMover.Width = r.u32()
		o.BlockMover.ElementSize = kpuSize(uint64(r.u64()))
		o.BlockMover.Transform = Transform(r.u8())
		o.BlockMover.Direction = TransferDirection(r.u8())
	case 2:
		o.Streamer.L2ID = kpu.InstanceID(r.u32())
		o.Streamer.L2Addr = kpuAddress(uint64(r.u64()))
		o.Streamer.L1ID = kpu.InstanceID(r.u32())
		o.Streamer.L1Addr = kpuAddress(uint64(r.u64()))
		o.Streamer.Height = r.u32()
		o.Streamer.Width = r.u32()
		o.Streamer.FabricSize = r.u32()
		o.Streamer.Direction = Direction(r.u8())
		o.Streamer.StreamType = StreamType(r.u8())
		o.Streamer.BiasAddr = kpuAddress(uint64(r.u64()))
		o.Streamer.HasBias = r.u8() != 0
		o.Streamer.Activation = Activation(r.u8())
		o.Streamer.RowStride = r.u32()
	case 3:
		o.Sync.Mask = r.u32()
	}
	return o
}

func boolToU8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
