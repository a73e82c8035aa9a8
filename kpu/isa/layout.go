package isa

import "github.com/stillwater-sc/kpusim/kpu"

// l1ElementSize is the element width the program builder and executor
// agree on for everything routed through L1: float32, matching the
// compute fabric's internal representation.
const l1ElementSize = kpu.Size(4)

// L1ElementSize exposes the shared element width to callers outside the
// package (the sequential executor's tile address arithmetic).
func L1ElementSize() kpu.Size { return l1ElementSize }

// L1Layout returns the fixed L1 offsets the builder lays an output tile's
// A, B, C, and bias operands at for a given tile shape. Both the program
// builder (package build) and the sequential executor (package exec)
// call this so a FEED_ROWS/FEED_COLS/DRAIN_OUTPUT instruction's L1Addr
// operand always points at the same place the compute fabric is told to
// read/write, without threading the offsets through the instruction
// stream explicitly. biasBase sits past the C tile and is only populated
// when the program fuses a bias add into the drain.
func L1Layout(t Tiles) (aBase, bBase, cBase, biasBase kpu.Size) {
	aSize := kpu.Size(t.Ti) * kpu.Size(t.L1Ki) * l1ElementSize
	bSize := kpu.Size(t.L1Ki) * kpu.Size(t.Tj) * l1ElementSize
	cSize := kpu.Size(t.Ti) * kpu.Size(t.Tj) * l1ElementSize
	return 0, aSize, aSize + bSize, aSize + bSize + cSize
}
