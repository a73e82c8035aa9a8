// Package exec runs a compiled ISA program against a hardware context:
// Sequential performs the functional byte movement one instruction at a
// time (spec §4.9), while Concurrent estimates a realistic makespan
// without touching memory (spec §4.10).
//
// Grounded on src/isa/program_executor.cpp's step/dispatch/retire loop in
// original_source/, rendered in the teacher's single-threaded
// "advance-then-dispatch" cooperative-scheduling style (sim/cluster's
// instance-tick loop follows the same shape: advance state, then make at
// most one new decision per tick).
package exec

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/engine"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// State is the executor's lifecycle state (spec §4.9).
type State int

const (
	Idle State = iota
	Running
	Waiting
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Running:
		return "Running"
	case Waiting:
		return "Waiting"
	case Completed:
		return "Completed"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Statistics tallies per-kind operation counts and byte totals over a run
// (spec §4.9 "run(max_cycles)").
type Statistics struct {
	DMAOps, BlockMoverOps, StreamerOps, ComputeOps int
	BytesMoved                                     kpu.Size
	FinalCycle                                      kpu.Cycle
}

// Hardware bundles every engine instance the sequential executor
// dispatches to. Multiple instances of the data-movement engines are
// supported: a DMA op's buffer_slot mod the DMA count selects its DMA
// engine, and instruction_id mod the engine count selects the block
// mover, streamer or vector engine.
type Hardware struct {
	Registry      *engine.Registry
	DMAs          []*engine.DMA
	BlockMovers   []*engine.BlockMover
	Streamers     []*engine.Streamer
	VectorEngines []*engine.VectorEngine
	Fabric        engine.ComputeFabric
	Logger        *trace.Logger
}

func (h *Hardware) advanceAll(cycle kpu.Cycle) {
	for _, d := range h.DMAs {
		d.Process(cycle)
	}
	for _, b := range h.BlockMovers {
		b.Process(cycle)
	}
	for _, s := range h.Streamers {
		s.Process(cycle)
	}
	for _, v := range h.VectorEngines {
		v.Process(cycle)
	}
	if h.Fabric != nil {
		h.Fabric.Process(cycle)
	}
}

// argBases are the concrete addresses an instruction's A/B/C/bias tile
// coordinates resolve against, supplied by the caller at run time
// (spec §4.9 "memory_map + argument bases").
type argBases struct {
	A, B, C, Bias kpu.Address
}

// Sequential executes one program at a time, one instruction per step,
// against a fixed Hardware context.
type Sequential struct {
	hw      *Hardware
	program *isa.Program
	bases   argBases

	state State
	pc     int
	cycle  kpu.Cycle
	stats  Statistics

	pendingDMA      map[uint32]bool
	pendingBM       map[uint32]bool
	pendingStreamer map[uint32]bool // includes vector-engine fused drains
	pendingCompute  map[uint32]bool

	waitingFamily opFamily // which family Waiting is blocked on; familyAll for BARRIER
	err           error
}

type opFamily int

const (
	familyNone opFamily = iota
	familyDMAOnly
	familyBMOnly
	familyStreamerOnly
	familyAll
)

// NewSequential creates an executor for program against hw, with
// argument base addresses bases.
func NewSequential(hw *Hardware, program *isa.Program, aBase, bBase, cBase, biasBase kpu.Address) *Sequential {
	return &Sequential{
		hw: hw, program: program,
		bases:           argBases{A: aBase, B: bBase, C: cBase, Bias: biasBase},
		state:           Idle,
		pendingDMA:      make(map[uint32]bool),
		pendingBM:       make(map[uint32]bool),
		pendingStreamer: make(map[uint32]bool),
		pendingCompute:  make(map[uint32]bool),
	}
}

// State returns the executor's current lifecycle state.
func (s *Sequential) State() State { return s.state }

// Cycle returns the current cycle counter.
func (s *Sequential) Cycle() kpu.Cycle { return s.cycle }

// Err returns the error that moved the executor into the Error state, if any.
func (s *Sequential) Err() error { return s.err }

func (s *Sequential) fail(err error) {
	s.err = err
	s.state = Error
}

// Run steps the executor until it reaches Completed or Error, or until
// maxCycles have elapsed, whichever comes first.
func (s *Sequential) Run(maxCycles kpu.Cycle) (bool, kpu.Cycle, Statistics) {
	if s.state == Idle {
		s.state = Running
	}
	for s.cycle < maxCycles {
		if s.state == Completed || s.state == Error {
			break
		}
		s.Step()
	}
	s.stats.FinalCycle = s.cycle
	return s.state == Completed, s.cycle, s.stats
}

// Step advances the executor by exactly one cycle (spec §4.9).
func (s *Sequential) Step() {
	if s.state == Completed || s.state == Error {
		return
	}

	s.hw.advanceAll(s.cycle)

	if s.state == Waiting {
		if !s.blocked() {
			s.state = Running
		}
	}

	if s.state == Running {
		s.dispatch()
	}

	s.cycle++
}

func (s *Sequential) blocked() bool {
	switch s.waitingFamily {
	case familyDMAOnly:
		return len(s.pendingDMA) > 0
	case familyBMOnly:
		return len(s.pendingBM) > 0
	case familyStreamerOnly:
		return len(s.pendingStreamer) > 0
	case familyAll:
		return len(s.pendingDMA) > 0 || len(s.pendingBM) > 0 || len(s.pendingStreamer) > 0 || len(s.pendingCompute) > 0
	default:
		return false
	}
}

func (s *Sequential) dispatch() {
	if s.pc >= len(s.program.Instructions) {
		s.state = Completed
		return
	}
	instr := s.program.Instructions[s.pc]

	switch {
	case instr.Opcode.IsDMA():
		s.dispatchDMA(instr)
	case instr.Opcode.IsBlockMover():
		s.dispatchBlockMover(instr)
	case instr.Opcode.IsStreamer():
		s.dispatchStreamer(instr)
	case instr.Opcode == isa.Barrier:
		if len(s.pendingDMA) > 0 || len(s.pendingBM) > 0 || len(s.pendingStreamer) > 0 || len(s.pendingCompute) > 0 {
			s.waitingFamily = familyAll
			s.state = Waiting
			return
		}
	case instr.Opcode == isa.WaitDMA:
		if len(s.pendingDMA) > 0 {
			s.waitingFamily = familyDMAOnly
			s.state = Waiting
			return
		}
	case instr.Opcode == isa.WaitBM:
		if len(s.pendingBM) > 0 {
			s.waitingFamily = familyBMOnly
			s.state = Waiting
			return
		}
	case instr.Opcode == isa.WaitStr:
		if len(s.pendingStreamer) > 0 {
			s.waitingFamily = familyStreamerOnly
			s.state = Waiting
			return
		}
	case instr.Opcode == isa.Signal:
		// no-op: signaling has no observable effect without a paired
		// wait that inspects a mask (spec §9 open question on selective
		// barriers — Signal is reserved, not yet load-bearing).
	case instr.Opcode == isa.Halt:
		s.state = Completed
		return
	default:
		// SetTileSize/SetBuffer/SetStride/LoopBegin/LoopEnd/Nop: reserved
		// control opcodes, no-ops in this implementation (spec §4.9).
	}

	s.pc++
}

func (s *Sequential) engineIndex(n int, instructionID uint32, slot uint8, hasSlot bool) int {
	if n == 0 {
		return -1
	}
	if hasSlot {
		return int(slot) % n
	}
	return int(instructionID) % n
}

func (s *Sequential) resolveTileAddress(matrix isa.MatrixID, tile isa.TileCoord) kpu.Address {
	t := s.program.Tiles
	elem := isa.L1ElementSize()
	switch matrix {
	case isa.MatrixA:
		stride := kpu.Address(s.program.Dims.K) * elem
		return s.bases.A + kpu.Address(tile.Ti)*kpu.Address(t.Ti)*stride + kpu.Address(tile.Tk)*kpu.Address(t.Tk)*elem
	case isa.MatrixB:
		stride := kpu.Address(s.program.Dims.N) * elem
		return s.bases.B + kpu.Address(tile.Tk)*kpu.Address(t.Tk)*stride + kpu.Address(tile.Tj)*kpu.Address(t.Tj)*elem
	case isa.MatrixBias:
		return s.bases.Bias + kpu.Address(tile.Tj)*kpu.Address(t.Tj)*elem
	default:
		stride := kpu.Address(s.program.Dims.N) * elem
		return s.bases.C + kpu.Address(tile.Ti)*kpu.Address(t.Ti)*stride + kpu.Address(tile.Tj)*kpu.Address(t.Tj)*elem
	}
}

func (s *Sequential) dispatchDMA(instr isa.Instruction) {
	id := instr.InstructionID
	op := instr.Operands.DMA
	global := s.resolveTileAddress(op.Matrix, op.Tile)

	idx := s.engineIndex(len(s.hw.DMAs), id, op.BufferSlot, true)
	if idx < 0 {
		s.fail(fmt.Errorf("exec: no DMA engines configured for instruction %d", id))
		return
	}
	dma := s.hw.DMAs[idx]

	var src, dst kpu.Address
	switch instr.Opcode {
	case isa.LoadTile, isa.PrefetchTile:
		src, dst = global, op.L3Offset
	case isa.StoreTile:
		src, dst = op.L3Offset, global
	}

	s.pendingDMA[id] = true
	if _, err := dma.Enqueue(src, dst, op.Size, func() { delete(s.pendingDMA, id) }); err != nil {
		s.fail(fmt.Errorf("exec: instruction %d: %w", id, err))
		return
	}
	s.stats.DMAOps++
	s.stats.BytesMoved += op.Size
}

func (s *Sequential) dispatchBlockMover(instr isa.Instruction) {
	id := instr.InstructionID
	op := instr.Operands.BlockMover
	idx := s.engineIndex(len(s.hw.BlockMovers), id, 0, false)
	if idx < 0 {
		s.fail(fmt.Errorf("exec: no block movers configured for instruction %d", id))
		return
	}
	bm := s.hw.BlockMovers[idx]

	s.pendingBM[id] = true
	if _, err := bm.EnqueueBlockTransfer(op.SrcID, op.SrcOffset, op.DstID, op.DstOffset, op.Direction, op.Height, op.Width, op.ElementSize, op.Transform, func() { delete(s.pendingBM, id) }); err != nil {
		s.fail(fmt.Errorf("exec: instruction %d: %w", id, err))
		return
	}
	s.stats.BlockMoverOps++
	s.stats.BytesMoved += kpu.Size(op.Height) * kpu.Size(op.Width) * op.ElementSize
}

func (s *Sequential) dispatchStreamer(instr isa.Instruction) {
	id := instr.InstructionID
	op := instr.Operands.Streamer

	if instr.Opcode == isa.DrainOutputBiasActivation {
		s.dispatchVectorDrain(instr)
		return
	}

	idx := s.engineIndex(len(s.hw.Streamers), id, 0, false)
	if idx < 0 {
		s.fail(fmt.Errorf("exec: no streamers configured for instruction %d", id))
		return
	}
	st := s.hw.Streamers[idx]

	s.pendingStreamer[id] = true
	_, err := st.EnqueueStream(engine.StreamConfig{
		L2ID: op.L2ID, L1ID: op.L1ID, L2Base: op.L2Addr, L1Base: op.L1Addr,
		MatrixHeight: op.Height, MatrixWidth: op.Width, ElementSize: isa.L1ElementSize(),
		FabricSize: op.FabricSize, Direction: op.Direction, StreamType: op.StreamType,
		OnComplete: func() { delete(s.pendingStreamer, id) },
	})
	if err != nil {
		s.fail(fmt.Errorf("exec: instruction %d: %w", id, err))
		return
	}
	s.stats.StreamerOps++
	s.stats.BytesMoved += kpu.Size(op.Height) * kpu.Size(op.Width) * isa.L1ElementSize()

	if instr.Opcode == isa.FeedCols {
		s.maybeStartCompute()
	}
}

func (s *Sequential) dispatchVectorDrain(instr isa.Instruction) {
	id := instr.InstructionID
	op := instr.Operands.Streamer
	idx := s.engineIndex(len(s.hw.VectorEngines), id, 0, false)
	if idx < 0 {
		s.fail(fmt.Errorf("exec: no vector engines configured for instruction %d", id))
		return
	}
	ve := s.hw.VectorEngines[idx]

	s.pendingStreamer[id] = true
	_, err := ve.EnqueueOperation(engine.VectorOp{
		L1ID: op.L1ID, L2ID: op.L2ID, L1Base: op.L1Addr, L2Base: op.L2Addr,
		Height: op.Height, Width: op.Width, RowStride: op.RowStride,
		HasBias: op.HasBias, BiasL1Addr: kpu.Size(op.BiasAddr), Activation: op.Activation,
		OnComplete: func() { delete(s.pendingStreamer, id) },
	})
	if err != nil {
		s.fail(fmt.Errorf("exec: instruction %d: %w", id, err))
		return
	}
	s.stats.StreamerOps++
	s.stats.BytesMoved += kpu.Size(op.Height) * kpu.Size(op.Width) * isa.L1ElementSize()
}

// maybeStartCompute issues the implicit matmul once both FEED_ROWS and
// FEED_COLS for the current accumulation step have been dispatched (spec
// §4.12 step 6: "the fabric consumes from L1 once both feeds complete").
// There is no explicit compute opcode in the instruction stream; the
// executor infers the moment from program structure instead.
func (s *Sequential) maybeStartCompute() {
	if s.hw.Fabric == nil || s.hw.Fabric.IsBusy() {
		return
	}
	t := s.program.Tiles
	a, b, c, _ := isa.L1Layout(t)
	computeID := uint32(len(s.program.Instructions)) + uint32(len(s.pendingCompute)) // synthetic id, never collides with real instruction ids
	s.pendingCompute[computeID] = true
	_, err := s.hw.Fabric.StartMatmul(engine.MatmulOp{
		M: uint32(t.Ti), N: uint32(t.Tj), K: uint32(t.L1Ki),
		AAddr: a, BAddr: b, CAddr: c, L1ID: 0,
		OnComplete: func() { delete(s.pendingCompute, computeID) },
	})
	if err != nil {
		delete(s.pendingCompute, computeID)
		return
	}
	s.stats.ComputeOps++
}
