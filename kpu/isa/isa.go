// Package isa defines the Data-Movement ISA: the tagged instruction set
// describing a tiled matmul kernel as a dependency DAG of transfer/compute
// operations, and the Program aggregate a compiler emits and an executor
// consumes.
//
// Grounded on include/sw/kpu/isa/program_serializer.hpp (opcode families,
// binary layout) and src/isa/program_executor.cpp (operand field names,
// dispatch-by-opcode-family) in original_source/. The tagged-variant
// design (spec §9 "Tagged instruction variants") is rendered in Go as one
// struct per operand family plus an opcode-keyed union struct (Operands),
// following the teacher's preference for plain structs over interface
// boxing for small, frequently-copied aggregates (see sim/cluster/types.go
// for the same "group related fields into one struct, tag with a string
// enum" idiom).
package isa

import "github.com/stillwater-sc/kpusim/kpu"

// Opcode tags an Instruction's operand family and semantics.
type Opcode uint8

const (
	// DMA ops (external <-> L3)
	LoadTile Opcode = iota
	StoreTile
	PrefetchTile

	// Block-mover ops (L3 <-> L2)
	MoveTile
	TransposeTile
	WritebackTile
	ReshapeTile

	// Streamer ops (L2 <-> L1)
	FeedRows
	FeedCols
	DrainOutput
	BroadcastRow
	BroadcastCol

	// Vector-engine drain variants: like DrainOutput but routed through
	// the vector engine for bias-add/activation (spec §4.12 step 7,
	// §4.13 "routes the drain through the vector-engine opcode set").
	DrainOutputBiasActivation

	// Sync ops
	Barrier
	WaitDMA
	WaitBM
	WaitStr
	Signal

	// Control (reserved, no-ops in this implementation per spec §4.9)
	SetTileSize
	SetBuffer
	SetStride
	LoopBegin
	LoopEnd
	Nop
	Halt
)

// String returns the opcode mnemonic, matching spec §3's uppercase names.
func (op Opcode) String() string {
	switch op {
	case LoadTile:
		return "LOAD_TILE"
	case StoreTile:
		return "STORE_TILE"
	case PrefetchTile:
		return "PREFETCH_TILE"
	case MoveTile:
		return "MOVE_TILE"
	case TransposeTile:
		return "TRANSPOSE_TILE"
	case WritebackTile:
		return "WRITEBACK_TILE"
	case ReshapeTile:
		return "RESHAPE_TILE"
	case FeedRows:
		return "FEED_ROWS"
	case FeedCols:
		return "FEED_COLS"
	case DrainOutput:
		return "DRAIN_OUTPUT"
	case BroadcastRow:
		return "BROADCAST_ROW"
	case BroadcastCol:
		return "BROADCAST_COL"
	case DrainOutputBiasActivation:
		return "DRAIN_OUTPUT_BIAS_ACTIVATION"
	case Barrier:
		return "BARRIER"
	case WaitDMA:
		return "WAIT_DMA"
	case WaitBM:
		return "WAIT_BM"
	case WaitStr:
		return "WAIT_STR"
	case Signal:
		return "SIGNAL"
	case SetTileSize:
		return "SET_TILE_SIZE"
	case SetBuffer:
		return "SET_BUFFER"
	case SetStride:
		return "SET_STRIDE"
	case LoopBegin:
		return "LOOP_BEGIN"
	case LoopEnd:
		return "LOOP_END"
	case Nop:
		return "NOP"
	case Halt:
		return "HALT"
	default:
		return "UNKNOWN"
	}
}

// IsDMA reports whether op belongs to the DMA operand family.
func (op Opcode) IsDMA() bool {
	return op == LoadTile || op == StoreTile || op == PrefetchTile
}

// IsBlockMover reports whether op belongs to the block-mover operand family.
func (op Opcode) IsBlockMover() bool {
	switch op {
	case MoveTile, TransposeTile, WritebackTile, ReshapeTile:
		return true
	default:
		return false
	}
}

// IsStreamer reports whether op belongs to the streamer operand family.
func (op Opcode) IsStreamer() bool {
	switch op {
	case FeedRows, FeedCols, DrainOutput, BroadcastRow, BroadcastCol, DrainOutputBiasActivation:
		return true
	default:
		return false
	}
}

// IsSync reports whether op belongs to the sync operand family.
func (op Opcode) IsSync() bool {
	switch op {
	case Barrier, WaitDMA, WaitBM, WaitStr, Signal:
		return true
	default:
		return false
	}
}

// MatrixID names one of the matmul operands, including the bias vector
// fused into the output drain.
type MatrixID uint8

const (
	MatrixA MatrixID = iota
	MatrixB
	MatrixC
	MatrixBias
)

func (m MatrixID) String() string {
	switch m {
	case MatrixA:
		return "A"
	case MatrixB:
		return "B"
	case MatrixC:
		return "C"
	case MatrixBias:
		return "Bias"
	default:
		return "?"
	}
}

// TileCoord is a tile's coordinate in the (Ti,Tj,Tk) tiling grid.
type TileCoord struct {
	Ti, Tj, Tk uint32
}

// Transform tags the element-wise remap a block-mover op applies.
type Transform uint8

const (
	Identity Transform = iota
	Transpose
	BlockReshape
)

// Direction tags a streamer op's data flow.
type Direction uint8

const (
	L2ToL1 Direction = iota
	L1ToL2
)

// StreamType tags row-major vs column-major streamer access.
type StreamType uint8

const (
	RowStream StreamType = iota
	ColStream
)

// Activation tags the SFU function applied during a vector-engine drain.
type Activation uint8

const (
	ActivationNone Activation = iota
	ActivationReLU
	ActivationGELU
	ActivationSigmoid
	ActivationTanh
	ActivationSiLU
	ActivationSoftplus
	ActivationLeakyReLU
)

func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "none"
	case ActivationReLU:
		return "relu"
	case ActivationGELU:
		return "gelu"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationTanh:
		return "tanh"
	case ActivationSiLU:
		return "silu"
	case ActivationSoftplus:
		return "softplus"
	case ActivationLeakyReLU:
		return "leaky_relu"
	default:
		return "unknown"
	}
}

// DMAOperands are the operands for LoadTile/StoreTile/PrefetchTile.
type DMAOperands struct {
	Matrix     MatrixID
	Tile       TileCoord
	L3Offset   kpu.Address
	Size       kpu.Size
	BufferSlot uint8
}

// TransferDirection tags which memory level a block-mover op reads from:
// L3ToL2 for MOVE_TILE/TRANSPOSE_TILE (load path), L2ToL3 for
// WRITEBACK_TILE (store path).
type TransferDirection uint8

const (
	L3ToL2 TransferDirection = iota
	L2ToL3
)

// BlockMoverOperands are the operands for the block-mover opcode family.
// SrcID/DstID are interpreted against kpu.L3Tile/kpu.L2Bank according to
// Direction: for L3ToL2, SrcID names an L3Tile instance and DstID an
// L2Bank instance; for L2ToL3 the roles swap.
type BlockMoverOperands struct {
	SrcID       kpu.InstanceID
	SrcOffset   kpu.Address
	DstID       kpu.InstanceID
	DstOffset   kpu.Address
	Direction   TransferDirection
	Height      uint32
	Width       uint32
	ElementSize kpu.Size
	Transform   Transform
}

// StreamerOperands are the operands for the streamer opcode family.
type StreamerOperands struct {
	L2ID        kpu.InstanceID
	L2Addr      kpu.Address
	L1ID        kpu.InstanceID
	L1Addr      kpu.Address
	Height      uint32
	Width       uint32
	FabricSize  uint32
	Direction   Direction
	StreamType  StreamType
	// Vector-engine drain fields, meaningful only when Opcode ==
	// DrainOutputBiasActivation.
	BiasAddr    kpu.Address
	HasBias     bool
	Activation  Activation
	RowStride   uint32 // L1 source row stride in elements for the vector engine; 0 means Width
}

// SyncOperands are the operands for the sync opcode family. Mask is
// carried for forward compatibility but unused: BARRIER always waits for
// every pending engine (spec §9 open question on selective barriers).
type SyncOperands struct {
	Mask uint32
}

// Operands is the tagged union of the four operand families. Exactly one
// field is meaningful, selected by the owning Instruction's Opcode; this
// avoids interface boxing for a struct copied on every dispatch (spec §9).
type Operands struct {
	DMA         DMAOperands
	BlockMover  BlockMoverOperands
	Streamer    StreamerOperands
	Sync        SyncOperands
}

// Instruction is one node of the program's dependency DAG.
type Instruction struct {
	Opcode         Opcode
	InstructionID  uint32
	EarliestCycle  kpu.Cycle
	DeadlineCycle  kpu.Cycle
	Deps           []uint32
	Label          string
	Operands       Operands
}
