package isa

import (
	"encoding/json"

	"github.com/stillwater-sc/kpusim/kpu"
)

// jsonInstruction mirrors Instruction for the human-readable .kpujson
// mirror of the binary format (spec §6: "Lossless round-trip required").
type jsonInstruction struct {
	Opcode        string      `json:"opcode"`
	InstructionID uint32      `json:"instruction_id"`
	EarliestCycle uint64      `json:"earliest_cycle"`
	DeadlineCycle uint64      `json:"deadline_cycle"`
	Deps          []uint32    `json:"deps"`
	Label         string      `json:"label"`
	Operands      jsonOperand `json:"operands"`
}

type jsonOperand struct {
	// DMA
	Matrix     string `json:"matrix,omitempty"`
	Ti         uint32 `json:"ti,omitempty"`
	Tj         uint32 `json:"tj,omitempty"`
	Tk         uint32 `json:"tk,omitempty"`
	L3Offset   uint64 `json:"l3_offset,omitempty"`
	Size       uint64 `json:"size,omitempty"`
	BufferSlot uint8  `json:"buffer_slot,omitempty"`

	// BlockMover
	SrcID          uint32 `json:"src_id,omitempty"`
	SrcOffset      uint64 `json:"src_offset,omitempty"`
	DstID          uint32 `json:"dst_id,omitempty"`
	DstOffset      uint64 `json:"dst_offset,omitempty"`
	BlockDirection string `json:"block_direction,omitempty"`
	Height         uint32 `json:"height,omitempty"`
	Width          uint32 `json:"width,omitempty"`
	ElementSize    uint64 `json:"element_size,omitempty"`
	Transform      string `json:"transform,omitempty"`

	// Streamer
	L2ID       uint32 `json:"l2_id,omitempty"`
	L2Addr     uint64 `json:"l2_addr,omitempty"`
	L1ID       uint32 `json:"l1_id,omitempty"`
	L1Addr     uint64 `json:"l1_addr,omitempty"`
	FabricSize uint32 `json:"fabric_size,omitempty"`
	Direction  string `json:"direction,omitempty"`
	StreamType string `json:"stream_type,omitempty"`
	BiasAddr   uint64 `json:"bias_addr,omitempty"`
	HasBias    bool   `json:"has_bias,omitempty"`
	Activation string `json:"activation,omitempty"`
	RowStride  uint32 `json:"row_stride,omitempty"`

	// Sync
	Mask uint32 `json:"mask,omitempty"`
}

type jsonAlloc struct {
	Address uint64 `json:"address"`
	Size    uint64 `json:"size"`
	Label   string `json:"label"`
}

type jsonHeader struct {
	Name     string `json:"name"`
	M        uint64 `json:"m"`
	N        uint64 `json:"n"`
	K        uint64 `json:"k"`
	Ti       uint64 `json:"ti"`
	Tj       uint64 `json:"tj"`
	Tk       uint64 `json:"tk"`
	L1Ki     uint64 `json:"l1_ki"`
	Dataflow string `json:"dataflow"`
}

type jsonMemoryMap struct {
	ABase    uint64      `json:"a_base"`
	BBase    uint64      `json:"b_base"`
	CBase    uint64      `json:"c_base"`
	BiasBase uint64      `json:"bias_base,omitempty"`
	HasBias  bool        `json:"has_bias,omitempty"`
	L3Allocs []jsonAlloc `json:"l3_allocs"`
	L2Allocs []jsonAlloc `json:"l2_allocs"`
}

type jsonEstimates struct {
	TotalCycles    uint64  `json:"total_cycles"`
	ExternalBytes  uint64  `json:"ext_bytes"`
	L3Bytes        uint64  `json:"l3_bytes"`
	L2Bytes        uint64  `json:"l2_bytes"`
	ArithIntensity float64 `json:"arith_intensity"`
	GFLOPS         float64 `json:"est_gflops"`
}

type jsonProgram struct {
	Header       jsonHeader        `json:"header"`
	Instructions []jsonInstruction `json:"instructions"`
	MemoryMap    jsonMemoryMap     `json:"memory_map"`
	Estimates    jsonEstimates     `json:"estimates"`
}

var opcodeNames = map[Opcode]string{}
var namesToOpcode = map[string]Opcode{}

func init() {
	for op := LoadTile; op <= Halt; op++ {
		opcodeNames[op] = op.String()
		namesToOpcode[op.String()] = op
	}
}

func transformName(t Transform) string {
	switch t {
	case Identity:
		return "identity"
	case Transpose:
		return "transpose"
	case BlockReshape:
		return "block_reshape"
	default:
		return "identity"
	}
}

func transformFromName(s string) Transform {
	switch s {
	case "transpose":
		return Transpose
	case "block_reshape":
		return BlockReshape
	default:
		return Identity
	}
}

func directionName(d Direction) string {
	if d == L1ToL2 {
		return "l1_to_l2"
	}
	return "l2_to_l1"
}

func directionFromName(s string) Direction {
	if s == "l1_to_l2" {
		return L1ToL2
	}
	return L2ToL1
}

func streamTypeName(s StreamType) string {
	if s == ColStream {
		return "col"
	}
	return "row"
}

func streamTypeFromName(s string) StreamType {
	if s == "col" {
		return ColStream
	}
	return RowStream
}

func blockDirectionName(d TransferDirection) string {
	if d == L2ToL3 {
		return "l2_to_l3"
	}
	return "l3_to_l2"
}

func blockDirectionFromName(s string) TransferDirection {
	if s == "l2_to_l3" {
		return L2ToL3
	}
	return L3ToL2
}

func toJSONOperand(op Opcode, o Operands) jsonOperand {
	var j jsonOperand
	switch operandType(op) {
	case 0:
		d := o.DMA
		j.Matrix = d.Matrix.String()
		j.Ti, j.Tj, j.Tk = d.Tile.Ti, d.Tile.Tj, d.Tile.Tk
		j.L3Offset = uint64(d.L3Offset)
		j.Size = uint64(d.Size)
		j.BufferSlot = d.BufferSlot
	case 1:
		b := o.BlockMover
		j.SrcID = uint32(b.SrcID)
		j.SrcOffset = uint64(b.SrcOffset)
		j.DstID = uint32(b.DstID)
		j.DstOffset = uint64(b.DstOffset)
		j.BlockDirection = blockDirectionName(b.Direction)
		j.Height, j.Width = b.Height, b.Width
		j.ElementSize = uint64(b.ElementSize)
		j.Transform = transformName(b.Transform)
	case 2:
		s := o.Streamer
		j.L2ID = uint32(s.L2ID)
		j.L2Addr = uint64(s.L2Addr)
		j.L1ID = uint32(s.L1ID)
		j.L1Addr = uint64(s.L1Addr)
		j.Height, j.Width = s.Height, s.Width
		j.FabricSize = s.FabricSize
		j.Direction = directionName(s.Direction)
		j.StreamType = streamTypeName(s.StreamType)
		j.BiasAddr = uint64(s.BiasAddr)
		j.HasBias = s.HasBias
		j.Activation = s.Activation.String()
		j.RowStride = s.RowStride
	case 3:
		j.Mask = o.Sync.Mask
	}
	return j
}

func fromJSONOperand(op Opcode, j jsonOperand) Operands {
	var o Operands
	switch operandType(op) {
	case 0:
		o.DMA = DMAOperands{
			Matrix:     matrixFromName(j.Matrix),
			Tile:       TileCoord{Ti: j.Ti, Tj: j.Tj, Tk: j.Tk},
			L3Offset:   kpuAddress(j.L3Offset),
			Size:       kpuSize(j.Size),
			BufferSlot: j.BufferSlot,
		}
	case 1:
		o.BlockMover = BlockMoverOperands{
			SrcID:       kpu.InstanceID(j.SrcID),
			SrcOffset:   kpuAddress(j.SrcOffset),
			DstID:       kpu.InstanceID(j.DstID),
			DstOffset:   kpuAddress(j.DstOffset),
			Direction:   blockDirectionFromName(j.BlockDirection),
			Height:      j.Height,
			Width:       j.Width,
			ElementSize: kpuSize(j.ElementSize),
			Transform:   transformFromName(j.Transform),
		}
	case 2:
		o.Streamer = StreamerOperands{
			L2ID:       kpu.InstanceID(j.L2ID),
			L2Addr:     kpuAddress(j.L2Addr),
			L1ID:       kpu.InstanceID(j.L1ID),
			L1Addr:     kpuAddress(j.L1Addr),
			Height:     j.Height,
			Width:      j.Width,
			FabricSize: j.FabricSize,
			Direction:  directionFromName(j.Direction),
			StreamType: streamTypeFromName(j.StreamType),
			BiasAddr:   kpuAddress(j.BiasAddr),
			HasBias:    j.HasBias,
			Activation: activationFromName(j.Activation),
			RowStride:  j.RowStride,
		}
	case 3:
		o.Sync.Mask = j.Mask
	}
	return o
}

func matrixFromName(s string) MatrixID {
	switch s {
	case "B":
		return MatrixB
	case "C":
		return MatrixC
	case "Bias":
		return MatrixBias
	default:
		return MatrixA
	}
}

func activationFromName(s string) Activation {
	switch s {
	case "relu":
		return ActivationReLU
	case "gelu":
		return ActivationGELU
	case "sigmoid":
		return ActivationSigmoid
	case "tanh":
		return ActivationTanh
	case "silu":
		return ActivationSiLU
	case "softplus":
		return ActivationSoftplus
	case "leaky_relu":
		return ActivationLeakyReLU
	default:
		return ActivationNone
	}
}

// MarshalJSON renders the program as the .kpujson mirror described in
// spec §6.
func (p *Program) MarshalJSON() ([]byte, error) {
	jp := jsonProgram{
		Header: jsonHeader{
			Name: p.Name, M: uint64(p.Dims.M), N: uint64(p.Dims.N), K: uint64(p.Dims.K),
			Ti: uint64(p.Tiles.Ti), Tj: uint64(p.Tiles.Tj), Tk: uint64(p.Tiles.Tk), L1Ki: uint64(p.Tiles.L1Ki),
			Dataflow: p.Dataflow.String(),
		},
		MemoryMap: jsonMemoryMap{
			ABase: uint64(p.MemoryMap.ABase), BBase: uint64(p.MemoryMap.BBase), CBase: uint64(p.MemoryMap.CBase),
			BiasBase: uint64(p.MemoryMap.BiasBase), HasBias: p.MemoryMap.HasBias,
		},
		Estimates: jsonEstimates{
			TotalCycles: uint64(p.Estimates.TotalCycles), ExternalBytes: uint64(p.Estimates.ExternalBytes),
			L3Bytes: uint64(p.Estimates.L3Bytes), L2Bytes: uint64(p.Estimates.L2Bytes),
			ArithIntensity: p.Estimates.ArithIntensity, GFLOPS: p.Estimates.GFLOPS,
		},
	}
	for _, a := range p.MemoryMap.L3Allocs {
		jp.MemoryMap.L3Allocs = append(jp.MemoryMap.L3Allocs, jsonAlloc{Address: uint64(a.Address), Size: uint64(a.Size), Label: a.Label})
	}
	for _, a := range p.MemoryMap.L2Allocs {
		jp.MemoryMap.L2Allocs = append(jp.MemoryMap.L2Allocs, jsonAlloc{Address: uint64(a.Address), Size: uint64(a.Size), Label: a.Label})
	}
	for _, instr := range p.Instructions {
		jp.Instructions = append(jp.Instructions, jsonInstruction{
			Opcode:        instr.Opcode.String(),
			InstructionID: instr.InstructionID,
			EarliestCycle: uint64(instr.EarliestCycle),
			DeadlineCycle: uint64(instr.DeadlineCycle),
			Deps:          instr.Deps,
			Label:         instr.Label,
			Operands:      toJSONOperand(instr.Opcode, instr.Operands),
		})
	}
	return json.MarshalIndent(jp, "", "  ")
}

// UnmarshalJSON parses the .kpujson mirror back into p.
func (p *Program) UnmarshalJSON(data []byte) error {
	var jp jsonProgram
	if err := json.Unmarshal(data, &jp); err != nil {
		return err
	}
	p.Name = jp.Header.Name
	p.Dims = Dims{M: kpuSize(jp.Header.M), N: kpuSize(jp.Header.N), K: kpuSize(jp.Header.K)}
	p.Tiles = Tiles{Ti: kpuSize(jp.Header.Ti), Tj: kpuSize(jp.Header.Tj), Tk: kpuSize(jp.Header.Tk), L1Ki: kpuSize(jp.Header.L1Ki)}
	p.Dataflow = dataflowFromName(jp.Header.Dataflow)

	p.MemoryMap.ABase = kpuAddress(jp.MemoryMap.ABase)
	p.MemoryMap.BBase = kpuAddress(jp.MemoryMap.BBase)
	p.MemoryMap.CBase = kpuAddress(jp.MemoryMap.CBase)
	p.MemoryMap.BiasBase = kpuAddress(jp.MemoryMap.BiasBase)
	p.MemoryMap.HasBias = jp.MemoryMap.HasBias
	for _, a := range jp.MemoryMap.L3Allocs {
		p.MemoryMap.L3Allocs = append(p.MemoryMap.L3Allocs, Alloc{Address: kpuAddress(a.Address), Size: kpuSize(a.Size), Label: a.Label})
	}
	for _, a := range jp.MemoryMap.L2Allocs {
		p.MemoryMap.L2Allocs = append(p.MemoryMap.L2Allocs, Alloc{Address: kpuAddress(a.Address), Size: kpuSize(a.Size), Label: a.Label})
	}

	p.Estimates = Estimates{
		TotalCycles: kpuCycle(jp.Estimates.TotalCycles), ExternalBytes: kpuSize(jp.Estimates.ExternalBytes),
		L3Bytes: kpuSize(jp.Estimates.L3Bytes), L2Bytes: kpuSize(jp.Estimates.L2Bytes),
		ArithIntensity: jp.Estimates.ArithIntensity, GFLOPS: jp.Estimates.GFLOPS,
	}

	p.Instructions = make([]Instruction, 0, len(jp.Instructions))
	for _, ji := range jp.Instructions {
		op := namesToOpcode[ji.Opcode]
		p.Instructions = append(p.Instructions, Instruction{
			Opcode:        op,
			InstructionID: ji.InstructionID,
			EarliestCycle: kpuCycle(ji.EarliestCycle),
			DeadlineCycle: kpuCycle(ji.DeadlineCycle),
			Deps:          ji.Deps,
			Label:         ji.Label,
			Operands:      fromJSONOperand(op, ji.Operands),
		})
	}
	return nil
}

func dataflowFromName(s string) Dataflow {
	switch s {
	case "weight_stationary":
		return WeightStationary
	case "input_stationary":
		return InputStationary
	default:
		return OutputStationary
	}
}

