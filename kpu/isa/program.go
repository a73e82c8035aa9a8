package isa

import "github.com/stillwater-sc/kpusim/kpu"

// Dataflow tags the scheduling pattern a program implements (glossary).
type Dataflow uint8

const (
	OutputStationary Dataflow = iota
	WeightStationary
	InputStationary
)

func (d Dataflow) String() string {
	switch d {
	case OutputStationary:
		return "output_stationary"
	case WeightStationary:
		return "weight_stationary"
	case InputStationary:
		return "input_stationary"
	default:
		return "unknown"
	}
}

// Dims holds the matmul problem shape M,N,K.
type Dims struct {
	M, N, K kpu.Size
}

// Tiles holds the tile shape chosen for a program, plus the L1 K-chunk
// size used to feed the systolic array (spec §3).
type Tiles struct {
	Ti, Tj, Tk kpu.Size
	L1Ki       kpu.Size
}

// Alloc mirrors alloc.Record for the purposes of a program's memory map:
// it's the subset of fields a consumer of a compiled program needs to
// know about an L3/L2 allocation without depending on package alloc.
type Alloc struct {
	Address kpu.Address
	Size    kpu.Size
	Label   string
}

// MemoryMap records the base addresses and backing allocations a program
// expects its arguments and scratch tiles to occupy.
type MemoryMap struct {
	ABase, BBase, CBase kpu.Address
	BiasBase            kpu.Address // valid only when the program has a bias argument
	HasBias             bool
	L3Allocs            []Alloc
	L2Allocs            []Alloc
}

// Estimates are the compiler's analytical cost-model output for a program.
type Estimates struct {
	TotalCycles    kpu.Cycle
	ExternalBytes  kpu.Size
	L3Bytes        kpu.Size
	L2Bytes        kpu.Size
	ArithIntensity float64 // FLOPs per byte of external traffic
	GFLOPS         float64
}

// Program is the immutable, compiled artifact a kernel wraps and an
// executor runs. Produced once by the program builder; executable many
// times against different argument base addresses (spec §3 Lifecycle).
type Program struct {
	Name         string
	Dims         Dims
	Tiles        Tiles
	Dataflow     Dataflow
	Instructions []Instruction
	MemoryMap    MemoryMap
	Estimates    Estimates
}

// ByID returns the instruction with the given id, or false if absent.
// Instruction ids are dense and match the program's emission order in
// every program this compiler emits, but callers should not assume that;
// ByID is the contract.
func (p *Program) ByID(id uint32) (Instruction, bool) {
	for _, instr := range p.Instructions {
		if instr.InstructionID == id {
			return instr, true
		}
	}
	return Instruction{}, false
}

// ValidateDeps checks invariant 2 from spec §3: every id in an
// instruction's Deps is strictly lower than its own InstructionID.
func (p *Program) ValidateDeps() error {
	return validateDeps(p.Instructions)
}
