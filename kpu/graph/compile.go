package graph

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/isa"
)

// CompileOptions configures a graph compile (spec §4.14 "Lowering").
// AllowFusion narrows the original's four-strategy FusionStrategy down
// to the one strategy this package implements: producer-consumer store
// /load elision (see canFuse). InsertGlobalBarriers controls whether a
// BARRIER is inserted between non-fused pairs; false only makes sense
// when the caller independently guarantees ordering.
type CompileOptions struct {
	AllowFusion          bool
	InsertGlobalBarriers bool
}

// DefaultCompileOptions matches the original's KernelGraphCompileOptions
// defaults (fusion and global barriers both on).
func DefaultCompileOptions() CompileOptions {
	return CompileOptions{AllowFusion: true, InsertGlobalBarriers: true}
}

// CompileResult is the outcome of lowering a graph to a single program
// (spec §4.14's KernelGraphCompileResult).
type CompileResult struct {
	Program           *isa.Program
	ExecutionOrder    []NodeID
	FusedPairs        []FusedPair
	WorkspaceRequired kpu.Size
	Success           bool
	Err               error
}

// nameToMatrix maps an argument name to the DMA operand tag that
// identifies it in a compiled kernel's instruction stream. Only A/B/C
// are addressable this way; any other name (e.g. "bias") can't be
// elided and falls back to a barrier-joined, non-fused transition even
// if FusiblePairs reported the pair as eligible.
func nameToMatrix(name string) (isa.MatrixID, bool) {
	switch name {
	case "A":
		return isa.MatrixA, true
	case "B":
		return isa.MatrixB, true
	case "C":
		return isa.MatrixC, true
	default:
		return 0, false
	}
}

// Compile lowers the graph to a single concatenated program following
// topological order (spec §4.14 "Lowering"). For non-fused pairs a
// BARRIER is inserted between the producer's last instruction and the
// consumer's first; for fused pairs the producer's STORE_TILE and the
// consumer's matching LOAD_TILE are dropped, and the consumer's
// surviving instructions are rewired to depend on the producer's last
// surviving instruction instead, so ordering is preserved without the
// external round trip.
//
// Fusion here is structural: it shrinks instruction count and the
// byte-traffic estimate exactly as the original demonstrates, but (like
// the original, whose own demo only ever executes the unfused
// compile_sequential() result) it does not rewrite the consumer's
// block-mover/streamer operands to alias the producer's L3 residency,
// so a fused program's dropped DMA instructions are a cost-model
// artifact, not something this package claims is safe to run against
// real engines — CompileSequential is the variant meant for that.
func (g *Graph) Compile(opts CompileOptions) *CompileResult {
	order, err := g.TopologicalOrder()
	if err != nil {
		return &CompileResult{Success: false, Err: err}
	}

	fusedConsumer, fused := g.resolveFusion(opts)

	var out []isa.Instruction
	var nextID uint32
	prevGlobalLast := -1 // global id of the last kept instruction overall, -1 before the first node
	producerLastKept := make(map[NodeID]uint32)
	var workspace kpu.Size

	for _, n := range order {
		k, _ := g.Kernel(n)
		if k == nil || k.Program == nil {
			return &CompileResult{Success: false, Err: fmt.Errorf("graph: node %d has no compiled program", n)}
		}
		for _, a := range k.Program.MemoryMap.L3Allocs {
			workspace += a.Size
		}
		for _, a := range k.Program.MemoryMap.L2Allocs {
			workspace += a.Size
		}

		fp, isFusedConsumer := fusedConsumer[n]
		var dropLoadMatrix isa.MatrixID
		if isFusedConsumer {
			dropLoadMatrix, _ = nameToMatrix(g.edges[fp.EdgeIndex].InputName)
		}

		var dropStoreMatrix isa.MatrixID
		dropStore := false
		for _, outEi := range g.nodes[n].out {
			if !isElidable(g, outEi, opts) {
				continue
			}
			if mid, ok := nameToMatrix(g.edges[outEi].OutputName); ok {
				dropStoreMatrix, dropStore = mid, true
				break
			}
		}

		// boundaryDep is what a node's first surviving, dep-less
		// instruction should depend on: the fused producer's last kept
		// instruction when fused, or a freshly inserted BARRIER otherwise.
		boundaryDep := -1
		if isFusedConsumer {
			if gdep, ok := producerLastKept[fp.Producer]; ok {
				boundaryDep = int(gdep)
			}
		} else if opts.InsertGlobalBarriers && prevGlobalLast >= 0 {
			barrier := isa.Instruction{
				Opcode:        isa.Barrier,
				InstructionID: nextID,
				Deps:          []uint32{uint32(prevGlobalLast)},
				Label:         "graph_barrier",
			}
			out = append(out, barrier)
			boundaryDep = int(barrier.InstructionID)
			nextID++
		}

		offset := nextID
		substitute := make(map[uint32]uint32)       // local removed id -> local replacement dep id
		globalSubstitute := make(map[uint32]uint32) // local removed id -> already-global replacement dep id
		haveLastKeptLocal := false
		var lastKeptLocal uint32
		lastKeptGlobal := -1

		for _, instr := range k.Program.Instructions {
			remove := instr.Opcode == isa.Halt
			if isFusedConsumer && instr.Opcode == isa.LoadTile && instr.Operands.DMA.Matrix == dropLoadMatrix {
				remove = true
			}
			if dropStore && instr.Opcode == isa.StoreTile && instr.Operands.DMA.Matrix == dropStoreMatrix {
				remove = true
			}

			if remove {
				switch {
				case haveLastKeptLocal:
					// anchor to the nearest preceding kept instruction so a
					// run of several removed instructions in a row all
					// resolve to the same, correct local id.
					substitute[instr.InstructionID] = lastKeptLocal
				case len(instr.Deps) > 0:
					substitute[instr.InstructionID] = instr.Deps[0]
				case boundaryDep >= 0:
					// this removed instruction was itself a dep-less entry
					// point (e.g. a LOAD_TILE with no predecessor); anchor
					// its dependents directly to the already-global
					// boundary dependency instead of a local id.
					globalSubstitute[instr.InstructionID] = uint32(boundaryDep)
				}
				continue
			}

			newDeps := make([]uint32, 0, len(instr.Deps))
			for _, d := range instr.Deps {
				if gd, ok := globalSubstitute[d]; ok {
					newDeps = append(newDeps, gd)
					continue
				}
				if sub, ok := substitute[d]; ok {
					d = sub
				}
				newDeps = append(newDeps, d+offset)
			}
			if len(newDeps) == 0 && boundaryDep >= 0 {
				newDeps = append(newDeps, uint32(boundaryDep))
			}

			newInstr := instr
			newInstr.InstructionID = instr.InstructionID + offset
			newInstr.Deps = newDeps
			out = append(out, newInstr)

			lastKeptLocal = instr.InstructionID
			haveLastKeptLocal = true
			lastKeptGlobal = int(newInstr.InstructionID)
			nextID = newInstr.InstructionID + 1
		}

		if lastKeptGlobal >= 0 {
			producerLastKept[n] = uint32(lastKeptGlobal)
			prevGlobalLast = lastKeptGlobal
		}
	}

	haltDeps := []uint32(nil)
	if prevGlobalLast >= 0 {
		haltDeps = []uint32{uint32(prevGlobalLast)}
	}
	out = append(out, isa.Instruction{Opcode: isa.Halt, InstructionID: nextID, Deps: haltDeps, Label: "halt"})

	program := &isa.Program{Name: g.Name, Instructions: out}
	if err := program.ValidateDeps(); err != nil {
		return &CompileResult{Success: false, Err: fmt.Errorf("graph: compiled program failed validation: %w", err)}
	}

	return &CompileResult{
		Program:           program,
		ExecutionOrder:    order,
		FusedPairs:        fused,
		WorkspaceRequired: workspace,
		Success:           true,
	}
}

// isElidable reports whether the edge at index ei is both structurally
// fusible and names A/B/C arguments on both ends, the subset of fusion
// this compiler can actually lower as a store/load elision.
func isElidable(g *Graph, ei int, opts CompileOptions) bool {
	if !opts.AllowFusion || !g.isFused(ei) {
		return false
	}
	e := g.edges[ei]
	if _, ok := nameToMatrix(e.OutputName); !ok {
		return false
	}
	_, ok := nameToMatrix(e.InputName)
	return ok
}

// resolveFusion collects the fused (producer,consumer) pairs this
// compile call will actually elide, keyed by consumer for quick lookup
// during emission.
func (g *Graph) resolveFusion(opts CompileOptions) (map[NodeID]FusedPair, []FusedPair) {
	fusedConsumer := make(map[NodeID]FusedPair)
	var fused []FusedPair
	if !opts.AllowFusion {
		return fusedConsumer, fused
	}
	for _, fp := range g.FusiblePairs() {
		if !isElidable(g, fp.EdgeIndex, opts) {
			continue
		}
		fused = append(fused, fp)
		fusedConsumer[fp.Consumer] = fp
	}
	return fusedConsumer, fused
}

// CompileSequential concatenates every kernel's program in topological
// order with a BARRIER between each pair and no fusion elision (spec
// §4.14's "compile_sequential": "Simply concatenates kernel programs
// with barriers between them. This is the simplest compilation
// strategy."). Unlike Compile, a CompileSequential result never drops a
// LOAD_TILE/STORE_TILE pair, so it is safe to execute against real
// engines node-by-node.
func (g *Graph) CompileSequential() *CompileResult {
	return g.Compile(CompileOptions{AllowFusion: false, InsertGlobalBarriers: true})
}
