// Package compiler wraps the tile optimizer (kpu/tileopt) and the
// output-stationary program builder (kpu/build) into a single
// compile_matmul/compile_mlp entry point (spec §4.13), producing a Kernel
// with its arguments populated and a CompilationStats summary.
//
// Grounded on src/compiler/kernel_compiler.cpp's resolve-optimize-build-wrap
// pipeline in original_source/, rendered in the teacher's facade-over-a-
// pipeline style (compare sim/config's layered construction: one
// long-lived struct, each method doing one stage, the result accumulated
// and handed back as a single value).
package compiler

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/build"
	"github.com/stillwater-sc/kpusim/kpu/exec"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/tileopt"
)

// Dataflow selects a compiled program's dataflow pattern. Auto defers to
// compile-time heuristics (spec §4.13 step 3).
type Dataflow int

const (
	Auto Dataflow = iota
	OutputStationary
	WeightStationary
	InputStationary
)

func (d Dataflow) isaDataflow() isa.Dataflow {
	switch d {
	case WeightStationary:
		return isa.WeightStationary
	case InputStationary:
		return isa.InputStationary
	default:
		return isa.OutputStationary
	}
}

// tallWeightRatio is the K/M ratio past which auto dataflow selection
// treats the weight matrix as "tall" and switches to weight-stationary
// (spec §4.13 "weight_stationary for tall weight matrix K≫M").
const tallWeightRatio = 4

func selectDataflow(d Dataflow, dims isa.Dims) isa.Dataflow {
	if d != Auto {
		return d.isaDataflow()
	}
	if dims.M > 0 && kpu.Size(dims.K) > tallWeightRatio*dims.M {
		return isa.WeightStationary
	}
	return isa.OutputStationary
}

// HardwareProfile describes the engine counts and bandwidths the compiler
// uses to estimate a compiled program's makespan via the concurrent
// executor (spec §4.10), independent of the profile the simulation itself
// runs against.
type HardwareProfile struct {
	NumDMA, NumBlockMovers, NumStreamers, NumVectorEngines int
	DMABytesPerCycle, BlockMoverBytesPerCycle               float64
	VectorWidth                                             uint32
	UseSystolic                                             bool
	SystolicRows, SystolicCols                              uint32
}

// Options configures one compile_matmul/compile_mlp call. A zero Tiles
// value triggers tile-optimizer auto-selection (spec §4.13 step 2).
type Options struct {
	Tiles           tileopt.TileConfig
	Strategy        tileopt.Strategy
	Dataflow        Dataflow
	DoubleBuffering bool
	FabricSize      uint32
	DType           kpu.DataType
}

// Argument names one matmul operand's shape, element type, and
// external-memory base address, as carried by a compiled Kernel.
type Argument struct {
	Name       string
	Rows, Cols kpu.Size
	DType      kpu.DataType
	Base       kpu.Address
}

// Kernel is a compiled program plus its populated argument list (spec
// §4.13 step 5: "Wrap into a Kernel with arguments populated").
type Kernel struct {
	Name    string
	Program *isa.Program
	Inputs  []Argument
	Output  Argument
}

// Arg looks up one of the kernel's named arguments, input or output (spec
// §4.14 edges name a producer output and a consumer input by string).
func (k *Kernel) Arg(name string) (Argument, bool) {
	if k.Output.Name == name {
		return k.Output, true
	}
	for _, in := range k.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return Argument{}, false
}

// CompilationStats summarizes one compile call: the chosen tile
// configuration and dataflow, per-opcode instruction counts, byte-traffic
// estimates by memory level, and derived arithmetic-intensity/throughput
// figures (spec §4.13 step 6).
type CompilationStats struct {
	Tiles             tileopt.TileConfig
	Dataflow          isa.Dataflow
	InstructionCounts map[string]int
	ExternalBytes     kpu.Size
	L3Bytes           kpu.Size
	L2Bytes           kpu.Size
	ArithIntensity    float64
	GFLOPS            float64
	TotalCycles       kpu.Cycle
}

// Compiler owns the long-lived resources a compile call threads through
// the builder: the memory hierarchy capacities the tile optimizer sizes
// against, the builder itself (and so its allocators and tile cache), and
// the hardware profile the makespan estimate runs against.
type Compiler struct {
	Hierarchy tileopt.Hierarchy
	Builder   *build.Builder
	Profile   HardwareProfile
	ClockGHz  float64

	lastStats CompilationStats
}

// NewCompiler creates a compiler over the given builder, hierarchy, and
// estimator profile. clockGHz converts a makespan in cycles into seconds
// for the GFLOPS estimate; 1.0 is a reasonable default absent a concrete
// target clock.
func NewCompiler(b *build.Builder, h tileopt.Hierarchy, profile HardwareProfile, clockGHz float64) *Compiler {
	return &Compiler{Hierarchy: h, Builder: b, Profile: profile, ClockGHz: clockGHz}
}

// LastStats returns the CompilationStats from the most recent successful
// compile call (spec §4.13 "Expose last_stats()").
func (c *Compiler) LastStats() CompilationStats { return c.lastStats }

// CompileMatmul lowers an MxNxK matmul into a Kernel (spec §4.13).
func (c *Compiler) CompileMatmul(name string, dims isa.Dims, ext build.ExternalBases, opts Options) (*Kernel, error) {
	return c.compile(name, dims, ext, opts, false, isa.ActivationNone)
}

// CompileMLP lowers an MxNxK matmul fused with a bias add and activation
// into a Kernel, inserting a bias[N] argument ahead of the output (spec
// §4.13 "compile_mlp ... additionally inserts bias[N] before C").
func (c *Compiler) CompileMLP(name string, dims isa.Dims, activation isa.Activation, ext build.ExternalBases, opts Options) (*Kernel, error) {
	return c.compile(name, dims, ext, opts, true, activation)
}

func (c *Compiler) compile(name string, dims isa.Dims, ext build.ExternalBases, opts Options, hasBias bool, activation isa.Activation) (*Kernel, error) {
	if dims.M == 0 || dims.N == 0 || dims.K == 0 {
		return nil, fmt.Errorf("compiler: zero problem dimension in %+v", dims)
	}

	tiles := opts.Tiles
	if tiles.Ti == 0 || tiles.Tj == 0 || tiles.Tk == 0 {
		optimized, err := tileopt.Optimize(dims.M, dims.N, dims.K, opts.DType, c.Hierarchy, opts.Strategy)
		if err != nil {
			return nil, fmt.Errorf("compiler: tile optimizer: %w", err)
		}
		tiles = optimized
	}

	dataflow := selectDataflow(opts.Dataflow, dims)

	program, err := c.Builder.Build(name, dims, tiles, ext, build.Options{
		Dataflow: dataflow, HasBias: hasBias, Activation: activation,
		DoubleBuffering: opts.DoubleBuffering, FabricSize: opts.FabricSize,
	})
	if err != nil {
		return nil, fmt.Errorf("compiler: %w", err)
	}

	stats := c.summarize(program, tiles, dataflow)
	program.Estimates = isa.Estimates{
		TotalCycles: stats.TotalCycles, ExternalBytes: stats.ExternalBytes,
		L3Bytes: stats.L3Bytes, L2Bytes: stats.L2Bytes,
		ArithIntensity: stats.ArithIntensity, GFLOPS: stats.GFLOPS,
	}
	program.MemoryMap.L3Allocs = allocRecords(c.Builder.L3Alloc)
	program.MemoryMap.L2Allocs = allocRecords(c.Builder.L2Alloc)
	c.lastStats = stats

	dtype := opts.DType
	k := &Kernel{
		Name: name, Program: program,
		Inputs: []Argument{
			{Name: "A", Rows: dims.M, Cols: dims.K, DType: dtype, Base: ext.A},
			{Name: "B", Rows: dims.K, Cols: dims.N, DType: dtype, Base: ext.B},
		},
		Output: Argument{Name: "C", Rows: dims.M, Cols: dims.N, DType: dtype, Base: ext.C},
	}
	if hasBias {
		k.Inputs = append(k.Inputs, Argument{Name: "bias", Rows: 1, Cols: dims.N, DType: dtype, Base: ext.Bias})
	}
	return k, nil
}

// summarize computes a CompilationStats from the emitted instructions and
// a makespan estimate from the concurrent executor (spec §4.13 step 6).
func (c *Compiler) summarize(p *isa.Program, tiles tileopt.TileConfig, dataflow isa.Dataflow) CompilationStats {
	counts := make(map[string]int)
	var extBytes, l3Bytes, l2Bytes kpu.Size
	elem := isa.L1ElementSize()

	for _, instr := range p.Instructions {
		counts[instr.Opcode.String()]++
		switch instr.Opcode {
		case isa.LoadTile, isa.StoreTile, isa.PrefetchTile:
			extBytes += instr.Operands.DMA.Size
		case isa.MoveTile, isa.TransposeTile, isa.WritebackTile, isa.ReshapeTile:
			b := instr.Operands.BlockMover
			l3Bytes += kpu.Size(b.Height) * kpu.Size(b.Width) * b.ElementSize
		case isa.FeedRows, isa.FeedCols, isa.DrainOutput, isa.DrainOutputBiasActivation:
			s := instr.Operands.Streamer
			l2Bytes += kpu.Size(s.Height) * kpu.Size(s.Width) * elem
		}
	}

	concurrent := exec.NewConcurrent(
		c.Profile.NumDMA, c.Profile.NumBlockMovers, c.Profile.NumStreamers, c.Profile.NumVectorEngines,
		c.Profile.DMABytesPerCycle, c.Profile.BlockMoverBytesPerCycle, c.Profile.VectorWidth,
		c.Profile.UseSystolic, c.Profile.SystolicRows, c.Profile.SystolicCols,
	)
	result := concurrent.Schedule(p)

	flops := 2 * float64(p.Dims.M) * float64(p.Dims.N) * float64(p.Dims.K)
	var arithIntensity, gflops float64
	if extBytes > 0 {
		arithIntensity = flops / float64(extBytes)
	}
	clock := c.ClockGHz
	if clock <= 0 {
		clock = 1.0
	}
	if result.Makespan > 0 {
		seconds := float64(result.Makespan) / (clock * 1e9)
		gflops = flops / 1e9 / seconds
	}

	return CompilationStats{
		Tiles: tiles, Dataflow: dataflow, InstructionCounts: counts,
		ExternalBytes: extBytes, L3Bytes: l3Bytes, L2Bytes: l2Bytes,
		ArithIntensity: arithIntensity, GFLOPS: gflops, TotalCycles: result.Makespan,
	}
}

// allocRecords converts an allocator's bookkeeping (when it tracks one —
// Bump does not) into the isa.Alloc slice a Program's MemoryMap carries.
func allocRecords(a alloc.Allocator) []isa.Alloc {
	tracked, ok := a.(interface{ Records() []alloc.Record })
	if !ok {
		return nil
	}
	records := tracked.Records()
	out := make([]isa.Alloc, 0, len(records))
	for _, r := range records {
		if r.Free {
			continue
		}
		out = append(out, isa.Alloc{Address: r.Address, Size: r.Size, Label: r.Label})
	}
	return out
}
