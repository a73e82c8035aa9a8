package compiler

import (
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/build"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/tileopt"
)

func newTestCompiler() *Compiler {
	l3 := alloc.NewTracking(0, 1<<20)
	l2 := alloc.NewTracking(0, 1<<20)
	cache := isa.NewTileCache(1 << 20)
	b := build.NewBuilder(l3, l2, cache, 0, 0, 0)
	h := tileopt.Hierarchy{L3TileCapacity: 1 << 20, L2BankCapacity: 48 * 1024, L1BufferCap: 16 * 1024, NumL3: 1, NumL2: 1, NumL1: 1}
	profile := HardwareProfile{
		NumDMA: 1, NumBlockMovers: 1, NumStreamers: 1, NumVectorEngines: 1,
		DMABytesPerCycle: 64, BlockMoverBytesPerCycle: 64, VectorWidth: 8,
	}
	return NewCompiler(b, h, profile, 1.0)
}

func TestCompileMatmul_AutoTilesProducesRunnableProgram(t *testing.T) {
	c := newTestCompiler()
	dims := isa.Dims{M: 64, N: 64, K: 64}
	ext := build.ExternalBases{A: 0x1000, B: 0x2000, C: 0x3000}

	k, err := c.CompileMatmul("mm", dims, ext, Options{DType: kpu.Float32})
	if err != nil {
		t.Fatalf("CompileMatmul: %v", err)
	}
	if k.Program == nil || len(k.Program.Instructions) == 0 {
		t.Fatal("expected a non-empty compiled program")
	}
	if len(k.Inputs) != 2 || k.Inputs[0].Name != "A" || k.Inputs[1].Name != "B" {
		t.Errorf("Inputs = %+v, want [A,B]", k.Inputs)
	}
	if k.Output.Name != "C" || k.Output.Rows != dims.M || k.Output.Cols != dims.N {
		t.Errorf("Output = %+v, want C[%d,%d]", k.Output, dims.M, dims.N)
	}

	stats := c.LastStats()
	if stats.Tiles.Ti == 0 {
		t.Error("expected auto-optimized tiles to be recorded in stats")
	}
	if stats.InstructionCounts["LOAD_TILE"] == 0 {
		t.Errorf("InstructionCounts = %+v, want a nonzero LOAD_TILE count", stats.InstructionCounts)
	}
	if stats.ExternalBytes == 0 {
		t.Error("expected a nonzero external byte-traffic estimate")
	}
	if stats.ArithIntensity <= 0 {
		t.Error("expected a positive arithmetic intensity")
	}
}

func TestCompileMatmul_ExplicitTilesSkipOptimizer(t *testing.T) {
	c := newTestCompiler()
	dims := isa.Dims{M: 4, N: 4, K: 4}
	ext := build.ExternalBases{A: 0, B: 0x100, C: 0x200}

	k, err := c.CompileMatmul("mm-explicit", dims, ext, Options{
		Tiles: tileopt.TileConfig{Ti: 4, Tj: 4, Tk: 4, L1Ki: 4},
	})
	if err != nil {
		t.Fatalf("CompileMatmul: %v", err)
	}
	if c.LastStats().Tiles.Ti != 4 {
		t.Errorf("Tiles.Ti = %d, want 4 (explicit, not optimized)", c.LastStats().Tiles.Ti)
	}
	_ = k
}

func TestCompileMatmul_AutoDataflowPicksWeightStationaryForTallK(t *testing.T) {
	c := newTestCompiler()
	dims := isa.Dims{M: 16, N: 16, K: 4096} // K >> M
	ext := build.ExternalBases{A: 0, B: 0x10000, C: 0x20000}

	_, err := c.CompileMatmul("tall-k", dims, ext, Options{
		Tiles: tileopt.TileConfig{Ti: 16, Tj: 16, Tk: 16, L1Ki: 16},
	})
	if err != nil {
		t.Fatalf("CompileMatmul: %v", err)
	}
	if c.LastStats().Dataflow != isa.WeightStationary {
		t.Errorf("Dataflow = %v, want weight_stationary for K>>M", c.LastStats().Dataflow)
	}
}

func TestCompileMLP_InsertsBiasArgumentBeforeOutput(t *testing.T) {
	c := newTestCompiler()
	dims := isa.Dims{M: 4, N: 4, K: 4}
	ext := build.ExternalBases{A: 0, B: 0x100, C: 0x200, Bias: 0x300}

	k, err := c.CompileMLP("mlp", dims, isa.ActivationReLU, ext, Options{
		Tiles: tileopt.TileConfig{Ti: 4, Tj: 4, Tk: 4, L1Ki: 4},
	})
	if err != nil {
		t.Fatalf("CompileMLP: %v", err)
	}
	if len(k.Inputs) != 3 || k.Inputs[2].Name != "bias" {
		t.Fatalf("Inputs = %+v, want A,B,bias", k.Inputs)
	}
	if k.Inputs[2].Base != ext.Bias || k.Inputs[2].Cols != dims.N {
		t.Errorf("bias argument = %+v, want base=%d cols=%d", k.Inputs[2], ext.Bias, dims.N)
	}

	foundFused := false
	for _, instr := range k.Program.Instructions {
		if instr.Opcode == isa.DrainOutputBiasActivation {
			foundFused = true
		}
	}
	if !foundFused {
		t.Error("expected the MLP program to use the fused bias/activation drain opcode")
	}
}

func TestCompileMatmul_RejectsZeroDimension(t *testing.T) {
	c := newTestCompiler()
	_, err := c.CompileMatmul("bad", isa.Dims{M: 0, N: 4, K: 4}, build.ExternalBases{}, Options{
		Tiles: tileopt.TileConfig{Ti: 4, Tj: 4, Tk: 4, L1Ki: 4},
	})
	if err == nil {
		t.Fatal("expected an error for a zero problem dimension")
	}
}

func TestCompileMatmul_PropagatesTileOptimizerFailure(t *testing.T) {
	c := newTestCompiler()
	c.Hierarchy = tileopt.Hierarchy{} // too small to fit any tile
	_, err := c.CompileMatmul("bad-hierarchy", isa.Dims{M: 64, N: 64, K: 64}, build.ExternalBases{}, Options{})
	if err == nil {
		t.Fatal("expected the tile optimizer's failure to propagate")
	}
}
