package build

import (
	"testing"

	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/isa"
)

func newTestBuilder() *Builder {
	l3 := alloc.NewBump(0, 1<<20)
	l2 := alloc.NewBump(0, 1<<20)
	cache := isa.NewTileCache(1 << 20)
	return NewBuilder(l3, l2, cache, 0, 0, 0)
}

func TestBuild_SingleTileMatmul_ProducesValidProgram(t *testing.T) {
	b := newTestBuilder()
	dims := isa.Dims{M: 2, N: 2, K: 2}
	tiles := isa.Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2}

	p, err := b.Build("test-2x2", dims, tiles, ExternalBases{}, Options{Dataflow: isa.OutputStationary})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if err := p.ValidateDeps(); err != nil {
		t.Errorf("ValidateDeps: %v", err)
	}

	last := p.Instructions[len(p.Instructions)-1]
	if last.Opcode != isa.Halt {
		t.Errorf("last instruction = %v, want HALT", last.Opcode)
	}

	var sawLoadA, sawLoadB, sawFeedRows, sawFeedCols, sawDrain, sawStore, sawBarrier bool
	for _, instr := range p.Instructions {
		switch instr.Opcode {
		case isa.LoadTile:
			if instr.Operands.DMA.Matrix == isa.MatrixA {
				sawLoadA = true
			} else if instr.Operands.DMA.Matrix == isa.MatrixB {
				sawLoadB = true
			}
		case isa.FeedRows:
			sawFeedRows = true
		case isa.FeedCols:
			sawFeedCols = true
		case isa.DrainOutput:
			sawDrain = true
		case isa.StoreTile:
			sawStore = true
		case isa.Barrier:
			sawBarrier = true
		}
	}
	for name, got := range map[string]bool{
		"LOAD_TILE(A)": sawLoadA, "LOAD_TILE(B)": sawLoadB, "FEED_ROWS": sawFeedRows,
		"FEED_COLS": sawFeedCols, "DRAIN_OUTPUT": sawDrain, "STORE_TILE": sawStore, "BARRIER": sawBarrier,
	} {
		if !got {
			t.Errorf("expected the emitted program to contain a %s instruction", name)
		}
	}
}

func TestBuild_FusedBiasActivation_UsesBiasActivationDrain(t *testing.T) {
	b := newTestBuilder()
	dims := isa.Dims{M: 2, N: 2, K: 2}
	tiles := isa.Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2}

	p, err := b.Build("mlp-2x2", dims, tiles, ExternalBases{Bias: 0x9000}, Options{
		Dataflow: isa.OutputStationary, HasBias: true, Activation: isa.ActivationReLU,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	found := false
	sawLoadBias := false
	for _, instr := range p.Instructions {
		if instr.Opcode == isa.LoadTile && instr.Operands.DMA.Matrix == isa.MatrixBias {
			sawLoadBias = true
		}
		if instr.Opcode == isa.DrainOutputBiasActivation {
			found = true
			if !instr.Operands.Streamer.HasBias {
				t.Error("expected HasBias to be set on the fused drain")
			}
			if instr.Operands.Streamer.Activation != isa.ActivationReLU {
				t.Errorf("Activation = %v, want ReLU", instr.Operands.Streamer.Activation)
			}
			if instr.Operands.Streamer.BiasAddr == 0x9000 {
				t.Error("drain's BiasAddr should be the staged L1 address, not the raw external bias address")
			}
		}
		if instr.Opcode == isa.DrainOutput {
			t.Error("expected the plain DRAIN_OUTPUT opcode not to appear when bias/activation are configured")
		}
	}
	if !found {
		t.Fatal("expected a DRAIN_OUTPUT_BIAS_ACTIVATION instruction")
	}
	if !sawLoadBias {
		t.Error("expected a LOAD_TILE(Bias) instruction staging the bias vector into L3")
	}
}

func TestBuild_MultiTileMatmul_ReusesSharedTilesViaCache(t *testing.T) {
	b := newTestBuilder()
	// A 2x4x2 problem with 2x2x2 tiles: two tj columns share the same
	// A-tile at (ti=0,tk=0), which should only be loaded once.
	dims := isa.Dims{M: 2, N: 4, K: 2}
	tiles := isa.Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2}

	p, err := b.Build("reuse", dims, tiles, ExternalBases{}, Options{Dataflow: isa.OutputStationary})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	loadACount := 0
	for _, instr := range p.Instructions {
		if instr.Opcode == isa.LoadTile && instr.Operands.DMA.Matrix == isa.MatrixA {
			loadACount++
		}
	}
	if loadACount != 1 {
		t.Errorf("LOAD_TILE(A) count = %d, want 1 (shared across both tj columns via the tile cache)", loadACount)
	}
}

func TestBuild_RejectsZeroTileDimension(t *testing.T) {
	b := newTestBuilder()
	_, err := b.Build("bad", isa.Dims{M: 2, N: 2, K: 2}, isa.Tiles{}, ExternalBases{}, Options{})
	if err == nil {
		t.Fatal("expected an error for a zero tile dimension")
	}
}

func TestBuild_WeightStationary_TransposesB(t *testing.T) {
	b := newTestBuilder()
	dims := isa.Dims{M: 2, N: 2, K: 2}
	tiles := isa.Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2}

	p, err := b.Build("ws", dims, tiles, ExternalBases{}, Options{Dataflow: isa.WeightStationary})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, instr := range p.Instructions {
		if instr.Opcode == isa.TransposeTile {
			found = true
			if instr.Operands.BlockMover.Transform != isa.Transpose {
				t.Error("expected TRANSPOSE_TILE to carry the Transpose transform")
			}
		}
	}
	if !found {
		t.Fatal("expected a TRANSPOSE_TILE instruction for weight-stationary dataflow")
	}
}
