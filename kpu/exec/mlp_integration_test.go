package exec

import (
	"math"
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/addr"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/build"
	"github.com/stillwater-sc/kpusim/kpu/engine"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/mem"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// TestSequential_RunsAnMLPDrainWithBiasAndActivation exercises a fused
// C = relu(A@B + bias) program end to end, confirming the bias vector the
// builder stages through L3/L2/L1 lands at the drain with the correct
// values rather than whatever the external bias address happens to alias
// in L1 (spec §8 scenario 2).
func TestSequential_RunsAnMLPDrainWithBiasAndActivation(t *testing.T) {
	const l3DecoderBase = kpu.Address(0x10000)

	d := addr.NewDecoder()
	if err := d.AddRegion(0, 1<<16, kpu.External, 0, "ext0"); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	if err := d.AddRegion(l3DecoderBase, 1<<16, kpu.L3Tile, 0, "l3.0"); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
	reg := engine.NewRegistry(d)

	ext := mem.NewExternalBuffer(0, 1<<16, 64)
	l3 := mem.NewL3TileBuffer(0, 1<<16)
	l2 := mem.NewL2BankBuffer(0, 1<<16, 64)
	l1 := mem.NewL1Buffer(0, 1<<16)
	reg.Register(ext)
	reg.Register(l3)
	reg.Register(l2)
	reg.Register(l1)

	aBase, bBase, cBase, biasBase := kpu.Size(0), kpu.Size(32), kpu.Size(64), kpu.Size(96)
	putF32Matrix(t, ext, aBase, []float32{1, 2, 3, 4})
	putF32Matrix(t, ext, bBase, []float32{2, 0, 1, 2})
	putF32Matrix(t, ext, biasBase, []float32{-5, 1})

	logger := trace.NewLogger()
	hw := &Hardware{
		Registry:      reg,
		DMAs:          []*engine.DMA{engine.NewDMA(0, reg, 1000, logger)},
		BlockMovers:   []*engine.BlockMover{engine.NewBlockMover(0, reg, 1000, logger)},
		Streamers:     []*engine.Streamer{engine.NewStreamer(0, reg, logger)},
		VectorEngines: []*engine.VectorEngine{engine.NewVectorEngine(0, reg, engine.DefaultVectorWidth, logger)},
		Fabric:        engine.NewBasicMatmul(0, reg, logger),
		Logger:        logger,
	}

	l3Alloc := alloc.NewBump(0, 1<<16)
	l2Alloc := alloc.NewBump(0, 1<<16)
	cache := isa.NewTileCache(1 << 16)
	builder := build.NewBuilder(l3Alloc, l2Alloc, cache, 0, 0, l3DecoderBase)

	dims := isa.Dims{M: 2, N: 2, K: 2}
	tiles := isa.Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2}
	p, err := builder.Build("e2e-mlp-2x2", dims, tiles,
		build.ExternalBases{A: kpu.Address(aBase), B: kpu.Address(bBase), C: kpu.Address(cBase), Bias: kpu.Address(biasBase)},
		build.Options{Dataflow: isa.OutputStationary, HasBias: true, Activation: isa.ActivationReLU})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !p.MemoryMap.HasBias {
		t.Fatalf("MemoryMap.HasBias = false, want true")
	}
	if p.MemoryMap.BiasBase != kpu.Address(biasBase) {
		t.Errorf("MemoryMap.BiasBase = %v, want %v", p.MemoryMap.BiasBase, biasBase)
	}

	s := NewSequential(hw, p, kpu.Address(aBase), kpu.Address(bBase), kpu.Address(cBase), kpu.Address(biasBase))
	ok, cycle, stats := s.Run(100000)
	if !ok {
		t.Fatalf("Run did not complete: state=%v err=%v cycle=%d", s.State(), s.Err(), cycle)
	}
	if stats.ComputeOps != 1 {
		t.Errorf("ComputeOps = %d, want 1", stats.ComputeOps)
	}

	// A@B = {4,4,10,8}; + bias {-5,1} broadcast per column -> {-1,5,5,9};
	// relu -> {0,5,5,9}.
	got := readF32Matrix(t, ext, cBase, 4)
	want := []float32{0, 5, 5, 9}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-4 {
			t.Errorf("C[%d] = %v, want %v (got %v)", i, got[i], want[i], got)
		}
	}
}
