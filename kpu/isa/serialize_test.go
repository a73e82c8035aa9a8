package isa

import (
	"bytes"
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
)

func samplePrograms() []*Program {
	small := &Program{
		Name:     "matmul_2x2x2",
		Dims:     Dims{M: 2, N: 2, K: 2},
		Tiles:    Tiles{Ti: 2, Tj: 2, Tk: 2, L1Ki: 2},
		Dataflow: OutputStationary,
		Instructions: []Instruction{
			{
				Opcode:        LoadTile,
				InstructionID: 0,
				EarliestCycle: 0,
				DeadlineCycle: 100,
				Label:         "load_a_0_0",
				Operands: Operands{
					DMA: DMAOperands{
						Matrix:     MatrixA,
						Tile:       TileCoord{Ti: 0, Tj: 0, Tk: 0},
						L3Offset:   0x1000,
						Size:       256,
						BufferSlot: 1,
					},
				},
			},
			{
				Opcode:        MoveTile,
				InstructionID: 1,
				Deps:          []uint32{0},
				Label:         "move_a_to_l2",
				Operands: Operands{
					BlockMover: BlockMoverOperands{
						SrcID:       0,
						SrcOffset:   0x1000,
						DstID:       1,
						DstOffset:   0x2000,
						Direction:   L3ToL2,
						Height:      2,
						Width:       2,
						ElementSize: 4,
						Transform:   Transpose,
					},
				},
			},
			{
				Opcode:        DrainOutputBiasActivation,
				InstructionID: 2,
				Deps:          []uint32{1},
				Label:         "drain_c_with_relu",
				Operands: Operands{
					Streamer: StreamerOperands{
						L2ID:       1,
						L2Addr:     0x3000,
						L1ID:       0,
						L1Addr:     0x10,
						Height:     2,
						Width:      2,
						FabricSize: 2,
						Direction:  L1ToL2,
						StreamType: RowStream,
						BiasAddr:   0x4000,
						HasBias:    true,
						Activation: ActivationReLU,
						RowStride:  2,
					},
				},
			},
			{
				Opcode:        Barrier,
				InstructionID: 3,
				Deps:          []uint32{2},
				Label:         "barrier",
				Operands:      Operands{Sync: SyncOperands{Mask: 0xFFFFFFFF}},
			},
		},
		MemoryMap: MemoryMap{
			ABase: 0x1000, BBase: 0x1100, CBase: 0x1200,
			L3Allocs: []Alloc{{Address: 0x1000, Size: 256, Label: "a"}},
			L2Allocs: []Alloc{{Address: 0x2000, Size: 16, Label: "a_l2"}},
		},
		Estimates: Estimates{
			TotalCycles: 128, ExternalBytes: 512, L3Bytes: 256, L2Bytes: 32,
			ArithIntensity: 1.5, GFLOPS: 0.5,
		},
	}

	empty := &Program{Name: "empty", Dataflow: WeightStationary}

	return []*Program{small, empty}
}

func TestProgram_BinaryRoundTrip_IsByteIdentical(t *testing.T) {
	// GIVEN a program, serialized to .kpubin
	for _, p := range samplePrograms() {
		data, err := p.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}

		// WHEN decoded and re-encoded
		var got Program
		if err := got.UnmarshalBinary(data); err != nil {
			t.Fatalf("UnmarshalBinary: %v", err)
		}
		data2, err := got.MarshalBinary()
		if err != nil {
			t.Fatalf("re-MarshalBinary: %v", err)
		}

		// THEN the bytes are identical, per the round-trip law in spec §8
		if !bytes.Equal(data, data2) {
			t.Errorf("%s: binary round-trip not byte-identical:\n%x\n%x", p.Name, data, data2)
		}
		assertProgramsEqual(t, p, &got)
	}
}

func TestProgram_BinaryUnmarshal_RejectsBadMagic(t *testing.T) {
	var p Program
	if err := p.UnmarshalBinary([]byte{0, 1, 2, 3}); err != ErrBadMagic {
		t.Errorf("got %v, want ErrBadMagic", err)
	}
}

func TestProgram_BinaryUnmarshal_RejectsTruncated(t *testing.T) {
	p := samplePrograms()[0]
	data, _ := p.MarshalBinary()

	var got Program
	if err := got.UnmarshalBinary(data[:len(data)-4]); err != ErrTruncated {
		t.Errorf("got %v, want ErrTruncated", err)
	}
}

func TestProgram_JSONRoundTrip_PreservesSemantics(t *testing.T) {
	for _, p := range samplePrograms() {
		data, err := p.MarshalJSON()
		if err != nil {
			t.Fatalf("MarshalJSON: %v", err)
		}

		var got Program
		if err := got.UnmarshalJSON(data); err != nil {
			t.Fatalf("UnmarshalJSON: %v", err)
		}
		assertProgramsEqual(t, p, &got)

		// Serialize -> deserialize -> serialize is a no-op modulo
		// whitespace for JSON (spec §8).
		data2, err := got.MarshalJSON()
		if err != nil {
			t.Fatalf("re-MarshalJSON: %v", err)
		}
		if !bytes.Equal(data, data2) {
			t.Errorf("%s: JSON round-trip changed output:\n%s\n%s", p.Name, data, data2)
		}
	}
}

func assertProgramsEqual(t *testing.T, want, got *Program) {
	t.Helper()
	if want.Name != got.Name || want.Dims != got.Dims || want.Tiles != got.Tiles || want.Dataflow != got.Dataflow {
		t.Errorf("header mismatch: want %+v/%+v/%+v/%v, got %+v/%+v/%+v/%v",
			want.Name, want.Dims, want.Tiles, want.Dataflow, got.Name, got.Dims, got.Tiles, got.Dataflow)
	}
	if len(want.Instructions) != len(got.Instructions) {
		t.Fatalf("instruction count: want %d, got %d", len(want.Instructions), len(got.Instructions))
	}
	for i := range want.Instructions {
		w, g := want.Instructions[i], got.Instructions[i]
		if w.Opcode != g.Opcode || w.InstructionID != g.InstructionID || w.Label != g.Label {
			t.Errorf("instruction %d mismatch: want %+v, got %+v", i, w, g)
		}
		if w.Operands != g.Operands {
			t.Errorf("instruction %d operands mismatch: want %+v, got %+v", i, w.Operands, g.Operands)
		}
	}
}

func TestProgram_ValidateDeps_RejectsForwardReference(t *testing.T) {
	// GIVEN a program whose second instruction depends on a later one
	p := &Program{
		Instructions: []Instruction{
			{InstructionID: 0, Deps: []uint32{1}},
			{InstructionID: 1},
		},
	}

	// WHEN/THEN validation rejects the forward reference
	if err := p.ValidateDeps(); err == nil {
		t.Fatal("expected error for forward dependency, got nil")
	}
}

func TestProgram_ValidateDeps_AcceptsStrictlyEarlierDeps(t *testing.T) {
	p := &Program{
		Instructions: []Instruction{
			{InstructionID: 0},
			{InstructionID: 1, Deps: []uint32{0}},
			{InstructionID: 2, Deps: []uint32{0, 1}},
		},
	}
	if err := p.ValidateDeps(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestProgram_ByID(t *testing.T) {
	p := samplePrograms()[0]
	instr, ok := p.ByID(2)
	if !ok || instr.Opcode != DrainOutputBiasActivation {
		t.Errorf("ByID(2) = %+v, %v; want DrainOutputBiasActivation, true", instr, ok)
	}
	if _, ok := p.ByID(99); ok {
		t.Errorf("ByID(99) = _, true; want false")
	}
}

func TestTileCache_EvictsLRUUnlockedOnly(t *testing.T) {
	// GIVEN a cache that can hold exactly two 100-byte tiles
	c := NewTileCache(200)
	keyA := TileKey{Matrix: 0, Ti: 0, Tj: 0, Tk: 0}
	keyB := TileKey{Matrix: 0, Ti: 0, Tj: 1, Tk: 0}
	keyC := TileKey{Matrix: 0, Ti: 0, Tj: 2, Tk: 0}

	if !c.Allocate(keyA, 100, 0, true) {
		t.Fatal("expected Allocate(A) to succeed")
	}
	if !c.Allocate(keyB, 100, 1, false) {
		t.Fatal("expected Allocate(B) to succeed")
	}

	// WHEN a third tile needs space and A is locked
	if !c.Allocate(keyC, 100, 2, false) {
		t.Fatal("expected Allocate(C) to evict B and succeed")
	}

	// THEN B (unlocked) was evicted, A (locked) survives
	if c.IsResident(keyB) {
		t.Error("expected B to be evicted")
	}
	if !c.IsResident(keyA) {
		t.Error("expected locked A to survive eviction")
	}
	if !c.IsResident(keyC) {
		t.Error("expected C to be resident")
	}
}

func TestTileCache_CannotEvictWhenAllLockedOrReferenced(t *testing.T) {
	c := NewTileCache(100)
	key := TileKey{Matrix: 0, Ti: 0, Tj: 0, Tk: 0}
	if !c.Allocate(key, 100, 0, false) {
		t.Fatal("expected initial Allocate to succeed")
	}
	c.Acquire(key)

	other := TileKey{Matrix: 0, Ti: 1, Tj: 0, Tk: 0}
	if c.Allocate(other, 50, 1, false) {
		t.Error("expected Allocate to fail: only occupant has nonzero refcount")
	}
}

func TestTileCache_LookupUpdatesStatsAndLRU(t *testing.T) {
	c := NewTileCache(1000)
	key := TileKey{Matrix: 0, Ti: 0, Tj: 0, Tk: 0}
	if _, ok := c.Lookup(key, 0); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Allocate(key, 10, 0, false)
	if _, ok := c.Lookup(key, 5); !ok {
		t.Fatal("expected hit after allocate")
	}
	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want Hits=1 Misses=1", stats)
	}
}

func TestDataType_SerializesIndependentlyOfProgram(t *testing.T) {
	// sanity check that kpu.DataType constants used elsewhere in the isa
	// package (via kpu.Size/kpu.Address wrapper types) are stable across
	// the package boundary.
	if kpu.Float32.Bytes() != 4 {
		t.Errorf("Float32.Bytes() = %d, want 4", kpu.Float32.Bytes())
	}
}
