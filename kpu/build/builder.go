// Package build lowers a tiled matmul problem into an ISA program
// implementing the output-stationary dataflow (spec §4.12): for each
// (ti,tj) output tile, accumulate over every tk, touching external, L3,
// L2, and L1 in turn through the DMA engine, block mover, and streamer
// opcode families.
//
// Grounded on src/isa/program_builder.cpp's nested-loop emission scheme in
// original_source/, rendered with the teacher's builder-struct-plus-
// emit-method idiom (compare sim/config's layered construction of a
// cluster from a spec).
package build

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/isa"
)

// ExternalBases are the caller-assigned addresses of the matmul's
// arguments in external (host/HBM) memory.
type ExternalBases struct {
	A, B, C, Bias kpu.Address
}

// Options configures the dataflow variant and fused-epilogue behavior.
type Options struct {
	Dataflow        isa.Dataflow
	HasBias         bool
	Activation      isa.Activation
	DoubleBuffering bool
	FabricSize      uint32
}

// Builder owns the L3/L2 scratch allocators and the tile cache shared
// across every program it emits, mirroring the long-lived-resource-
// manager relationship described in spec §4.12 ("Tile cache: bounded by
// l3_tile_capacity x num_l3").
//
// L3Alloc hands out addresses local to the L3Tile instance's own backing
// buffer (the same convention the block mover's direct instance lookup
// expects). DMA operands, however, name addresses in the decoder's flat
// global space (see exec.dispatchDMA / engine.DMA.Enqueue), so L3Base
// holds that instance's registered decoder base: LOAD_TILE/STORE_TILE
// operands add it to an L3Alloc address, while MOVE_TILE/WRITEBACK_TILE
// operands use the L3Alloc address unadjusted.
type Builder struct {
	L3Alloc alloc.Allocator
	L2Alloc alloc.Allocator
	Cache   *isa.TileCache
	L3ID    kpu.InstanceID
	L2ID    kpu.InstanceID
	L3Base  kpu.Address
}

// NewBuilder creates a builder over the given L3/L2 scratch allocators
// and tile cache, all addressing the single L3/L2 instance named by
// l3ID/l2ID. l3Base is the decoder-registered base address of that L3Tile
// instance, used to translate L3Alloc's local addresses into global DMA
// operands.
func NewBuilder(l3Alloc, l2Alloc alloc.Allocator, cache *isa.TileCache, l3ID, l2ID kpu.InstanceID, l3Base kpu.Address) *Builder {
	return &Builder{L3Alloc: l3Alloc, L2Alloc: l2Alloc, Cache: cache, L3ID: l3ID, L2ID: l2ID, L3Base: l3Base}
}

type tileResidency struct {
	l3Addr     kpu.Address
	producerID uint32 // instruction id of the LOAD_TILE that last populated this tile
}

// emitter accumulates the instruction list and id counter for one Build
// call.
type emitter struct {
	instructions []isa.Instruction
	nextID       uint32
}

func (e *emitter) emit(opcode isa.Opcode, deps []uint32, label string, operands isa.Operands) uint32 {
	id := e.nextID
	e.nextID++
	e.instructions = append(e.instructions, isa.Instruction{
		Opcode: opcode, InstructionID: id, Deps: append([]uint32(nil), deps...), Label: label, Operands: operands,
	})
	return id
}

// Build lowers (dims,tiles,opts) into a complete program (spec §4.12).
func (b *Builder) Build(name string, dims isa.Dims, tiles isa.Tiles, ext ExternalBases, opts Options) (*isa.Program, error) {
	if tiles.Ti == 0 || tiles.Tj == 0 || tiles.Tk == 0 {
		return nil, fmt.Errorf("build: zero tile dimension in %+v", tiles)
	}
	elem := isa.L1ElementSize()
	numTi := ceilDiv(dims.M, tiles.Ti)
	numTj := ceilDiv(dims.N, tiles.Tj)
	numTk := ceilDiv(dims.K, tiles.Tk)

	e := &emitter{}
	resA := make(map[isa.TileKey]*tileResidency)
	resB := make(map[isa.TileKey]*tileResidency)
	resBias := make(map[isa.TileKey]*tileResidency)

	fabricSize := opts.FabricSize
	if fabricSize == 0 {
		fabricSize = uint32(tiles.Ti)
	}

	aL1, bL1, cL1, biasL1 := isa.L1Layout(tiles)
	aTileBytes := tiles.Ti * tiles.Tk * elem
	bTileBytes := tiles.Tk * tiles.Tj * elem
	cTileBytes := tiles.Ti * tiles.Tj * elem
	biasTileBytes := tiles.Tj * elem

	for ti := kpu.Size(0); ti < numTi; ti++ {
		for tj := kpu.Size(0); tj < numTj; tj++ {
			var lastFeedCols uint32
			var haveFeed bool

			for tk := kpu.Size(0); tk < numTk; tk++ {
				aKey := isa.TileKey{Matrix: isa.MatrixA, Ti: uint32(ti), Tk: uint32(tk)}
				bKey := isa.TileKey{Matrix: isa.MatrixB, Tj: uint32(tj), Tk: uint32(tk)}

				aEntry, aDepID, err := b.ensureL3Tile(e, resA, aKey, isa.MatrixA, ti, tj, tk, aTileBytes)
				if err != nil {
					return nil, err
				}
				bEntry, bDepID, err := b.ensureL3Tile(e, resB, bKey, isa.MatrixB, ti, tj, tk, bTileBytes)
				if err != nil {
					return nil, err
				}

				l2ABase := b.L2Alloc.Allocate(aTileBytes, elem, "a-tile-l2")
				l2BBase := b.L2Alloc.Allocate(bTileBytes, elem, "b-tile-l2")

				moveA := e.emit(isa.MoveTile, []uint32{aDepID}, "move_A_L3_L2", isa.Operands{BlockMover: isa.BlockMoverOperands{
					SrcID: b.L3ID, SrcOffset: aEntry.l3Addr, DstID: b.L2ID, DstOffset: l2ABase, Direction: isa.L3ToL2,
					Height: uint32(tiles.Ti), Width: uint32(tiles.Tk), ElementSize: elem, Transform: isa.Identity,
				}})

				bTransform := isa.Identity
				bOpcode := isa.MoveTile
				if opts.Dataflow == isa.WeightStationary {
					bTransform = isa.Transpose
					bOpcode = isa.TransposeTile
				}
				moveB := e.emit(bOpcode, []uint32{bDepID}, "move_B_L3_L2", isa.Operands{BlockMover: isa.BlockMoverOperands{
					SrcID: b.L3ID, SrcOffset: bEntry.l3Addr, DstID: b.L2ID, DstOffset: l2BBase, Direction: isa.L3ToL2,
					Height: uint32(tiles.Tk), Width: uint32(tiles.Tj), ElementSize: elem, Transform: bTransform,
				}})

				feedRows := e.emit(isa.FeedRows, []uint32{moveA}, "feed_rows_A", isa.Operands{Streamer: isa.StreamerOperands{
					L2ID: b.L2ID, L2Addr: l2ABase, L1Addr: kpu.Address(aL1),
					Height: uint32(tiles.Ti), Width: uint32(tiles.Tk), FabricSize: fabricSize,
					Direction: isa.L2ToL1, StreamType: isa.RowStream,
				}})
				feedCols := e.emit(isa.FeedCols, []uint32{moveB, feedRows}, "feed_cols_B", isa.Operands{Streamer: isa.StreamerOperands{
					L2ID: b.L2ID, L2Addr: l2BBase, L1Addr: kpu.Address(bL1),
					Height: uint32(tiles.Tk), Width: uint32(tiles.Tj), FabricSize: fabricSize,
					Direction: isa.L2ToL1, StreamType: isa.ColStream,
				}})

				lastFeedCols = feedCols
				haveFeed = true

				// Between tk iterations, a barrier is only required when
				// double buffering is disabled: otherwise the next
				// iteration's feed would race the implicit compute still
				// consuming the current L1 tile (spec §4.12 "Barriers are
				// inserted between tk iterations only when double
				// buffering is disabled").
				if !opts.DoubleBuffering && tk+1 < numTk {
					e.emit(isa.Barrier, []uint32{feedCols}, "", isa.Operands{})
				}
			}

			if !haveFeed {
				continue
			}

			drainDeps := []uint32{lastFeedCols}

			// Bias only varies with tj (one value per output column), so
			// it is loaded external -> L3 -> L2 -> L1 once per tj and
			// reused across every ti, cached the same way A/B tiles are
			// (spec §4.12's tile cache applies equally to the bias
			// vector).
			if opts.HasBias {
				biasKey := isa.TileKey{Matrix: isa.MatrixBias, Tj: uint32(tj)}
				biasEntry, biasDepID, err := b.ensureL3Tile(e, resBias, biasKey, isa.MatrixBias, ti, tj, 0, biasTileBytes)
				if err != nil {
					return nil, err
				}
				l2BiasBase := b.L2Alloc.Allocate(biasTileBytes, elem, "bias-tile-l2")
				moveBias := e.emit(isa.MoveTile, []uint32{biasDepID}, "move_bias_L3_L2", isa.Operands{BlockMover: isa.BlockMoverOperands{
					SrcID: b.L3ID, SrcOffset: biasEntry.l3Addr, DstID: b.L2ID, DstOffset: l2BiasBase, Direction: isa.L3ToL2,
					Height: 1, Width: uint32(tiles.Tj), ElementSize: elem, Transform: isa.Identity,
				}})
				feedBias := e.emit(isa.FeedRows, []uint32{moveBias}, "feed_bias", isa.Operands{Streamer: isa.StreamerOperands{
					L2ID: b.L2ID, L2Addr: l2BiasBase, L1Addr: kpu.Address(biasL1),
					Height: 1, Width: uint32(tiles.Tj), FabricSize: fabricSize,
					Direction: isa.L2ToL1, StreamType: isa.RowStream,
				}})
				drainDeps = append(drainDeps, feedBias)
			}

			// The drain always waits on the final implicit compute,
			// double buffering or not: L1 holds the accumulated C tile
			// only once the last FEED_COLS-triggered matmul retires.
			barrierBeforeDrain := e.emit(isa.Barrier, drainDeps, "", isa.Operands{})

			l2CBase := b.L2Alloc.Allocate(cTileBytes, elem, "c-tile-l2")
			drainOpcode := isa.DrainOutput
			if opts.HasBias || opts.Activation != isa.ActivationNone {
				drainOpcode = isa.DrainOutputBiasActivation
			}
			biasAddr := kpu.Address(0)
			if opts.HasBias {
				biasAddr = kpu.Address(biasL1)
			}
			drain := e.emit(drainOpcode, []uint32{barrierBeforeDrain}, "drain_C", isa.Operands{Streamer: isa.StreamerOperands{
				L2ID: b.L2ID, L2Addr: l2CBase, L1Addr: kpu.Address(cL1),
				Height: uint32(tiles.Ti), Width: uint32(tiles.Tj), FabricSize: fabricSize,
				Direction: isa.L1ToL2, StreamType: isa.RowStream,
				HasBias: opts.HasBias, BiasAddr: biasAddr, Activation: opts.Activation,
			}})

			l3CBase := b.L3Alloc.Allocate(cTileBytes, elem, "c-tile-l3")
			writeback := e.emit(isa.WritebackTile, []uint32{drain}, "writeback_C", isa.Operands{BlockMover: isa.BlockMoverOperands{
				SrcID: b.L2ID, SrcOffset: l2CBase, DstID: b.L3ID, DstOffset: l3CBase, Direction: isa.L2ToL3,
				Height: uint32(tiles.Ti), Width: uint32(tiles.Tj), ElementSize: elem, Transform: isa.Identity,
			}})

			e.emit(isa.StoreTile, []uint32{writeback}, "store_C", isa.Operands{DMA: isa.DMAOperands{
				Matrix: isa.MatrixC, Tile: isa.TileCoord{Ti: uint32(ti), Tj: uint32(tj)},
				L3Offset: b.L3Base + l3CBase, Size: cTileBytes,
			}})
		}
	}

	e.emit(isa.Halt, nil, "halt", isa.Operands{})

	p := &isa.Program{
		Name: name, Dims: dims, Tiles: tiles, Dataflow: opts.Dataflow,
		Instructions: e.instructions,
		MemoryMap: isa.MemoryMap{
			ABase: ext.A, BBase: ext.B, CBase: ext.C, BiasBase: ext.Bias, HasBias: opts.HasBias,
		},
	}
	if err := p.ValidateDeps(); err != nil {
		return nil, fmt.Errorf("build: %w", err)
	}
	return p, nil
}

// ensureL3Tile emits a LOAD_TILE for (matrix,ti/tj,tk) only on a tile-cache
// miss (spec §4.12 step 1/2 "Consult the tile cache to skip"), returning
// the tile's L3 residency and the instruction id downstream consumers
// should depend on.
func (b *Builder) ensureL3Tile(e *emitter, residency map[isa.TileKey]*tileResidency, key isa.TileKey, matrix isa.MatrixID, ti, tj, tk kpu.Size, tileBytes kpu.Size) (*tileResidency, uint32, error) {
	if entry, ok := residency[key]; ok {
		if b.Cache.IsResident(key) {
			b.Cache.Lookup(key, 0)
			return entry, entry.producerID, nil
		}
	}

	l3Addr := b.L3Alloc.Allocate(tileBytes, isa.L1ElementSize(), fmt.Sprintf("%s-tile-l3", matrix))
	if !b.Cache.Allocate(key, tileBytes, 0, false) {
		return nil, 0, fmt.Errorf("build: tile cache cannot fit %s tile (ti=%d tj=%d tk=%d)", matrix, ti, tj, tk)
	}

	// The executor resolves each tile's global external address itself
	// from Matrix+Tile (see exec.resolveTileAddress); the builder only
	// needs to name the coordinate.
	var coord isa.TileCoord
	switch matrix {
	case isa.MatrixA:
		coord = isa.TileCoord{Ti: uint32(ti), Tk: uint32(tk)}
	case isa.MatrixBias:
		coord = isa.TileCoord{Tj: uint32(tj)}
	default:
		coord = isa.TileCoord{Tj: uint32(tj), Tk: uint32(tk)}
	}

	id := e.emit(isa.LoadTile, nil, fmt.Sprintf("load_%s", matrix), isa.Operands{DMA: isa.DMAOperands{
		Matrix: matrix, Tile: coord, L3Offset: b.L3Base + l3Addr, Size: tileBytes,
	}})

	entry := &tileResidency{l3Addr: l3Addr, producerID: id}
	residency[key] = entry
	return entry, id, nil
}

func ceilDiv(a, b kpu.Size) kpu.Size {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}
