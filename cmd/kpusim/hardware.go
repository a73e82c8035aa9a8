package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/addr"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/build"
	"github.com/stillwater-sc/kpusim/kpu/compiler"
	"github.com/stillwater-sc/kpusim/kpu/config"
	"github.com/stillwater-sc/kpusim/kpu/engine"
	"github.com/stillwater-sc/kpusim/kpu/exec"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/mem"
	"github.com/stillwater-sc/kpusim/kpu/tileopt"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// defaultTopology is used when --topology is omitted, sized for the
// small demo kernels this CLI compiles.
func defaultTopology() *config.Topology {
	return &config.Topology{
		Name:                    "default",
		L3:                      config.BufferTier{Instances: 1, Capacity: 1 << 20},
		L2:                      config.BufferTier{Instances: 1, Capacity: 1 << 16},
		L1:                      config.BufferTier{Instances: 1, Capacity: 1 << 16},
		NumDMA:                  2,
		DMABytesPerCycle:        64,
		NumBlockMovers:          2,
		BlockMoverBytesPerCycle: 64,
		NumStreamers:            2,
		UseSystolic:             false,
		NumVectorEngines:        2,
		VectorWidth:             engine.DefaultVectorWidth,
		SFU:                     config.SFUTable{Size: 256, Min: -8, Max: 8},
		CacheLineBytes:          64,
		ClockGHz:                1.0,
	}
}

// loadTopologyOrDefault loads the topology at path, or returns
// defaultTopology when path is empty.
func loadTopologyOrDefault(path string) (*config.Topology, error) {
	if path == "" {
		return defaultTopology(), nil
	}
	return config.LoadTopology(path)
}

// hardwareContext bundles the memory/engine wiring a compile or run
// invocation threads through: the decoder/registry backing the buffer
// hierarchy, a Sequential-ready Hardware, and a Compiler sharing the same
// engine profile (so compiled makespan estimates and actual execution
// agree on what hardware is available).
type hardwareContext struct {
	Decoder  *addr.Decoder
	Registry *engine.Registry
	External *mem.ExternalBuffer
	Hardware *exec.Hardware
	Compiler *compiler.Compiler
	Logger   *trace.Logger
}

// externalCapacity sizes enough external memory for the demo-scale
// kernels this CLI compiles; it is a harness limit, not a core-library
// one (the core's addr.Decoder/mem.Buffer types impose no such cap).
const externalCapacity = kpu.Size(1) << 24

// l3DecoderBase is the flat-address-space base the single L3 instance
// this harness wires is registered at, distinct from the external
// region so DMA operands unambiguously decode to one or the other.
const l3DecoderBase = kpu.Address(1) << 24

// buildHardwareContext wires one External buffer and one instance each
// of L3/L2/L1 (multi-instance tiling is a core-library capability this
// CLI demo doesn't exercise) plus topo's configured engine counts into a
// Sequential-ready Hardware and a Compiler over the same profile,
// grounded on the wiring in kpu/exec/build_integration_test.go.
func buildHardwareContext(topo *config.Topology, enableTrace bool) (*hardwareContext, error) {
	d := addr.NewDecoder()
	if err := d.AddRegion(0, externalCapacity, kpu.External, 0, "ext0"); err != nil {
		return nil, fmt.Errorf("cmd: add external region: %w", err)
	}
	if err := d.AddRegion(l3DecoderBase, topo.L3.Capacity, kpu.L3Tile, 0, "l3.0"); err != nil {
		return nil, fmt.Errorf("cmd: add l3 region: %w", err)
	}

	reg := engine.NewRegistry(d)
	ext := mem.NewExternalBuffer(0, externalCapacity, 64)
	l3 := mem.NewL3TileBuffer(0, topo.L3.Capacity)
	l2 := mem.NewL2BankBuffer(0, topo.L2.Capacity, topo.CacheLineBytes)
	l1 := mem.NewL1Buffer(0, topo.L1.Capacity)
	reg.Register(ext)
	reg.Register(l3)
	reg.Register(l2)
	reg.Register(l1)

	var logger *trace.Logger
	if enableTrace {
		logger = trace.NewLogger()
	}

	dmas := make([]*engine.DMA, topo.NumDMA)
	for i := range dmas {
		dmas[i] = engine.NewDMA(kpu.InstanceID(i), reg, topo.DMABytesPerCycle, logger)
	}
	bms := make([]*engine.BlockMover, topo.NumBlockMovers)
	for i := range bms {
		bms[i] = engine.NewBlockMover(kpu.InstanceID(i), reg, topo.BlockMoverBytesPerCycle, logger)
	}
	streamers := make([]*engine.Streamer, topo.NumStreamers)
	for i := range streamers {
		streamers[i] = engine.NewStreamer(kpu.InstanceID(i), reg, logger)
	}
	vectorWidth := uint32(topo.VectorWidth)
	if vectorWidth == 0 {
		vectorWidth = engine.DefaultVectorWidth
	}
	vectorEngines := make([]*engine.VectorEngine, topo.NumVectorEngines)
	for i := range vectorEngines {
		vectorEngines[i] = engine.NewVectorEngine(kpu.InstanceID(i), reg, vectorWidth, logger)
	}

	var fabric engine.ComputeFabric
	if topo.UseSystolic {
		fabric = engine.NewSystolic(0, reg, uint32(topo.SystolicRows), uint32(topo.SystolicCols), logger)
	} else {
		fabric = engine.NewBasicMatmul(0, reg, logger)
	}

	hw := &exec.Hardware{
		Registry: reg, DMAs: dmas, BlockMovers: bms, Streamers: streamers,
		VectorEngines: vectorEngines, Fabric: fabric, Logger: logger,
	}

	l3Alloc := alloc.NewBump(0, topo.L3.Capacity)
	l2Alloc := alloc.NewBump(0, topo.L2.Capacity)
	cache := isa.NewTileCache(topo.L3.Capacity)
	builder := build.NewBuilder(l3Alloc, l2Alloc, cache, 0, 0, l3DecoderBase)

	hierarchy := tileopt.Hierarchy{
		L3TileCapacity: topo.L3.Capacity, L2BankCapacity: topo.L2.Capacity, L1BufferCap: topo.L1.Capacity,
		NumL3: topo.L3.Instances, NumL2: topo.L2.Instances, NumL1: topo.L1.Instances,
	}
	profile := compiler.HardwareProfile{
		NumDMA: topo.NumDMA, NumBlockMovers: topo.NumBlockMovers, NumStreamers: topo.NumStreamers,
		NumVectorEngines:        topo.NumVectorEngines,
		DMABytesPerCycle:        topo.DMABytesPerCycle,
		BlockMoverBytesPerCycle: topo.BlockMoverBytesPerCycle,
		VectorWidth:             vectorWidth, UseSystolic: topo.UseSystolic,
		SystolicRows: uint32(topo.SystolicRows), SystolicCols: uint32(topo.SystolicCols),
	}
	comp := compiler.NewCompiler(builder, hierarchy, profile, topo.ClockGHz)

	return &hardwareContext{Decoder: d, Registry: reg, External: ext, Hardware: hw, Compiler: comp, Logger: logger}, nil
}

// externalLayout assigns sequential external-memory addresses to a
// kernel's A/B/C/bias operands when the spec leaves every base at its
// zero value; an explicit A/B/C in the spec is taken as the caller's own
// layout and used unadjusted.
func externalLayout(dims isa.Dims, dtype kpu.DataType, hasBias bool, explicit config.ExternalAddresses) build.ExternalBases {
	if explicit.A != 0 || explicit.B != 0 || explicit.C != 0 {
		return build.ExternalBases{
			A: kpu.Address(explicit.A), B: kpu.Address(explicit.B),
			C: kpu.Address(explicit.C), Bias: kpu.Address(explicit.Bias),
		}
	}

	elem := dtype.Bytes()
	var cursor kpu.Address
	a := cursor
	cursor += kpu.Address(dims.M) * kpu.Address(dims.K) * kpu.Address(elem)
	b := cursor
	cursor += kpu.Address(dims.K) * kpu.Address(dims.N) * kpu.Address(elem)
	c := cursor
	cursor += kpu.Address(dims.M) * kpu.Address(dims.N) * kpu.Address(elem)
	var bias kpu.Address
	if hasBias {
		bias = cursor
	}
	logrus.Debugf("cmd: auto-laid-out external operands A=%#x B=%#x C=%#x bias=%#x", a, b, c, bias)
	return build.ExternalBases{A: a, B: b, C: c, Bias: bias}
}
