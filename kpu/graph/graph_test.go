package graph

import (
	"testing"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/alloc"
	"github.com/stillwater-sc/kpusim/kpu/build"
	"github.com/stillwater-sc/kpusim/kpu/compiler"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/tileopt"
)

// newTestKernel compiles a standalone matmul kernel over its own builder
// and allocators, so multiple kernels in one test never share allocator
// state (mirrors kpu/compiler's own test helper, one builder per
// compile call rather than threading allocator lifetime across kernels).
func newTestKernel(t *testing.T, name string, dims isa.Dims, ext build.ExternalBases) *compiler.Kernel {
	t.Helper()
	l3 := alloc.NewTracking(0, 1<<20)
	l2 := alloc.NewTracking(0, 1<<20)
	cache := isa.NewTileCache(1 << 20)
	b := build.NewBuilder(l3, l2, cache, 0, 0, 0)
	h := tileopt.Hierarchy{L3TileCapacity: 1 << 20, L2BankCapacity: 48 * 1024, L1BufferCap: 16 * 1024, NumL3: 1, NumL2: 1, NumL1: 1}
	profile := compiler.HardwareProfile{
		NumDMA: 1, NumBlockMovers: 1, NumStreamers: 1, NumVectorEngines: 1,
		DMABytesPerCycle: 64, BlockMoverBytesPerCycle: 64, VectorWidth: 8,
	}
	c := compiler.NewCompiler(b, h, profile, 1.0)
	k, err := c.CompileMatmul(name, dims, ext, compiler.Options{
		Tiles: tileopt.TileConfig{Ti: 16, Tj: 16, Tk: 16, L1Ki: 16},
		DType: kpu.Float32,
	})
	if err != nil {
		t.Fatalf("CompileMatmul(%s): %v", name, err)
	}
	return k
}

func TestAddEdge_RejectsCycle(t *testing.T) {
	g := New("cyclic")
	a := g.AddKernel(newTestKernel(t, "a", isa.Dims{M: 16, N: 16, K: 16}, build.ExternalBases{}), "a")
	b := g.AddKernel(newTestKernel(t, "b", isa.Dims{M: 16, N: 16, K: 16}, build.ExternalBases{}), "b")

	if err := g.AddEdge(a, b, "C", "A"); err != nil {
		t.Fatalf("AddEdge(a->b): %v", err)
	}
	if err := g.AddEdge(b, a, "C", "A"); err == nil {
		t.Fatal("expected AddEdge(b->a) to be rejected as a cycle")
	}
}

func TestAddEdge_RejectsUnknownArgumentName(t *testing.T) {
	g := New("bad-names")
	a := g.AddKernel(newTestKernel(t, "a", isa.Dims{M: 16, N: 16, K: 16}, build.ExternalBases{}), "a")
	b := g.AddKernel(newTestKernel(t, "b", isa.Dims{M: 16, N: 16, K: 16}, build.ExternalBases{}), "b")

	if err := g.AddEdge(a, b, "Z", "A"); err == nil {
		t.Fatal("expected AddEdge with an unknown output name to fail")
	}
	if err := g.AddEdge(a, b, "C", "Z"); err == nil {
		t.Fatal("expected AddEdge with an unknown input name to fail")
	}
}

// twoLayerChain builds the fc1->fc2 linear chain from the original
// demo's "Linear Chain (Two-Layer Network)" example.
func twoLayerChain(t *testing.T) (*Graph, NodeID, NodeID) {
	t.Helper()
	g := New("two_layer_fc")
	fc1 := g.AddKernel(newTestKernel(t, "fc1", isa.Dims{M: 16, N: 32, K: 16}, build.ExternalBases{A: 0x1000, B: 0x2000, C: 0x3000}), "fc1")
	fc2 := g.AddKernel(newTestKernel(t, "fc2", isa.Dims{M: 16, N: 16, K: 32}, build.ExternalBases{A: 0x3000, B: 0x4000, C: 0x5000}), "fc2")
	if err := g.AddEdge(fc1, fc2, "C", "A"); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	return g, fc1, fc2
}

func TestTopologicalOrder_LinearChain(t *testing.T) {
	g, fc1, fc2 := twoLayerChain(t)
	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	if len(order) != 2 || order[0] != fc1 || order[1] != fc2 {
		t.Errorf("order = %v, want [%d %d]", order, fc1, fc2)
	}
}

func TestFusiblePairs_LinearChainWithMatchingShapes(t *testing.T) {
	g, fc1, fc2 := twoLayerChain(t)
	pairs := g.FusiblePairs()
	if len(pairs) != 1 || pairs[0].Producer != fc1 || pairs[0].Consumer != fc2 {
		t.Errorf("FusiblePairs = %+v, want a single (fc1,fc2) pair", pairs)
	}
}

func TestCompile_FusionElidesStoreAndLoad(t *testing.T) {
	g, _, fc2 := twoLayerChain(t)
	unfused := g.Compile(CompileOptions{AllowFusion: false, InsertGlobalBarriers: true})
	if !unfused.Success {
		t.Fatalf("unfused compile failed: %v", unfused.Err)
	}
	fused := g.Compile(CompileOptions{AllowFusion: true, InsertGlobalBarriers: true})
	if !fused.Success {
		t.Fatalf("fused compile failed: %v", fused.Err)
	}
	if len(fused.FusedPairs) != 1 {
		t.Fatalf("FusedPairs = %+v, want 1 pair", fused.FusedPairs)
	}
	if len(fused.Program.Instructions) >= len(unfused.Program.Instructions) {
		t.Errorf("fused program has %d instructions, want fewer than unfused's %d",
			len(fused.Program.Instructions), len(unfused.Program.Instructions))
	}
	if err := fused.Program.ValidateDeps(); err != nil {
		t.Errorf("fused program ValidateDeps: %v", err)
	}

	countOpcode := func(p *isa.Program, op isa.Opcode) int {
		n := 0
		for _, instr := range p.Instructions {
			if instr.Opcode == op {
				n++
			}
		}
		return n
	}
	k2, _ := g.Kernel(fc2)
	if got, want := countOpcode(fused.Program, isa.StoreTile), countOpcode(k2.Program, isa.StoreTile); got != want {
		t.Errorf("fused program has %d STORE_TILE instructions, want %d (only fc2's output stores survive)", got, want)
	}
	if n := countOpcode(fused.Program, isa.LoadTile); n == 0 {
		t.Error("expected the fused program to still load the first kernel's A/B operands")
	}
}

func TestCompileSequential_ConcatenatesWithBarriersAndValidates(t *testing.T) {
	g, _, _ := twoLayerChain(t)
	result := g.CompileSequential()
	if !result.Success {
		t.Fatalf("CompileSequential: %v", result.Err)
	}
	if len(result.FusedPairs) != 0 {
		t.Errorf("FusedPairs = %+v, want none for CompileSequential", result.FusedPairs)
	}
	if err := result.Program.ValidateDeps(); err != nil {
		t.Errorf("ValidateDeps: %v", err)
	}

	sawBarrier := false
	sawStore := false
	for _, instr := range result.Program.Instructions {
		if instr.Opcode == isa.Barrier && instr.Label == "graph_barrier" {
			sawBarrier = true
		}
		if instr.Opcode == isa.StoreTile {
			sawStore = true
		}
	}
	if !sawBarrier {
		t.Error("expected a graph_barrier instruction between the two kernels")
	}
	if !sawStore {
		t.Error("expected STORE_TILE to survive in the unfused sequential compile")
	}

	halts := 0
	for _, instr := range result.Program.Instructions {
		if instr.Opcode == isa.Halt {
			halts++
		}
	}
	if halts != 1 {
		t.Errorf("HALT count = %d, want exactly 1 in the concatenated program", halts)
	}
}

// diamondGraph builds the input/left/right/merge pattern from the
// original demo's "Diamond Pattern (Parallel Branches)" example.
func diamondGraph(t *testing.T) (g *Graph, input, left, right, merge NodeID) {
	t.Helper()
	g = New("diamond_network")
	input = g.AddKernel(newTestKernel(t, "input", isa.Dims{M: 16, N: 16, K: 32}, build.ExternalBases{}), "input")
	left = g.AddKernel(newTestKernel(t, "left_branch", isa.Dims{M: 16, N: 32, K: 16}, build.ExternalBases{}), "left_branch")
	right = g.AddKernel(newTestKernel(t, "right_branch", isa.Dims{M: 16, N: 32, K: 16}, build.ExternalBases{}), "right_branch")
	merge = g.AddKernel(newTestKernel(t, "merge", isa.Dims{M: 16, N: 16, K: 32}, build.ExternalBases{}), "merge")

	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("AddEdge: %v", err)
		}
	}
	must(g.AddEdge(input, left, "C", "A"))
	must(g.AddEdge(input, right, "C", "A"))
	must(g.AddEdge(left, merge, "C", "A"))
	must(g.AddEdge(right, merge, "C", "B"))
	return g, input, left, right, merge
}

func TestExecutionLevels_DiamondPattern(t *testing.T) {
	g, input, left, right, merge := diamondGraph(t)
	levels, err := g.ExecutionLevels()
	if err != nil {
		t.Fatalf("ExecutionLevels: %v", err)
	}
	if len(levels) != 3 {
		t.Fatalf("levels = %v, want 3 levels", levels)
	}
	if len(levels[0]) != 1 || levels[0][0] != input {
		t.Errorf("level 0 = %v, want [%d]", levels[0], input)
	}
	wantLevel1 := map[NodeID]bool{left: true, right: true}
	if len(levels[1]) != 2 || !wantLevel1[levels[1][0]] || !wantLevel1[levels[1][1]] {
		t.Errorf("level 1 = %v, want {%d,%d} in some order", levels[1], left, right)
	}
	if len(levels[2]) != 1 || levels[2][0] != merge {
		t.Errorf("level 2 = %v, want [%d]", levels[2], merge)
	}
}

func TestCriticalPath_DiamondPattern(t *testing.T) {
	g, input, _, _, merge := diamondGraph(t)
	path, err := g.CriticalPath()
	if err != nil {
		t.Fatalf("CriticalPath: %v", err)
	}
	if len(path) != 3 {
		t.Fatalf("path = %v, want length 3 (input -> one branch -> merge)", path)
	}
	if path[0] != input {
		t.Errorf("path[0] = %d, want input node %d", path[0], input)
	}
	if path[len(path)-1] != merge {
		t.Errorf("path[-1] = %d, want merge node %d", path[len(path)-1], merge)
	}
}

// TestFusiblePairs_ProducerFanOutDoesNotDisqualify documents that the
// fusibility rule only constrains the consumer side (spec §4.14 "the
// consumer has no other incoming edge from a different node"): a
// producer feeding two different consumers can still report both edges
// as fusible, since each consumer individually has a single incoming
// edge. Compile only actually elides the shared STORE_TILE once.
func TestFusiblePairs_ProducerFanOutDoesNotDisqualify(t *testing.T) {
	g, input, left, right, _ := diamondGraph(t)
	pairs := g.FusiblePairs()
	fusedConsumers := map[NodeID]bool{}
	for _, p := range pairs {
		if p.Producer == input {
			fusedConsumers[p.Consumer] = true
		}
	}
	if !fusedConsumers[left] || !fusedConsumers[right] {
		t.Errorf("fusedConsumers = %v, want both %d and %d fusible with the shared producer", fusedConsumers, left, right)
	}
}
