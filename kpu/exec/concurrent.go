package exec

import (
	"fmt"
	"math"
	"strings"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/isa"
)

// ScheduledOp is one instruction's estimated placement on its resource's
// timeline (spec §4.10).
type ScheduledOp struct {
	Resource   string
	Start, End kpu.Cycle
	Label      string
}

// ConcurrentResult is the output of Concurrent.Schedule.
type ConcurrentResult struct {
	Makespan    kpu.Cycle
	Utilization map[string]float64
	Timeline    []ScheduledOp
}

// resourceKey names a schedulable resource: one per configured engine
// instance, keyed the same way the sequential executor selects engines
// (engine kind + index), so both executors agree on what "the DMA
// engine" an instruction uses means.
func resourceKey(kind string, idx int) string {
	return fmt.Sprintf("%s[%d]", kind, idx)
}

// latencyModel reproduces the same engine-specific timing formulas the
// sequential executor's engines use internally, so the concurrent
// estimator's numbers track the functional executor's without having to
// run actual engines (spec §4.10 "latency is the same engine-specific
// formula used by the sequential executor").
type latencyModel struct {
	dmaBytesPerCycle        float64
	blockMoverBytesPerCycle float64
	vectorWidth             uint32
	systolicRows, systolicCols uint32
	useSystolic             bool
}

func (lm latencyModel) dmaLatency(size kpu.Size) kpu.Cycle {
	if lm.dmaBytesPerCycle <= 0 {
		return kpu.Cycle(size)
	}
	c := kpu.Cycle(math.Ceil(float64(size) / lm.dmaBytesPerCycle))
	if c < 1 {
		c = 1
	}
	return c
}

func (lm latencyModel) blockMoverLatency(height, width uint32, elem kpu.Size) kpu.Cycle {
	bytes := float64(height) * float64(width) * float64(elem)
	cycles := fixedStartupCyclesEstimate
	if lm.blockMoverBytesPerCycle > 0 {
		cycles += int(math.Ceil(bytes / lm.blockMoverBytesPerCycle))
	} else {
		cycles += int(bytes)
	}
	return kpu.Cycle(cycles)
}

// fixedStartupCyclesEstimate mirrors engine.fixedStartupCycles; kept as
// a separate constant since package exec does not import package engine
// for unexported details.
const fixedStartupCyclesEstimate = 4

func (lm latencyModel) streamerLatency(height, width, fabricSize uint32, streamType isa.StreamType) kpu.Cycle {
	var lanes, depth uint32
	if streamType == isa.ColStream {
		lanes, depth = min32e(fabricSize, width), height
	} else {
		lanes, depth = min32e(fabricSize, height), width
	}
	if lanes == 0 {
		return kpu.Cycle(depth)
	}
	return kpu.Cycle((lanes - 1) + depth)
}

func min32e(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func (lm latencyModel) computeLatency(m, n, k uint32) kpu.Cycle {
	if lm.useSystolic {
		rows, cols := lm.systolicRows, lm.systolicCols
		if rows == 0 {
			rows = 16
		}
		if cols == 0 {
			cols = 16
		}
		return kpu.Cycle(k) + kpu.Cycle(maxU32e(m, n)) + kpu.Cycle(maxU32e(rows, cols))
	}
	latency := kpu.Cycle(uint64(m) * uint64(n) * uint64(k))
	if latency == 0 {
		latency = 1
	}
	return latency
}

func maxU32e(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// Concurrent computes a fast makespan estimate by scheduling instructions
// against an "available-at" model of each resource, respecting the
// program's dependency DAG. It never touches memory (spec §4.10).
type Concurrent struct {
	numDMA, numBlockMovers, numStreamers, numVectorEngines int
	model                                                  latencyModel
}

// NewConcurrent creates an estimator over the given engine counts and
// latency model parameters.
func NewConcurrent(numDMA, numBlockMovers, numStreamers, numVectorEngines int, dmaBytesPerCycle, blockMoverBytesPerCycle float64, vectorWidth uint32, useSystolic bool, systolicRows, systolicCols uint32) *Concurrent {
	return &Concurrent{
		numDMA: numDMA, numBlockMovers: numBlockMovers, numStreamers: numStreamers, numVectorEngines: numVectorEngines,
		model: latencyModel{
			dmaBytesPerCycle: dmaBytesPerCycle, blockMoverBytesPerCycle: blockMoverBytesPerCycle,
			vectorWidth: vectorWidth, useSystolic: useSystolic, systolicRows: systolicRows, systolicCols: systolicCols,
		},
	}
}

// Schedule estimates the makespan of p.
func (c *Concurrent) Schedule(p *isa.Program) ConcurrentResult {
	endCycle := make(map[uint32]kpu.Cycle, len(p.Instructions))
	availableAt := make(map[string]kpu.Cycle)
	var timeline []ScheduledOp
	computeResource := resourceKey("Fabric", 0)

	for _, instr := range p.Instructions {
		w := kpu.Cycle(0)
		for _, dep := range instr.Deps {
			if e, ok := endCycle[dep]; ok && e > w {
				w = e
			}
		}

		var resource string
		var latency kpu.Cycle

		switch {
		case instr.Opcode.IsDMA():
			idx := engineIndexEstimate(c.numDMA, instr.InstructionID, instr.Operands.DMA.BufferSlot, true)
			resource = resourceKey("DMA", idx)
			latency = c.model.dmaLatency(instr.Operands.DMA.Size)
		case instr.Opcode.IsBlockMover():
			idx := engineIndexEstimate(c.numBlockMovers, instr.InstructionID, 0, false)
			resource = resourceKey("BlockMover", idx)
			op := instr.Operands.BlockMover
			latency = c.model.blockMoverLatency(op.Height, op.Width, op.ElementSize)
		case instr.Opcode == isa.DrainOutputBiasActivation:
			idx := engineIndexEstimate(c.numVectorEngines, instr.InstructionID, 0, false)
			resource = resourceKey("VectorEngine", idx)
			op := instr.Operands.Streamer
			vw := c.model.vectorWidth
			if vw == 0 {
				vw = 8
			}
			total := uint64(op.Height) * uint64(op.Width)
			latency = kpu.Cycle((total+uint64(vw)-1)/uint64(vw)) + 3
		case instr.Opcode.IsStreamer():
			idx := engineIndexEstimate(c.numStreamers, instr.InstructionID, 0, false)
			resource = resourceKey("Streamer", idx)
			op := instr.Operands.Streamer
			latency = c.model.streamerLatency(op.Height, op.Width, op.FabricSize, op.StreamType)
			if instr.Opcode == isa.FeedCols {
				// The implicit compute op rides along with the second
				// feed, same as the sequential executor's dispatch.
				t := p.Tiles
				computeLatency := c.model.computeLatency(uint32(t.Ti), uint32(t.Tj), uint32(t.L1Ki))
				computeStart := maxCycle(w, availableAt[computeResource], instr.EarliestCycle)
				computeEnd := computeStart + computeLatency
				availableAt[computeResource] = computeEnd
				timeline = append(timeline, ScheduledOp{Resource: computeResource, Start: computeStart, End: computeEnd, Label: "matmul"})
				endCycle[instr.InstructionID] = computeEnd
			}
		default:
			// Sync/control ops occupy no resource; they simply pass
			// through the max of their dependencies' end cycles.
			endCycle[instr.InstructionID] = w
			continue
		}

		r := availableAt[resource]
		start := maxCycle(w, r, instr.EarliestCycle)
		end := start + latency
		availableAt[resource] = end
		timeline = append(timeline, ScheduledOp{Resource: resource, Start: start, End: end, Label: instr.Label})

		if existing, ok := endCycle[instr.InstructionID]; ok && existing > end {
			end = existing // the implicit compute op may finish later than the feed that triggered it
		}
		endCycle[instr.InstructionID] = end
	}

	var makespan kpu.Cycle
	for _, e := range endCycle {
		if e > makespan {
			makespan = e
		}
	}

	util := make(map[string]float64)
	busy := make(map[string]kpu.Cycle)
	for _, op := range timeline {
		busy[op.Resource] += op.End - op.Start
	}
	if makespan > 0 {
		for r, b := range busy {
			util[r] = float64(b) / float64(makespan)
		}
	}

	return ConcurrentResult{Makespan: makespan, Utilization: util, Timeline: timeline}
}

func maxCycle(vs ...kpu.Cycle) kpu.Cycle {
	m := kpu.Cycle(0)
	for _, v := range vs {
		if v > m {
			m = v
		}
	}
	return m
}

func engineIndexEstimate(n int, instructionID uint32, slot uint8, hasSlot bool) int {
	if n == 0 {
		n = 1
	}
	if hasSlot {
		return int(slot) % n
	}
	return int(instructionID) % n
}

// RenderTimeline prints a fixed-width ASCII strip per resource for
// debugging (spec §4.10).
func RenderTimeline(result ConcurrentResult, width int) string {
	if result.Makespan == 0 {
		return ""
	}
	byResource := make(map[string][]ScheduledOp)
	var order []string
	for _, op := range result.Timeline {
		if _, ok := byResource[op.Resource]; !ok {
			order = append(order, op.Resource)
		}
		byResource[op.Resource] = append(byResource[op.Resource], op)
	}

	var b strings.Builder
	scale := float64(width) / float64(result.Makespan)
	for _, r := range order {
		strip := make([]byte, width)
		for i := range strip {
			strip[i] = '.'
		}
		for _, op := range byResource[r] {
			from := int(float64(op.Start) * scale)
			to := int(float64(op.End) * scale)
			if to > width {
				to = width
			}
			for i := from; i < to; i++ {
				strip[i] = '#'
			}
		}
		fmt.Fprintf(&b, "%-16s [%s]\n", r, string(strip))
	}
	return b.String()
}
