package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// sfuPipelineLatency is the additional latency beyond streaming the
// vector engine's 4-stage pipeline adds (spec §4.7).
const sfuPipelineLatency = 3

// DefaultVectorWidth is the default number of elements processed per
// cycle (spec §4.7).
const DefaultVectorWidth = 8

// SFU is a configurable lookup table approximating an activation
// function: inputs are clamped to [Min,Max], scaled to a table index,
// and linearly interpolated between adjacent entries. ReLU bypasses the
// table entirely since it's piecewise-linear and exact either way.
type SFU struct {
	Min, Max float64
	Table    []float64 // len(Table) entries spanning [Min,Max]
}

// NewSFU builds a lookup table for fn sampled at n evenly spaced points
// across [min,max] (defaults: n=256, [min,max]=[-8,8] per spec §4.7).
func NewSFU(fn func(float64) float64, n int, min, max float64) *SFU {
	xs := floats.Span(make([]float64, n), min, max)
	table := make([]float64, n)
	for i, x := range xs {
		table[i] = fn(x)
	}
	return &SFU{Min: min, Max: max, Table: table}
}

// Eval clamps x into [Min,Max] and linearly interpolates between the two
// nearest table entries.
func (s *SFU) Eval(x float64) float64 {
	if x < s.Min {
		x = s.Min
	}
	if x > s.Max {
		x = s.Max
	}
	n := len(s.Table)
	pos := (x - s.Min) / (s.Max - s.Min) * float64(n-1)
	lo := int(math.Floor(pos))
	if lo >= n-1 {
		return s.Table[n-1]
	}
	if lo < 0 {
		lo = 0
	}
	frac := pos - float64(lo)
	return s.Table[lo]*(1-frac) + s.Table[lo+1]*frac
}

// ReferenceActivation computes the exact activation function, bypassing
// any lookup table, for test cross-checking (spec §4.7).
func ReferenceActivation(a isa.Activation, x float64) float64 {
	switch a {
	case isa.ActivationReLU:
		if x < 0 {
			return 0
		}
		return x
	case isa.ActivationGELU:
		return 0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x)))
	case isa.ActivationSigmoid:
		return 1 / (1 + math.Exp(-x))
	case isa.ActivationTanh:
		return math.Tanh(x)
	case isa.ActivationSiLU:
		return x / (1 + math.Exp(-x))
	case isa.ActivationSoftplus:
		return math.Log1p(math.Exp(x))
	case isa.ActivationLeakyReLU:
		if x < 0 {
			return 0.01 * x
		}
		return x
	default:
		return x
	}
}

// defaultSFUs is built once per activation kind; ReLU needs none since
// it's applied exactly regardless of table use.
var defaultSFUs = map[isa.Activation]*SFU{
	isa.ActivationGELU:      NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationGELU, x) }, 256, -8, 8),
	isa.ActivationSigmoid:   NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationSigmoid, x) }, 256, -8, 8),
	isa.ActivationTanh:      NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationTanh, x) }, 256, -8, 8),
	isa.ActivationSiLU:      NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationSiLU, x) }, 256, -8, 8),
	isa.ActivationSoftplus:  NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationSoftplus, x) }, 256, -8, 8),
	isa.ActivationLeakyReLU: NewSFU(func(x float64) float64 { return ReferenceActivation(isa.ActivationLeakyReLU, x) }, 256, -8, 8),
}

// VectorOp is the argument to VectorEngine.EnqueueOperation (spec §4.7).
type VectorOp struct {
	L1ID, L2ID    kpu.InstanceID
	L1Base, L2Base kpu.Size
	Height, Width uint32
	RowStride     uint32
	HasBias       bool
	BiasL1Addr    kpu.Size
	Activation    isa.Activation
	OnComplete    func()
}

type vectorTask struct {
	txID       uint64
	op         VectorOp
	started    bool
	startCycle kpu.Cycle
}

// VectorEngine performs the inline bias-add + activation fused drain
// (L1->L2) that makes an MLP's output stage a single streaming pass
// instead of a stream-then-separate-compute.
type VectorEngine struct {
	id         kpu.InstanceID
	registry   *Registry
	vectorWidth uint32
	logger     *trace.Logger

	queue []*vectorTask
}

// NewVectorEngine creates a vector engine with the given per-cycle
// element throughput.
func NewVectorEngine(id kpu.InstanceID, registry *Registry, vectorWidth uint32, logger *trace.Logger) *VectorEngine {
	if vectorWidth == 0 {
		vectorWidth = DefaultVectorWidth
	}
	return &VectorEngine{id: id, registry: registry, vectorWidth: vectorWidth, logger: logger}
}

// IsBusy reports whether an operation is in flight or queued.
func (v *VectorEngine) IsBusy() bool { return len(v.queue) > 0 }

// EnqueueOperation validates the buffers and queues the fused drain.
func (v *VectorEngine) EnqueueOperation(op VectorOp) (uint64, error) {
	if op.Height == 0 || op.Width == 0 {
		return 0, fmt.Errorf("vector_engine[%d]: zero-dimension operation", v.id)
	}
	if _, ok := v.registry.Buffer(kpu.L1Buffer, op.L1ID); !ok {
		return 0, fmt.Errorf("vector_engine[%d]: no L1Buffer[%d]", v.id, op.L1ID)
	}
	if _, ok := v.registry.Buffer(kpu.L2Bank, op.L2ID); !ok {
		return 0, fmt.Errorf("vector_engine[%d]: no L2Bank[%d]", v.id, op.L2ID)
	}
	txID := trace.NextTransactionID()
	v.queue = append(v.queue, &vectorTask{txID: txID, op: op})
	return txID, nil
}

func (v *VectorEngine) latency(op VectorOp) kpu.Cycle {
	total := uint64(op.Height) * uint64(op.Width)
	streamCycles := (total + uint64(v.vectorWidth) - 1) / uint64(v.vectorWidth)
	return kpu.Cycle(streamCycles) + sfuPipelineLatency
}

// Process advances the engine by one cycle.
func (v *VectorEngine) Process(cycle kpu.Cycle) {
	if len(v.queue) == 0 {
		return
	}
	head := v.queue[0]
	if !head.started {
		head.started = true
		head.startCycle = cycle
		v.logger.Record(trace.Event{
			TransactionID: head.txID, ComponentType: trace.ComputeFabric, ComponentID: uint32(v.id),
			TransactionType: trace.Compute, Status: trace.Issued, CycleIssue: uint64(cycle),
			Description: "vector_engine bias+activation drain",
		})
	}

	if cycle-head.startCycle+1 < v.latency(head.op) {
		return
	}
	v.completeHead(cycle)
}

func (v *VectorEngine) completeHead(cycle kpu.Cycle) {
	head := v.queue[0]
	op := head.op
	l1, _ := v.registry.Buffer(kpu.L1Buffer, op.L1ID)
	l2, _ := v.registry.Buffer(kpu.L2Bank, op.L2ID)

	if l1 != nil && l2 != nil {
		const elemSize = 4 // float32 elements, matching the compute fabric's internal representation
		bias := make([]float64, op.Width)
		if op.HasBias {
			buf4 := make([]byte, elemSize)
			for j := uint32(0); j < op.Width; j++ {
				_ = l1.Read(op.BiasL1Addr+kpu.Size(j)*elemSize, buf4)
				bias[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf4)))
			}
		}

		sfu := defaultSFUs[op.Activation]
		buf4 := make([]byte, elemSize)
		stride := op.RowStride
		if stride == 0 {
			stride = op.Width
		}
		for i := uint32(0); i < op.Height; i++ {
			for j := uint32(0); j < op.Width; j++ {
				srcOff := op.L1Base + kpu.Size(i)*kpu.Size(stride)*elemSize + kpu.Size(j)*elemSize
				if err := l1.Read(srcOff, buf4); err != nil {
					continue
				}
				x := float64(math.Float32frombits(binary.LittleEndian.Uint32(buf4)))
				if op.HasBias {
					x += bias[j]
				}
				switch {
				case op.Activation == isa.ActivationNone:
					// pass-through
				case op.Activation == isa.ActivationReLU || sfu == nil:
					x = ReferenceActivation(op.Activation, x)
				default:
					x = sfu.Eval(x)
				}
				dstOff := op.L2Base + kpu.Size(i)*kpu.Size(op.Width)*elemSize + kpu.Size(j)*elemSize
				binary.LittleEndian.PutUint32(buf4, math.Float32bits(float32(x)))
				_ = l2.Write(dstOff, buf4)
			}
		}
		l1.Touch(cycle)
		l2.Touch(cycle)
	}

	v.logger.Record(trace.Event{
		TransactionID: head.txID, ComponentType: trace.ComputeFabric, ComponentID: uint32(v.id),
		TransactionType: trace.Compute, Status: trace.Completed,
		CycleIssue: uint64(head.startCycle), CycleComplete: uint64(cycle),
		Description: "vector_engine bias+activation drain",
	})

	v.queue = v.queue[1:]
	if op.OnComplete != nil {
		op.OnComplete()
	}
}
