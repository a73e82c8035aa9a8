package engine

import (
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

const matmulElemSize = 4 // float32, spec §4.8 "scalar float"

// MatmulOp is the operation schema both compute-fabric variants share
// (spec §4.8): read A[M,K], B[K,N] from L1, write C[M,N] back to L1, all
// addressed as offsets within the same L1 buffer.
type MatmulOp struct {
	M, N, K              uint32
	AAddr, BAddr, CAddr  kpu.Size
	L1ID                 kpu.InstanceID
	OnComplete           func()
}

// ComputeFabric is the shared interface BasicMatmul and Systolic
// implement, so the executor can dispatch to either without caring which
// is configured.
type ComputeFabric interface {
	IsBusy() bool
	StartMatmul(op MatmulOp) (uint64, error)
	Process(cycle kpu.Cycle)
}

func readF32(buf []byte, off kpu.Size) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(buf[off : off+4]))
}

func writeF32(buf []byte, off kpu.Size, v float32) {
	binary.LittleEndian.PutUint32(buf[off:off+4], math.Float32bits(v))
}

// denseMatmul computes C = A*B directly against the L1 buffer's raw
// bytes, row-major, float32 elements, delegating the actual product to
// gonum/mat so the functional reference and the systolic array's
// short-circuit share one exact implementation.
func denseMatmul(raw []byte, op MatmulOp) {
	aData := make([]float64, int(op.M)*int(op.K))
	for i := uint32(0); i < op.M; i++ {
		for k := uint32(0); k < op.K; k++ {
			aData[int(i)*int(op.K)+int(k)] = float64(readF32(raw, op.AAddr+kpu.Size(i)*kpu.Size(op.K)*matmulElemSize+kpu.Size(k)*matmulElemSize))
		}
	}
	bData := make([]float64, int(op.K)*int(op.N))
	for k := uint32(0); k < op.K; k++ {
		for j := uint32(0); j < op.N; j++ {
			bData[int(k)*int(op.N)+int(j)] = float64(readF32(raw, op.BAddr+kpu.Size(k)*kpu.Size(op.N)*matmulElemSize+kpu.Size(j)*matmulElemSize))
		}
	}

	a := mat.NewDense(int(op.M), int(op.K), aData)
	b := mat.NewDense(int(op.K), int(op.N), bData)
	var c mat.Dense
	c.Mul(a, b)

	for i := uint32(0); i < op.M; i++ {
		for j := uint32(0); j < op.N; j++ {
			writeF32(raw, op.CAddr+kpu.Size(i)*kpu.Size(op.N)*matmulElemSize+kpu.Size(j)*matmulElemSize, float32(c.At(int(i), int(j))))
		}
	}
}

type matmulTask struct {
	txID       uint64
	op         MatmulOp
	latency    kpu.Cycle
	started    bool
	startCycle kpu.Cycle
}

// BasicMatmul is the functional reference fabric: no array structure,
// just one dense product (denseMatmul). Latency = M*N*K cycles (spec §4.8).
type BasicMatmul struct {
	id       kpu.InstanceID
	registry *Registry
	logger   *trace.Logger

	active *matmulTask
}

// NewBasicMatmul creates a functional-model compute fabric.
func NewBasicMatmul(id kpu.InstanceID, registry *Registry, logger *trace.Logger) *BasicMatmul {
	return &BasicMatmul{id: id, registry: registry, logger: logger}
}

// IsBusy reports whether a matmul is in flight.
func (f *BasicMatmul) IsBusy() bool { return f.active != nil }

// StartMatmul begins a matmul; starting a second one while busy is an
// error (spec §4.8 "fatal").
func (f *BasicMatmul) StartMatmul(op MatmulOp) (uint64, error) {
	if f.active != nil {
		return 0, fmt.Errorf("basic_matmul[%d]: matmul already in flight", f.id)
	}
	if _, ok := f.registry.Buffer(kpu.L1Buffer, op.L1ID); !ok {
		return 0, fmt.Errorf("basic_matmul[%d]: no L1Buffer[%d]", f.id, op.L1ID)
	}
	txID := trace.NextTransactionID()
	f.active = &matmulTask{txID: txID, op: op, latency: kpu.Cycle(uint64(op.M) * uint64(op.N) * uint64(op.K))}
	if f.active.latency == 0 {
		f.active.latency = 1
	}
	return txID, nil
}

// Process advances the fabric by one cycle.
func (f *BasicMatmul) Process(cycle kpu.Cycle) {
	if f.active == nil {
		return
	}
	if !f.active.started {
		f.active.started = true
		f.active.startCycle = cycle
		f.logger.Record(trace.Event{
			TransactionID: f.active.txID, ComponentType: trace.ComputeFabric, ComponentID: uint32(f.id),
			TransactionType: trace.MatMul, Status: trace.Issued, CycleIssue: uint64(cycle),
			Compute: &trace.ComputePayload{M: uint64(f.active.op.M), N: uint64(f.active.op.N), K: uint64(f.active.op.K), DType: "f32"},
		})
	}
	if cycle-f.active.startCycle+1 < f.active.latency {
		return
	}

	task := f.active
	l1, ok := f.registry.Buffer(kpu.L1Buffer, task.op.L1ID)
	if ok {
		denseMatmul(l1.Raw(), task.op)
		l1.Touch(cycle)
	}
	f.logger.Record(trace.Event{
		TransactionID: task.txID, ComponentType: trace.ComputeFabric, ComponentID: uint32(f.id),
		TransactionType: trace.MatMul, Status: trace.Completed,
		CycleIssue: uint64(task.startCycle), CycleComplete: uint64(cycle),
		Compute: &trace.ComputePayload{M: uint64(task.op.M), N: uint64(task.op.N), K: uint64(task.op.K), DType: "f32"},
	})
	f.active = nil
	if task.op.OnComplete != nil {
		task.op.OnComplete()
	}
}

// DefaultSystolicRows and DefaultSystolicCols size the PE grid absent an
// explicit configuration (spec §4.8).
const (
	DefaultSystolicRows = 16
	DefaultSystolicCols = 16
)

// Systolic models a rows x cols processing-element grid. Its functional
// result is produced by a dense product computed once the modeled cycle
// budget elapses — the "short-circuit... while preserving cycle-accurate
// timing" compromise spec §4.8 explicitly sanctions, since modeling every
// PE's scalar registers independently would cost far more state for no
// difference in the numbers the rest of the system ever observes.
type Systolic struct {
	id         kpu.InstanceID
	registry   *Registry
	rows, cols uint32
	logger     *trace.Logger

	active *matmulTask
}

// NewSystolic creates a systolic-array fabric with the given grid shape.
func NewSystolic(id kpu.InstanceID, registry *Registry, rows, cols uint32, logger *trace.Logger) *Systolic {
	if rows == 0 {
		rows = DefaultSystolicRows
	}
	if cols == 0 {
		cols = DefaultSystolicCols
	}
	return &Systolic{id: id, registry: registry, rows: rows, cols: cols, logger: logger}
}

// IsBusy reports whether a matmul is in flight.
func (s *Systolic) IsBusy() bool { return s.active != nil }

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// StartMatmul begins a matmul; starting a second one while busy is an
// error.
func (s *Systolic) StartMatmul(op MatmulOp) (uint64, error) {
	if s.active != nil {
		return 0, fmt.Errorf("systolic[%d]: matmul already in flight", s.id)
	}
	if _, ok := s.registry.Buffer(kpu.L1Buffer, op.L1ID); !ok {
		return 0, fmt.Errorf("systolic[%d]: no L1Buffer[%d]", s.id, op.L1ID)
	}
	txID := trace.NextTransactionID()
	latency := kpu.Cycle(op.K) + kpu.Cycle(maxU32(op.M, op.N)) + kpu.Cycle(maxU32(s.rows, s.cols))
	if latency == 0 {
		latency = 1
	}
	s.active = &matmulTask{txID: txID, op: op, latency: latency}
	return txID, nil
}

// Process advances the fabric by one cycle.
func (s *Systolic) Process(cycle kpu.Cycle) {
	if s.active == nil {
		return
	}
	if !s.active.started {
		s.active.started = true
		s.active.startCycle = cycle
		s.logger.Record(trace.Event{
			TransactionID: s.active.txID, ComponentType: trace.SystolicArray, ComponentID: uint32(s.id),
			TransactionType: trace.MatMul, Status: trace.Issued, CycleIssue: uint64(cycle),
			Compute: &trace.ComputePayload{M: uint64(s.active.op.M), N: uint64(s.active.op.N), K: uint64(s.active.op.K), DType: "f32"},
		})
	}
	if cycle-s.active.startCycle+1 < s.active.latency {
		return
	}

	task := s.active
	l1, ok := s.registry.Buffer(kpu.L1Buffer, task.op.L1ID)
	if ok {
		denseMatmul(l1.Raw(), task.op)
		l1.Touch(cycle)
	}
	s.logger.Record(trace.Event{
		TransactionID: task.txID, ComponentType: trace.SystolicArray, ComponentID: uint32(s.id),
		TransactionType: trace.MatMul, Status: trace.Completed,
		CycleIssue: uint64(task.startCycle), CycleComplete: uint64(cycle),
		Compute: &trace.ComputePayload{M: uint64(task.op.M), N: uint64(task.op.N), K: uint64(task.op.K), DType: "f32"},
	})
	s.active = nil
	if task.op.OnComplete != nil {
		task.op.OnComplete()
	}
}
