package engine

import (
	"fmt"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/isa"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// StreamConfig is the argument to Streamer.EnqueueStream, mirroring
// spec §4.6's config struct.
type StreamConfig struct {
	L2ID, L1ID           kpu.InstanceID
	L2Base, L1Base       kpu.Size
	MatrixHeight, MatrixWidth uint32
	ElementSize          kpu.Size
	FabricSize           uint32
	Direction            isa.Direction
	StreamType           isa.StreamType
	OnComplete           func()
}

type streamOp struct {
	txID       uint64
	cfg        StreamConfig
	lanes      uint32 // min(FabricSize, the dimension being fed)
	depth      uint32 // elements each lane feeds
	started    bool
	startCycle kpu.Cycle
}

// finishCycle is the cycle (relative to start) by which every lane has
// finished: the last lane starts at offset lanes-1 and needs depth more
// cycles to drain (spec §4.6 "lane k starts at cycle start+k").
func (op *streamOp) finishCycle() uint32 {
	if op.lanes == 0 {
		return op.depth
	}
	return (op.lanes - 1) + op.depth
}

// Streamer feeds L1 from L2 (or drains L1 to L2) with row- or
// column-major access and per-lane stagger suitable for a systolic array.
type Streamer struct {
	id       kpu.InstanceID
	registry *Registry
	logger   *trace.Logger

	queue []*streamOp
}

// NewStreamer creates a streamer engine.
func NewStreamer(id kpu.InstanceID, registry *Registry, logger *trace.Logger) *Streamer {
	return &Streamer{id: id, registry: registry, logger: logger}
}

// IsBusy reports whether a stream is in flight or queued.
func (s *Streamer) IsBusy() bool { return len(s.queue) > 0 }

// EnqueueStream validates the configuration and buffers, then queues the
// stream op.
func (s *Streamer) EnqueueStream(cfg StreamConfig) (uint64, error) {
	if cfg.MatrixHeight == 0 || cfg.MatrixWidth == 0 {
		return 0, fmt.Errorf("streamer[%d]: zero-dimension stream", s.id)
	}
	if cfg.FabricSize == 0 {
		return 0, fmt.Errorf("streamer[%d]: zero fabric_size", s.id)
	}
	if _, ok := s.registry.Buffer(kpu.L2Bank, cfg.L2ID); !ok {
		return 0, fmt.Errorf("streamer[%d]: no L2Bank[%d]", s.id, cfg.L2ID)
	}
	if _, ok := s.registry.Buffer(kpu.L1Buffer, cfg.L1ID); !ok {
		return 0, fmt.Errorf("streamer[%d]: no L1Buffer[%d]", s.id, cfg.L1ID)
	}

	var lanes, depth uint32
	if cfg.StreamType == isa.ColStream {
		lanes = min32(cfg.FabricSize, cfg.MatrixWidth)
		depth = cfg.MatrixHeight
	} else {
		lanes = min32(cfg.FabricSize, cfg.MatrixHeight)
		depth = cfg.MatrixWidth
	}

	txID := trace.NextTransactionID()
	s.queue = append(s.queue, &streamOp{txID: txID, cfg: cfg, lanes: lanes, depth: depth})
	return txID, nil
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// Process advances the engine by one cycle.
func (s *Streamer) Process(cycle kpu.Cycle) {
	if len(s.queue) == 0 {
		return
	}
	head := s.queue[0]
	if !head.started {
		head.started = true
		head.startCycle = cycle
		s.logger.Record(trace.Event{
			TransactionID: head.txID, ComponentType: trace.Streamer, ComponentID: uint32(s.id),
			TransactionType: trace.Transfer, Status: trace.Issued, CycleIssue: uint64(cycle),
			DMA: &trace.DMAPayload{
				SrcLoc: locString(kpu.L2Bank, head.cfg.L2ID, head.cfg.L2Base),
				DstLoc: locString(kpu.L1Buffer, head.cfg.L1ID, head.cfg.L1Base),
				Bytes:  uint64(head.cfg.MatrixHeight) * uint64(head.cfg.MatrixWidth) * uint64(head.cfg.ElementSize),
			},
		})
	}

	elapsed := uint32(cycle - head.startCycle)
	if elapsed < head.finishCycle() {
		return
	}

	s.completeHead(cycle)
}

// completeHead performs the full row/column-major data movement for the
// op in one shot at completion time — the same "short-circuit the
// per-element walk while preserving the cycle-accurate latency formula"
// compromise spec §4.8 explicitly allows for the compute fabric, applied
// here to the streamer's element copy.
func (s *Streamer) completeHead(cycle kpu.Cycle) {
	head := s.queue[0]
	cfg := head.cfg
	l2, _ := s.registry.Buffer(kpu.L2Bank, cfg.L2ID)
	l1, _ := s.registry.Buffer(kpu.L1Buffer, cfg.L1ID)

	if l2 != nil && l1 != nil {
		elem := int(cfg.ElementSize)
		buf := make([]byte, elem)
		for row := uint32(0); row < cfg.MatrixHeight; row++ {
			for col := uint32(0); col < cfg.MatrixWidth; col++ {
				// index = row*width + col, as if the whole matrix
				// resides in L1 (spec §4.6).
				l1Off := cfg.L1Base + kpu.Size(row)*kpu.Size(cfg.MatrixWidth)*cfg.ElementSize + kpu.Size(col)*cfg.ElementSize
				l2Off := cfg.L2Base + kpu.Size(row)*kpu.Size(cfg.MatrixWidth)*cfg.ElementSize + kpu.Size(col)*cfg.ElementSize
				if cfg.Direction == isa.L2ToL1 {
					if err := l2.Read(l2Off, buf); err == nil {
						_ = l1.Write(l1Off, buf)
					}
				} else {
					if err := l1.Read(l1Off, buf); err == nil {
						_ = l2.Write(l2Off, buf)
					}
				}
			}
		}
		l2.Touch(cycle)
		l1.Touch(cycle)
	}

	s.logger.Record(trace.Event{
		TransactionID: head.txID, ComponentType: trace.Streamer, ComponentID: uint32(s.id),
		TransactionType: trace.Transfer, Status: trace.Completed,
		CycleIssue: uint64(head.startCycle), CycleComplete: uint64(cycle),
		DMA: &trace.DMAPayload{Bytes: uint64(cfg.MatrixHeight) * uint64(cfg.MatrixWidth) * uint64(cfg.ElementSize)},
	})

	s.queue = s.queue[1:]
	if cfg.OnComplete != nil {
		cfg.OnComplete()
	}
}
