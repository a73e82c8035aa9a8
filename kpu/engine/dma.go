package engine

import (
	"fmt"
	"math"

	"github.com/stillwater-sc/kpusim/kpu"
	"github.com/stillwater-sc/kpusim/kpu/trace"
)

// dmaTransfer is one queued byte-range move. Only the head of the queue
// is in flight; queued transfers behind it simply wait (spec §4.4: "Only
// one transfer is in-flight per engine").
type dmaTransfer struct {
	txID       uint64
	src, dst   kpu.Address
	size       kpu.Size
	onComplete func()
	started    bool
	startCycle kpu.Cycle
}

// DMA moves bytes between any two addresses in the global space. One
// engine services one FIFO queue.
type DMA struct {
	id            kpu.InstanceID
	registry      *Registry
	bytesPerCycle float64 // bandwidth_bytes_per_cycle, spec §4.4
	logger        *trace.Logger

	queue []*dmaTransfer
}

// NewDMA creates a DMA engine with the given transfer bandwidth.
func NewDMA(id kpu.InstanceID, registry *Registry, bytesPerCycle float64, logger *trace.Logger) *DMA {
	return &DMA{id: id, registry: registry, bytesPerCycle: bytesPerCycle, logger: logger}
}

// IsBusy reports whether a transfer is currently in flight or queued.
func (d *DMA) IsBusy() bool { return len(d.queue) > 0 }

// QueueDepth returns the number of transfers waiting, including the
// in-flight head.
func (d *DMA) QueueDepth() int { return len(d.queue) }

// Enqueue validates src/dst/size against the decoder and appends a
// transfer to the FIFO; it fails synchronously on unmapped or
// cross-region addresses (spec §4.4).
func (d *DMA) Enqueue(src, dst kpu.Address, size kpu.Size, onComplete func()) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("dma[%d]: zero-size transfer", d.id)
	}
	if _, _, err := d.registry.ResolveRange(src, size); err != nil {
		return 0, fmt.Errorf("dma[%d]: src: %w", d.id, err)
	}
	if _, _, err := d.registry.ResolveRange(dst, size); err != nil {
		return 0, fmt.Errorf("dma[%d]: dst: %w", d.id, err)
	}
	txID := trace.NextTransactionID()
	d.queue = append(d.queue, &dmaTransfer{txID: txID, src: src, dst: dst, size: size, onComplete: onComplete})
	return txID, nil
}

// EnqueueLegacy is the (kind,id,offset) entry point, constructing a
// global address from the decoder's own region table (spec §4.4
// "Legacy form").
func (d *DMA) EnqueueLegacy(srcKind kpu.MemKind, srcID kpu.InstanceID, srcOffset kpu.Size, dstKind kpu.MemKind, dstID kpu.InstanceID, dstOffset kpu.Size, size kpu.Size, onComplete func()) (uint64, error) {
	srcRegion, ok := d.registry.Decoder.FindRegion(srcKind, srcID)
	if !ok {
		return 0, fmt.Errorf("dma[%d]: no region for %s[%d]", d.id, srcKind, srcID)
	}
	dstRegion, ok := d.registry.Decoder.FindRegion(dstKind, dstID)
	if !ok {
		return 0, fmt.Errorf("dma[%d]: no region for %s[%d]", d.id, dstKind, dstID)
	}
	return d.Enqueue(srcRegion.Base+kpu.Address(srcOffset), dstRegion.Base+kpu.Address(dstOffset), size, onComplete)
}

func (d *DMA) latency(size kpu.Size) kpu.Cycle {
	if d.bytesPerCycle <= 0 {
		return kpu.Cycle(size)
	}
	cycles := kpu.Cycle(math.Ceil(float64(size) / d.bytesPerCycle))
	if cycles < 1 {
		cycles = 1
	}
	return cycles
}

// Process advances the engine by one cycle: it starts the head transfer
// if it hasn't begun, and completes it once its modeled latency has
// elapsed.
func (d *DMA) Process(cycle kpu.Cycle) {
	if len(d.queue) == 0 {
		return
	}
	head := d.queue[0]
	if !head.started {
		head.started = true
		head.startCycle = cycle
		srcBuf, srcOff, _ := d.registry.ResolveAddress(head.src)
		dstBuf, dstOff, _ := d.registry.ResolveAddress(head.dst)
		d.logger.Record(trace.Event{
			TransactionID: head.txID, ComponentType: trace.DMAEngine, ComponentID: uint32(d.id),
			TransactionType: trace.Transfer, Status: trace.Issued, CycleIssue: uint64(cycle),
			DMA: &trace.DMAPayload{
				SrcLoc:        locString(srcBuf.Kind(), srcBuf.ID(), srcOff),
				DstLoc:        locString(dstBuf.Kind(), dstBuf.ID(), dstOff),
				Bytes:         uint64(head.size),
				BandwidthGBps: d.bytesPerCycle,
			},
		})
	}

	elapsed := cycle - head.startCycle + 1
	if elapsed < d.latency(head.size) {
		return
	}

	d.completeHead(cycle)
}

func (d *DMA) completeHead(cycle kpu.Cycle) {
	head := d.queue[0]
	srcBuf, srcOff, err := d.registry.ResolveAddress(head.src)
	if err == nil {
		dstBuf, dstOff, derr := d.registry.ResolveAddress(head.dst)
		if derr == nil {
			buf := make([]byte, head.size)
			if rerr := srcBuf.Read(srcOff, buf); rerr == nil {
				_ = dstBuf.Write(dstOff, buf)
			}
			dstBuf.Touch(cycle)
		}
		srcBuf.Touch(cycle)
	}

	d.logger.Record(trace.Event{
		TransactionID: head.txID, ComponentType: trace.DMAEngine, ComponentID: uint32(d.id),
		TransactionType: trace.Transfer, Status: trace.Completed,
		CycleIssue: uint64(head.startCycle), CycleComplete: uint64(cycle),
		DMA: &trace.DMAPayload{Bytes: uint64(head.size), BandwidthGBps: d.bytesPerCycle},
	})

	d.queue = d.queue[1:]
	if head.onComplete != nil {
		head.onComplete()
	}
}
