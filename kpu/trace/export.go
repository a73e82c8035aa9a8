package trace

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// payloadString renders whichever payload is set as a single diagnostic
// field for the CSV export's Payload column.
func payloadString(e Event) string {
	switch {
	case e.DMA != nil:
		return fmt.Sprintf("src=%s dst=%s bytes=%d bw=%.3fGBps", e.DMA.SrcLoc, e.DMA.DstLoc, e.DMA.Bytes, e.DMA.BandwidthGBps)
	case e.Compute != nil:
		return fmt.Sprintf("M=%d N=%d K=%d dtype=%s", e.Compute.M, e.Compute.N, e.Compute.K, e.Compute.DType)
	case e.Control != nil:
		return fmt.Sprintf("mask=0x%x", e.Control.Mask)
	case e.Memory != nil:
		return fmt.Sprintf("addr=0x%x size=%d", e.Memory.Address, e.Memory.Size)
	default:
		return ""
	}
}

// cyclesToNs converts a cycle count to nanoseconds given a clock frequency
// in GHz; freqGHz == 0 leaves the column blank (no clock configured).
func cyclesToNs(cycles uint64, freqGHz float64) string {
	if freqGHz == 0 {
		return ""
	}
	return strconv.FormatFloat(float64(cycles)/freqGHz, 'f', 3, 64)
}

// WriteCSV writes one row per event, columns per spec §6.
func WriteCSV(w io.Writer, events []Event) error {
	cw := csv.NewWriter(w)
	header := []string{
		"TransactionID", "ComponentType", "ComponentID", "TransactionType", "Status",
		"CycleIssue", "CycleComplete", "DurationCycles",
		"TimeIssueNs", "TimeCompleteNs", "DurationNs", "Payload", "Description",
	}
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range events {
		issueNs := cyclesToNs(e.CycleIssue, e.ClockFreqGHz)
		completeNs := cyclesToNs(e.CycleComplete, e.ClockFreqGHz)
		durNs := cyclesToNs(e.DurationCycles(), e.ClockFreqGHz)
		row := []string{
			strconv.FormatUint(e.TransactionID, 10),
			string(e.ComponentType),
			strconv.FormatUint(uint64(e.ComponentID), 10),
			string(e.TransactionType),
			string(e.Status),
			strconv.FormatUint(e.CycleIssue, 10),
			strconv.FormatUint(e.CycleComplete, 10),
			strconv.FormatUint(e.DurationCycles(), 10),
			issueNs, completeNs, durNs,
			payloadString(e),
			e.Description,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type jsonEvent struct {
	TransactionID   uint64           `json:"transaction_id"`
	ComponentType   ComponentType    `json:"component_type"`
	ComponentID     uint32           `json:"component_id"`
	TransactionType TransactionType  `json:"transaction_type"`
	Status          Status           `json:"status"`
	CycleIssue      uint64           `json:"cycle_issue"`
	CycleComplete   uint64           `json:"cycle_complete"`
	DMA             *DMAPayload      `json:"dma_payload,omitempty"`
	Compute         *ComputePayload  `json:"compute_payload,omitempty"`
	Control         *ControlPayload  `json:"control_payload,omitempty"`
	Memory          *MemoryPayload   `json:"memory_payload,omitempty"`
	Description     string           `json:"description,omitempty"`
	ClockFreqGHz    float64          `json:"clock_freq_ghz,omitempty"`
}

// WriteJSON writes the outer envelope `{"traces": [...]}` described in
// spec §6.
func WriteJSON(w io.Writer, events []Event) error {
	out := struct {
		Traces []jsonEvent `json:"traces"`
	}{Traces: make([]jsonEvent, 0, len(events))}

	for _, e := range events {
		out.Traces = append(out.Traces, jsonEvent{
			TransactionID: e.TransactionID, ComponentType: e.ComponentType, ComponentID: e.ComponentID,
			TransactionType: e.TransactionType, Status: e.Status,
			CycleIssue: e.CycleIssue, CycleComplete: e.CycleComplete,
			DMA: e.DMA, Compute: e.Compute, Control: e.Control, Memory: e.Memory,
			Description: e.Description, ClockFreqGHz: e.ClockFreqGHz,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// chromeEvent is one entry of the Chrome trace-event-format array.
type chromeEvent struct {
	Name string      `json:"name"`
	Cat  string      `json:"cat,omitempty"`
	Ph   string      `json:"ph"`
	Ts   float64     `json:"ts"`
	Dur  float64     `json:"dur,omitempty"`
	Pid  int         `json:"pid"`
	Tid  int         `json:"tid"`
	Args interface{} `json:"args,omitempty"`
}

// defaultNsPerCycle is used to convert cycles to microseconds for events
// that carry no ClockFreqGHz; 1 cycle == 1 ns keeps the viewer's timeline
// proportional to cycle count even with no clock configured.
const defaultNsPerCycle = 1.0

func cyclesToUs(cycles uint64, freqGHz float64) float64 {
	ns := float64(cycles) * defaultNsPerCycle
	if freqGHz > 0 {
		ns = float64(cycles) / freqGHz
	}
	return ns / 1000.0
}

// WriteChromeTrace writes the Chrome about:tracing JSON array: metadata
// events first (process_name/thread_name, one per component type, in
// componentProcessOrder so the pipeline appears top-to-bottom in viewer
// order), then complete ("X") events for finished transactions and instant
// ("i") events for ones still in flight.
func WriteChromeTrace(w io.Writer, events []Event) error {
	var chrome []chromeEvent

	seen := make(map[ComponentType]bool)
	order := make([]ComponentType, 0, len(componentProcessOrder))
	for ct := range componentProcessOrder {
		order = append(order, ct)
	}
	sort.Slice(order, func(i, j int) bool { return componentProcessOrder[order[i]] < componentProcessOrder[order[j]] })

	for _, e := range events {
		if seen[e.ComponentType] {
			continue
		}
		seen[e.ComponentType] = true
	}
	for _, ct := range order {
		if !seen[ct] {
			continue
		}
		pid := componentProcessOrder[ct]
		chrome = append(chrome,
			chromeEvent{Name: "process_name", Ph: "M", Pid: pid, Args: map[string]string{"name": string(ct)}},
			chromeEvent{Name: "thread_name", Ph: "M", Pid: pid, Tid: 0, Args: map[string]string{"name": string(ct)}},
		)
	}

	for _, e := range events {
		pid := componentProcessOrder[e.ComponentType]
		ts := cyclesToUs(e.CycleIssue, e.ClockFreqGHz)
		if e.Status == Completed || e.Status == Failed || e.Status == Cancelled {
			dur := cyclesToUs(e.DurationCycles(), e.ClockFreqGHz)
			chrome = append(chrome, chromeEvent{
				Name: string(e.TransactionType), Cat: string(e.ComponentType), Ph: "X",
				Ts: ts, Dur: dur, Pid: pid, Tid: int(e.ComponentID),
				Args: map[string]interface{}{"transaction_id": e.TransactionID, "payload": payloadString(e)},
			})
		} else {
			chrome = append(chrome, chromeEvent{
				Name: string(e.TransactionType), Cat: string(e.ComponentType), Ph: "i",
				Ts: ts, Pid: pid, Tid: int(e.ComponentID),
				Args: map[string]interface{}{"transaction_id": e.TransactionID, "status": string(e.Status)},
			})
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(chrome)
}
