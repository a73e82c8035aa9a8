package trace

import (
	"bytes"
	"strings"
	"testing"
)

func TestLogger_DisabledDiscardsEvents(t *testing.T) {
	// GIVEN a logger that was never enabled
	var l Logger

	// WHEN an event is recorded
	l.Record(Event{TransactionID: 1, ComponentType: DMAEngine, Status: Issued})

	// THEN nothing is stored
	if len(l.Events()) != 0 {
		t.Errorf("expected 0 events, got %d", len(l.Events()))
	}
}

func TestLogger_RecordsInOrder(t *testing.T) {
	l := NewLogger()
	l.Record(Event{TransactionID: 1, ComponentType: DMAEngine, TransactionType: Transfer, Status: Issued, CycleIssue: 0})
	l.Record(Event{TransactionID: 1, ComponentType: DMAEngine, TransactionType: Transfer, Status: Completed, CycleIssue: 0, CycleComplete: 4,
		DMA: &DMAPayload{SrcLoc: "ext0", DstLoc: "l3.0", Bytes: 256, BandwidthGBps: 64}})

	events := l.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[1].DurationCycles() != 4 {
		t.Errorf("DurationCycles = %d, want 4", events[1].DurationCycles())
	}
}

func TestNextTransactionID_Monotonic(t *testing.T) {
	a := NextTransactionID()
	b := NextTransactionID()
	if b <= a {
		t.Errorf("expected monotonically increasing ids, got %d then %d", a, b)
	}
}

func TestWriteCSV_HasHeaderAndOneRowPerEvent(t *testing.T) {
	events := []Event{
		{TransactionID: 1, ComponentType: DMAEngine, TransactionType: Transfer, Status: Completed, CycleIssue: 0, CycleComplete: 4,
			DMA: &DMAPayload{SrcLoc: "ext0", DstLoc: "l3.0", Bytes: 256, BandwidthGBps: 64}},
	}
	var buf bytes.Buffer
	if err := WriteCSV(&buf, events); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header + 1 row, got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "TransactionID,") {
		t.Errorf("unexpected header: %s", lines[0])
	}
}

func TestWriteJSON_WrapsTracesArray(t *testing.T) {
	events := []Event{{TransactionID: 1, ComponentType: Streamer, Status: Issued}}
	var buf bytes.Buffer
	if err := WriteJSON(&buf, events); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if !strings.Contains(buf.String(), `"traces"`) {
		t.Errorf("expected top-level \"traces\" key, got %s", buf.String())
	}
}

func TestWriteChromeTrace_EmitsMetadataThenEvents(t *testing.T) {
	events := []Event{
		{TransactionID: 1, ComponentType: DMAEngine, TransactionType: Transfer, Status: Completed, CycleIssue: 0, CycleComplete: 4},
	}
	var buf bytes.Buffer
	if err := WriteChromeTrace(&buf, events); err != nil {
		t.Fatalf("WriteChromeTrace: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"process_name"`) || !strings.Contains(out, `"ph": "X"`) {
		t.Errorf("expected process_name metadata and a complete (X) event, got:\n%s", out)
	}
}
