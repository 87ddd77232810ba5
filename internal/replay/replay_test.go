package replay

import (
	"testing"

	"github.com/agentops/evidence/internal/verifier"
	"github.com/agentops/evidence/pkg/evidence"
)

func TestProjectRefusesOnFailedVerification(t *testing.T) {
	_, err := Project(nil, &verifier.Report{Status: verifier.StatusFail})
	if err == nil {
		t.Fatal("expected ReplayFailure")
	}
	var rf *ReplayFailure
	if !isReplayFailure(err, &rf) {
		t.Fatalf("expected *ReplayFailure, got %T: %v", err, err)
	}
}

func TestProjectRefusesWithNilReport(t *testing.T) {
	_, err := Project(nil, nil)
	if err == nil {
		t.Fatal("expected ReplayFailure for nil report")
	}
}

func TestProjectEmitsEventFrames(t *testing.T) {
	events := []verifier.ExportEvent{
		{SequenceNumber: 0, EventID: "e0", EventType: evidence.EventSessionStart, Payload: []byte(`{"a":1}`), TimestampWall: "2026-01-01T00:00:00Z"},
		{SequenceNumber: 1, EventID: "e1", EventType: evidence.EventModelRequest, Payload: []byte(`{"a":2}`), TimestampWall: "2026-01-01T00:00:01Z"},
	}
	result, err := Project(events, &verifier.Report{Status: verifier.StatusPass})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(result.Frames))
	}
	for _, f := range result.Frames {
		if f.Type != FrameEvent {
			t.Errorf("frame type = %q, want EVENT", f.Type)
		}
	}
}

func TestProjectEmitsGapFrame(t *testing.T) {
	events := []verifier.ExportEvent{
		{SequenceNumber: 0, EventID: "e0", EventType: evidence.EventSessionStart, Payload: []byte(`{"a":1}`), TimestampWall: "2026-01-01T00:00:00Z"},
		{SequenceNumber: 4, EventID: "e4", EventType: evidence.EventModelRequest, Payload: []byte(`{"a":2}`), TimestampWall: "2026-01-01T00:00:01Z"},
	}
	result, err := Project(events, &verifier.Report{Status: verifier.StatusDegraded})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Frames) != 3 {
		t.Fatalf("expected gap+2 event frames, got %d: %+v", len(result.Frames), result.Frames)
	}
	if result.Frames[1].Type != FrameGap || result.Frames[1].GapStart != 1 || result.Frames[1].GapEnd != 3 {
		t.Errorf("gap frame = %+v, want GapStart=1 GapEnd=3", result.Frames[1])
	}
}

func TestProjectLogDropFrame(t *testing.T) {
	events := []verifier.ExportEvent{
		{SequenceNumber: 0, EventID: "e0", EventType: evidence.EventLogDrop,
			Payload: []byte(`{"dropped_count":5,"reason":"buffer_overflow"}`), TimestampWall: "2026-01-01T00:00:00Z"},
	}
	result, err := Project(events, &verifier.Report{Status: verifier.StatusDegraded})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Frames) != 1 || result.Frames[0].Type != FrameLogDrop {
		t.Fatalf("expected 1 LOG_DROP frame, got %+v", result.Frames)
	}
	if result.Frames[0].DroppedCount != 5 || result.Frames[0].DropReason != "buffer_overflow" {
		t.Errorf("frame = %+v", result.Frames[0])
	}
}

func TestProjectRedactionFrameAnnotatesEvent(t *testing.T) {
	events := []verifier.ExportEvent{
		{SequenceNumber: 0, EventID: "e0", EventType: evidence.EventAnnotation,
			Payload: []byte(`{"email":"[REDACTED]"}`), TimestampWall: "2026-01-01T00:00:00Z"},
	}
	result, err := Project(events, &verifier.Report{Status: verifier.StatusPass})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Frames) != 2 {
		t.Fatalf("expected EVENT+REDACTION frames, got %+v", result.Frames)
	}
	if result.Frames[0].Type != FrameEvent || result.Frames[1].Type != FrameRedaction {
		t.Errorf("frames = %+v", result.Frames)
	}
	if len(result.Frames[1].RedactedPaths) != 1 || result.Frames[1].RedactedPaths[0] != "email" {
		t.Errorf("redacted paths = %v", result.Frames[1].RedactedPaths)
	}
}

func TestProjectTimestampAnomalyIsWarningNotReorder(t *testing.T) {
	events := []verifier.ExportEvent{
		{SequenceNumber: 0, EventID: "e0", EventType: evidence.EventSessionStart, Payload: []byte(`{}`), TimestampWall: "2026-01-01T00:00:10Z"},
		{SequenceNumber: 1, EventID: "e1", EventType: evidence.EventModelRequest, Payload: []byte(`{}`), TimestampWall: "2026-01-01T00:00:05Z"},
	}
	result, err := Project(events, &verifier.Report{Status: verifier.StatusPass})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.TimestampWarnings) != 1 {
		t.Fatalf("expected 1 timestamp warning, got %d", len(result.TimestampWarnings))
	}
	if result.Frames[0].SequenceNumber != 0 || result.Frames[1].SequenceNumber != 1 {
		t.Error("frames must stay in sequence_number order despite timestamp anomaly")
	}
}

func isReplayFailure(err error, target **ReplayFailure) bool {
	rf, ok := err.(*ReplayFailure)
	if ok {
		*target = rf
	}
	return ok
}
