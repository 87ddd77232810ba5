package sealer

import (
	"testing"
	"time"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

func claimAt(seq int64) *evidence.ValidatedClaim {
	_, hash, _ := hashing.CanonicalHash(map[string]any{"agent_id": "a1"})
	return &evidence.ValidatedClaim{
		EventID:          "event-1",
		SessionID:        "session-1",
		SequenceNumber:   seq,
		TimestampWall:    "2026-01-01T00:00:00Z",
		EventType:        evidence.EventSessionStart,
		PayloadCanonical: []byte(`{"agent_id":"a1"}`),
		PayloadHash:      hash,
	}
}

func TestSealGenesis(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	sealed, drops, err := s.Seal(claimAt(0), nil, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if drops != nil {
		t.Fatalf("expected no synthesized drops at genesis, got %d", len(drops))
	}
	if sealed.PrevEventHash != nil {
		t.Errorf("expected nil PrevEventHash at genesis, got %v", *sealed.PrevEventHash)
	}
	if sealed.ChainAuthority != "agentops-ingest-v1" {
		t.Errorf("ChainAuthority = %q", sealed.ChainAuthority)
	}
	wantPayloadHash := hashing.HexSHA256([]byte(`{"agent_id":"a1"}`))
	if sealed.PayloadHash != wantPayloadHash {
		t.Errorf("PayloadHash = %q, want %q", sealed.PayloadHash, wantPayloadHash)
	}
}

func TestSealGenesisRejectsNonZeroSequence(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	_, _, err := s.Seal(claimAt(1), nil, time.Unix(0, 0))
	e, ok := errs.AsError(err)
	if !ok || e.ErrorCode != errs.CodeInvalidFirstSequence {
		t.Fatalf("got %v, want invalid-first-sequence", err)
	}
}

func TestSealChainLink(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	e0, _, err := s.Seal(claimAt(0), nil, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	state := &evidence.ChainState{LastSequence: 0, LastEventHash: e0.EventHash}
	e1, _, err := s.Seal(claimAt(1), state, time.Unix(1, 0))
	if err != nil {
		t.Fatal(err)
	}
	if e1.PrevEventHash == nil || *e1.PrevEventHash != e0.EventHash {
		t.Errorf("E1.PrevEventHash = %v, want %q", e1.PrevEventHash, e0.EventHash)
	}
	if e1.EventHash == e0.EventHash {
		t.Error("E1.EventHash must differ from E0.EventHash")
	}
}

func TestSealRejectsRewind(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	state := &evidence.ChainState{LastSequence: 2, LastEventHash: "abc"}
	_, _, err := s.Seal(claimAt(1), state, time.Unix(0, 0))
	e, ok := errs.AsError(err)
	if !ok || e.ErrorCode != errs.CodeSequenceRewind {
		t.Fatalf("got %v, want sequence-rewind", err)
	}
}

func TestSealRejectsDuplicateSequence(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	state := &evidence.ChainState{LastSequence: 2, LastEventHash: "abc"}
	_, _, err := s.Seal(claimAt(2), state, time.Unix(0, 0))
	e, ok := errs.AsError(err)
	if !ok || e.ErrorCode != errs.CodeSequenceRewind {
		t.Fatalf("got %v, want sequence-rewind (same sequence is not greater)", err)
	}
}

func TestSealStrictRejectsForwardGap(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	state := &evidence.ChainState{LastSequence: 0, LastEventHash: "abc"}
	_, _, err := s.Seal(claimAt(5), state, time.Unix(0, 0))
	e, ok := errs.AsError(err)
	if !ok || e.ErrorCode != errs.CodeLogGap {
		t.Fatalf("got %v, want log-gap", err)
	}
}

func TestSealRejectsClosedSession(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	state := &evidence.ChainState{LastSequence: 0, LastEventHash: "abc", Closed: true}
	_, _, err := s.Seal(claimAt(1), state, time.Unix(0, 0))
	e, ok := errs.AsError(err)
	if !ok || e.ErrorCode != errs.CodeSessionClosed {
		t.Fatalf("got %v, want session-closed", err)
	}
}

func TestSealPermissiveDocumentsGapWithLogDrop(t *testing.T) {
	s := New("agentops-ingest-v1", Permissive)
	state := &evidence.ChainState{LastSequence: 0, LastEventHash: "abc"}
	admitted, drops, err := s.Seal(claimAt(3), state, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(drops) != 1 {
		t.Fatalf("expected exactly one synthesized LOG_DROP event, got %d", len(drops))
	}
	if drops[0].EventType != evidence.EventLogDrop {
		t.Errorf("synthesized event type = %q, want LOG_DROP", drops[0].EventType)
	}
	if drops[0].SequenceNumber != 1 {
		t.Errorf("LOG_DROP sequence_number = %d, want 1", drops[0].SequenceNumber)
	}
	if admitted.PrevEventHash == nil || *admitted.PrevEventHash != drops[0].EventHash {
		t.Error("admitted event must chain from the synthesized LOG_DROP's hash")
	}
}

func TestSealCrossSessionIsolation(t *testing.T) {
	s := New("agentops-ingest-v1", Strict)
	claimA := claimAt(0)
	claimA.SessionID = "session-a"
	claimB := claimAt(0)
	claimB.SessionID = "session-b"
	claimB.EventID = claimA.EventID // identical event_id, sequence, payload

	ea, _, err := s.Seal(claimA, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	eb, _, err := s.Seal(claimB, nil, time.Unix(0, 0))
	if err != nil {
		t.Fatal(err)
	}
	if ea.EventHash == eb.EventHash {
		t.Error("events differing only in session_id must hash differently")
	}
}
