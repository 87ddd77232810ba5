package validator

import (
	"testing"

	"github.com/agentops/evidence/internal/errs"
)

func wantCode(t *testing.T, err error, code errs.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error %q, got nil", code)
	}
	e, ok := errs.AsError(err)
	if !ok {
		t.Fatalf("expected *errs.Error, got %T: %v", err, err)
	}
	if e.ErrorCode != code {
		t.Fatalf("got error code %q, want %q", e.ErrorCode, code)
	}
}

func TestValidateGenesisClaim(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	claim, err := Validate(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claim.SequenceNumber != 0 {
		t.Errorf("SequenceNumber = %d, want 0", claim.SequenceNumber)
	}
	if claim.PayloadHash == "" {
		t.Error("expected non-empty PayloadHash")
	}
}

func TestValidateRejectsAuthorityLeak(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"},
		"event_hash":"deadbeef"
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeAuthorityLeak)
}

func TestValidateRejectsChainAuthorityLeak(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"},
		"chain_authority":"attacker-v1"
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeAuthorityLeak)
}

func TestValidateRejectsMissingField(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsUnexpectedField(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"},
		"surprise_field":"x"
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsBooleanSequenceNumber(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":true,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsNegativeSequenceNumber(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":-1,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsUnknownEventType(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"NOT_A_REAL_TYPE",
		"payload":{"agent_id":"a1"}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsTimestampWithoutTimezone(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeTimestampInvalid)
}

func TestValidateAcceptsOffsetTimezone(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00+02:00",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	if _, err := Validate(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsPayloadNotObject(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":"not-an-object"
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeSchemaInvalid)
}

func TestValidateRejectsPayloadHashMismatch(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"},
		"payload_hash":"0000000000000000000000000000000000000000000000000000000000000000"
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodePayloadHashMismatch)
}

func TestValidateAcceptsCorrectPayloadHash(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"}
	}`)
	claim, err := Validate(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	withHash := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"agent_id":"a1"},
		"payload_hash":"` + claim.PayloadHash + `"
	}`)
	if _, err := Validate(withHash); err != nil {
		t.Fatalf("unexpected error with matching payload_hash: %v", err)
	}
}

func TestValidateRejectsNonCanonicalizablePayload(t *testing.T) {
	raw := []byte(`{
		"event_id":"11111111-1111-1111-1111-111111111111",
		"session_id":"22222222-2222-2222-2222-222222222222",
		"sequence_number":0,
		"timestamp_wall":"2026-01-01T00:00:00Z",
		"event_type":"SESSION_START",
		"payload":{"a":1,"a":2}
	}`)
	_, err := Validate(raw)
	wantCode(t, err, errs.CodeJCSInvalid)
}
