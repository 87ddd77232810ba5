// Package validator implements the ingestion gate (§4.C): a pure
// transformation from an untrusted raw event to an immutable ValidatedClaim,
// or a fatal *errs.Error. No side effects, no I/O — it composes cleanly
// under any transport per §9 "Pure cores".
package validator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

// requiredFields is the required set from §6 "Ingress surface".
var requiredFields = []string{
	"event_id", "session_id", "sequence_number", "timestamp_wall", "event_type", "payload",
}

// knownOptionalFields is the known-optional set from §4.C step 2.
var knownOptionalFields = map[string]bool{
	"payload_hash":        true,
	"prev_event_hash":     true,
	"timestamp_monotonic": true,
	"source_sdk_ver":      true,
	"schema_ver":          true,
}

// forbiddenFields are the authority fields a producer must never assert
// (§6 "Forbidden").
var forbiddenFields = []string{"event_hash", "chain_authority"}

// timestampRE matches ISO-8601 with an explicit timezone offset (Z or
// ±HH:MM), per §4.C step 3. encoding/json already guarantees valid JSON
// string syntax; this only constrains the calendar/timezone shape.
var timestampRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})$`)

// Validate runs the five ordered steps of §4.C against raw, a single
// producer-submitted event encoded as JSON. The first failing step
// terminates validation; later steps never run once an earlier one fails,
// matching "first failure terminates".
func Validate(raw []byte) (*evidence.ValidatedClaim, error) {
	var generic map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, errs.New(errs.CodeSchemaInvalid, fmt.Sprintf("event is not a JSON object: %v", err), nil)
	}

	// Step 1: authority-leak check, first so a misbehaving client learns
	// immediately (§4.C step 1).
	for _, f := range forbiddenFields {
		if v, present := generic[f]; present && !isJSONNull(v) {
			return nil, errs.New(errs.CodeAuthorityLeak,
				fmt.Sprintf("client supplied authoritative field %q", f),
				map[string]any{"field": f})
		}
	}

	// Step 2: schema check -- required fields present, no fields outside
	// required ∪ known-optional ∪ forbidden (forbidden already excluded by
	// step 1 unless null, which is tolerated as "absent in spirit").
	for _, f := range requiredFields {
		if _, present := generic[f]; !present {
			return nil, errs.New(errs.CodeSchemaInvalid,
				fmt.Sprintf("missing required field %q", f),
				map[string]any{"field": f})
		}
	}
	allowed := make(map[string]bool, len(requiredFields)+len(knownOptionalFields)+len(forbiddenFields))
	for _, f := range requiredFields {
		allowed[f] = true
	}
	for f := range knownOptionalFields {
		allowed[f] = true
	}
	for _, f := range forbiddenFields {
		allowed[f] = true
	}
	for f := range generic {
		if !allowed[f] {
			return nil, errs.New(errs.CodeSchemaInvalid,
				fmt.Sprintf("unexpected field %q", f),
				map[string]any{"field": f})
		}
	}

	eventID, err := decodeString(generic, "event_id")
	if err != nil {
		return nil, err
	}
	sessionID, err := decodeString(generic, "session_id")
	if err != nil {
		return nil, err
	}
	timestampWall, err := decodeString(generic, "timestamp_wall")
	if err != nil {
		return nil, err
	}
	eventTypeStr, err := decodeString(generic, "event_type")
	if err != nil {
		return nil, err
	}
	eventType := evidence.EventType(eventTypeStr)
	if !eventType.IsValid() {
		return nil, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("event_type %q is not in the closed set", eventTypeStr),
			map[string]any{"field": "event_type", "value": eventTypeStr})
	}

	seq, err := decodeNonNegativeInt(generic, "sequence_number")
	if err != nil {
		return nil, err
	}

	var monotonic *int64
	if raw, present := generic["timestamp_monotonic"]; present && !isJSONNull(raw) {
		v, err := decodeNonNegativeInt(generic, "timestamp_monotonic")
		if err != nil {
			return nil, err
		}
		monotonic = &v
	}

	var sourceSDKVer, schemaVer string
	if raw, present := generic["source_sdk_ver"]; present && !isJSONNull(raw) {
		sourceSDKVer, err = decodeString(generic, "source_sdk_ver")
		if err != nil {
			return nil, err
		}
	}
	if raw, present := generic["schema_ver"]; present && !isJSONNull(raw) {
		schemaVer, err = decodeString(generic, "schema_ver")
		if err != nil {
			return nil, err
		}
	}

	payloadRaw, present := generic["payload"]
	if !present || isJSONNull(payloadRaw) {
		return nil, errs.New(errs.CodeSchemaInvalid, "payload must be a JSON object", map[string]any{"field": "payload"})
	}
	trimmed := bytes.TrimSpace(payloadRaw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errs.New(errs.CodeSchemaInvalid, "payload must be a JSON object", map[string]any{"field": "payload"})
	}

	var claimedPrevHash *string
	if raw, present := generic["prev_event_hash"]; present && !isJSONNull(raw) {
		s, err := decodeString(generic, "prev_event_hash")
		if err != nil {
			return nil, err
		}
		claimedPrevHash = &s
	}

	// Step 3: timestamp check.
	if !timestampRE.MatchString(timestampWall) {
		return nil, errs.New(errs.CodeTimestampInvalid,
			fmt.Sprintf("timestamp_wall %q is not ISO-8601 with an explicit timezone", timestampWall),
			map[string]any{"field": "timestamp_wall", "value": timestampWall})
	}

	// Step 4: canonicalization.
	canonical, computedHash, err := hashing.CanonicalHashBytes(payloadRaw)
	if err != nil {
		return nil, errs.Wrap(errs.CodeJCSInvalid, "payload is not canonicalizable", err, map[string]any{"field": "payload"})
	}

	// Step 5: payload-hash check.
	if raw, present := generic["payload_hash"]; present && !isJSONNull(raw) {
		claimed, err := decodeString(generic, "payload_hash")
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(claimed, computedHash) {
			return nil, errs.New(errs.CodePayloadHashMismatch,
				"client-supplied payload_hash does not match recomputed hash",
				map[string]any{"claimed": claimed, "computed": computedHash})
		}
	}

	return &evidence.ValidatedClaim{
		EventID:              eventID,
		SessionID:            sessionID,
		SequenceNumber:       seq,
		TimestampWall:        timestampWall,
		TimestampMonotonic:   monotonic,
		EventType:            eventType,
		PayloadCanonical:     canonical,
		PayloadHash:          computedHash,
		SourceSDKVersion:     sourceSDKVer,
		SchemaVersion:        schemaVer,
		ClaimedPrevEventHash: claimedPrevHash,
	}, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decodeString(generic map[string]json.RawMessage, field string) (string, error) {
	var s string
	if err := json.Unmarshal(generic[field], &s); err != nil {
		return "", errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("field %q must be a string", field),
			map[string]any{"field": field})
	}
	return s, nil
}

// decodeNonNegativeInt decodes field as an integer, explicitly rejecting
// booleans and non-integral numbers even where the underlying JSON number
// grammar would admit them (§4.C step 2: "booleans explicitly rejected even
// if the language admits them as integers").
func decodeNonNegativeInt(generic map[string]json.RawMessage, field string) (int64, error) {
	raw := bytes.TrimSpace(generic[field])
	if bytes.Equal(raw, []byte("true")) || bytes.Equal(raw, []byte("false")) {
		return 0, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("field %q must be an integer, not a boolean", field),
			map[string]any{"field": field})
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("field %q must be an integer", field),
			map[string]any{"field": field})
	}
	v, err := n.Int64()
	if err != nil {
		return 0, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("field %q must be a non-negative integer", field),
			map[string]any{"field": field})
	}
	if v < 0 {
		return 0, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("field %q must be non-negative", field),
			map[string]any{"field": field})
	}
	return v, nil
}
