// Package verifier implements §4.G: offline recomputation and
// classification of a session from its canonical export. It touches no
// store and holds no state between sessions — every call is a pure
// function of its export bytes and caller-supplied trust inputs.
package verifier

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/redaction"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

// ExportEvent is the wire shape the verifier reads: §3's committed-event
// fields plus the payload object as a sibling, exactly as §6's "Export
// format" specifies, to permit independent recomputation.
type ExportEvent struct {
	EventID            string          `json:"event_id"`
	SessionID          string          `json:"session_id"`
	SequenceNumber     int64           `json:"sequence_number"`
	TimestampWall      string          `json:"timestamp_wall"`
	TimestampMonotonic *int64          `json:"timestamp_monotonic,omitempty"`
	EventType          evidence.EventType `json:"event_type"`
	Payload            json.RawMessage `json:"payload"`
	PayloadHash        string          `json:"payload_hash"`
	PrevEventHash      *string         `json:"prev_event_hash"`
	EventHash          string          `json:"event_hash"`
	ChainAuthority     string          `json:"chain_authority"`
}

// ExportSeal mirrors §3's ChainSeal for the optional seal block.
type ExportSeal struct {
	SessionID          string `json:"session_id"`
	SealingAuthorityID string `json:"sealing_authority_id"`
	SessionDigest       string `json:"session_digest"`
	FinalEventHash      string `json:"final_event_hash"`
	EventCount          int64  `json:"event_count"`
}

// exportWrapper is the optional top-level object form (§6: "MAY include a
// top-level wrapper carrying export metadata"). Unknown fields (version,
// timestamp, evidence_class, chain-of-custody statement) are ignored by
// virtue of not being named here.
type exportWrapper struct {
	Events []ExportEvent `json:"events"`
	Seal   *ExportSeal   `json:"seal"`
}

// Severity classifies a Finding's effect on the overall status (§4.G
// "Findings").
type Severity string

const (
	SeverityFatal   Severity = "FATAL"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

// codeRedactionDetected labels the INFO-severity "a field is redacted"
// observation (§4.J: "Redaction detection alone is INFO"). It is not part
// of §7's classification table because INFO findings never affect status
// or exit code; it exists only as a human-readable tag on the Finding.
const codeRedactionDetected errs.Code = "redaction-detected"

// Finding is one observation made while walking the chain.
type Finding struct {
	Code           errs.Code `json:"code"`
	Severity       Severity  `json:"severity"`
	SequenceNumber int64     `json:"sequence_number"`
	Message        string    `json:"message"`
}

// Status is the derived verdict (§4.G "Status derivation").
type Status string

const (
	StatusPass     Status = "PASS"
	StatusDegraded Status = "DEGRADED"
	StatusFail     Status = "FAIL"
)

// EvidenceClass is the coarse ingestion-side-independent grade (§4.G
// "Evidence class").
type EvidenceClass string

const (
	EvidenceClassA EvidenceClass = "A"
	EvidenceClassB EvidenceClass = "B"
	EvidenceClassC EvidenceClass = "C"
)

// Report is the verifier's complete output.
type Report struct {
	Status                Status        `json:"status"`
	EvidenceClass         EvidenceClass `json:"evidence_class"`
	AuthoritativeEvidence bool          `json:"authoritative_evidence"`
	Findings              []Finding     `json:"findings"`
	EventCount            int           `json:"event_count"`
}

// Options configures one Verify call (§4.G: trusted authorities and
// allow_redacted are caller-supplied, never built-in defaults — see §9's
// open question on the reference's two default trusted-authority
// versions, resolved here by requiring the caller to supply the set
// explicitly; an empty set rejects every chain_authority, per spec).
type Options struct {
	TrustedAuthorities map[string]bool
	AllowRedacted      bool
}

// Verify parses raw as an export (array or wrapper object) and produces a
// Report. It never returns an error for a malformed *chain* — those become
// FATAL findings and a FAIL status, per §4.G "accumulates findings ...
// does not fail-fast". It does return an error for input that cannot be
// parsed as an export at all (not valid JSON, wrong shape), which the CLI
// maps to exit code 2 per §6.
func Verify(raw []byte, opts Options) (*Report, error) {
	events, seal, err := parseExport(raw)
	if err != nil {
		return nil, err
	}

	var findings []Finding
	var sessionID string
	var prevRecomputedHash string
	anyLogDrop := false

	for i, ev := range events {
		seq := ev.SequenceNumber

		if i == 0 {
			sessionID = ev.SessionID
		}

		if seq != int64(i) {
			findings = append(findings, Finding{
				Code: errs.CodeSequenceGap, Severity: SeverityFatal, SequenceNumber: seq,
				Message: fmt.Sprintf("sequence_number %d does not match array index %d", seq, i),
			})
		}

		if ev.SessionID != sessionID {
			findings = append(findings, Finding{
				Code: errs.CodeSchemaInvalid, Severity: SeverityFatal, SequenceNumber: seq,
				Message: "session_id does not match the session's first event",
			})
		}

		if !opts.TrustedAuthorities[ev.ChainAuthority] {
			findings = append(findings, Finding{
				Code: errs.CodeAuthorityInvalid, Severity: SeverityFatal, SequenceNumber: seq,
				Message: fmt.Sprintf("chain_authority %q is not in the trusted set", ev.ChainAuthority),
			})
		}

		if i == 0 {
			if ev.PrevEventHash != nil {
				findings = append(findings, Finding{
					Code: errs.CodeChainBreak, Severity: SeverityFatal, SequenceNumber: seq,
					Message: "genesis event must have a null prev_event_hash",
				})
			}
		} else if ev.PrevEventHash == nil || *ev.PrevEventHash != prevRecomputedHash {
			findings = append(findings, Finding{
				Code: errs.CodeChainBreak, Severity: SeverityFatal, SequenceNumber: seq,
				Message: "prev_event_hash does not equal the recomputed hash of the previous event",
			})
		}

		canonicalPayload, recomputedPayloadHash, err := hashing.CanonicalHashBytes(ev.Payload)
		if err != nil {
			findings = append(findings, Finding{
				Code: errs.CodeJCSInvalid, Severity: SeverityFatal, SequenceNumber: seq,
				Message: fmt.Sprintf("payload is not canonicalizable: %v", err),
			})
			prevRecomputedHash = ev.EventHash
			continue
		}
		if !strings.EqualFold(recomputedPayloadHash, ev.PayloadHash) {
			findings = append(findings, Finding{
				Code: errs.CodePayloadTamper, Severity: SeverityFatal, SequenceNumber: seq,
				Message: "recomputed payload_hash does not match claimed payload_hash",
			})
		}

		signed := evidence.SignedFields{
			EventID:        ev.EventID,
			SessionID:      ev.SessionID,
			SequenceNumber: ev.SequenceNumber,
			TimestampWall:  ev.TimestampWall,
			EventType:      string(ev.EventType),
			PayloadHash:    ev.PayloadHash,
			PrevEventHash:  ev.PrevEventHash,
		}
		_, recomputedEventHash, err := hashing.CanonicalHash(signed)
		if err != nil {
			findings = append(findings, Finding{
				Code: errs.CodeJCSInvalid, Severity: SeverityFatal, SequenceNumber: seq,
				Message: fmt.Sprintf("signed fields are not canonicalizable: %v", err),
			})
		} else if !strings.EqualFold(recomputedEventHash, ev.EventHash) {
			findings = append(findings, Finding{
				Code: errs.CodeHashMismatch, Severity: SeverityFatal, SequenceNumber: seq,
				Message: "recomputed event_hash does not match claimed event_hash",
			})
		}

		if ev.EventType == evidence.EventLogDrop {
			anyLogDrop = true
			findings = append(findings, Finding{
				Code: errs.CodeLogDropDetected, Severity: SeverityWarning, SequenceNumber: seq,
				Message: "chain contains a LOG_DROP event",
			})
		}

		redFindings, rerr := redaction.Scan(canonicalPayload)
		if rerr == nil {
			for _, rf := range redFindings {
				if !rf.Valid {
					findings = append(findings, Finding{
						Code: errs.CodeRedactionIntegrityViolation, Severity: SeverityFatal, SequenceNumber: seq,
						Message: fmt.Sprintf("redacted field %q is missing a valid companion hash %q", rf.Path, rf.CompanionKey),
					})
				} else {
					findings = append(findings, Finding{
						Code: codeRedactionDetected, Severity: SeverityInfo, SequenceNumber: seq,
						Message: fmt.Sprintf("field %q is redacted", rf.Path),
					})
				}
			}
			if !opts.AllowRedacted && redaction.AnyRedacted(redFindings) {
				findings = append(findings, Finding{
					Code: errs.CodePolicyViolation, Severity: SeverityFatal, SequenceNumber: seq,
					Message: "redacted fields present but allow_redacted is false",
				})
			}
		}

		prevRecomputedHash = recomputedEventHash
	}

	status := deriveStatus(findings)
	sealed := seal != nil
	hasSessionEnd := false
	for _, ev := range events {
		if ev.EventType == evidence.EventSessionEnd {
			hasSessionEnd = true
			break
		}
	}

	class := deriveEvidenceClass(status, anyLogDrop, sealed)
	authoritative := status == StatusPass && sealed && !anyLogDrop && hasSessionEnd && chainValid(findings)

	return &Report{
		Status:                status,
		EvidenceClass:         class,
		AuthoritativeEvidence: authoritative,
		Findings:              findings,
		EventCount:            len(events),
	}, nil
}

func deriveStatus(findings []Finding) Status {
	hasWarning := false
	for _, f := range findings {
		if f.Severity == SeverityFatal {
			return StatusFail
		}
		if f.Severity == SeverityWarning {
			hasWarning = true
		}
	}
	if hasWarning {
		return StatusDegraded
	}
	return StatusPass
}

func chainValid(findings []Finding) bool {
	for _, f := range findings {
		if f.Severity == SeverityFatal {
			return false
		}
	}
	return true
}

func deriveEvidenceClass(status Status, anyLogDrop, sealed bool) EvidenceClass {
	switch {
	case status == StatusFail:
		return EvidenceClassC
	case status == StatusDegraded:
		return EvidenceClassB
	case anyLogDrop:
		return EvidenceClassB
	case sealed:
		return EvidenceClassA
	default:
		// PASS, unsealed, no drops: not FAIL/DEGRADED, but also not yet
		// authoritative — treated as B until a ChainSeal exists.
		return EvidenceClassB
	}
}

func parseExport(raw []byte) ([]ExportEvent, *ExportSeal, error) {
	trimmed := trimLeadingWS(raw)
	if len(trimmed) == 0 {
		return nil, nil, errs.New(errs.CodeSchemaInvalid, "export is empty", nil)
	}
	if trimmed[0] == '[' {
		var events []ExportEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, nil, errs.Wrap(errs.CodeSchemaInvalid, "export is not a valid JSON array of events", err, nil)
		}
		return events, nil, nil
	}
	var wrapper exportWrapper
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, nil, errs.Wrap(errs.CodeSchemaInvalid, "export is not a valid JSON object", err, nil)
	}
	return wrapper.Events, wrapper.Seal, nil
}

func trimLeadingWS(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return b[i:]
}
