// Package replay implements §4.I: projecting a verified chain into an
// ordered stream of frames with explicit gaps and drops. It never
// synthesizes event content and never reorders by timestamp — only by
// sequence_number, which is the only ordering the chain's hashes actually
// attest to.
package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/redaction"
	"github.com/agentops/evidence/internal/verifier"
	"github.com/agentops/evidence/pkg/evidence"
)

// FrameType is the closed set of frame kinds (§4.I).
type FrameType string

const (
	FrameEvent     FrameType = "EVENT"
	FrameGap       FrameType = "GAP"
	FrameLogDrop   FrameType = "LOG_DROP"
	FrameRedaction FrameType = "REDACTION"
)

// Frame is one unit of the replay projection. Exactly one of the
// type-specific field groups below is meaningful for any given Type, per
// the "belongs to exactly one of" invariant in §4.I.
type Frame struct {
	Type FrameType

	// EVENT / LOG_DROP / REDACTION fields.
	SequenceNumber int64
	EventID        string
	EventType      evidence.EventType
	Payload        []byte // canonical bytes, carried verbatim

	// GAP fields.
	GapStart int64
	GapEnd   int64

	// LOG_DROP convenience fields, parsed verbatim from the committed
	// LOG_DROP event's payload (§4.I: "exposing dropped_count and
	// drop_reason verbatim").
	DroppedCount int64
	DropReason   string

	// REDACTION fields: which paths inside the annotated EVENT frame's
	// payload were found redacted.
	RedactedPaths []string
}

// ReplayFailure is returned in place of frames when the input chain did not
// verify (§4.I: "If verification of the input chain fails, the projection
// refuses -- no frames, no metadata, no partial output").
type ReplayFailure struct {
	Code    errs.Code
	Message string
}

func (f *ReplayFailure) Error() string {
	return fmt.Sprintf("replay refused: %s: %s", f.Code, f.Message)
}

// Result is the projection's output alongside any non-fatal timestamp
// warnings (§4.I: "Timestamp anomalies ... become warnings, never
// reorderings").
type Result struct {
	Frames            []Frame
	TimestampWarnings []string
}

// Project builds a Result from events, which must already carry a Report
// from internal/verifier for the same export. If report.Status is FAIL the
// projection refuses outright per the single-origin/no-partial-output
// invariant.
func Project(events []verifier.ExportEvent, report *verifier.Report) (*Result, error) {
	if report == nil {
		return nil, &ReplayFailure{Code: errs.CodeSchemaInvalid, Message: "no verification report supplied"}
	}
	if report.Status == verifier.StatusFail {
		return nil, &ReplayFailure{Code: errs.CodeHashMismatch, Message: "chain failed verification; replay refused"}
	}

	var frames []Frame
	var warnings []string
	lastSeq := int64(-1)
	var lastTimestamp time.Time
	haveLastTimestamp := false

	for _, ev := range events {
		if lastSeq >= 0 && ev.SequenceNumber > lastSeq+1 {
			frames = append(frames, Frame{
				Type:     FrameGap,
				GapStart: lastSeq + 1,
				GapEnd:   ev.SequenceNumber - 1,
			})
		}

		if ts, err := time.Parse(time.RFC3339Nano, ev.TimestampWall); err == nil {
			if haveLastTimestamp && ts.Before(lastTimestamp) {
				warnings = append(warnings, fmt.Sprintf(
					"sequence_number %d has timestamp_wall %s earlier than the preceding event's %s",
					ev.SequenceNumber, ev.TimestampWall, lastTimestamp.Format(time.RFC3339Nano)))
			}
			lastTimestamp = ts
			haveLastTimestamp = true
		}

		if ev.EventType == evidence.EventLogDrop {
			count, reason := parseLogDrop(ev.Payload)
			frames = append(frames, Frame{
				Type:           FrameLogDrop,
				SequenceNumber: ev.SequenceNumber,
				EventID:        ev.EventID,
				EventType:      ev.EventType,
				Payload:        ev.Payload,
				DroppedCount:   count,
				DropReason:     reason,
			})
		} else {
			frames = append(frames, Frame{
				Type:           FrameEvent,
				SequenceNumber: ev.SequenceNumber,
				EventID:        ev.EventID,
				EventType:      ev.EventType,
				Payload:        ev.Payload,
			})

			if findings, err := redaction.Scan(ev.Payload); err == nil && redaction.AnyRedacted(findings) {
				paths := make([]string, 0, len(findings))
				for _, f := range findings {
					paths = append(paths, f.Path)
				}
				frames = append(frames, Frame{
					Type:           FrameRedaction,
					SequenceNumber: ev.SequenceNumber,
					EventID:        ev.EventID,
					EventType:      ev.EventType,
					RedactedPaths:  paths,
				})
			}
		}

		lastSeq = ev.SequenceNumber
	}

	return &Result{Frames: frames, TimestampWarnings: warnings}, nil
}

func parseLogDrop(payload []byte) (count int64, reason string) {
	var v struct {
		DroppedCount int64  `json:"dropped_count"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return 0, ""
	}
	return v.DroppedCount, v.Reason
}
