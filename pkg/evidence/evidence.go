// Package evidence holds the data model shared by every component of the
// evidence chain: the closed event-type set, the raw/validated/sealed event
// stages, chain seals, and policy violations. None of these types carry
// behavior beyond small, pure helpers; the components that transform one
// stage into the next (validator, sealer, verifier, policy engine) live in
// their own packages.
package evidence

import "time"

// EventType is the closed discriminator set named in the ingress surface.
// Modeled as a typed string the way the teacher models TripwireType and
// Severity in its storage layer, rather than an int enum, so the wire form
// and the Go form are identical.
type EventType string

const (
	EventSessionStart       EventType = "SESSION_START"
	EventSessionEnd         EventType = "SESSION_END"
	EventModelRequest       EventType = "MODEL_REQUEST"
	EventModelResponse      EventType = "MODEL_RESPONSE"
	EventToolCall           EventType = "TOOL_CALL"
	EventToolResult         EventType = "TOOL_RESULT"
	EventAgentStateSnapshot EventType = "AGENT_STATE_SNAPSHOT"
	EventAgentDecision      EventType = "AGENT_DECISION"
	EventDecisionTrace      EventType = "DECISION_TRACE"
	EventError              EventType = "ERROR"
	EventAnnotation         EventType = "ANNOTATION"
	EventChainSeal          EventType = "CHAIN_SEAL"
	EventLogDrop            EventType = "LOG_DROP"
)

// validEventTypes is the closed set from §6. Built once; looked up by
// IsValid rather than recomputed per call.
var validEventTypes = map[EventType]bool{
	EventSessionStart:       true,
	EventSessionEnd:         true,
	EventModelRequest:       true,
	EventModelResponse:      true,
	EventToolCall:           true,
	EventToolResult:         true,
	EventAgentStateSnapshot: true,
	EventAgentDecision:      true,
	EventDecisionTrace:      true,
	EventError:              true,
	EventAnnotation:         true,
	EventChainSeal:          true,
	EventLogDrop:            true,
}

// IsValid reports whether t is a member of the closed event-type set.
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

// ClosesSession reports whether committing an event of this type closes the
// owning session per §3's session lifecycle.
func (t EventType) ClosesSession() bool {
	return t == EventSessionEnd || t == EventChainSeal
}

// RawEvent is the untrusted, producer-submitted shape received on the
// ingress surface (§6). It is the only type in this package that carries
// the authority fields EventHash/ChainAuthority on the producer side. The
// validator does not decode into this type; its authority-leak check
// inspects the raw JSON object directly.
type RawEvent struct {
	EventID             string          `json:"event_id"`
	SessionID           string          `json:"session_id"`
	SequenceNumber      *int64          `json:"sequence_number"`
	TimestampWall       string          `json:"timestamp_wall"`
	TimestampMonotonic  *int64          `json:"timestamp_monotonic,omitempty"`
	EventType           EventType       `json:"event_type"`
	Payload             RawJSON         `json:"payload"`
	PayloadHash         string          `json:"payload_hash,omitempty"`
	PrevEventHash       *string         `json:"prev_event_hash,omitempty"`
	SourceSDKVersion    string          `json:"source_sdk_ver,omitempty"`
	SchemaVersion       string          `json:"schema_ver,omitempty"`
	EventHash           string          `json:"event_hash,omitempty"`
	ChainAuthority      string          `json:"chain_authority,omitempty"`
}

// RawJSON is an alias of []byte used for the payload field, so that
// canonicalization runs against the bytes as received instead of a value
// reconstructed by encoding/json (which would silently drop duplicate object
// keys before the JCS duplicate-key check ever runs). Unlike json.RawMessage,
// encoding/json treats it as a base64 string, not as embedded JSON.
type RawJSON = []byte

// ValidatedClaim is the validator's (4.C) immutable output: the raw fields
// plus canonical payload bytes and the computed payload hash. It carries no
// authoritative fields — those only exist from SealedEvent onward.
type ValidatedClaim struct {
	EventID            string
	SessionID          string
	SequenceNumber     int64
	TimestampWall      string
	TimestampMonotonic *int64
	EventType          EventType
	PayloadCanonical   []byte
	PayloadHash        string
	SourceSDKVersion   string
	SchemaVersion      string
	// ClaimedPrevEventHash is carried through only for producers that
	// chain client-side for their own bookkeeping; the sealer never trusts
	// it and always recomputes prev_event_hash from ChainState.
	ClaimedPrevEventHash *string
}

// SealedEvent is the committed shape (§3 "Event (committed)"): the sealer's
// output and the event store's row shape. Every authoritative field
// (PayloadHash, PrevEventHash, EventHash, ChainAuthority) originates in
// exactly one place, internal/sealer.
type SealedEvent struct {
	EventID            string
	SessionID          string
	SequenceNumber     int64
	TimestampWall      string
	TimestampMonotonic *int64
	EventType          EventType
	Payload            []byte // canonical bytes, stored verbatim
	PayloadHash        string
	PrevEventHash      *string
	EventHash          string
	ChainAuthority     string
	SourceSDKVersion   string
	SchemaVersion      string
	CommittedAt        time.Time
}

// SignedFields is the fixed seven-field object whose canonical encoding
// feeds event_hash (§3 "Signed fields"). Field order in this struct is
// irrelevant to the hash — JCS key-sorts object members — but is kept in
// spec order for readability.
type SignedFields struct {
	EventID         string  `json:"event_id"`
	SessionID       string  `json:"session_id"`
	SequenceNumber  int64   `json:"sequence_number"`
	TimestampWall   string  `json:"timestamp_wall"`
	EventType       string  `json:"event_type"`
	PayloadHash     string  `json:"payload_hash"`
	PrevEventHash   *string `json:"prev_event_hash"`
}

// ChainState is the event store's summary of a session (§4.E).
type ChainState struct {
	LastSequence  int64
	LastEventHash string
	Closed        bool
	Sealed        bool
}

// ChainSeal is the singleton per-session record finalizing a session
// (§3 "Chain seal").
type ChainSeal struct {
	SessionID          string
	SealingAuthorityID string
	SealTimestamp      time.Time
	SessionDigest      string
	FinalEventHash     string
	EventCount         int64
}

// Severity is the closed severity set for Violation records (§3).
type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

// Violation is a derived, immutable policy finding anchored to a single
// committed event (§3 "Violation").
type Violation struct {
	ID                  string
	SessionID           string
	EventID             string
	EventSequenceNumber int64
	PolicyName          string
	PolicyVersion       string
	PolicyHash          string
	Severity            Severity
	Description         string
	Metadata            map[string]any
	CreatedAt           time.Time
}

// CanonicalEvent is the read shape the policy engine consumes (§4.H):
// payload is presented as canonical bytes, not a re-parsed structure, so
// that policy-set evaluation never depends on how a particular JSON library
// re-serializes structured data.
type CanonicalEvent struct {
	EventID          string
	SessionID        string
	SequenceNumber   int64
	EventType        EventType
	PayloadCanonical []byte
}
