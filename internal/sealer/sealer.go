// Package sealer implements §4.D: the only origin of event_hash and
// chain_authority in the system. Given a ValidatedClaim and the current
// ChainState of its session, it produces a SealedEvent or fails with a
// sequence/chain error. Pure and synchronous, like every other core
// component (§9).
package sealer

import (
	"time"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

// Mode selects strict vs permissive sequence discipline (§9 "Strict vs
// permissive sealing" — a configuration switch, never a per-request field).
type Mode int

const (
	// Strict is the primary, production path: any forward gap is fatal.
	Strict Mode = iota
	// Permissive allows a forward gap to be documented with a synthetic
	// LOG_DROP meta-event rather than rejected outright. The cmd binaries
	// select it when the service config sets seal_mode to "permissive".
	Permissive
)

// Sealer is the static authority identity stamped onto every event it
// seals. The identifier is fixed at construction (process startup,
// ultimately sourced from internal/config) and never changes for the
// process lifetime (§9 "Authority identifier is a static configuration").
type Sealer struct {
	authorityID string
	mode        Mode
}

// New constructs a Sealer with a fixed chain_authority identifier and
// sequencing mode. Both are immutable for the lifetime of the returned
// value.
func New(authorityID string, mode Mode) *Sealer {
	return &Sealer{authorityID: authorityID, mode: mode}
}

// AuthorityID returns the static chain_authority this sealer stamps.
func (s *Sealer) AuthorityID() string { return s.authorityID }

// Seal applies §4.D's genesis/extension discipline and produces a
// SealedEvent, or a *errs.Error. state is nil for a brand-new session.
//
// now is passed in rather than read from time.Now() so CommittedAt stays a
// pure function of its inputs for testing; the orchestrator supplies the
// real wall clock at the single call site that matters for production.
func (s *Sealer) Seal(claim *evidence.ValidatedClaim, state *evidence.ChainState, now time.Time) (*evidence.SealedEvent, []*evidence.SealedEvent, error) {
	if state == nil {
		if claim.SequenceNumber != 0 {
			return nil, nil, errs.New(errs.CodeInvalidFirstSequence,
				"genesis event must have sequence_number 0",
				map[string]any{"sequence_number": claim.SequenceNumber})
		}
		sealed, err := s.seal(claim, nil, now)
		return sealed, nil, err
	}

	if state.Closed {
		return nil, nil, errs.New(errs.CodeSessionClosed,
			"session is closed to further events", map[string]any{"session_id": claim.SessionID})
	}

	next := state.LastSequence + 1
	switch {
	case claim.SequenceNumber < next:
		return nil, nil, errs.New(errs.CodeSequenceRewind,
			"sequence_number is not greater than the last committed sequence",
			map[string]any{"sequence_number": claim.SequenceNumber, "last_sequence": state.LastSequence})
	case claim.SequenceNumber == next:
		prev := state.LastEventHash
		sealed, err := s.seal(claim, &prev, now)
		return sealed, nil, err
	default: // claim.SequenceNumber > next: a forward gap.
		if s.mode == Strict {
			return nil, nil, errs.New(errs.CodeLogGap,
				"sequence_number skips ahead of the last committed sequence in strict mode",
				map[string]any{"sequence_number": claim.SequenceNumber, "last_sequence": state.LastSequence})
		}
		return s.sealWithGap(claim, state, now)
	}
}

// sealWithGap emits a synthetic LOG_DROP event documenting [last+1, n-1]
// before sealing the admitted event, per §4.D's permissive-mode path. The
// LOG_DROP event itself still goes through normal hash chaining: its
// prev_event_hash is the prior committed hash, and the admitted event then
// chains from the LOG_DROP's hash.
func (s *Sealer) sealWithGap(claim *evidence.ValidatedClaim, state *evidence.ChainState, now time.Time) (*evidence.SealedEvent, []*evidence.SealedEvent, error) {
	gapStart := state.LastSequence + 1
	gapEnd := claim.SequenceNumber - 1

	dropPayload, _, err := hashing.CanonicalHash(map[string]any{
		"dropped_count": gapEnd - gapStart + 1,
		"gap_start":     gapStart,
		"gap_end":       gapEnd,
		"reason":        "sequence_gap",
	})
	if err != nil {
		return nil, nil, err
	}
	dropPayloadHash := hashing.HexSHA256(dropPayload)

	dropClaim := &evidence.ValidatedClaim{
		EventID:          claim.EventID + "-log-drop",
		SessionID:        claim.SessionID,
		SequenceNumber:   gapStart,
		TimestampWall:    claim.TimestampWall,
		EventType:        evidence.EventLogDrop,
		PayloadCanonical: dropPayload,
		PayloadHash:      dropPayloadHash,
	}
	prevHash := state.LastEventHash
	dropSealed, err := s.seal(dropClaim, &prevHash, now)
	if err != nil {
		return nil, nil, err
	}

	admitted, err := s.seal(claim, &dropSealed.EventHash, now)
	if err != nil {
		return nil, nil, err
	}
	return admitted, []*evidence.SealedEvent{dropSealed}, nil
}

func (s *Sealer) seal(claim *evidence.ValidatedClaim, prevEventHash *string, now time.Time) (*evidence.SealedEvent, error) {
	signed := evidence.SignedFields{
		EventID:        claim.EventID,
		SessionID:      claim.SessionID,
		SequenceNumber: claim.SequenceNumber,
		TimestampWall:  claim.TimestampWall,
		EventType:      string(claim.EventType),
		PayloadHash:    claim.PayloadHash,
		PrevEventHash:  prevEventHash,
	}
	_, eventHash, err := hashing.CanonicalHash(signed)
	if err != nil {
		return nil, errs.Wrap(errs.CodeJCSInvalid, "signed-field object is not canonicalizable", err, nil)
	}

	return &evidence.SealedEvent{
		EventID:            claim.EventID,
		SessionID:          claim.SessionID,
		SequenceNumber:     claim.SequenceNumber,
		TimestampWall:      claim.TimestampWall,
		TimestampMonotonic: claim.TimestampMonotonic,
		EventType:          claim.EventType,
		Payload:            claim.PayloadCanonical,
		PayloadHash:        claim.PayloadHash,
		PrevEventHash:      prevEventHash,
		EventHash:          eventHash,
		ChainAuthority:     s.authorityID,
		SourceSDKVersion:   claim.SourceSDKVersion,
		SchemaVersion:      claim.SchemaVersion,
		CommittedAt:        now,
	}, nil
}
