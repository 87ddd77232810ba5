// Package orchestrator wires the validator, sealer, event store, and policy
// engine into the single atomic unit of work described in §4.F: one
// ingestion batch either commits in full -- every valid event sealed, the
// optional chain seal written, every policy violation recorded -- or the
// whole transaction rolls back and the caller sees one error.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/policy"
	"github.com/agentops/evidence/internal/sealer"
	"github.com/agentops/evidence/internal/store"
	"github.com/agentops/evidence/internal/validator"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

// Orchestrator coordinates one ingestion batch at a time per session; the
// store's row lock on session_state is what actually serializes concurrent
// batches for the same session, not anything in this type.
type Orchestrator struct {
	store     *store.Store
	sealer    *sealer.Sealer
	policySet *policy.Set
	now       func() time.Time
}

// New builds an Orchestrator. now defaults to time.Now; tests may override
// it for deterministic seal timestamps.
func New(st *store.Store, sl *sealer.Sealer, ps *policy.Set) *Orchestrator {
	return &Orchestrator{store: st, sealer: sl, policySet: ps, now: time.Now}
}

// BatchResult is what the ingestion HTTP handler reports back to the
// producer (§6): the events actually admitted (including any synthetic
// LOG_DROP events the sealer inserted), the chain seal if this call produced
// or already found one, and any policy violations raised against the
// newly-committed events.
type BatchResult struct {
	Accepted   []*evidence.SealedEvent
	Seal       *evidence.ChainSeal
	Violations []evidence.Violation
}

// IngestBatch validates and seals rawBatch in order within a single
// transaction against sessionID's chain. If seal is true, the last event of
// a non-empty batch must be SESSION_END, and an empty batch requires the
// session to be closed already; otherwise the whole batch is rejected with
// CodeInvalidSealRequest.
func (o *Orchestrator) IngestBatch(ctx context.Context, sessionID string, rawBatch [][]byte, seal bool) (*BatchResult, error) {
	tx, err := o.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	chainState, err := o.store.LockSession(ctx, tx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: lock session: %w", err)
	}

	if chainState != nil && chainState.Sealed {
		existing, err := o.store.GetChainSeal(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load existing seal: %w", err)
		}
		if len(rawBatch) == 0 {
			return &BatchResult{Seal: existing}, nil
		}
		return nil, errs.New(errs.CodeAlreadySealed, "session is already sealed; no further events may be appended", map[string]any{
			"session_id": sessionID,
		})
	}

	claims := make([]*evidence.ValidatedClaim, len(rawBatch))
	for i, raw := range rawBatch {
		claim, err := validator.Validate(raw)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: event %d: %w", i, err)
		}
		claims[i] = claim
	}

	// At-least-once replay detection (§5, §4.F idempotence): if the batch's
	// first event targets a sequence_number this session has already
	// committed, this is either a harmless redelivery of a batch a prior
	// attempt already sealed (ack without rewriting anything) or a genuine
	// rewind/divergence, which is fatal either way -- never silently
	// dropped and never partially re-applied.
	if chainState != nil && len(claims) > 0 && claims[0].SequenceNumber <= chainState.LastSequence {
		existing, err := o.store.GetEventAt(ctx, sessionID, claims[0].SequenceNumber)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load existing event for replay check: %w", err)
		}
		if existing != nil &&
			existing.SessionID == claims[0].SessionID &&
			existing.EventType == claims[0].EventType &&
			existing.PayloadHash == claims[0].PayloadHash {
			return nil, errs.New(errs.CodeDuplicateSequence,
				"batch's first event is already committed with identical content; treat as an idempotent replay",
				map[string]any{"session_id": sessionID, "sequence_number": claims[0].SequenceNumber})
		}
		return nil, errs.New(errs.CodeSequenceRewind,
			"sequence_number is not greater than the last committed sequence",
			map[string]any{"sequence_number": claims[0].SequenceNumber, "last_sequence": chainState.LastSequence})
	}

	working := chainState
	var accepted []*evidence.SealedEvent

	for i, claim := range claims {
		sealedEvent, gapFiller, err := o.sealer.Seal(claim, working, o.now())
		if err != nil {
			return nil, fmt.Errorf("orchestrator: event %d: %w", i, err)
		}

		accepted = append(accepted, gapFiller...)
		accepted = append(accepted, sealedEvent)

		closed := sealedEvent.EventType.ClosesSession()
		if working != nil {
			closed = closed || working.Closed
		}
		working = &evidence.ChainState{
			LastSequence:  sealedEvent.SequenceNumber,
			LastEventHash: sealedEvent.EventHash,
			Closed:        closed,
		}
	}

	if err := o.store.AppendEvents(ctx, tx, accepted); err != nil {
		return nil, fmt.Errorf("orchestrator: append events: %w", err)
	}

	result := &BatchResult{Accepted: accepted}

	if working != nil {
		if err := o.store.UpdateSessionState(ctx, tx, sessionID, working.LastSequence, working.LastEventHash, working.Closed); err != nil {
			return nil, fmt.Errorf("orchestrator: update session state: %w", err)
		}
	}

	if seal {
		// §4.F step 5 / §6: sealing requires the batch's *last* event to be
		// SESSION_END specifically, not merely that the session has become
		// closed (which ClosesSession also grants CHAIN_SEAL, an event type
		// no producer is expected to submit). An empty batch has no "last
		// event" of its own, so it falls back to the session's prior
		// closed state -- sealing an already-SESSION_END-closed session
		// with nothing new to append.
		if len(claims) > 0 {
			if lastType := claims[len(claims)-1].EventType; lastType != evidence.EventSessionEnd {
				return nil, errs.New(errs.CodeInvalidSealRequest,
					"cannot seal a session unless the batch's last event is SESSION_END",
					map[string]any{"session_id": sessionID, "last_event_type": string(lastType)})
			}
		}
		if working == nil || !working.Closed {
			return nil, errs.New(errs.CodeInvalidSealRequest, "cannot seal a session before a SESSION_END event has been committed", map[string]any{
				"session_id": sessionID,
			})
		}

		hashes, err := o.store.EventHashesTx(ctx, tx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: load event hashes for seal: %w", err)
		}
		chainSeal := o.buildChainSeal(sessionID, working, hashes)
		if err := o.store.InsertChainSeal(ctx, tx, chainSeal); err != nil {
			return nil, fmt.Errorf("orchestrator: insert chain seal: %w", err)
		}
		if err := o.store.MarkSealed(ctx, tx, sessionID); err != nil {
			return nil, fmt.Errorf("orchestrator: mark sealed: %w", err)
		}
		result.Seal = chainSeal
	}

	if len(accepted) > 0 {
		canonicalEvents := make([]evidence.CanonicalEvent, len(accepted))
		for i, e := range accepted {
			canonicalEvents[i] = evidence.CanonicalEvent{
				EventID:          e.EventID,
				SessionID:        e.SessionID,
				SequenceNumber:   e.SequenceNumber,
				EventType:        e.EventType,
				PayloadCanonical: e.Payload,
			}
		}
		violations, err := o.policySet.Evaluate(canonicalEvents)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: evaluate policies: %w", err)
		}
		// Evaluate is a pure function (no clock, no ID generation); the
		// orchestrator is the only impure boundary, so it stamps identity
		// and commit time onto each violation before it becomes a row.
		for i := range violations {
			violations[i].ID = uuid.NewString()
			violations[i].CreatedAt = o.now().UTC()
		}
		if err := o.store.InsertViolations(ctx, tx, violations); err != nil {
			return nil, fmt.Errorf("orchestrator: insert violations: %w", err)
		}
		result.Violations = violations
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("orchestrator: commit: %w", err)
	}
	committed = true

	return result, nil
}

// buildChainSeal computes the session digest per §3 "Chain seal":
// SHA-256(session_id ∥ event_hash[0] ∥ … ∥ event_hash[n-1] ∥ final_event_hash),
// the ASCII concatenation of the session's identity, every event_hash in
// sequence order, and the final event_hash again as an explicit trailing
// anchor. hashes must already be ordered by sequence_number ascending.
func (o *Orchestrator) buildChainSeal(sessionID string, working *evidence.ChainState, hashes []string) *evidence.ChainSeal {
	parts := make([]string, 0, len(hashes)+2)
	parts = append(parts, sessionID)
	parts = append(parts, hashes...)
	parts = append(parts, working.LastEventHash)
	digest := hashing.HexSHA256(hashing.ConcatASCII(parts...))
	return &evidence.ChainSeal{
		SessionID:          sessionID,
		SealingAuthorityID: o.sealer.AuthorityID(),
		SealTimestamp:      o.now().UTC(),
		SessionDigest:      digest,
		FinalEventHash:     working.LastEventHash,
		EventCount:         working.LastSequence + 1,
	}
}
