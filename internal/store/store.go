// Package store is the PostgreSQL-backed append-only event store (§4.E).
// Every write the orchestrator makes goes through a caller-driven
// transaction so that sealing a batch, closing a session, and recording its
// policy violations commit or roll back together.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentops/evidence/pkg/evidence"
)

// ErrSessionClosed reports an attempt to extend a closed session. No Store
// method returns it: AppendEvents does not check the closed flag, and the
// closed-session check is made by the sealer against the ChainState the
// orchestrator loads.
var ErrSessionClosed = errors.New("store: session is closed")

// Store wraps a pgxpool connection pool. All mutating operations take an
// explicit pgx.Tx so callers (internal/orchestrator) control transaction
// boundaries; Store never opens a transaction it doesn't hand back.
type Store struct {
	pool *pgxpool.Pool
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Exec runs a raw statement against the pool outside of any transaction.
// It exists for schema migrations, not for application queries.
func (s *Store) Exec(ctx context.Context, sql string) error {
	_, err := s.pool.Exec(ctx, sql)
	return err
}

// BeginTx starts a serializable transaction. The orchestrator drives the
// rest of this package's Tx-suffixed methods through it for the lifetime of
// one ingestion batch (§4.F).
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
}

// LockSession locks the session_state row for sessionID within tx, creating
// it on first use, and returns the chain state the sealer needs to extend
// the chain. A nil *evidence.ChainState with a nil error means no event has
// ever been committed for this session, so the next seal must be a genesis
// event at sequence_number 0.
func (s *Store) LockSession(ctx context.Context, tx pgx.Tx, sessionID string) (*evidence.ChainState, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO session_state (session_id, last_sequence, last_event_hash, closed, sealed)
		VALUES ($1, -1, '', false, false)
		ON CONFLICT (session_id) DO NOTHING`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: init session_state: %w", err)
	}

	var lastSeq int64
	var lastHash string
	var closed, sealed bool
	err = tx.QueryRow(ctx, `
		SELECT last_sequence, last_event_hash, closed, sealed
		FROM   session_state
		WHERE  session_id = $1
		FOR UPDATE`, sessionID).Scan(&lastSeq, &lastHash, &closed, &sealed)
	if err != nil {
		return nil, fmt.Errorf("store: lock session_state %s: %w", sessionID, err)
	}
	if lastSeq < 0 {
		return nil, nil
	}
	return &evidence.ChainState{
		LastSequence:  lastSeq,
		LastEventHash: lastHash,
		Closed:        closed,
		Sealed:        sealed,
	}, nil
}

// AppendEvents inserts sealed events within tx using a single batched
// round-trip. The orchestrator's replay check (GetEventAt) is what actually
// distinguishes an idempotent at-least-once redelivery from a genuine
// sequence-rewind before this is ever called; the ON CONFLICT clause here is
// defense in depth at the storage boundary per §4.E ("Implementations MAY
// enforce this at the storage layer"), not the primary idempotence path.
func (s *Store) AppendEvents(ctx context.Context, tx pgx.Tx, events []*evidence.SealedEvent) error {
	if len(events) == 0 {
		return nil
	}

	const query = `
		INSERT INTO events
			(event_id, session_id, sequence_number, timestamp_wall, timestamp_monotonic,
			 event_type, payload, payload_hash, prev_event_hash, event_hash,
			 chain_authority, source_sdk_version, schema_version, committed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (session_id, sequence_number) DO NOTHING`

	b := &pgx.Batch{}
	for _, e := range events {
		b.Queue(query,
			e.EventID, e.SessionID, e.SequenceNumber, e.TimestampWall, e.TimestampMonotonic,
			string(e.EventType), e.Payload, e.PayloadHash, e.PrevEventHash, e.EventHash,
			e.ChainAuthority, e.SourceSDKVersion, e.SchemaVersion, e.CommittedAt,
		)
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: batch insert events: %w", err)
		}
	}
	return nil
}

// UpdateSessionState advances the locked session_state row to reflect the
// tail of a just-appended batch. closed is true once a SESSION_END or
// CHAIN_SEAL event has been committed (evidence.EventType.ClosesSession).
func (s *Store) UpdateSessionState(ctx context.Context, tx pgx.Tx, sessionID string, lastSeq int64, lastHash string, closed bool) error {
	_, err := tx.Exec(ctx, `
		UPDATE session_state
		SET    last_sequence = $2, last_event_hash = $3, closed = closed OR $4
		WHERE  session_id = $1`,
		sessionID, lastSeq, lastHash, closed,
	)
	if err != nil {
		return fmt.Errorf("store: update session_state %s: %w", sessionID, err)
	}
	return nil
}

// MarkSealed records that a ChainSeal now exists for sessionID, making the
// session immutable: a later AppendEvents attempt is rejected by the
// orchestrator's pre-seal check, not by this method.
func (s *Store) MarkSealed(ctx context.Context, tx pgx.Tx, sessionID string) error {
	_, err := tx.Exec(ctx, `UPDATE session_state SET sealed = true WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("store: mark sealed %s: %w", sessionID, err)
	}
	return nil
}

// InsertChainSeal persists the singleton chain seal row for a session.
// Calling it twice for the same session_id is a programming error in the
// orchestrator (MarkSealed/the sealed flag must prevent it) so the primary
// key conflict is allowed to surface as an error rather than being
// swallowed.
func (s *Store) InsertChainSeal(ctx context.Context, tx pgx.Tx, seal *evidence.ChainSeal) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO chain_seals
			(session_id, sealing_authority_id, seal_timestamp, session_digest, final_event_hash, event_count)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		seal.SessionID, seal.SealingAuthorityID, seal.SealTimestamp,
		seal.SessionDigest, seal.FinalEventHash, seal.EventCount,
	)
	if err != nil {
		return fmt.Errorf("store: insert chain_seal %s: %w", seal.SessionID, err)
	}
	return nil
}

// GetChainSeal returns the chain seal for sessionID, or (nil, nil) if the
// session has not been sealed.
func (s *Store) GetChainSeal(ctx context.Context, sessionID string) (*evidence.ChainSeal, error) {
	var seal evidence.ChainSeal
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, sealing_authority_id, seal_timestamp, session_digest, final_event_hash, event_count
		FROM   chain_seals
		WHERE  session_id = $1`, sessionID,
	).Scan(&seal.SessionID, &seal.SealingAuthorityID, &seal.SealTimestamp,
		&seal.SessionDigest, &seal.FinalEventHash, &seal.EventCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chain_seal %s: %w", sessionID, err)
	}
	return &seal, nil
}

// InsertViolations persists policy violations within tx in one batched
// round-trip. Violation rows are never updated or deleted once written
// (§3: "Violation" is immutable, derived evidence).
func (s *Store) InsertViolations(ctx context.Context, tx pgx.Tx, violations []evidence.Violation) error {
	if len(violations) == 0 {
		return nil
	}

	const query = `
		INSERT INTO violations
			(id, session_id, event_id, event_sequence_number, policy_name, policy_version,
			 policy_hash, severity, description, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

	b := &pgx.Batch{}
	for _, v := range violations {
		metadata := v.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		b.Queue(query,
			v.ID, v.SessionID, v.EventID, v.EventSequenceNumber, v.PolicyName, v.PolicyVersion,
			v.PolicyHash, string(v.Severity), v.Description, metadata, v.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, b)
	defer br.Close()
	for range violations {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store: batch insert violations: %w", err)
		}
	}
	return nil
}

// EventHashesTx returns every committed event_hash for sessionID, ordered by
// sequence_number ascending, read through tx so a seal built mid-transaction
// sees exactly the events this same transaction just appended (§3 "Chain
// seal": session_digest folds in every event_hash, not just the last one).
func (s *Store) EventHashesTx(ctx context.Context, tx pgx.Tx, sessionID string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT event_hash
		FROM   events
		WHERE  session_id = $1
		ORDER  BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query event hashes %s: %w", sessionID, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("store: scan event hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

// GetEventAt returns the committed event at (sessionID, sequenceNumber), or
// (nil, nil) if no such event has been committed. The orchestrator uses this
// to tell an idempotent at-least-once replay (the resubmitted event is
// bit-identical to what's already stored) apart from a genuine
// sequence-rewind (§5 "At-least-once worker").
func (s *Store) GetEventAt(ctx context.Context, sessionID string, sequenceNumber int64) (*evidence.SealedEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT event_id, session_id, sequence_number, timestamp_wall, timestamp_monotonic,
		       event_type, payload, payload_hash, prev_event_hash, event_hash,
		       chain_authority, source_sdk_version, schema_version, committed_at
		FROM   events
		WHERE  session_id = $1 AND sequence_number = $2`, sessionID, sequenceNumber)

	var e evidence.SealedEvent
	var eventType string
	err := row.Scan(
		&e.EventID, &e.SessionID, &e.SequenceNumber, &e.TimestampWall, &e.TimestampMonotonic,
		&eventType, &e.Payload, &e.PayloadHash, &e.PrevEventHash, &e.EventHash,
		&e.ChainAuthority, &e.SourceSDKVersion, &e.SchemaVersion, &e.CommittedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event %s#%d: %w", sessionID, sequenceNumber, err)
	}
	e.EventType = evidence.EventType(eventType)
	return &e, nil
}

// GetSessionEvents returns every committed event for sessionID ordered by
// sequence_number ascending, the shape both the verifier and the replay
// projection consume.
func (s *Store) GetSessionEvents(ctx context.Context, sessionID string) ([]evidence.SealedEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, session_id, sequence_number, timestamp_wall, timestamp_monotonic,
		       event_type, payload, payload_hash, prev_event_hash, event_hash,
		       chain_authority, source_sdk_version, schema_version, committed_at
		FROM   events
		WHERE  session_id = $1
		ORDER  BY sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query events %s: %w", sessionID, err)
	}
	defer rows.Close()

	var events []evidence.SealedEvent
	for rows.Next() {
		var e evidence.SealedEvent
		var eventType string
		err := rows.Scan(
			&e.EventID, &e.SessionID, &e.SequenceNumber, &e.TimestampWall, &e.TimestampMonotonic,
			&eventType, &e.Payload, &e.PayloadHash, &e.PrevEventHash, &e.EventHash,
			&e.ChainAuthority, &e.SourceSDKVersion, &e.SchemaVersion, &e.CommittedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		e.EventType = evidence.EventType(eventType)
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetViolations returns every policy violation recorded against sessionID,
// ordered by event_sequence_number ascending.
func (s *Store) GetViolations(ctx context.Context, sessionID string) ([]evidence.Violation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, event_id, event_sequence_number, policy_name, policy_version,
		       policy_hash, severity, description, metadata, created_at
		FROM   violations
		WHERE  session_id = $1
		ORDER  BY event_sequence_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query violations %s: %w", sessionID, err)
	}
	defer rows.Close()

	var violations []evidence.Violation
	for rows.Next() {
		var v evidence.Violation
		var severity string
		err := rows.Scan(
			&v.ID, &v.SessionID, &v.EventID, &v.EventSequenceNumber, &v.PolicyName, &v.PolicyVersion,
			&v.PolicyHash, &severity, &v.Description, &v.Metadata, &v.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("store: scan violation: %w", err)
		}
		v.Severity = evidence.Severity(severity)
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

// ChainStateSnapshot returns the current chain state for sessionID without
// taking a row lock, for read-only callers that must not block an
// in-flight ingestion transaction.
func (s *Store) ChainStateSnapshot(ctx context.Context, sessionID string) (*evidence.ChainState, error) {
	var lastSeq int64
	var lastHash string
	var closed, sealed bool
	err := s.pool.QueryRow(ctx, `
		SELECT last_sequence, last_event_hash, closed, sealed
		FROM   session_state
		WHERE  session_id = $1`, sessionID,
	).Scan(&lastSeq, &lastHash, &closed, &sealed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: chain state %s: %w", sessionID, err)
	}
	if lastSeq < 0 {
		return nil, nil
	}
	return &evidence.ChainState{LastSequence: lastSeq, LastEventHash: lastHash, Closed: closed, Sealed: sealed}, nil
}

// exportEvent mirrors internal/verifier.ExportEvent's wire shape exactly, so
// that bytes produced by Export round-trip through verifier.Verify without
// translation. Kept as an unexported duplicate rather than an import of
// internal/verifier to avoid a store -> verifier dependency for a pure
// persistence package.
type exportEvent struct {
	EventID            string             `json:"event_id"`
	SessionID          string             `json:"session_id"`
	SequenceNumber     int64              `json:"sequence_number"`
	TimestampWall      string             `json:"timestamp_wall"`
	TimestampMonotonic *int64             `json:"timestamp_monotonic,omitempty"`
	EventType          evidence.EventType `json:"event_type"`
	Payload            json.RawMessage    `json:"payload"`
	PayloadHash        string             `json:"payload_hash"`
	PrevEventHash      *string            `json:"prev_event_hash"`
	EventHash          string             `json:"event_hash"`
	ChainAuthority     string             `json:"chain_authority"`
}

type exportSeal struct {
	SessionID          string `json:"session_id"`
	SealingAuthorityID string `json:"sealing_authority_id"`
	SessionDigest      string `json:"session_digest"`
	FinalEventHash     string `json:"final_event_hash"`
	EventCount         int64  `json:"event_count"`
}

type exportWrapper struct {
	Events []exportEvent `json:"events"`
	Seal   *exportSeal   `json:"seal,omitempty"`
}

// Export builds the canonical export (§6 "Export format") for sessionID: a
// top-level wrapper carrying every committed event plus the chain seal, if
// one exists. The bytes this produces are exactly what internal/verifier.Verify
// expects to consume; its events decode into the verifier.ExportEvent values
// that internal/replay.Project takes.
func (s *Store) Export(ctx context.Context, sessionID string) ([]byte, error) {
	events, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: export %s: %w", sessionID, err)
	}

	wrapper := exportWrapper{Events: make([]exportEvent, len(events))}
	for i, e := range events {
		wrapper.Events[i] = exportEvent{
			EventID:            e.EventID,
			SessionID:          e.SessionID,
			SequenceNumber:     e.SequenceNumber,
			TimestampWall:      e.TimestampWall,
			TimestampMonotonic: e.TimestampMonotonic,
			EventType:          e.EventType,
			Payload:            json.RawMessage(e.Payload),
			PayloadHash:        e.PayloadHash,
			PrevEventHash:      e.PrevEventHash,
			EventHash:          e.EventHash,
			ChainAuthority:     e.ChainAuthority,
		}
	}

	seal, err := s.GetChainSeal(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: export %s: load seal: %w", sessionID, err)
	}
	if seal != nil {
		wrapper.Seal = &exportSeal{
			SessionID:          seal.SessionID,
			SealingAuthorityID: seal.SealingAuthorityID,
			SessionDigest:      seal.SessionDigest,
			FinalEventHash:     seal.FinalEventHash,
			EventCount:         seal.EventCount,
		}
	}

	out, err := json.Marshal(wrapper)
	if err != nil {
		return nil, fmt.Errorf("store: export %s: marshal: %w", sessionID, err)
	}
	return out, nil
}
