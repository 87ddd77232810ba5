//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/orchestrator/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package orchestrator_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/orchestrator"
	"github.com/agentops/evidence/internal/policy"
	"github.com/agentops/evidence/internal/sealer"
	"github.com/agentops/evidence/internal/store"
	"github.com/agentops/evidence/pkg/evidence"
	"github.com/agentops/evidence/pkg/hashing"
)

func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	return filepath.Join(filepath.Dir(thisFile), "..", "..", "db", "migrations")
}

func setupOrchestrator(t *testing.T) (*orchestrator.Orchestrator, *store.Store, func()) {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("evidence_test"),
		tcpostgres.WithUsername("evidence"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("get connection string: %v", err)
	}

	s, err := store.New(ctx, connStr)
	if err != nil {
		_ = pgContainer.Terminate(ctx)
		t.Fatalf("store.New: %v", err)
	}
	for _, f := range []string{"001_events.sql", "002_session_state.sql", "003_chain_seals.sql", "004_violations.sql"} {
		sql, err := os.ReadFile(filepath.Join(migrationsDir(t), f))
		if err != nil {
			t.Fatalf("read migration %s: %v", f, err)
		}
		if err := s.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply migration %s: %v", f, err)
		}
	}

	sl := sealer.New("test-authority", sealer.Strict)
	ps, err := policy.Load(policy.Config{Version: "v1", ToolAllowList: []string{"search"}, PIIEnabled: false})
	if err != nil {
		t.Fatalf("policy.Load: %v", err)
	}

	o := orchestrator.New(s, sl, ps)
	cleanup := func() {
		s.Close()
		_ = pgContainer.Terminate(ctx)
	}
	return o, s, cleanup
}

func rawEvent(sessionID string, seq int64, eventType evidence.EventType, payload string) []byte {
	_, hash, err := hashing.CanonicalHashBytes([]byte(payload))
	if err != nil {
		panic(err)
	}
	ev := map[string]any{
		"event_id":        sessionID + "-" + time.Now().UTC().Format("150405.000000000"),
		"session_id":      sessionID,
		"sequence_number": seq,
		"timestamp_wall":  time.Now().UTC().Format(time.RFC3339Nano),
		"event_type":      string(eventType),
		"payload":         json.RawMessage(payload),
		"payload_hash":    hash,
	}
	b, _ := json.Marshal(ev)
	return b
}

func TestIngestBatchSealsGenesisAndExtends(t *testing.T) {
	o, s, cleanup := setupOrchestrator(t)
	defer cleanup()
	ctx := context.Background()
	sessionID := "sess-orch-1"

	result, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 0, evidence.EventSessionStart, `{}`),
	}, false)
	if err != nil {
		t.Fatalf("IngestBatch genesis: %v", err)
	}
	if len(result.Accepted) != 1 {
		t.Fatalf("expected 1 accepted event, got %d", len(result.Accepted))
	}

	result2, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 1, evidence.EventToolCall, `{"tool_name":"delete_everything"}`),
	}, false)
	if err != nil {
		t.Fatalf("IngestBatch extension: %v", err)
	}
	if len(result2.Violations) != 1 {
		t.Fatalf("expected 1 tool-allow-list violation, got %+v", result2.Violations)
	}

	events, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 committed events, got %d", len(events))
	}
}

func TestIngestBatchSealRequiresSessionEnd(t *testing.T) {
	o, _, cleanup := setupOrchestrator(t)
	defer cleanup()
	ctx := context.Background()
	sessionID := "sess-orch-2"

	_, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 0, evidence.EventSessionStart, `{}`),
	}, true)
	if err == nil {
		t.Fatal("expected error sealing a session with no SESSION_END event")
	}
}

func TestIngestBatchRejectsAfterSeal(t *testing.T) {
	o, _, cleanup := setupOrchestrator(t)
	defer cleanup()
	ctx := context.Background()
	sessionID := "sess-orch-3"

	if _, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 0, evidence.EventSessionStart, `{}`),
	}, false); err != nil {
		t.Fatalf("IngestBatch start: %v", err)
	}
	result, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 1, evidence.EventSessionEnd, `{}`),
	}, true)
	if err != nil {
		t.Fatalf("IngestBatch seal: %v", err)
	}
	if result.Seal == nil {
		t.Fatal("expected a chain seal")
	}

	if _, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 2, evidence.EventAnnotation, `{}`),
	}, false); err == nil {
		t.Fatal("expected error appending to an already-sealed session")
	}
}

// TestIngestBatchIdempotentReplay exercises §5's at-least-once worker
// contract: resubmitting the exact same first event of an already-committed
// batch must be treated as a harmless replay, not a hard-reject.
func TestIngestBatchIdempotentReplay(t *testing.T) {
	o, s, cleanup := setupOrchestrator(t)
	defer cleanup()
	ctx := context.Background()
	sessionID := "sess-orch-replay"

	first := rawEvent(sessionID, 0, evidence.EventSessionStart, `{"agent_id":"a1"}`)
	if _, err := o.IngestBatch(ctx, sessionID, [][]byte{first}, false); err != nil {
		t.Fatalf("IngestBatch genesis: %v", err)
	}

	_, err := o.IngestBatch(ctx, sessionID, [][]byte{first}, false)
	if err == nil {
		t.Fatal("expected a conflict error on replay, got nil")
	}
	e, ok := errs.AsError(err)
	if !ok {
		t.Fatalf("expected an *errs.Error, got %v", err)
	}
	if e.ErrorCode != errs.CodeDuplicateSequence {
		t.Fatalf("expected duplicate-sequence, got %s", e.ErrorCode)
	}
	if e.Classification != errs.ClassConflict {
		t.Fatalf("expected conflict classification, got %s", e.Classification)
	}

	events, err := s.GetSessionEvents(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSessionEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the replay to leave exactly 1 committed event, got %d", len(events))
	}
}

// TestIngestBatchRewindDiscrepancyIsFatal exercises the other half of §5's
// contract: a resubmission at an already-committed sequence_number whose
// content diverges from what was stored must never be silently accepted.
func TestIngestBatchRewindDiscrepancyIsFatal(t *testing.T) {
	o, _, cleanup := setupOrchestrator(t)
	defer cleanup()
	ctx := context.Background()
	sessionID := "sess-orch-divergent-replay"

	if _, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 0, evidence.EventSessionStart, `{"agent_id":"a1"}`),
	}, false); err != nil {
		t.Fatalf("IngestBatch genesis: %v", err)
	}

	_, err := o.IngestBatch(ctx, sessionID, [][]byte{
		rawEvent(sessionID, 0, evidence.EventSessionStart, `{"agent_id":"a2"}`),
	}, false)
	if err == nil {
		t.Fatal("expected a hard-reject error for a divergent resubmission")
	}
	e, ok := errs.AsError(err)
	if !ok {
		t.Fatalf("expected an *errs.Error, got %v", err)
	}
	if e.ErrorCode != errs.CodeSequenceRewind {
		t.Fatalf("expected sequence-rewind, got %s", e.ErrorCode)
	}
	if e.Classification != errs.ClassHardReject {
		t.Fatalf("expected hard-reject classification, got %s", e.Classification)
	}
}
