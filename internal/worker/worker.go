package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/orchestrator"
)

// Worker drains a SQLiteQueue of ingestion batches and submits each to an
// Orchestrator, acknowledging a batch only once the orchestrator's
// transaction has actually committed (§5 "At-least-once worker": commit
// before ack, never the reverse).
type Worker struct {
	queue          *SQLiteQueue
	orchestrator   *orchestrator.Orchestrator
	deadLetterDir  string
	pollInterval   time.Duration
	batchesPerTick int
	logger         *slog.Logger
}

// Config configures a Worker.
type Config struct {
	DeadLetterDir  string
	PollInterval   time.Duration
	BatchesPerTick int
}

// New builds a Worker. PollInterval defaults to 1s and BatchesPerTick to 10
// when left zero.
func New(queue *SQLiteQueue, o *orchestrator.Orchestrator, cfg Config, logger *slog.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchesPerTick <= 0 {
		cfg.BatchesPerTick = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:          queue,
		orchestrator:   o,
		deadLetterDir:  cfg.DeadLetterDir,
		pollInterval:   cfg.PollInterval,
		batchesPerTick: cfg.BatchesPerTick,
		logger:         logger,
	}
}

// Run drains the queue until ctx is cancelled, polling at pollInterval when
// the queue is empty.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.drainOnce(ctx); err != nil {
				w.logger.Error("drain tick failed", slog.Any("error", err))
			}
		}
	}
}

// drainOnce processes up to batchesPerTick pending batches once.
func (w *Worker) drainOnce(ctx context.Context) error {
	pending, err := w.queue.Dequeue(ctx, w.batchesPerTick)
	if err != nil {
		return fmt.Errorf("worker: dequeue: %w", err)
	}

	for _, pb := range pending {
		w.processOne(ctx, pb)
	}
	return nil
}

// processOne submits one queued batch to the orchestrator and resolves its
// outcome: commit success and idempotent-conflict both ack the batch;
// anything else either dead-letters it (deterministic rejection) or leaves
// it unacknowledged for the next tick (transient failure, e.g. the database
// is unreachable).
func (w *Worker) processOne(ctx context.Context, pb PendingBatch) {
	_, err := w.orchestrator.IngestBatch(ctx, pb.Batch.SessionID, pb.Batch.Events, pb.Batch.Seal)
	if err == nil {
		if ackErr := w.queue.Ack(ctx, pb.ID); ackErr != nil {
			w.logger.Error("ack failed after successful commit", slog.Int64("id", pb.ID), slog.Any("error", ackErr))
		}
		return
	}

	if e, ok := errs.AsError(err); ok && e.Classification == errs.ClassConflict {
		// already-sealed / duplicate-sequence: this batch (or its tail) was
		// already committed by an earlier delivery attempt. At-least-once
		// delivery means this is the expected shape of a replay, not a
		// failure -- ack without rewriting anything.
		w.logger.Info("batch already committed; acking replay", slog.Int64("id", pb.ID), slog.String("code", string(e.ErrorCode)))
		if ackErr := w.queue.Ack(ctx, pb.ID); ackErr != nil {
			w.logger.Error("ack failed after conflict resolution", slog.Int64("id", pb.ID), slog.Any("error", ackErr))
		}
		return
	}

	if _, ok := errs.AsError(err); ok {
		// A deterministic *errs.Error (schema-invalid, chain-break, ...)
		// will fail identically on every retry; dead-letter it and move on
		// rather than blocking the queue behind it forever.
		w.logger.Error("batch rejected; dead-lettering", slog.Int64("id", pb.ID), slog.Any("error", err))
		if dlErr := w.deadLetter(pb, err); dlErr != nil {
			w.logger.Error("dead-letter write failed", slog.Int64("id", pb.ID), slog.Any("error", dlErr))
			return
		}
		if ackErr := w.queue.Ack(ctx, pb.ID); ackErr != nil {
			w.logger.Error("ack failed after dead-letter", slog.Int64("id", pb.ID), slog.Any("error", ackErr))
		}
		return
	}

	// Anything else (a connection error, a context timeout) is presumed
	// transient: leave the batch unacknowledged so the next tick retries it.
	w.logger.Warn("batch submission failed; will retry", slog.Int64("id", pb.ID), slog.Any("error", err))
}

// deadLetterRecord is the JSON shape written to disk for a dead-lettered
// batch, carrying enough to diagnose and, if warranted, hand-replay it.
type deadLetterRecord struct {
	SessionID string          `json:"session_id"`
	Events    json.RawMessage `json:"events"`
	Seal      bool            `json:"seal"`
	Error     string          `json:"error"`
}

func (w *Worker) deadLetter(pb PendingBatch, cause error) error {
	if w.deadLetterDir == "" {
		return fmt.Errorf("worker: dead_letter_path not configured")
	}
	if err := os.MkdirAll(w.deadLetterDir, 0o755); err != nil {
		return fmt.Errorf("worker: create dead-letter dir: %w", err)
	}

	events, err := json.Marshal(pb.Batch.Events)
	if err != nil {
		return fmt.Errorf("worker: marshal dead-letter events: %w", err)
	}
	record := deadLetterRecord{
		SessionID: pb.Batch.SessionID,
		Events:    events,
		Seal:      pb.Batch.Seal,
		Error:     cause.Error(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("worker: marshal dead-letter record: %w", err)
	}

	path := filepath.Join(w.deadLetterDir, fmt.Sprintf("batch-%d.json", pb.ID))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("worker: write dead-letter file %s: %w", path, err)
	}
	return nil
}
