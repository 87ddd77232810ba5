package rest

import (
	"context"

	"github.com/agentops/evidence/internal/orchestrator"
	"github.com/agentops/evidence/internal/store"
)

// StoreAdapter wires a *store.Store and an *orchestrator.Orchestrator
// together into the rest.Store interface, the shape cmd/evidence-server
// actually constructs at startup.
type StoreAdapter struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
}

func (a *StoreAdapter) IngestBatch(ctx context.Context, sessionID string, rawEvents [][]byte, seal bool) (*orchestrator.BatchResult, error) {
	return a.Orchestrator.IngestBatch(ctx, sessionID, rawEvents, seal)
}

func (a *StoreAdapter) SessionExport(ctx context.Context, sessionID string) ([]byte, error) {
	return a.Store.Export(ctx, sessionID)
}
