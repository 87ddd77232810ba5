package rest

import (
	"context"

	"github.com/agentops/evidence/internal/orchestrator"
)

// Store is the subset of the orchestrator/store surface the REST handlers
// need, defined here so handlers can be tested with a fake instead of a live
// PostgreSQL connection and an orchestrator wired to it.
type Store interface {
	// IngestBatch validates and seals rawEvents against sessionID's chain in
	// a single transaction (§4.F), sealing the chain when seal is true.
	IngestBatch(ctx context.Context, sessionID string, rawEvents [][]byte, seal bool) (*orchestrator.BatchResult, error)

	// SessionExport returns the canonical export for sessionID (§6 "Export
	// format") for the on-demand verify endpoint.
	SessionExport(ctx context.Context, sessionID string) ([]byte, error)
}
