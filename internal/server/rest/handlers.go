package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentops/evidence/internal/errs"
	"github.com/agentops/evidence/internal/verifier"
)

// batchRequest is the JSON body of POST /api/v1/sessions/{session_id}/events
// (§6 "Batch ingest boundary"): {session_id, events[], seal}. session_id is
// also carried in the path; a mismatch is rejected rather than silently
// preferring one over the other.
type batchRequest struct {
	SessionID string            `json:"session_id"`
	Events    []json.RawMessage `json:"events"`
	Seal      bool              `json:"seal"`
}

// Server holds the dependencies needed by the REST handlers: the ingestion
// path (Store) plus the size limits and trusted-authority set the handlers
// enforce before ever reaching the orchestrator.
type Server struct {
	store              Store
	maxRequestBytes    int64
	maxBatchEvents     int
	trustedAuthorities map[string]bool
	allowRedacted      bool
}

// NewServer creates a Server. maxRequestBytes and maxBatchEvents are the §6
// size limits; trustedAuthorities and allowRedacted configure the on-demand
// verify endpoint's default Options.
func NewServer(store Store, maxRequestBytes int64, maxBatchEvents int, trustedAuthorities []string, allowRedacted bool) *Server {
	trusted := make(map[string]bool, len(trustedAuthorities))
	for _, a := range trustedAuthorities {
		trusted[a] = true
	}
	return &Server{
		store:              store,
		maxRequestBytes:    maxRequestBytes,
		maxBatchEvents:     maxBatchEvents,
		trustedAuthorities: trusted,
		allowRedacted:      allowRedacted,
	}
}

// handleHealthz responds to GET /healthz. No authentication required so
// load balancers and orchestrators can probe liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleIngestBatch responds to POST /api/v1/sessions/{session_id}/events:
// the ingestion boundary of §6, threaded straight into the orchestrator via
// the Store interface. Every outcome — success, a hard-reject, or a
// conflict — is reported as the §7 structured error shape except on
// success.
func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	pathSessionID := chi.URLParam(r, "session_id")

	body := http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
	data, err := io.ReadAll(body)
	if err != nil {
		writeTaxonomyError(w, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("request body exceeds the %d byte limit or could not be read", s.maxRequestBytes), nil))
		return
	}

	var req batchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		writeTaxonomyError(w, errs.New(errs.CodeSchemaInvalid, "request body is not a valid JSON batch", nil))
		return
	}
	if req.SessionID == "" {
		req.SessionID = pathSessionID
	}
	if pathSessionID != "" && req.SessionID != pathSessionID {
		writeTaxonomyError(w, errs.New(errs.CodeSchemaInvalid,
			"path session_id does not match body session_id", map[string]any{
				"path_session_id": pathSessionID, "body_session_id": req.SessionID,
			}))
		return
	}
	if len(req.Events) > s.maxBatchEvents {
		writeTaxonomyError(w, errs.New(errs.CodeSchemaInvalid,
			fmt.Sprintf("batch of %d events exceeds the %d event limit", len(req.Events), s.maxBatchEvents), nil))
		return
	}

	rawEvents := make([][]byte, len(req.Events))
	for i, e := range req.Events {
		rawEvents[i] = []byte(e)
	}

	result, err := s.store.IngestBatch(r.Context(), req.SessionID, rawEvents, req.Seal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// handleVerifySession responds to GET /api/v1/sessions/{session_id}/verify:
// an on-demand rendering of §4.G over the session's current export, using
// the service's configured trusted-authority set and allow_redacted default.
func (s *Server) handleVerifySession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	raw, err := s.store.SessionExport(r.Context(), sessionID)
	if err != nil {
		writeTaxonomyError(w, errs.Wrap(errs.CodeSchemaInvalid, "failed to load session export", err, nil))
		return
	}

	report, err := verifier.Verify(raw, verifier.Options{
		TrustedAuthorities: s.trustedAuthorities,
		AllowRedacted:      s.allowRedacted,
	})
	if err != nil {
		writeTaxonomyError(w, errs.Wrap(errs.CodeSchemaInvalid, "export could not be parsed", err, nil))
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to the §7 "User-visible behavior" structured error
// object and an HTTP status derived from its classification. Errors that
// are not an *errs.Error (a storage outage, a context cancellation) never
// leak internal detail to the client; the caller is expected to have
// already logged the full error via slog before calling this.
func writeError(w http.ResponseWriter, err error) {
	e, ok := errs.AsError(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error_code":     "internal",
			"classification": "internal",
			"message":        "an internal error occurred",
		})
		return
	}
	writeTaxonomyError(w, e)
}

func writeTaxonomyError(w http.ResponseWriter, e *errs.Error) {
	status := http.StatusBadRequest
	switch e.Classification {
	case errs.ClassConflict:
		status = http.StatusConflict
	case errs.ClassVerifierFatal, errs.ClassVerifierWarn:
		status = http.StatusUnprocessableEntity
	case errs.ClassUnauthenticated:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, e)
}
