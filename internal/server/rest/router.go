package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the evidence ingestion API.
//
// Route layout:
//
//	GET  /healthz                                  – liveness probe (no auth)
//	POST /api/v1/sessions/{session_id}/events       – batch ingest (§6, JWT required)
//	GET  /api/v1/sessions/{session_id}/verify       – on-demand verification (JWT required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes. A producer's JWT identifies the caller; it never grants the
// caller authority over event_hash or chain_authority — the validator's
// authority-leak check is what actually enforces that boundary. Pass nil to
// disable JWT validation (tests that cover only request parsing/response
// formatting).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Post("/events", srv.handleIngestBatch)
			r.Get("/verify", srv.handleVerifySession)
		})
	})

	return r
}
