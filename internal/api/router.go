// Callstream - Real-time Call Event Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/callstream

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/callstream/internal/auth"
	"github.com/tomtom215/callstream/internal/authz"
)

// NewRouter builds the chi route tree. A nil verifier leaves the API
// unauthenticated.
func NewRouter(h *Handler, cfg MiddlewareConfig, verifier *auth.Verifier) http.Handler {
	r := chi.NewRouter()

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(cfg)) // global so OPTIONS preflight reaches it
	r.Use(PrometheusMetrics)

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(cfg))
		r.Use(Authenticate(verifier))

		// Ingest is authorized against the event's org once the body is read.
		r.Post("/events", h.IngestEvent)
		r.With(Authorize(h.authz, authz.ObjectDeadLetters, authz.ActionRead)).Get("/deadletters", h.DeadLetters)
		r.With(Authorize(h.authz, authz.ObjectRetry, authz.ActionRead)).Get("/retry", h.RetryStats)

		r.Route("/orgs/{orgID}", func(r chi.Router) {
			r.With(Authorize(h.authz, authz.ObjectDialogues, authz.ActionRead)).Get("/dialogues", h.ListDialogues)
			r.With(Authorize(h.authz, authz.ObjectDialogues, authz.ActionRead)).Get("/dialogues/{callID}", h.GetDialogue)
			r.With(Authorize(h.authz, authz.ObjectChanges, authz.ActionRead)).Get("/subscribe", h.Subscribe)
		})
	})

	return r
}
