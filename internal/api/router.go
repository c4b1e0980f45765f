// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tapline/tapline/internal/config"
)

// NewRouter assembles the control-plane routes. The run-start endpoint is
// rate limited per client IP; a trigger storm must not translate into a
// process-spawn storm.
func NewRouter(cfg *config.ServerConfig, h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.Timeout))
	r.Use(RequestLogging())

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/runs/{kind}", func(r chi.Router) {
		r.Get("/status", h.RunStatusHandler)

		r.Group(func(r chi.Router) {
			r.Use(httprate.LimitByIP(cfg.TriggerRequestsPerMinute, time.Minute))
			r.Post("/start", h.StartRun)
		})
	})

	return r
}
