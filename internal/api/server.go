// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
)

// Server runs the control-plane HTTP listener.
type Server struct {
	srv *http.Server
}

// NewServer builds the listener over the assembled router.
func NewServer(cfg *config.ServerConfig, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	logging.Info().Str("addr", s.srv.Addr).Msg("Control-plane server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info().Msg("Control-plane server shutting down")
	return s.srv.Shutdown(ctx)
}
