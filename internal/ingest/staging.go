// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package ingest

import (
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/database"
)

// DatabaseStaging is the DuckDB-backed Staging implementation.
type DatabaseStaging struct {
	cfg *config.DatabaseConfig
}

// NewDatabaseStaging returns staging management over the configured
// production and staging paths.
func NewDatabaseStaging(cfg *config.DatabaseConfig) *DatabaseStaging {
	return &DatabaseStaging{cfg: cfg}
}

func (s *DatabaseStaging) Prepare(resume bool) (StagingStore, bool, error) {
	return database.PrepareStaging(s.cfg, resume)
}

func (s *DatabaseStaging) Promote() error {
	return database.PromoteStaging(s.cfg)
}

func (s *DatabaseStaging) Discard() error {
	return database.DiscardStaging(s.cfg)
}
