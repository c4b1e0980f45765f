// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package database

import "fmt"

// schemaStatements creates the analytical tables touched by this pipeline.
// Downstream dashboards read these tables; nothing else writes them.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		receipt_key               VARCHAR PRIMARY KEY,
		permit_number             VARCHAR NOT NULL,
		obligation_month          VARCHAR NOT NULL,
		venue_name                VARCHAR,
		address                   VARCHAR,
		city                      VARCHAR,
		state                     VARCHAR,
		zip                       VARCHAR,
		county_code               INTEGER,
		liquor_receipts           DOUBLE,
		wine_receipts             DOUBLE,
		beer_receipts             DOUBLE,
		cover_charge              DOUBLE,
		total_receipts            DOUBLE,
		obligation_begin_date     TIMESTAMP,
		obligation_end_date       TIMESTAMP,
		responsibility_begin_date TIMESTAMP,
		responsibility_end_date   TIMESTAMP,
		updated_at                TIMESTAMP DEFAULT current_timestamp
	)`,

	`CREATE TABLE IF NOT EXISTS geocode_cache (
		address_hash      VARCHAR PRIMARY KEY,
		formatted_address VARCHAR,
		latitude          DOUBLE,
		longitude         DOUBLE,
		provider          VARCHAR,
		quality           VARCHAR NOT NULL,
		resolved_at       TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS venue_coordinates (
		permit_number VARCHAR PRIMARY KEY,
		latitude      DOUBLE NOT NULL,
		longitude     DOUBLE NOT NULL,
		quality       VARCHAR NOT NULL,
		source        VARCHAR NOT NULL,
		updated_at    TIMESTAMP NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS venue_enrichment (
		permit_number   VARCHAR PRIMARY KEY,
		clean_name      VARCHAR,
		ownership_group VARCHAR,
		segment         VARCHAR,
		notes           VARCHAR,
		updated_at      TIMESTAMP NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_receipts_permit ON receipts (permit_number)`,
	`CREATE INDEX IF NOT EXISTS idx_receipts_obligation_end ON receipts (obligation_end_date)`,
}

// initSchema applies the schema idempotently at open time.
func (db *DB) initSchema() error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	for _, stmt := range schemaStatements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
