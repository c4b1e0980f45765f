// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tapline/tapline/internal/models"
)

// GetEnrichment looks up the enrichment row for a venue. Returns (nil, nil)
// when the venue has no enrichment yet.
func (db *DB) GetEnrichment(ctx context.Context, permitNumber string) (*models.VenueEnrichment, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT permit_number, clean_name, ownership_group, segment, notes, updated_at
		 FROM venue_enrichment WHERE permit_number = ?`, permitNumber)

	var e models.VenueEnrichment
	var cleanName, ownership, segment, notes sql.NullString
	err := row.Scan(&e.PermitNumber, &cleanName, &ownership, &segment, &notes, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get enrichment for %s: %w", permitNumber, err)
	}

	e.CleanName = stringPtr(cleanName)
	e.OwnershipGroup = stringPtr(ownership)
	e.Segment = stringPtr(segment)
	e.Notes = stringPtr(notes)
	return &e, nil
}

// UpsertEnrichment inserts or replaces the enrichment row for a venue.
func (db *DB) UpsertEnrichment(ctx context.Context, e *models.VenueEnrichment) error {
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	err := db.execWrite(ctx,
		`INSERT OR REPLACE INTO venue_enrichment
		 (permit_number, clean_name, ownership_group, segment, notes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.PermitNumber, nullString(e.CleanName), nullString(e.OwnershipGroup),
		nullString(e.Segment), nullString(e.Notes), e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert enrichment for %s: %w", e.PermitNumber, err)
	}
	return nil
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
