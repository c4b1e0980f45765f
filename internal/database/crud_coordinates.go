// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tapline/tapline/internal/models"
)

// UpsertVenueCoordinate records resolved coordinates for a venue, keyed by
// its permit number.
func (db *DB) UpsertVenueCoordinate(ctx context.Context, coord *models.VenueCoordinate) error {
	if coord.UpdatedAt.IsZero() {
		coord.UpdatedAt = time.Now().UTC()
	}
	err := db.execWrite(ctx,
		`INSERT OR REPLACE INTO venue_coordinates
		 (permit_number, latitude, longitude, quality, source, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		coord.PermitNumber, coord.Latitude, coord.Longitude,
		string(coord.Quality), coord.Source, coord.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert coordinates for %s: %w", coord.PermitNumber, err)
	}
	return nil
}

// VenuesMissingCoordinates returns up to limit (permit number, address)
// pairs that have receipts but no resolved coordinates yet. Addresses are
// assembled from the identity columns so the geocoder sees one free-text
// line per venue.
func (db *DB) VenuesMissingCoordinates(ctx context.Context, limit int) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT DISTINCT r.permit_number,
			concat_ws(', ', r.address, r.city, r.state, r.zip) AS address
		 FROM receipts r
		 LEFT JOIN venue_coordinates vc ON vc.permit_number = r.permit_number
		 WHERE vc.permit_number IS NULL AND r.address <> ''
		 ORDER BY r.permit_number
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query venues missing coordinates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[string]string)
	for rows.Next() {
		var permit, address string
		if err := rows.Scan(&permit, &address); err != nil {
			return nil, fmt.Errorf("failed to scan venue row: %w", err)
		}
		result[permit] = address
	}
	return result, rows.Err()
}
