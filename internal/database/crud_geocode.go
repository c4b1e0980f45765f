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
	"strings"
	"time"

	"github.com/tapline/tapline/internal/models"
)

// GetGeocodeEntry looks up a cache entry by normalized-address hash.
// Returns (nil, nil) on a cache miss.
func (db *DB) GetGeocodeEntry(ctx context.Context, addressHash string) (*models.GeocodeEntry, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT address_hash, formatted_address, latitude, longitude, provider, quality, resolved_at
		 FROM geocode_cache WHERE address_hash = ?`, addressHash)

	entry, err := scanGeocodeEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get geocode entry: %w", err)
	}
	return entry, nil
}

// GetGeocodeEntries batch-fetches cache entries for a set of hashes. Hashes
// without entries are simply absent from the result map.
func (db *DB) GetGeocodeEntries(ctx context.Context, hashes []string) (map[string]*models.GeocodeEntry, error) {
	result := make(map[string]*models.GeocodeEntry, len(hashes))
	if len(hashes) == 0 {
		return result, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(hashes)), ",")
	args := make([]any, len(hashes))
	for i, h := range hashes {
		args[i] = h
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT address_hash, formatted_address, latitude, longitude, provider, quality, resolved_at
		 FROM geocode_cache WHERE address_hash IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-get geocode entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		entry, err := scanGeocodeEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan geocode entry: %w", err)
		}
		result[entry.AddressHash] = entry
	}
	return result, rows.Err()
}

// UpsertGeocodeEntry inserts or replaces a single cache entry.
func (db *DB) UpsertGeocodeEntry(ctx context.Context, entry *models.GeocodeEntry) error {
	if entry.ResolvedAt.IsZero() {
		entry.ResolvedAt = time.Now().UTC()
	}
	err := db.execWrite(ctx,
		`INSERT OR REPLACE INTO geocode_cache
		 (address_hash, formatted_address, latitude, longitude, provider, quality, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.AddressHash, entry.FormattedAddress, entry.Latitude, entry.Longitude,
		entry.Provider, string(entry.Quality), entry.ResolvedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert geocode entry: %w", err)
	}
	return nil
}

// InsertGeocodeEntries persists a batch of newly resolved entries in one
// transaction. Bulk geocoding calls this once at the end of a batch rather
// than writing per address.
func (db *DB) InsertGeocodeEntries(ctx context.Context, entries []*models.GeocodeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	return db.withWriteTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR REPLACE INTO geocode_cache
			 (address_hash, formatted_address, latitude, longitude, provider, quality, resolved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare geocode batch insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, entry := range entries {
			resolvedAt := entry.ResolvedAt
			if resolvedAt.IsZero() {
				resolvedAt = time.Now().UTC()
			}
			if _, err := stmt.ExecContext(ctx,
				entry.AddressHash, entry.FormattedAddress, entry.Latitude, entry.Longitude,
				entry.Provider, string(entry.Quality), resolvedAt); err != nil {
				return fmt.Errorf("failed to insert geocode entry %s: %w", entry.AddressHash, err)
			}
		}
		return nil
	})
}

func scanGeocodeEntry(row rowScanner) (*models.GeocodeEntry, error) {
	var entry models.GeocodeEntry
	var quality string
	err := row.Scan(&entry.AddressHash, &entry.FormattedAddress,
		&entry.Latitude, &entry.Longitude, &entry.Provider, &quality, &entry.ResolvedAt)
	if err != nil {
		return nil, err
	}
	entry.Quality = models.GeocodeQuality(quality)
	return &entry, nil
}
