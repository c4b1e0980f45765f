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

const receiptColumns = `receipt_key, permit_number, obligation_month, venue_name,
	address, city, state, zip, county_code,
	liquor_receipts, wine_receipts, beer_receipts, cover_charge, total_receipts,
	obligation_begin_date, obligation_end_date,
	responsibility_begin_date, responsibility_end_date`

// GetReceipt looks up a receipt row by its composite key. Returns (nil, nil)
// when no row exists; the reconciler treats that as "insert".
func (db *DB) GetReceipt(ctx context.Context, key string) (*models.ReceiptRecord, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE receipt_key = ?`, key)

	rec, err := scanReceipt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", key, err)
	}
	return rec, nil
}

// InsertReceipt adds a new receipt row.
func (db *DB) InsertReceipt(ctx context.Context, rec *models.ReceiptRecord) error {
	err := db.execWrite(ctx,
		`INSERT INTO receipts (`+receiptColumns+`, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receiptArgs(rec, time.Now().UTC())...)
	if err != nil {
		return fmt.Errorf("failed to insert receipt %s: %w", rec.ReceiptKey, err)
	}
	return nil
}

// UpdateReceipt replaces the full row for an existing composite key. The
// reconciler only calls this when at least one compared field differs beyond
// tolerance, so every update represents a real change.
func (db *DB) UpdateReceipt(ctx context.Context, rec *models.ReceiptRecord) error {
	err := db.execWrite(ctx,
		`UPDATE receipts SET
			permit_number = ?, obligation_month = ?, venue_name = ?,
			address = ?, city = ?, state = ?, zip = ?, county_code = ?,
			liquor_receipts = ?, wine_receipts = ?, beer_receipts = ?,
			cover_charge = ?, total_receipts = ?,
			obligation_begin_date = ?, obligation_end_date = ?,
			responsibility_begin_date = ?, responsibility_end_date = ?,
			updated_at = ?
		 WHERE receipt_key = ?`,
		rec.PermitNumber, rec.ObligationMonth, rec.VenueName,
		rec.Address, rec.City, rec.State, rec.Zip, nullInt(rec.CountyCode),
		nullFloat(rec.LiquorReceipts), nullFloat(rec.WineReceipts), nullFloat(rec.BeerReceipts),
		nullFloat(rec.CoverCharge), nullFloat(rec.TotalReceipts),
		nullTime(rec.ObligationBeginDate), nullTime(rec.ObligationEndDate),
		nullTime(rec.ResponsibilityBeginDate), nullTime(rec.ResponsibilityEndDate),
		time.Now().UTC(), rec.ReceiptKey)
	if err != nil {
		return fmt.Errorf("failed to update receipt %s: %w", rec.ReceiptKey, err)
	}
	return nil
}

// EarliestObligationDate returns the oldest obligation end date present in
// the store. Backfill uses it as the end of a new historical window. The
// second return value is false for an empty store.
func (db *DB) EarliestObligationDate(ctx context.Context) (time.Time, bool, error) {
	var earliest sql.NullTime
	err := db.conn.QueryRowContext(ctx,
		`SELECT min(obligation_end_date) FROM receipts`).Scan(&earliest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query earliest obligation date: %w", err)
	}
	if !earliest.Valid {
		return time.Time{}, false, nil
	}
	return earliest.Time, true, nil
}

// CountReceipts returns the number of receipt rows, logged after a
// completed forward run.
func (db *DB) CountReceipts(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT count(*) FROM receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count receipts: %w", err)
	}
	return n, nil
}

func receiptArgs(rec *models.ReceiptRecord, updatedAt time.Time) []any {
	return []any{
		rec.ReceiptKey, rec.PermitNumber, rec.ObligationMonth, rec.VenueName,
		rec.Address, rec.City, rec.State, rec.Zip, nullInt(rec.CountyCode),
		nullFloat(rec.LiquorReceipts), nullFloat(rec.WineReceipts), nullFloat(rec.BeerReceipts),
		nullFloat(rec.CoverCharge), nullFloat(rec.TotalReceipts),
		nullTime(rec.ObligationBeginDate), nullTime(rec.ObligationEndDate),
		nullTime(rec.ResponsibilityBeginDate), nullTime(rec.ResponsibilityEndDate),
		updatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*models.ReceiptRecord, error) {
	var rec models.ReceiptRecord
	var countyCode sql.NullInt64
	var liquor, wine, beer, cover, total sql.NullFloat64
	var obBegin, obEnd, respBegin, respEnd sql.NullTime

	err := row.Scan(
		&rec.ReceiptKey, &rec.PermitNumber, &rec.ObligationMonth, &rec.VenueName,
		&rec.Address, &rec.City, &rec.State, &rec.Zip, &countyCode,
		&liquor, &wine, &beer, &cover, &total,
		&obBegin, &obEnd, &respBegin, &respEnd,
	)
	if err != nil {
		return nil, err
	}

	if countyCode.Valid {
		v := int(countyCode.Int64)
		rec.CountyCode = &v
	}
	rec.LiquorReceipts = floatPtr(liquor)
	rec.WineReceipts = floatPtr(wine)
	rec.BeerReceipts = floatPtr(beer)
	rec.CoverCharge = floatPtr(cover)
	rec.TotalReceipts = floatPtr(total)
	rec.ObligationBeginDate = timePtr(obBegin)
	rec.ObligationEndDate = timePtr(obEnd)
	rec.ResponsibilityBeginDate = timePtr(respBegin)
	rec.ResponsibilityEndDate = timePtr(respEnd)

	return &rec, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
