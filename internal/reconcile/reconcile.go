// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package reconcile decides, per external record, whether it is new, changed,
// or unchanged against the analytical store.
//
// The unchanged short-circuit is the optimization that makes frequent
// re-ingestion of largely-stable data cheap: a record whose compared fields
// all match (monetary fields within a small absolute tolerance) produces no
// write at all.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tapline/tapline/internal/fetch"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/models"
)

// Outcome classifies what the reconciler did with one record.
type Outcome int

const (
	// Inserted means no row existed for the composite key.
	Inserted Outcome = iota

	// Modified means a row existed and at least one compared field differed
	// beyond tolerance; the full row was updated.
	Modified

	// Unchanged means every compared field matched; no write occurred.
	Unchanged

	// Skipped means the record is missing a required identity field or has
	// an unparseable date. Data-quality gap, not a transport failure: it is
	// counted, never retried, and never an error.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Modified:
		return "modified"
	case Unchanged:
		return "unchanged"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ReceiptStore is the slice of the database the reconciler needs.
type ReceiptStore interface {
	GetReceipt(ctx context.Context, key string) (*models.ReceiptRecord, error)
	InsertReceipt(ctx context.Context, rec *models.ReceiptRecord) error
	UpdateReceipt(ctx context.Context, rec *models.ReceiptRecord) error
}

// Reconciler applies external records to a store, one at a time. Record
// application is strictly sequential; the store permits a single writer.
type Reconciler struct {
	store   ReceiptStore
	epsilon float64
}

// New returns a Reconciler comparing monetary fields with the given absolute
// tolerance.
func New(store ReceiptStore, epsilon float64) *Reconciler {
	return &Reconciler{store: store, epsilon: epsilon}
}

// Reconcile applies one external record. Exactly one of insert, update, or
// no-op occurs. A non-nil error is a store failure and is fatal for the
// record (the orchestrator counts it against the error budget); data-quality
// problems return (Skipped, nil) instead.
func (r *Reconciler) Reconcile(ctx context.Context, raw *fetch.RawReceipt) (Outcome, error) {
	rec, ok := normalize(raw)
	if !ok {
		metrics.RecordsReconciled.WithLabelValues(Skipped.String()).Inc()
		return Skipped, nil
	}

	existing, err := r.store.GetReceipt(ctx, rec.ReceiptKey)
	if err != nil {
		metrics.RecordsReconciled.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("lookup failed for %s: %w", rec.ReceiptKey, err)
	}

	if existing == nil {
		if err := r.store.InsertReceipt(ctx, rec); err != nil {
			metrics.RecordsReconciled.WithLabelValues("error").Inc()
			return 0, err
		}
		metrics.RecordsReconciled.WithLabelValues(Inserted.String()).Inc()
		return Inserted, nil
	}

	if r.equalRecords(existing, rec) {
		metrics.RecordsReconciled.WithLabelValues(Unchanged.String()).Inc()
		return Unchanged, nil
	}

	if err := r.store.UpdateReceipt(ctx, rec); err != nil {
		metrics.RecordsReconciled.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.RecordsReconciled.WithLabelValues(Modified.String()).Inc()
	return Modified, nil
}

// normalize converts a raw record into its canonical stored form. Returns
// false when a required identity field is missing or the obligation end date
// cannot be parsed.
func normalize(raw *fetch.RawReceipt) (*models.ReceiptRecord, bool) {
	permit := strings.TrimSpace(raw.PermitNumber)
	if permit == "" {
		return nil, false
	}

	obligationEnd, ok := ParseDate(raw.ObligationEndDate)
	if !ok {
		return nil, false
	}

	month := obligationEnd.Format("2006-01")
	rec := &models.ReceiptRecord{
		ReceiptKey:        permit + ":" + month,
		PermitNumber:      permit,
		ObligationMonth:   month,
		VenueName:         strings.TrimSpace(raw.VenueName),
		Address:           strings.TrimSpace(raw.Address),
		City:              strings.TrimSpace(raw.City),
		State:             strings.TrimSpace(raw.State),
		Zip:               strings.TrimSpace(raw.Zip),
		ObligationEndDate: &obligationEnd,

		LiquorReceipts: ParseMoney(raw.LiquorReceipts),
		WineReceipts:   ParseMoney(raw.WineReceipts),
		BeerReceipts:   ParseMoney(raw.BeerReceipts),
		CoverCharge:    ParseMoney(raw.CoverCharge),
		TotalReceipts:  ParseMoney(raw.TotalReceipts),
	}

	if county, err := strconv.Atoi(strings.TrimSpace(raw.CountyCode)); err == nil {
		rec.CountyCode = &county
	}
	if t, ok := ParseDate(raw.ObligationBeginDate); ok {
		rec.ObligationBeginDate = &t
	}
	if t, ok := ParseDate(raw.ResponsibilityBeginDate); ok {
		rec.ResponsibilityBeginDate = &t
	}
	if t, ok := ParseDate(raw.ResponsibilityEndDate); ok {
		rec.ResponsibilityEndDate = &t
	}

	return rec, true
}

// dateLayouts are the formats observed in the source feed, tried in order:
// ISO timestamp (with and without millis), ISO date, compact 8-digit.
var dateLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"20060102",
}

// ParseDate normalizes a date string across the formats the source has been
// observed to emit. Returns false for empty or unrecognized input.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// ParseMoney parses a monetary field tolerantly: currency symbols, thousands
// separators, and surrounding whitespace are stripped. Absent or unparseable
// values yield nil, not zero, so "no data" stays distinct from "zero
// revenue".
func ParseMoney(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '$', ',', ' ':
			return -1
		}
		return r
	}, s)

	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &v
}

// equalRecords compares every business-relevant field. Monetary fields use
// the configured absolute tolerance to absorb DECIMAL round-tripping through
// the store.
func (r *Reconciler) equalRecords(a, b *models.ReceiptRecord) bool {
	if a.VenueName != b.VenueName ||
		a.Address != b.Address ||
		a.City != b.City ||
		a.State != b.State ||
		a.Zip != b.Zip ||
		!equalIntPtr(a.CountyCode, b.CountyCode) {
		return false
	}

	return r.equalMoney(a.LiquorReceipts, b.LiquorReceipts) &&
		r.equalMoney(a.WineReceipts, b.WineReceipts) &&
		r.equalMoney(a.BeerReceipts, b.BeerReceipts) &&
		r.equalMoney(a.CoverCharge, b.CoverCharge) &&
		r.equalMoney(a.TotalReceipts, b.TotalReceipts)
}

func (r *Reconciler) equalMoney(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return math.Abs(*a-*b) <= r.epsilon
}

func equalIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
