// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package models defines the shared data structures for the ingestion and
// enrichment pipelines: the reconciled receipt record, run checkpoints,
// advisory locks, and the geocode cache entry.
package models

import (
	"fmt"
	"time"
)

// RunKind identifies an ingestion or enrichment run type. Each kind owns its
// own lock file, checkpoint file, and log file under the run directory, so
// different kinds may run concurrently while two runs of the same kind never
// overlap.
type RunKind string

const (
	// RunForward is the newest-first incremental ingestion of open-data receipts.
	RunForward RunKind = "forward"

	// RunBackfill ingests a historical date window into a staging copy of the
	// store, swapped into production only on success.
	RunBackfill RunKind = "backfill"

	// RunGeocode resolves venue addresses to coordinates via the provider chain.
	RunGeocode RunKind = "geocode"

	// RunEnrich applies AI-assisted venue classification suggestions.
	RunEnrich RunKind = "enrich"
)

// ParseRunKind validates a run kind received from the control plane.
func ParseRunKind(s string) (RunKind, error) {
	switch RunKind(s) {
	case RunForward, RunBackfill, RunGeocode, RunEnrich:
		return RunKind(s), nil
	}
	return "", fmt.Errorf("unknown run kind: %q", s)
}

// ReceiptRecord is the reconciled unit of external data. The composite
// ReceiptKey is derived from the permit number and the obligation period
// (YYYY-MM), so the store holds at most one row per permit per month.
//
// Monetary fields are pointers: nil means "no data reported", which is
// distinct from a reported zero. Parsing never coerces absent values to 0.
type ReceiptRecord struct {
	ReceiptKey      string `json:"receipt_key"`
	PermitNumber    string `json:"permit_number"`
	ObligationMonth string `json:"obligation_month"` // canonical YYYY-MM

	VenueName  string `json:"venue_name"`
	Address    string `json:"address"`
	City       string `json:"city"`
	State      string `json:"state"`
	Zip        string `json:"zip"`
	CountyCode *int   `json:"county_code,omitempty"`

	LiquorReceipts *float64 `json:"liquor_receipts,omitempty"`
	WineReceipts   *float64 `json:"wine_receipts,omitempty"`
	BeerReceipts   *float64 `json:"beer_receipts,omitempty"`
	CoverCharge    *float64 `json:"cover_charge,omitempty"`
	TotalReceipts  *float64 `json:"total_receipts,omitempty"`

	ObligationBeginDate *time.Time `json:"obligation_begin_date,omitempty"`
	ObligationEndDate   *time.Time `json:"obligation_end_date,omitempty"`

	ResponsibilityBeginDate *time.Time `json:"responsibility_begin_date,omitempty"`
	ResponsibilityEndDate   *time.Time `json:"responsibility_end_date,omitempty"`
}

// Checkpoint is the durable progress record for a run. It is written after
// every successfully processed batch (and on graceful shutdown, advanced to
// the exact last-completed record), deleted on full completion, and preserved
// on any abort so the next run resumes from the same ordinal position.
type Checkpoint struct {
	Kind          RunKind   `json:"kind"`
	Offset        int       `json:"offset"` // next record ordinal to fetch
	TotalInserted int       `json:"total_inserted"`
	TotalModified int       `json:"total_modified"`
	ErrorCount    int       `json:"error_count"`
	StartedAt     time.Time `json:"started_at"`
	LastBatchAt   time.Time `json:"last_batch_at"`

	// Backfill only: the half-open historical window [WindowStart, WindowEnd)
	// being filled. Recorded so a resumed run reuses the original window even
	// if the store contents have since changed.
	WindowStart *time.Time `json:"window_start,omitempty"`
	WindowEnd   *time.Time `json:"window_end,omitempty"`
}

// LockInfo is the JSON payload of an advisory lock file. PID is a string
// because the lock holder may be a remote or already-dead process whose pid
// is only ever compared, never dereferenced.
type LockInfo struct {
	StartedAt time.Time `json:"started_at"`
	PID       string    `json:"pid"`
}

// GeocodeQuality tags how a cached geocode entry was resolved.
type GeocodeQuality string

const (
	QualityExact       GeocodeQuality = "exact"
	QualityApproximate GeocodeQuality = "approximate"

	// QualityFailed is a cached negative result: every provider was exhausted
	// without a match. It prevents re-querying the same address on every run.
	QualityFailed GeocodeQuality = "failed"
)

// GeocodeEntry is a cache row keyed by the hash of the normalized address.
// Identical normalized addresses always resolve to the same entry.
type GeocodeEntry struct {
	AddressHash      string         `json:"address_hash"`
	FormattedAddress string         `json:"formatted_address"`
	Latitude         float64        `json:"latitude"`
	Longitude        float64        `json:"longitude"`
	Provider         string         `json:"provider"`
	Quality          GeocodeQuality `json:"quality"`
	ResolvedAt       time.Time      `json:"resolved_at"`
}

// Failed reports whether the entry is a cached negative result.
func (e *GeocodeEntry) Failed() bool {
	return e.Quality == QualityFailed
}

// VenueCoordinate is the downstream-visible coordinates row, keyed by the
// external permit number rather than the address hash.
type VenueCoordinate struct {
	PermitNumber string         `json:"permit_number"`
	Latitude     float64        `json:"latitude"`
	Longitude    float64        `json:"longitude"`
	Quality      GeocodeQuality `json:"quality"`
	Source       string         `json:"source"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// VenueEnrichment holds AI-assisted classification for a venue. Optional
// fields are pointers so an absent suggestion never clears an existing value.
type VenueEnrichment struct {
	PermitNumber   string    `json:"permit_number"`
	CleanName      *string   `json:"clean_name,omitempty"`
	OwnershipGroup *string   `json:"ownership_group,omitempty"`
	Segment        *string   `json:"segment,omitempty"`
	Notes          *string   `json:"notes,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RunCounts aggregates per-run reconciliation outcomes.
type RunCounts struct {
	Inserted  int `json:"inserted"`
	Modified  int `json:"modified"`
	Unchanged int `json:"unchanged"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Processed returns the number of records that reached the reconciler.
func (c RunCounts) Processed() int {
	return c.Inserted + c.Modified + c.Unchanged + c.Skipped + c.Errors
}
