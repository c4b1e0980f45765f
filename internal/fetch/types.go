// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package fetch

import "time"

// RawReceipt is one record as returned by the open-data API. All fields are
// strings on the wire; the reconciler owns parsing and normalization, so the
// fetch layer stays stateless with respect to data quality.
type RawReceipt struct {
	PermitNumber string `json:"permit_number"`
	VenueName    string `json:"location_name"`
	Address      string `json:"location_address"`
	City         string `json:"location_city"`
	State        string `json:"location_state"`
	Zip          string `json:"location_zip"`
	CountyCode   string `json:"location_county"`

	LiquorReceipts string `json:"liquor_receipts"`
	WineReceipts   string `json:"wine_receipts"`
	BeerReceipts   string `json:"beer_receipts"`
	CoverCharge    string `json:"cover_charge_receipts"`
	TotalReceipts  string `json:"total_receipts"`

	ObligationBeginDate string `json:"obligation_begin_date"`
	ObligationEndDate   string `json:"obligation_end_date"`

	ResponsibilityBeginDate string `json:"responsibility_begin_date"`
	ResponsibilityEndDate   string `json:"responsibility_end_date"`
}

// DateWindow is a half-open range [Start, End) over the obligation end date.
// Backfill passes it so the server does the date filtering.
type DateWindow struct {
	Start time.Time
	End   time.Time
}
