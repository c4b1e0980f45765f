// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package database wraps the DuckDB analytical store maintained by the
// ingestion pipeline: the receipts table (composite-keyed reconciled
// records), the geocode cache, venue coordinates, and venue enrichment.
//
// The store is single-writer. Within a process, writes are serialized by a
// mutex; across processes, the lockfile package provides advisory mutual
// exclusion. Backfill runs write to a staging copy that is promoted to
// production with a near-atomic rename only after a fully successful run.
package database
