// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package metrics provides Prometheus instrumentation for the ingestion and
// enrichment pipelines: fetch client behavior, reconciliation outcomes,
// geocoding cache efficiency, and run durations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fetch client metrics
	FetchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapline_fetch_requests_total",
			Help: "Total page requests against the open-data source",
		},
		[]string{"result"}, // "ok", "retry", "error"
	)

	FetchBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tapline_fetch_batch_size",
			Help:    "Number of records returned per page fetch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 7), // 1 .. 4096
		},
	)

	// Reconciliation metrics
	RecordsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapline_records_reconciled_total",
			Help: "Reconciliation outcomes per record",
		},
		[]string{"outcome"}, // "inserted", "modified", "unchanged", "skipped", "error"
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tapline_run_duration_seconds",
			Help:    "Duration of ingestion and enrichment runs",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s .. ~4.5h
		},
		[]string{"kind", "result"}, // result: "completed", "aborted", "interrupted"
	)

	RunErrorBudget = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tapline_run_record_errors",
			Help: "Record-level errors accumulated by the current run",
		},
		[]string{"kind"},
	)

	// Geocode metrics
	GeocodeCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapline_geocode_cache_hits_total",
			Help: "Address lookups satisfied from the geocode cache",
		},
	)

	GeocodeCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tapline_geocode_cache_misses_total",
			Help: "Address lookups that required a provider call",
		},
	)

	GeocodeProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapline_geocode_provider_calls_total",
			Help: "Upstream geocoding calls per provider and result",
		},
		[]string{"provider", "result"}, // result: "match", "no_match", "error"
	)

	GeocodeRateLimitWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tapline_geocode_ratelimit_wait_seconds",
			Help:    "Time spent waiting on the geocoding rate limiter",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// ObserveRun records the duration and result of a completed run.
func ObserveRun(kind string, result string, d time.Duration) {
	RunDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}
