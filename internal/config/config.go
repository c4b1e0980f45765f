// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package config defines Tapline's layered configuration: built-in defaults,
// an optional YAML file, and environment variable overrides, loaded via
// Koanf v2.
package config

import (
	"time"
)

// Config is the root configuration for all Tapline processes.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Source   SourceConfig   `koanf:"source"`
	Ingest   IngestConfig   `koanf:"ingest"`
	Geocode  GeocodeConfig  `koanf:"geocode"`
	Enrich   EnrichConfig   `koanf:"enrich"`
	Server   ServerConfig   `koanf:"server"`
	Schedule ScheduleConfig `koanf:"schedule"`
	Log      LogConfig      `koanf:"log"`
}

// DatabaseConfig configures the DuckDB analytical store. The store permits a
// single write-capable connection, which is why backfill runs write to
// StagingPath and swap on success.
type DatabaseConfig struct {
	Path        string `koanf:"path"`
	StagingPath string `koanf:"staging_path"`
	MaxMemory   string `koanf:"max_memory"`
	Threads     int    `koanf:"threads"` // 0 = runtime.NumCPU()
}

// SourceConfig configures the external open-data receipts API.
type SourceConfig struct {
	BaseURL string `koanf:"base_url"`

	// AppToken is attached as X-App-Token for higher rate limits. Optional.
	AppToken string `koanf:"app_token"`

	PageSize int `koanf:"page_size"`

	// Timeout is the hard per-request wall-clock budget.
	Timeout time.Duration `koanf:"timeout"`

	RetryAttempts  int           `koanf:"retry_attempts"`
	RetryBaseDelay time.Duration `koanf:"retry_base_delay"`

	// RequestsPerMinute paces page fetches so frequent re-ingestion stays
	// inside the source's anonymous rate limit.
	RequestsPerMinute int `koanf:"requests_per_minute"`
}

// IngestConfig holds tunables for the forward and backfill orchestrators.
//
// MonetaryEpsilon and TypicalMonthVolume are empirically tuned to this
// dataset; they are configuration precisely because they do not generalize.
type IngestConfig struct {
	// RunDir holds lock files, checkpoint files, and run logs, one of each
	// per run kind.
	RunDir string `koanf:"run_dir"`

	// MonetaryEpsilon is the absolute tolerance for comparing monetary
	// fields. Differences smaller than this never trigger an update.
	MonetaryEpsilon float64 `koanf:"monetary_epsilon"`

	// ErrorBudget is the maximum number of record-level errors tolerated
	// before a run is aborted with its checkpoint preserved.
	ErrorBudget int `koanf:"error_budget"`

	// BatchPause is the pacing delay between page fetches.
	BatchPause time.Duration `koanf:"batch_pause"`

	// BackfillMonths is the default historical window length.
	BackfillMonths int `koanf:"backfill_months"`

	// TypicalMonthVolume estimates records per obligation month, used only
	// for progress logging during backfill.
	TypicalMonthVolume int `koanf:"typical_month_volume"`
}

// GeocodeConfig configures the geocoding provider chain.
type GeocodeConfig struct {
	CensusBaseURL    string `koanf:"census_base_url"`
	NominatimBaseURL string `koanf:"nominatim_base_url"`

	// UserAgent identifies Tapline to Nominatim, which rejects anonymous
	// clients.
	UserAgent string `koanf:"user_agent"`

	Timeout time.Duration `koanf:"timeout"`

	// RequestsPerWindow/Window define the sliding-window rate limit applied
	// per provider.
	RequestsPerWindow int           `koanf:"requests_per_window"`
	Window            time.Duration `koanf:"window"`

	BatchSize int `koanf:"batch_size"`
}

// EnrichConfig configures the AI-assisted classification sync.
type EnrichConfig struct {
	// FeedPath is the JSONL suggestions feed produced by the classification
	// job (one suggestion object per line).
	FeedPath string `koanf:"feed_path"`

	BatchSize int `koanf:"batch_size"`
}

// ServerConfig configures the control-plane HTTP server.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`

	// TriggerRequestsPerMinute rate-limits the run-start endpoint per client.
	TriggerRequestsPerMinute int `koanf:"trigger_requests_per_minute"`

	// LogTailLines bounds how much of a run log the status endpoint returns.
	LogTailLines int `koanf:"log_tail_lines"`
}

// ScheduleConfig configures cron-driven runs in serve mode.
type ScheduleConfig struct {
	Enabled bool `koanf:"enabled"`

	// ForwardSpec is a cron expression for periodic forward ingestion.
	ForwardSpec string `koanf:"forward_spec"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaultConfig returns a Config with all default values. Defaults are
// applied first, then overridden by the config file and environment.
func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:        "/data/tapline.duckdb",
			StagingPath: "/data/tapline.staging.duckdb",
			MaxMemory:   "2GB",
			Threads:     0,
		},
		Source: SourceConfig{
			BaseURL:           "https://data.texas.gov/resource/naix-2893.json",
			AppToken:          "",
			PageSize:          1000,
			Timeout:           30 * time.Second,
			RetryAttempts:     5,
			RetryBaseDelay:    2 * time.Second,
			RequestsPerMinute: 60,
		},
		Ingest: IngestConfig{
			RunDir: "/data/runs",
			// One cent of slack absorbs DECIMAL round-tripping through the
			// store. Tuned to this dataset.
			MonetaryEpsilon:    0.011,
			ErrorBudget:        50,
			BatchPause:         500 * time.Millisecond,
			BackfillMonths:     12,
			TypicalMonthVolume: 15000,
		},
		Geocode: GeocodeConfig{
			CensusBaseURL:     "https://geocoding.geo.census.gov/geocoder/locations/onelineaddress",
			NominatimBaseURL:  "https://nominatim.openstreetmap.org/search",
			UserAgent:         "tapline-geocoder/1.0 (ops@tapline.example)",
			Timeout:           10 * time.Second,
			RequestsPerWindow: 45,
			Window:            time.Minute,
			BatchSize:         200,
		},
		Enrich: EnrichConfig{
			FeedPath:  "/data/enrichment/suggestions.jsonl",
			BatchSize: 500,
		},
		Server: ServerConfig{
			Host:                     "0.0.0.0",
			Port:                     3941,
			Timeout:                  30 * time.Second,
			TriggerRequestsPerMinute: 10,
			LogTailLines:             100,
		},
		Schedule: ScheduleConfig{
			Enabled:     false,
			ForwardSpec: "15 4 * * *", // daily, off-peak for the source API
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
