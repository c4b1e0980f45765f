// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package config

import (
	"fmt"
	"net/url"
)

// Validate checks the configuration for values that would make a run fail at
// an inconvenient point. It is called by Load after all layers are applied.
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if err := c.validateSource(); err != nil {
		return err
	}
	if err := c.validateIngest(); err != nil {
		return err
	}
	if err := c.validateGeocode(); err != nil {
		return err
	}
	return c.validateServer()
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.StagingPath == "" {
		return fmt.Errorf("database.staging_path is required")
	}
	if c.Database.StagingPath == c.Database.Path {
		return fmt.Errorf("database.staging_path must differ from database.path")
	}
	if c.Database.Threads < 0 {
		return fmt.Errorf("database.threads must not be negative")
	}
	return nil
}

func (c *Config) validateSource() error {
	if c.Source.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Source.BaseURL); err != nil {
		return fmt.Errorf("source.base_url is not a valid URL: %w", err)
	}
	if c.Source.PageSize <= 0 {
		return fmt.Errorf("source.page_size must be positive")
	}
	if c.Source.RetryAttempts <= 0 {
		return fmt.Errorf("source.retry_attempts must be positive")
	}
	if c.Source.RetryBaseDelay <= 0 {
		return fmt.Errorf("source.retry_base_delay must be positive")
	}
	if c.Source.Timeout <= 0 {
		return fmt.Errorf("source.timeout must be positive")
	}
	if c.Source.RequestsPerMinute <= 0 {
		return fmt.Errorf("source.requests_per_minute must be positive")
	}
	return nil
}

func (c *Config) validateIngest() error {
	if c.Ingest.RunDir == "" {
		return fmt.Errorf("ingest.run_dir is required")
	}
	if c.Ingest.MonetaryEpsilon < 0 {
		return fmt.Errorf("ingest.monetary_epsilon must not be negative")
	}
	if c.Ingest.ErrorBudget <= 0 {
		return fmt.Errorf("ingest.error_budget must be positive")
	}
	if c.Ingest.BackfillMonths <= 0 {
		return fmt.Errorf("ingest.backfill_months must be positive")
	}
	return nil
}

func (c *Config) validateGeocode() error {
	if c.Geocode.RequestsPerWindow <= 0 {
		return fmt.Errorf("geocode.requests_per_window must be positive")
	}
	if c.Geocode.Window <= 0 {
		return fmt.Errorf("geocode.window must be positive")
	}
	if c.Geocode.BatchSize <= 0 {
		return fmt.Errorf("geocode.batch_size must be positive")
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in range 1-65535")
	}
	if c.Server.LogTailLines <= 0 {
		return fmt.Errorf("server.log_tail_lines must be positive")
	}
	return nil
}
