// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
)

// NominatimProvider implements Provider using the OpenStreetMap Nominatim
// service. It sits behind CensusProvider in the chain: coverage is broader
// but matches are centroid-level, so results are marked approximate.
//
// Nominatim's usage policy requires an identifying User-Agent and at most
// one request per second; the configured sliding window must respect that.
type NominatimProvider struct {
	client    *http.Client
	limiter   *SlidingWindowLimiter
	baseURL   string
	userAgent string
}

type nominatimResult struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

// NewNominatimProvider creates the Nominatim fallback client.
func NewNominatimProvider(cfg *config.GeocodeConfig) *NominatimProvider {
	return &NominatimProvider{
		client:    &http.Client{Timeout: cfg.Timeout},
		limiter:   NewSlidingWindowLimiter(cfg.RequestsPerWindow, cfg.Window, nil),
		baseURL:   cfg.NominatimBaseURL,
		userAgent: cfg.UserAgent,
	}
}

// Name returns the provider name recorded for provenance.
func (p *NominatimProvider) Name() string { return "nominatim" }

// IsAvailable reports whether the provider can be used. Nominatim refuses
// requests without an identifying User-Agent, so an empty one disables it.
func (p *NominatimProvider) IsAvailable() bool { return p.userAgent != "" }

// Geocode queries the search endpoint for a single best match.
func (p *NominatimProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("q", address)
	params.Set("format", "json")
	params.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("nominatim request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		delay := retryAfterDelay(resp, 5*time.Second)
		logging.Warn().Dur("delay", delay).Msg("Nominatim rate limited, backing off")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return p.Geocode(ctx, address)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("nominatim returned status %d", resp.StatusCode)
	}

	var results []nominatimResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("failed to decode nominatim response: %w", err)
	}

	if len(results) == 0 {
		return nil, nil // answered, no match
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude %q: %w", results[0].Lat, err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude %q: %w", results[0].Lon, err)
	}

	return &Result{
		Latitude:         lat,
		Longitude:        lon,
		FormattedAddress: results[0].DisplayName,
		Exact:            false,
	}, nil
}
