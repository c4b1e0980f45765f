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
	"time"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/config"
)

// CensusProvider implements Provider using the US Census Bureau geocoder.
// It is free and keyless, and for street addresses in its coverage it
// returns rooftop-quality matches, which is why it leads the chain.
type CensusProvider struct {
	client  *http.Client
	limiter *SlidingWindowLimiter
	baseURL string
}

// censusResponse is the subset of the Census geocoder response we read.
type censusResponse struct {
	Result struct {
		AddressMatches []struct {
			MatchedAddress string `json:"matchedAddress"`
			Coordinates    struct {
				X float64 `json:"x"` // longitude
				Y float64 `json:"y"` // latitude
			} `json:"coordinates"`
			TigerLine struct {
				Side string `json:"side"`
			} `json:"tigerLine"`
		} `json:"addressMatches"`
	} `json:"result"`
}

// NewCensusProvider creates the Census geocoder client.
func NewCensusProvider(cfg *config.GeocodeConfig) *CensusProvider {
	return &CensusProvider{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: NewSlidingWindowLimiter(cfg.RequestsPerWindow, cfg.Window, nil),
		baseURL: cfg.CensusBaseURL,
	}
}

// Name returns the provider name recorded for provenance.
func (p *CensusProvider) Name() string { return "census" }

// IsAvailable returns true; the Census geocoder needs no credentials.
func (p *CensusProvider) IsAvailable() bool { return true }

// Geocode queries the onelineaddress endpoint.
func (p *CensusProvider) Geocode(ctx context.Context, address string) (*Result, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("address", address)
	params.Set("benchmark", "Public_AR_Current")
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("census request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("census returned status %d", resp.StatusCode)
	}

	var result censusResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode census response: %w", err)
	}

	if len(result.Result.AddressMatches) == 0 {
		return nil, nil // answered, no match
	}

	match := result.Result.AddressMatches[0]
	return &Result{
		Latitude:         match.Coordinates.Y,
		Longitude:        match.Coordinates.X,
		FormattedAddress: match.MatchedAddress,
		Exact:            true,
	}, nil
}

// retryAfterDelay reads a Retry-After header given in seconds, with a
// fallback used when the header is absent or unparseable.
func retryAfterDelay(resp *http.Response, fallback time.Duration) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if d, err := time.ParseDuration(v + "s"); err == nil {
			return d
		}
	}
	return fallback
}
