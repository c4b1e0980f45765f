// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package geocode resolves free-text venue addresses to coordinates through
// an ordered provider chain fronted by a persistent address-hash cache.
//
// Cache hits short-circuit all network activity; addresses that exhaust
// every provider are cached as failed so they are not retried on every run.
package geocode

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Provider is one geocoding backend in the fallback chain. Implementations
// own their provider-specific rate limiting.
type Provider interface {
	// Geocode resolves an address. Returns (nil, nil) when the provider
	// answered but found no match; an error means the provider itself
	// failed and the chain should fall through.
	Geocode(ctx context.Context, address string) (*Result, error)

	// Name identifies the provider for provenance and logging.
	Name() string

	// IsAvailable reports whether the provider is configured and usable.
	IsAvailable() bool
}

// Result is a successful provider match.
type Result struct {
	Latitude         float64
	Longitude        float64
	FormattedAddress string
	Exact            bool
}

// NormalizeAddress canonicalizes a free-text address for cache keying:
// case-fold, trim, and collapse internal whitespace. Two addresses that
// normalize equally always share one cache entry.
func NormalizeAddress(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}

// HashAddress returns the cache key for an address: the hex SHA-256 of its
// normalized form.
func HashAddress(address string) string {
	sum := sha256.Sum256([]byte(NormalizeAddress(address)))
	return hex.EncodeToString(sum[:])
}
