// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/models"
)

// Cache is the persistence surface the resolver needs. *database.DB
// satisfies it.
type Cache interface {
	GetGeocodeEntry(ctx context.Context, addressHash string) (*models.GeocodeEntry, error)
	GetGeocodeEntries(ctx context.Context, hashes []string) (map[string]*models.GeocodeEntry, error)
	UpsertGeocodeEntry(ctx context.Context, entry *models.GeocodeEntry) error
	InsertGeocodeEntries(ctx context.Context, entries []*models.GeocodeEntry) error
}

// Resolver resolves addresses through the cache and, on miss, a provider
// chain tried in order. Results, including failures, are written back so
// an address is never sent upstream twice.
type Resolver struct {
	cache     Cache
	providers []Provider
	now       func() time.Time
}

// NewResolver creates a resolver over the given cache and provider chain.
func NewResolver(cache Cache, providers ...Provider) *Resolver {
	return &Resolver{cache: cache, providers: providers, now: time.Now}
}

// Resolve returns the geocode entry for an address, consulting the cache
// first. A cached entry, even a failed one, is returned without touching
// any provider. bypassCache forces a fresh provider lookup whose result
// overwrites the cached entry.
func (r *Resolver) Resolve(ctx context.Context, address string, bypassCache bool) (*models.GeocodeEntry, error) {
	hash := HashAddress(address)

	if !bypassCache {
		entry, err := r.cache.GetGeocodeEntry(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("geocode cache lookup failed: %w", err)
		}
		if entry != nil {
			metrics.GeocodeCacheHits.Inc()
			return entry, nil
		}
	}
	metrics.GeocodeCacheMisses.Inc()

	entry, err := r.queryProviders(ctx, address, hash)
	if err != nil {
		return nil, err
	}
	if err := r.cache.UpsertGeocodeEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("geocode cache write failed: %w", err)
	}
	return entry, nil
}

// ResolveBatch resolves a set of addresses with one cache read and one
// cache write. Addresses that normalize identically collapse to a single
// provider call. The returned map is keyed by the original input address.
func (r *Resolver) ResolveBatch(ctx context.Context, addresses []string) (map[string]*models.GeocodeEntry, error) {
	// Dedup on the normalized hash; remember which inputs map to it.
	byHash := make(map[string][]string)
	hashes := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		hash := HashAddress(addr)
		if _, seen := byHash[hash]; !seen {
			hashes = append(hashes, hash)
		}
		byHash[hash] = append(byHash[hash], addr)
	}

	cached, err := r.cache.GetGeocodeEntries(ctx, hashes)
	if err != nil {
		return nil, fmt.Errorf("geocode cache lookup failed: %w", err)
	}

	results := make(map[string]*models.GeocodeEntry, len(addresses))
	var fresh []*models.GeocodeEntry
	for _, hash := range hashes {
		entry, ok := cached[hash]
		if ok {
			metrics.GeocodeCacheHits.Inc()
		} else {
			metrics.GeocodeCacheMisses.Inc()
			// Any of the originals works; they normalize the same.
			entry, err = r.queryProviders(ctx, byHash[hash][0], hash)
			if err != nil {
				// Persist what the batch already resolved so those provider
				// calls are not repeated on the next run.
				r.flushEntries(ctx, fresh)
				return nil, err
			}
			fresh = append(fresh, entry)
		}
		for _, addr := range byHash[hash] {
			results[addr] = entry
		}
	}

	if len(fresh) > 0 {
		if err := r.cache.InsertGeocodeEntries(ctx, fresh); err != nil {
			return nil, fmt.Errorf("geocode cache write failed: %w", err)
		}
	}
	return results, nil
}

// flushEntries writes resolved entries best-effort on an error path where
// the original error must win. The batch error is usually a cancellation,
// so the write runs detached from it.
func (r *Resolver) flushEntries(ctx context.Context, entries []*models.GeocodeEntry) {
	if len(entries) == 0 {
		return
	}
	if err := r.cache.InsertGeocodeEntries(context.WithoutCancel(ctx), entries); err != nil {
		logging.Warn().Err(err).Int("entries", len(entries)).Msg("Failed to flush resolved geocode entries")
	}
}

// queryProviders walks the chain in order. The first provider that returns
// a result wins; a provider answering "no match" falls through to the next.
// When every provider is exhausted a failed entry is returned so the miss
// is cached as a negative.
func (r *Resolver) queryProviders(ctx context.Context, address, hash string) (*models.GeocodeEntry, error) {
	for _, p := range r.providers {
		if !p.IsAvailable() {
			continue
		}

		result, err := p.Geocode(ctx, address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			metrics.GeocodeProviderCalls.WithLabelValues(p.Name(), "error").Inc()
			logging.Warn().Err(err).
				Str("provider", p.Name()).
				Str("address", address).
				Msg("Geocode provider failed, trying next")
			continue
		}
		if result == nil {
			metrics.GeocodeProviderCalls.WithLabelValues(p.Name(), "no_match").Inc()
			continue
		}

		metrics.GeocodeProviderCalls.WithLabelValues(p.Name(), "match").Inc()
		quality := models.QualityApproximate
		if result.Exact {
			quality = models.QualityExact
		}
		return &models.GeocodeEntry{
			AddressHash:      hash,
			FormattedAddress: result.FormattedAddress,
			Latitude:         result.Latitude,
			Longitude:        result.Longitude,
			Provider:         p.Name(),
			Quality:          quality,
			ResolvedAt:       r.now(),
		}, nil
	}

	logging.Debug().Str("address", address).Msg("All geocode providers exhausted, caching negative")
	return &models.GeocodeEntry{
		AddressHash: hash,
		Quality:     models.QualityFailed,
		ResolvedAt:  r.now(),
	}, nil
}
