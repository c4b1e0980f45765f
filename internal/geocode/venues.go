// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"fmt"
	"time"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/models"
)

// VenueStore is the venue-facing persistence surface. *database.DB
// satisfies it.
type VenueStore interface {
	VenuesMissingCoordinates(ctx context.Context, limit int) (map[string]string, error)
	UpsertVenueCoordinate(ctx context.Context, coord *models.VenueCoordinate) error
}

// VenueGeocoder runs the standalone geocode pass: find venues whose permit
// has no coordinates row yet, resolve their addresses in batches, and write
// coordinates for the ones that resolved.
type VenueGeocoder struct {
	store    VenueStore
	resolver *Resolver
	locks    *lockfile.Manager
	batch    int
	now      func() time.Time
}

// NewVenueGeocoder wires the geocode run.
func NewVenueGeocoder(cfg *config.GeocodeConfig, store VenueStore, resolver *Resolver, locks *lockfile.Manager) *VenueGeocoder {
	return &VenueGeocoder{
		store:    store,
		resolver: resolver,
		locks:    locks,
		batch:    cfg.BatchSize,
		now:      time.Now,
	}
}

// Run geocodes venues missing coordinates until none remain or the context
// is cancelled. It holds the geocode lock for the duration, so a second
// invocation fails fast with AlreadyRunningError.
func (g *VenueGeocoder) Run(ctx context.Context) (resolved, failed int, err error) {
	lock, err := g.locks.Acquire(models.RunGeocode)
	if err != nil {
		return 0, 0, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	start := g.now()
	for {
		if ctx.Err() != nil {
			return resolved, failed, ctx.Err()
		}

		venues, err := g.store.VenuesMissingCoordinates(ctx, g.batch)
		if err != nil {
			return resolved, failed, fmt.Errorf("failed to list venues missing coordinates: %w", err)
		}
		if len(venues) == 0 {
			break
		}

		r, f, err := g.geocodeBatch(ctx, venues)
		resolved += r
		failed += f
		if err != nil {
			return resolved, failed, err
		}

		// Every venue in the batch got either a coordinates row or a cached
		// failure; if nothing resolved the next query would return the same
		// permits forever, so stop.
		if r == 0 {
			break
		}
	}

	metrics.ObserveRun(string(models.RunGeocode), "completed", g.now().Sub(start))
	logging.Info().
		Int("resolved", resolved).
		Int("failed", failed).
		Msg("Geocode run complete")
	return resolved, failed, nil
}

func (g *VenueGeocoder) geocodeBatch(ctx context.Context, venues map[string]string) (resolved, failed int, err error) {
	addresses := make([]string, 0, len(venues))
	for _, addr := range venues {
		addresses = append(addresses, addr)
	}

	entries, err := g.resolver.ResolveBatch(ctx, addresses)
	if err != nil {
		return 0, 0, err
	}

	for permit, addr := range venues {
		entry := entries[addr]
		if entry == nil || entry.Failed() {
			failed++
			continue
		}
		coord := &models.VenueCoordinate{
			PermitNumber: permit,
			Latitude:     entry.Latitude,
			Longitude:    entry.Longitude,
			Quality:      entry.Quality,
			Source:       entry.Provider,
			UpdatedAt:    g.now(),
		}
		if err := g.store.UpsertVenueCoordinate(ctx, coord); err != nil {
			return resolved, failed, fmt.Errorf("failed to write coordinates for %s: %w", permit, err)
		}
		resolved++
	}
	return resolved, failed, nil
}
