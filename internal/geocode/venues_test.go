// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"errors"
	"testing"

	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/models"
)

// memVenueStore serves venues missing coordinates and records upserts.
type memVenueStore struct {
	missing map[string]string // permit -> address
	coords  map[string]*models.VenueCoordinate
}

func newMemVenueStore(missing map[string]string) *memVenueStore {
	return &memVenueStore{
		missing: missing,
		coords:  make(map[string]*models.VenueCoordinate),
	}
}

func (s *memVenueStore) VenuesMissingCoordinates(_ context.Context, limit int) (map[string]string, error) {
	out := make(map[string]string)
	for permit, addr := range s.missing {
		if len(out) >= limit {
			break
		}
		out[permit] = addr
	}
	return out, nil
}

func (s *memVenueStore) UpsertVenueCoordinate(_ context.Context, c *models.VenueCoordinate) error {
	s.coords[c.PermitNumber] = c
	delete(s.missing, c.PermitNumber)
	return nil
}

func newTestVenueGeocoder(t *testing.T, store VenueStore, providers ...Provider) *VenueGeocoder {
	t.Helper()
	cfg := testGeocodeConfig("", "")
	resolver := NewResolver(newMemCache(), providers...)
	locks := lockfile.NewManager(t.TempDir())
	return NewVenueGeocoder(cfg, store, resolver, locks)
}

func TestVenueGeocoderResolvesMissingVenues(t *testing.T) {
	store := newMemVenueStore(map[string]string{
		"MB944126": "600 Congress Ave, Austin, TX",
		"MB100001": "100 E 6th St, Austin, TX",
	})
	p := &stubProvider{name: "census", available: true, result: exactResult(30.268, -97.743)}
	g := newTestVenueGeocoder(t, store, p)

	resolved, failed, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resolved != 2 || failed != 0 {
		t.Fatalf("expected 2 resolved / 0 failed, got %d/%d", resolved, failed)
	}

	coord := store.coords["MB944126"]
	if coord == nil {
		t.Fatal("no coordinates row written for MB944126")
	}
	if coord.Source != "census" || coord.Quality != models.QualityExact {
		t.Errorf("unexpected provenance: source=%s quality=%s", coord.Source, coord.Quality)
	}
}

func TestVenueGeocoderCountsFailures(t *testing.T) {
	store := newMemVenueStore(map[string]string{
		"MB944126": "nowhere at all",
	})
	p := &stubProvider{name: "census", available: true, result: nil} // no match
	g := newTestVenueGeocoder(t, store, p)

	resolved, failed, err := g.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if resolved != 0 || failed != 1 {
		t.Fatalf("expected 0 resolved / 1 failed, got %d/%d", resolved, failed)
	}
	if len(store.coords) != 0 {
		t.Error("failed venue must not get a coordinates row")
	}
}

func TestVenueGeocoderHoldsLock(t *testing.T) {
	dir := t.TempDir()
	locks := lockfile.NewManager(dir)
	lock, err := locks.Acquire(models.RunGeocode)
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	store := newMemVenueStore(nil)
	g := NewVenueGeocoder(testGeocodeConfig("", ""), store, NewResolver(newMemCache()), locks)
	_, _, err = g.Run(context.Background())
	var already *lockfile.AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %v", err)
	}
	if already.Kind != models.RunGeocode {
		t.Errorf("unexpected lock kind %s", already.Kind)
	}
}
