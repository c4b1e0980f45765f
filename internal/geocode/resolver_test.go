// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tapline/tapline/internal/models"
)

// memCache is an in-memory Cache for resolver tests.
type memCache struct {
	entries map[string]*models.GeocodeEntry
	writes  int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*models.GeocodeEntry)}
}

func (c *memCache) GetGeocodeEntry(_ context.Context, hash string) (*models.GeocodeEntry, error) {
	return c.entries[hash], nil
}

func (c *memCache) GetGeocodeEntries(_ context.Context, hashes []string) (map[string]*models.GeocodeEntry, error) {
	out := make(map[string]*models.GeocodeEntry)
	for _, h := range hashes {
		if e, ok := c.entries[h]; ok {
			out[h] = e
		}
	}
	return out, nil
}

func (c *memCache) UpsertGeocodeEntry(_ context.Context, e *models.GeocodeEntry) error {
	c.entries[e.AddressHash] = e
	c.writes++
	return nil
}

func (c *memCache) InsertGeocodeEntries(_ context.Context, entries []*models.GeocodeEntry) error {
	for _, e := range entries {
		c.entries[e.AddressHash] = e
	}
	c.writes++
	return nil
}

// stubProvider scripts a provider's responses and counts calls.
type stubProvider struct {
	name      string
	available bool
	result    *Result
	err       error
	calls     int
}

func (p *stubProvider) Name() string      { return p.name }
func (p *stubProvider) IsAvailable() bool { return p.available }

func (p *stubProvider) Geocode(_ context.Context, _ string) (*Result, error) {
	p.calls++
	return p.result, p.err
}

// fnProvider delegates to a function, for per-call scripting.
type fnProvider struct {
	name string
	fn   func(ctx context.Context, address string) (*Result, error)
}

func (p *fnProvider) Name() string      { return p.name }
func (p *fnProvider) IsAvailable() bool { return true }

func (p *fnProvider) Geocode(ctx context.Context, addr string) (*Result, error) {
	return p.fn(ctx, addr)
}

func exactResult(lat, lon float64) *Result {
	return &Result{Latitude: lat, Longitude: lon, FormattedAddress: "matched", Exact: true}
}

func TestResolveCacheHitSkipsProviders(t *testing.T) {
	cache := newMemCache()
	addr := "600 Congress Ave, Austin, TX"
	cache.entries[HashAddress(addr)] = &models.GeocodeEntry{
		AddressHash: HashAddress(addr),
		Latitude:    30.268,
		Longitude:   -97.743,
		Provider:    "census",
		Quality:     models.QualityExact,
	}
	provider := &stubProvider{name: "census", available: true, result: exactResult(1, 2)}
	r := NewResolver(cache, provider)

	entry, err := r.Resolve(context.Background(), addr, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if entry.Latitude != 30.268 {
		t.Errorf("expected cached latitude, got %f", entry.Latitude)
	}
	if provider.calls != 0 {
		t.Errorf("cache hit reached the provider %d times", provider.calls)
	}
}

func TestResolveFailedEntryIsCacheHit(t *testing.T) {
	cache := newMemCache()
	addr := "nowhere at all"
	cache.entries[HashAddress(addr)] = &models.GeocodeEntry{
		AddressHash: HashAddress(addr),
		Quality:     models.QualityFailed,
	}
	provider := &stubProvider{name: "census", available: true, result: exactResult(1, 2)}
	r := NewResolver(cache, provider)

	entry, err := r.Resolve(context.Background(), addr, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !entry.Failed() {
		t.Error("expected cached failed entry")
	}
	if provider.calls != 0 {
		t.Error("cached failure should not be retried")
	}
}

func TestResolveBypassCacheRequeries(t *testing.T) {
	cache := newMemCache()
	addr := "600 Congress Ave, Austin, TX"
	cache.entries[HashAddress(addr)] = &models.GeocodeEntry{
		AddressHash: HashAddress(addr),
		Quality:     models.QualityFailed,
	}
	provider := &stubProvider{name: "census", available: true, result: exactResult(30.268, -97.743)}
	r := NewResolver(cache, provider)

	entry, err := r.Resolve(context.Background(), addr, true)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if provider.calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", provider.calls)
	}
	if entry.Quality != models.QualityExact {
		t.Errorf("expected exact quality, got %s", entry.Quality)
	}
	// The fresh result must replace the cached negative.
	if cached := cache.entries[HashAddress(addr)]; cached.Failed() {
		t.Error("bypass result did not overwrite cached failure")
	}
}

func TestResolveFallsThroughChain(t *testing.T) {
	cache := newMemCache()
	primary := &stubProvider{name: "census", available: true, result: nil} // no match
	fallback := &stubProvider{name: "nominatim", available: true, result: &Result{
		Latitude: 30.0, Longitude: -97.0, FormattedAddress: "approx", Exact: false,
	}}
	r := NewResolver(cache, primary, fallback)

	entry, err := r.Resolve(context.Background(), "123 Side St", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if primary.calls != 1 || fallback.calls != 1 {
		t.Fatalf("expected both providers tried once, got %d/%d", primary.calls, fallback.calls)
	}
	if entry.Provider != "nominatim" {
		t.Errorf("expected nominatim provenance, got %s", entry.Provider)
	}
	if entry.Quality != models.QualityApproximate {
		t.Errorf("expected approximate quality, got %s", entry.Quality)
	}
}

func TestResolveProviderErrorFallsThrough(t *testing.T) {
	cache := newMemCache()
	primary := &stubProvider{name: "census", available: true, err: errors.New("upstream down")}
	fallback := &stubProvider{name: "nominatim", available: true, result: exactResult(1, 2)}
	r := NewResolver(cache, primary, fallback)

	entry, err := r.Resolve(context.Background(), "123 Side St", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if entry.Provider != "nominatim" {
		t.Errorf("expected fallback result after primary error, got %s", entry.Provider)
	}
}

func TestResolveSkipsUnavailableProviders(t *testing.T) {
	cache := newMemCache()
	disabled := &stubProvider{name: "nominatim", available: false, result: exactResult(1, 2)}
	r := NewResolver(cache, disabled)

	entry, err := r.Resolve(context.Background(), "123 Side St", false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if disabled.calls != 0 {
		t.Error("unavailable provider was called")
	}
	if !entry.Failed() {
		t.Error("expected failed entry when no provider is available")
	}
}

func TestResolveExhaustedChainCachesNegative(t *testing.T) {
	cache := newMemCache()
	p := &stubProvider{name: "census", available: true, result: nil}
	r := NewResolver(cache, p)
	addr := "789 Ghost Rd"

	entry, err := r.Resolve(context.Background(), addr, false)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !entry.Failed() {
		t.Fatal("expected failed entry")
	}

	// The negative must stick: a second resolve never reaches the provider.
	if _, err := r.Resolve(context.Background(), addr, false); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("expected 1 provider call across both resolves, got %d", p.calls)
	}
}

func TestResolveBatchDedupsEquivalentAddresses(t *testing.T) {
	cache := newMemCache()
	p := &stubProvider{name: "census", available: true, result: exactResult(30.268, -97.743)}
	r := NewResolver(cache, p)

	addrs := []string{
		"600 Congress Ave, Austin, TX",
		"600  CONGRESS  AVE, Austin, TX", // normalizes identically
		"100 E 6th St, Austin, TX",
	}
	results, err := r.ResolveBatch(context.Background(), addrs)
	if err != nil {
		t.Fatalf("ResolveBatch failed: %v", err)
	}

	if p.calls != 2 {
		t.Errorf("expected 2 provider calls for 2 distinct addresses, got %d", p.calls)
	}
	if len(results) != 3 {
		t.Fatalf("expected results keyed by all 3 inputs, got %d", len(results))
	}
	if results[addrs[0]] != results[addrs[1]] {
		t.Error("equivalent addresses resolved to different entries")
	}
	if cache.writes != 1 {
		t.Errorf("expected one batched cache write, got %d", cache.writes)
	}
}

func TestResolveBatchMixesCachedAndFresh(t *testing.T) {
	cache := newMemCache()
	cachedAddr := "600 Congress Ave, Austin, TX"
	cache.entries[HashAddress(cachedAddr)] = &models.GeocodeEntry{
		AddressHash: HashAddress(cachedAddr),
		Provider:    "census",
		Quality:     models.QualityExact,
		ResolvedAt:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	p := &stubProvider{name: "census", available: true, result: exactResult(1, 2)}
	r := NewResolver(cache, p)

	results, err := r.ResolveBatch(context.Background(), []string{cachedAddr, "100 E 6th St"})
	if err != nil {
		t.Fatalf("ResolveBatch failed: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("expected provider call only for the miss, got %d", p.calls)
	}
	if results[cachedAddr].ResolvedAt.Year() != 2026 {
		t.Error("cached entry was not returned as-is")
	}
}

func TestResolveBatchFlushesResolvedOnError(t *testing.T) {
	cache := newMemCache()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First address resolves; a shutdown lands during the second.
	calls := 0
	p := &fnProvider{name: "census", fn: func(ctx context.Context, _ string) (*Result, error) {
		calls++
		if calls == 1 {
			return exactResult(30.268, -97.743), nil
		}
		cancel()
		return nil, ctx.Err()
	}}
	r := NewResolver(cache, p)

	addrs := []string{"600 Congress Ave, Austin, TX", "100 E 6th St, Austin, TX"}
	_, err := r.ResolveBatch(ctx, addrs)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected the cancellation to surface, got %v", err)
	}

	entry := cache.entries[HashAddress(addrs[0])]
	if entry == nil {
		t.Fatal("entry resolved before the failure was not persisted")
	}
	if entry.Failed() {
		t.Error("persisted entry lost its provider result")
	}
	if cache.writes != 1 {
		t.Errorf("expected one flush write, got %d", cache.writes)
	}
}
