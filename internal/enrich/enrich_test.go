// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package enrich

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tapline/tapline/internal/checkpoint"
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/models"
)

type memEnrichmentStore struct {
	rows    map[string]*models.VenueEnrichment
	upserts int
}

func newMemEnrichmentStore() *memEnrichmentStore {
	return &memEnrichmentStore{rows: make(map[string]*models.VenueEnrichment)}
}

func (s *memEnrichmentStore) GetEnrichment(_ context.Context, permit string) (*models.VenueEnrichment, error) {
	return s.rows[permit], nil
}

func (s *memEnrichmentStore) UpsertEnrichment(_ context.Context, e *models.VenueEnrichment) error {
	s.upserts++
	cp := *e
	s.rows[e.PermitNumber] = &cp
	return nil
}

func newTestSyncer(t *testing.T, feed string, store EnrichmentStore) (*Syncer, *checkpoint.Store) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "suggestions.jsonl")
	if err := os.WriteFile(path, []byte(feed), 0o640); err != nil {
		t.Fatalf("failed to write feed: %v", err)
	}

	cfg := &config.Config{}
	cfg.Enrich.FeedPath = path
	cfg.Ingest.ErrorBudget = 5

	cps := checkpoint.NewStore(dir)
	return NewSyncer(cfg, store, cps, lockfile.NewManager(dir)), cps
}

func TestSyncAppliesSuggestions(t *testing.T) {
	feed := `{"permit_number":"MB944126","clean_name":"The Amber Room","segment":"cocktail_bar"}
{"permit_number":"MB100001","clean_name":"Sixth Street Taproom","ownership_group":"Amber Hospitality"}
`
	store := newMemEnrichmentStore()
	s, cps := newTestSyncer(t, feed, store)

	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.Inserted != 2 {
		t.Fatalf("expected 2 inserts, got %+v", counts)
	}

	row := store.rows["MB944126"]
	if row == nil || row.CleanName == nil || *row.CleanName != "The Amber Room" {
		t.Errorf("unexpected row: %+v", row)
	}
	if row.Segment == nil || *row.Segment != "cocktail_bar" {
		t.Errorf("segment not applied: %+v", row)
	}
	if _, ok, _ := cps.Load(models.RunEnrich); ok {
		t.Error("checkpoint survived a successful sync")
	}
}

func TestSyncUnchangedSuggestionWritesNothing(t *testing.T) {
	feed := `{"permit_number":"MB944126","clean_name":"The Amber Room"}
`
	store := newMemEnrichmentStore()
	name := "The Amber Room"
	store.rows["MB944126"] = &models.VenueEnrichment{PermitNumber: "MB944126", CleanName: &name}
	s, _ := newTestSyncer(t, feed, store)

	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.Unchanged != 1 {
		t.Fatalf("expected 1 unchanged, got %+v", counts)
	}
	if store.upserts != 0 {
		t.Errorf("matching suggestion still wrote %d times", store.upserts)
	}
}

func TestSyncPartialSuggestionPreservesOtherFields(t *testing.T) {
	feed := `{"permit_number":"MB944126","segment":"nightclub"}
`
	store := newMemEnrichmentStore()
	name := "The Amber Room"
	group := "Amber Hospitality"
	store.rows["MB944126"] = &models.VenueEnrichment{
		PermitNumber:   "MB944126",
		CleanName:      &name,
		OwnershipGroup: &group,
	}
	s, _ := newTestSyncer(t, feed, store)

	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.Modified != 1 {
		t.Fatalf("expected 1 modified, got %+v", counts)
	}

	row := store.rows["MB944126"]
	if row.Segment == nil || *row.Segment != "nightclub" {
		t.Errorf("segment not updated: %+v", row)
	}
	if row.CleanName == nil || *row.CleanName != name {
		t.Error("absent field cleared the stored clean name")
	}
	if row.OwnershipGroup == nil || *row.OwnershipGroup != group {
		t.Error("absent field cleared the stored ownership group")
	}
}

func TestSyncSkipsMalformedLines(t *testing.T) {
	feed := `not json at all
{"clean_name":"missing permit"}
{"permit_number":"MB944126","clean_name":"The Amber Room"}
`
	store := newMemEnrichmentStore()
	s, _ := newTestSyncer(t, feed, store)

	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.Skipped != 2 || counts.Inserted != 1 {
		t.Fatalf("expected 2 skipped / 1 inserted, got %+v", counts)
	}
}

func TestSyncResumesFromLineOffset(t *testing.T) {
	feed := `{"permit_number":"MB000001","clean_name":"One"}
{"permit_number":"MB000002","clean_name":"Two"}
{"permit_number":"MB000003","clean_name":"Three"}
`
	store := newMemEnrichmentStore()
	s, cps := newTestSyncer(t, feed, store)

	// Simulate a previous run that applied the first two lines.
	saved := &models.Checkpoint{Kind: models.RunEnrich, Offset: 2}
	if err := cps.Save(saved); err != nil {
		t.Fatalf("failed to seed checkpoint: %v", err)
	}

	counts, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if counts.Inserted != 1 {
		t.Fatalf("expected only the third line applied, got %+v", counts)
	}
	if _, ok := store.rows["MB000001"]; ok {
		t.Error("already-applied line was reprocessed")
	}
	if _, ok := store.rows["MB000003"]; !ok {
		t.Error("remaining line was not applied")
	}
}

func TestSyncRefusedWhileLockHeld(t *testing.T) {
	store := newMemEnrichmentStore()
	s, _ := newTestSyncer(t, "", store)

	lock, err := s.locks.Acquire(models.RunEnrich)
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	if _, err := s.Run(context.Background()); err == nil {
		t.Fatal("expected refusal while lock held")
	}
}
