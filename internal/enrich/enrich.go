// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package enrich syncs AI-assisted venue classification suggestions from a
// JSONL feed into the enrichment table. It shares the pipeline's lock and
// checkpoint discipline: one run at a time, resumable by feed line offset,
// and no write when a suggestion matches what is already stored.
package enrich

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/checkpoint"
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/models"
)

// maxSuggestionLine bounds one feed line. Suggestions are short; a line
// this long is a malformed feed, not data.
const maxSuggestionLine = 1 << 20

// Suggestion is one line of the classification feed.
type Suggestion struct {
	PermitNumber   string  `json:"permit_number"`
	CleanName      *string `json:"clean_name,omitempty"`
	OwnershipGroup *string `json:"ownership_group,omitempty"`
	Segment        *string `json:"segment,omitempty"`
	Notes          *string `json:"notes,omitempty"`
}

// EnrichmentStore is the persistence surface the syncer needs. *database.DB
// satisfies it.
type EnrichmentStore interface {
	GetEnrichment(ctx context.Context, permitNumber string) (*models.VenueEnrichment, error)
	UpsertEnrichment(ctx context.Context, e *models.VenueEnrichment) error
}

// Syncer applies the suggestions feed to the enrichment table.
type Syncer struct {
	cfg         *config.Config
	store       EnrichmentStore
	checkpoints *checkpoint.Store
	locks       *lockfile.Manager
	now         func() time.Time
}

// NewSyncer wires the enrichment sync.
func NewSyncer(cfg *config.Config, store EnrichmentStore, checkpoints *checkpoint.Store, locks *lockfile.Manager) *Syncer {
	return &Syncer{
		cfg:         cfg,
		store:       store,
		checkpoints: checkpoints,
		locks:       locks,
		now:         time.Now,
	}
}

// Run streams the feed line by line, skipping lines already applied by a
// previous interrupted run. The checkpoint offset counts feed lines. On
// full success the checkpoint is cleared.
func (s *Syncer) Run(ctx context.Context) (counts models.RunCounts, err error) {
	lock, err := s.locks.Acquire(models.RunEnrich)
	if err != nil {
		return counts, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	cp, ok, err := s.checkpoints.Load(models.RunEnrich)
	if err != nil {
		return counts, err
	}
	if !ok {
		cp = &models.Checkpoint{Kind: models.RunEnrich, StartedAt: s.now()}
	} else {
		logging.Info().Int("line", cp.Offset).Msg("Resuming enrichment sync from checkpoint")
	}

	start := s.now()
	counts, err = s.applyFeed(ctx, cp)

	result := "completed"
	switch {
	case errors.Is(err, context.Canceled):
		result = "interrupted"
	case err != nil:
		result = "aborted"
	}
	metrics.ObserveRun(string(models.RunEnrich), result, s.now().Sub(start))
	if err != nil {
		s.saveCheckpoint(cp)
		return counts, err
	}

	if err := s.checkpoints.Clear(models.RunEnrich); err != nil {
		return counts, fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	logging.Info().
		Int("applied", counts.Inserted+counts.Modified).
		Int("unchanged", counts.Unchanged).
		Int("skipped", counts.Skipped).
		Msg("Enrichment sync complete")
	return counts, nil
}

func (s *Syncer) applyFeed(ctx context.Context, cp *models.Checkpoint) (counts models.RunCounts, err error) {
	f, err := os.Open(s.cfg.Enrich.FeedPath)
	if err != nil {
		return counts, fmt.Errorf("failed to open suggestions feed: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxSuggestionLine)

	line := 0
	for scanner.Scan() {
		line++
		if line <= cp.Offset {
			continue // already applied by a previous run
		}
		if ctx.Err() != nil {
			return counts, ctx.Err()
		}

		outcome, err := s.applySuggestion(ctx, scanner.Bytes())
		if err != nil {
			counts.Errors++
			cp.ErrorCount++
			logging.Warn().Err(err).Int("line", line).Msg("Suggestion failed")
			if cp.ErrorCount >= s.cfg.Ingest.ErrorBudget {
				cp.Offset = line
				return counts, fmt.Errorf("suggestion error budget exceeded at line %d", line)
			}
		} else {
			switch outcome {
			case applied:
				counts.Modified++
				cp.TotalModified++
			case inserted:
				counts.Inserted++
				cp.TotalInserted++
			case unchanged:
				counts.Unchanged++
			case skipped:
				counts.Skipped++
			}
		}
		cp.Offset = line
		cp.LastBatchAt = s.now()
	}
	if err := scanner.Err(); err != nil {
		return counts, fmt.Errorf("failed to read suggestions feed: %w", err)
	}
	return counts, nil
}

type suggestionOutcome int

const (
	inserted suggestionOutcome = iota
	applied
	unchanged
	skipped
)

// applySuggestion writes one suggestion if it changes anything. A
// suggestion that only omits fields never clears stored values.
func (s *Syncer) applySuggestion(ctx context.Context, raw []byte) (suggestionOutcome, error) {
	var sg Suggestion
	if err := json.Unmarshal(raw, &sg); err != nil {
		logging.Debug().Err(err).Msg("Unparseable suggestion line")
		return skipped, nil
	}
	if sg.PermitNumber == "" {
		return skipped, nil
	}

	existing, err := s.store.GetEnrichment(ctx, sg.PermitNumber)
	if err != nil {
		return 0, err
	}

	next := merge(existing, &sg)
	if existing != nil && equalEnrichment(existing, next) {
		return unchanged, nil
	}

	next.UpdatedAt = s.now().UTC()
	if err := s.store.UpsertEnrichment(ctx, next); err != nil {
		return 0, err
	}
	if existing == nil {
		return inserted, nil
	}
	return applied, nil
}

// merge overlays present suggestion fields onto the existing row.
func merge(existing *models.VenueEnrichment, sg *Suggestion) *models.VenueEnrichment {
	next := &models.VenueEnrichment{PermitNumber: sg.PermitNumber}
	if existing != nil {
		next.CleanName = existing.CleanName
		next.OwnershipGroup = existing.OwnershipGroup
		next.Segment = existing.Segment
		next.Notes = existing.Notes
	}
	if sg.CleanName != nil {
		next.CleanName = sg.CleanName
	}
	if sg.OwnershipGroup != nil {
		next.OwnershipGroup = sg.OwnershipGroup
	}
	if sg.Segment != nil {
		next.Segment = sg.Segment
	}
	if sg.Notes != nil {
		next.Notes = sg.Notes
	}
	return next
}

func equalEnrichment(a, b *models.VenueEnrichment) bool {
	return equalStrPtr(a.CleanName, b.CleanName) &&
		equalStrPtr(a.OwnershipGroup, b.OwnershipGroup) &&
		equalStrPtr(a.Segment, b.Segment) &&
		equalStrPtr(a.Notes, b.Notes)
}

func equalStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Syncer) saveCheckpoint(cp *models.Checkpoint) {
	if err := s.checkpoints.Save(cp); err != nil {
		logging.Error().Err(err).Msg("Failed to save enrichment checkpoint")
	}
}
