// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package ingest

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/tapline/tapline/internal/fetch"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
	"github.com/tapline/tapline/internal/reconcile"
)

// Backfill ingests a historical window into a staging copy of the store
// and promotes it over production only after the whole window succeeds.
// months <= 0 falls back to the configured default window length.
//
// On failure the staging copy and checkpoint are both preserved: the next
// invocation resumes the same window at the same offset against the same
// staging file, and production is untouched throughout.
//
// A successful Backfill closes the production store before promotion; the
// Manager must not run again in the same process afterwards.
func (m *Manager) Backfill(ctx context.Context, months int) (counts models.RunCounts, err error) {
	if months <= 0 {
		months = m.cfg.Ingest.BackfillMonths
	}

	lock, err := m.locks.Acquire(models.RunBackfill)
	if err != nil {
		return counts, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	cp, resumed, err := m.loadOrInitCheckpoint(models.RunBackfill)
	if err != nil {
		return counts, err
	}

	window, err := m.backfillWindow(ctx, cp, resumed, months)
	if err != nil {
		return counts, err
	}

	staging, reused, err := m.staging.Prepare(resumed)
	if err != nil {
		return counts, fmt.Errorf("failed to prepare staging store: %w", err)
	}
	if resumed && !reused {
		// The staging file the checkpoint described is gone; the fresh copy
		// holds none of the window records already counted as applied.
		// Restart the window from offset zero so nothing is skipped, keeping
		// the recorded window so the run fills the same range.
		logging.Warn().
			Str("kind", string(models.RunBackfill)).
			Int("discarded_offset", cp.Offset).
			Msg("Staging copy lost since checkpoint, restarting window from the beginning")
		cp.Offset = 0
		cp.TotalInserted = 0
		cp.TotalModified = 0
		cp.ErrorCount = 0
	}

	start := m.now()
	rec := reconcile.New(staging, m.cfg.Ingest.MonetaryEpsilon)
	counts, err = m.runLoop(ctx, cp, rec, window, months*m.cfg.Ingest.TypicalMonthVolume)

	if cerr := staging.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close staging store: %w", cerr)
	}
	finishRun(models.RunBackfill, cp.StartedAt, m.now().Sub(start), counts, err)
	if err != nil {
		// Staging file and checkpoint stay on disk for resume.
		return counts, err
	}

	// Promotion renames the staging file over the production file; release
	// the production handle first so its close cannot drop sidecar files
	// beside the promoted store afterwards.
	if closer, ok := m.store.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("Failed to close production store before promotion")
		}
	}

	if err := m.staging.Promote(); err != nil {
		return counts, fmt.Errorf("failed to promote staging store: %w", err)
	}
	if err := m.checkpoints.Clear(models.RunBackfill); err != nil {
		return counts, fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	return counts, nil
}

// ResetBackfill abandons an interrupted backfill: the surviving checkpoint
// and staging copy are both removed, so the next backfill starts a fresh
// window. Production is untouched. Refused while a backfill is running.
func (m *Manager) ResetBackfill() (err error) {
	lock, err := m.locks.Acquire(models.RunBackfill)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	if err := m.checkpoints.Clear(models.RunBackfill); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}
	if err := m.staging.Discard(); err != nil {
		return fmt.Errorf("failed to discard staging store: %w", err)
	}
	logging.Info().Msg("Interrupted backfill abandoned, staging and checkpoint removed")
	return nil
}

// backfillWindow returns the half-open date window the run fills. A resumed
// run reuses the window recorded in its checkpoint even if the store has
// since changed; a fresh run computes one ending at the earliest record
// already present and extending the requested number of months back.
func (m *Manager) backfillWindow(ctx context.Context, cp *models.Checkpoint, resumed bool, months int) (*fetch.DateWindow, error) {
	if resumed && cp.WindowStart != nil && cp.WindowEnd != nil {
		return &fetch.DateWindow{Start: *cp.WindowStart, End: *cp.WindowEnd}, nil
	}

	end, found, err := m.store.EarliestObligationDate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to determine backfill window: %w", err)
	}
	if !found {
		// Empty store: backfill up to the start of the current month.
		now := m.now().UTC()
		end = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	start := end.AddDate(0, -months, 0)

	cp.WindowStart = &start
	cp.WindowEnd = &end
	logging.Info().
		Time("window_start", start).
		Time("window_end", end).
		Int("months", months).
		Msg("Backfill window determined")
	return &fetch.DateWindow{Start: start, End: end}, nil
}
