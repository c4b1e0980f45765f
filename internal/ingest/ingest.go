// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

/*
Package ingest drives the fetch/reconcile/checkpoint loop for forward and
backfill ingestion runs.

A run holds the advisory lock for its kind from start to finish, restores
its checkpoint if one survives a previous interruption, and then pages
through the external source in a fixed sort order, applying each record
through the reconciler sequentially. The checkpoint is written after every
completed page, and on shutdown it is advanced to the exact last-completed
record so a restart reprocesses nothing.

Record-level failures are counted against an error budget and otherwise
swallowed; crossing the budget aborts the run with the checkpoint preserved.
Backfill runs write to a staging copy of the store and promote it over
production only after a fully successful pass, so readers of production
never observe partial state.
*/
package ingest //nolint:staticcheck // File documentation, not package doc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tapline/tapline/internal/checkpoint"
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/fetch"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/metrics"
	"github.com/tapline/tapline/internal/models"
	"github.com/tapline/tapline/internal/reconcile"
)

// ErrInterrupted is returned when a run stops on an external shutdown
// signal. The checkpoint on disk points at the exact next record.
var ErrInterrupted = errors.New("run interrupted, checkpoint saved")

// ErrErrorBudgetExceeded is returned when record-level failures cross the
// configured ceiling. The run aborts with its checkpoint preserved.
var ErrErrorBudgetExceeded = errors.New("record error budget exceeded")

// PageFetcher is the slice of the fetch client the orchestrator needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, offset, limit int, window *fetch.DateWindow) ([]fetch.RawReceipt, error)
}

// ProductionStore is the production database surface for forward runs and
// backfill window computation.
type ProductionStore interface {
	reconcile.ReceiptStore
	EarliestObligationDate(ctx context.Context) (time.Time, bool, error)
	CountReceipts(ctx context.Context) (int, error)
}

// StagingStore is an open staging database a backfill run writes into.
type StagingStore interface {
	reconcile.ReceiptStore
	Close() error
}

// Staging prepares and promotes the staging copy used by backfill runs.
// The database-backed implementation is in staging.go; tests substitute an
// in-memory one.
type Staging interface {
	// Prepare returns an open staging store. When resume is true an existing
	// staging file is reused; otherwise it is recreated from production.
	// reused reports whether a surviving file was actually found — a resume
	// against a missing file falls back to a fresh copy and reports false.
	Prepare(resume bool) (staging StagingStore, reused bool, err error)

	// Promote atomically replaces production with the staging copy.
	Promote() error

	// Discard removes a leftover staging copy when an interrupted backfill
	// is abandoned instead of resumed.
	Discard() error
}

// Manager orchestrates ingestion runs. One Manager serves one process; runs
// of different kinds may not overlap with themselves, which the per-kind
// lock enforces.
type Manager struct {
	cfg         *config.Config
	fetcher     PageFetcher
	store       ProductionStore
	staging     Staging
	checkpoints *checkpoint.Store
	locks       *lockfile.Manager
	now         func() time.Time
}

// NewManager wires an ingestion orchestrator.
func NewManager(cfg *config.Config, fetcher PageFetcher, store ProductionStore, staging Staging,
	checkpoints *checkpoint.Store, locks *lockfile.Manager) *Manager {
	return &Manager{
		cfg:         cfg,
		fetcher:     fetcher,
		store:       store,
		staging:     staging,
		checkpoints: checkpoints,
		locks:       locks,
		now:         time.Now,
	}
}

// loadOrInitCheckpoint restores a surviving checkpoint for the kind or
// starts a fresh one.
func (m *Manager) loadOrInitCheckpoint(kind models.RunKind) (cp *models.Checkpoint, resumed bool, err error) {
	cp, ok, err := m.checkpoints.Load(kind)
	if err != nil {
		return nil, false, err
	}
	if ok {
		logging.Info().
			Str("kind", string(kind)).
			Int("offset", cp.Offset).
			Time("started_at", cp.StartedAt).
			Msg("Resuming from checkpoint")
		return cp, true, nil
	}
	return &models.Checkpoint{Kind: kind, StartedAt: m.now()}, false, nil
}

// runLoop pages through the source from cp.Offset, reconciling each record
// sequentially. cp is mutated as progress is made and persisted after every
// page; on interruption or abort it is persisted at the exact next record
// before the error is returned. estimatedTotal > 0 enables progress logging.
func (m *Manager) runLoop(ctx context.Context, cp *models.Checkpoint, rec *reconcile.Reconciler,
	window *fetch.DateWindow, estimatedTotal int) (models.RunCounts, error) {
	// counts covers this invocation only; cp.Total* stay cumulative across
	// resumes.
	var counts models.RunCounts
	pageSize := m.cfg.Source.PageSize
	for {
		if err := m.checkInterrupt(ctx, cp); err != nil {
			return counts, err
		}

		page, err := m.fetcher.FetchPage(ctx, cp.Offset, pageSize, window)
		if err != nil {
			// A shutdown signal arriving mid-fetch surfaces as a fetch error
			// wrapping the context cancellation; report it as an interrupt,
			// not a failure.
			if ctx.Err() != nil {
				return counts, m.checkInterrupt(ctx, cp)
			}
			m.saveCheckpoint(cp)
			return counts, fmt.Errorf("page fetch at offset %d failed: %w", cp.Offset, err)
		}

		for i := range page {
			if err := m.checkInterrupt(ctx, cp); err != nil {
				return counts, err
			}
			if err := m.applyRecord(ctx, cp, rec, &page[i], &counts); err != nil {
				return counts, err
			}
		}

		cp.LastBatchAt = m.now()
		if err := m.checkpoints.Save(cp); err != nil {
			return counts, fmt.Errorf("checkpoint save failed: %w", err)
		}
		m.logProgress(cp, len(page), estimatedTotal)

		if len(page) < pageSize {
			return counts, nil
		}
		if err := m.pause(ctx, cp); err != nil {
			return counts, err
		}
	}
}

// applyRecord reconciles one record and advances the checkpoint offset past
// it. A store failure is absorbed into the error budget; crossing the
// budget is fatal.
func (m *Manager) applyRecord(ctx context.Context, cp *models.Checkpoint, rec *reconcile.Reconciler,
	raw *fetch.RawReceipt, counts *models.RunCounts) error {
	outcome, err := rec.Reconcile(ctx, raw)
	cp.Offset++

	if err != nil {
		counts.Errors++
		cp.ErrorCount++
		metrics.RunErrorBudget.WithLabelValues(string(cp.Kind)).Set(float64(cp.ErrorCount))
		logging.Warn().Err(err).
			Int("offset", cp.Offset-1).
			Int("error_count", cp.ErrorCount).
			Msg("Record reconciliation failed")

		if cp.ErrorCount >= m.cfg.Ingest.ErrorBudget {
			m.saveCheckpoint(cp)
			return fmt.Errorf("%w: %d errors", ErrErrorBudgetExceeded, cp.ErrorCount)
		}
		return nil
	}

	switch outcome {
	case reconcile.Inserted:
		counts.Inserted++
		cp.TotalInserted++
	case reconcile.Modified:
		counts.Modified++
		cp.TotalModified++
	case reconcile.Unchanged:
		counts.Unchanged++
	case reconcile.Skipped:
		counts.Skipped++
	}
	return nil
}

// checkInterrupt persists the checkpoint and reports ErrInterrupted when
// the context has been cancelled. Called between pages and between records,
// never mid-record, so the saved offset always describes fully applied
// writes.
func (m *Manager) checkInterrupt(ctx context.Context, cp *models.Checkpoint) error {
	if ctx.Err() == nil {
		return nil
	}
	m.saveCheckpoint(cp)
	logging.Info().
		Str("kind", string(cp.Kind)).
		Int("offset", cp.Offset).
		Msg("Shutdown signal honored, checkpoint saved")
	return ErrInterrupted
}

// saveCheckpoint persists best-effort on error paths where the original
// error must win.
func (m *Manager) saveCheckpoint(cp *models.Checkpoint) {
	if err := m.checkpoints.Save(cp); err != nil {
		logging.Error().Err(err).Str("kind", string(cp.Kind)).Msg("Failed to save checkpoint")
	}
}

// pause waits the configured batch pause between pages, honoring shutdown.
func (m *Manager) pause(ctx context.Context, cp *models.Checkpoint) error {
	if m.cfg.Ingest.BatchPause <= 0 {
		return nil
	}
	select {
	case <-time.After(m.cfg.Ingest.BatchPause):
		return nil
	case <-ctx.Done():
		return m.checkInterrupt(ctx, cp)
	}
}

func (m *Manager) logProgress(cp *models.Checkpoint, pageLen, estimatedTotal int) {
	ev := logging.Info().
		Str("kind", string(cp.Kind)).
		Int("offset", cp.Offset).
		Int("page_records", pageLen).
		Int("inserted", cp.TotalInserted).
		Int("modified", cp.TotalModified).
		Int("errors", cp.ErrorCount)
	if estimatedTotal > 0 {
		pct := float64(cp.Offset) / float64(estimatedTotal) * 100
		if pct > 100 {
			pct = 100
		}
		ev = ev.Float64("progress_pct", pct)
	}
	ev.Msg("Page processed")
}

// finishRun records run metrics and translates loop errors into results.
func finishRun(kind models.RunKind, start time.Time, d time.Duration, counts models.RunCounts, err error) {
	result := "completed"
	switch {
	case errors.Is(err, ErrInterrupted):
		result = "interrupted"
	case err != nil:
		result = "aborted"
	}
	metrics.ObserveRun(string(kind), result, d)
	logging.Info().
		Str("kind", string(kind)).
		Str("result", result).
		Time("started_at", start).
		Int("inserted", counts.Inserted).
		Int("modified", counts.Modified).
		Int("unchanged", counts.Unchanged).
		Int("skipped", counts.Skipped).
		Int("errors", counts.Errors).
		Msg("Run finished")
}
