// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package ingest

import (
	"context"
	"fmt"

	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
	"github.com/tapline/tapline/internal/reconcile"
)

// Forward runs incremental ingestion of the newest data directly against
// the production store. On full success the checkpoint is deleted; on any
// abort or interruption it is preserved for the next invocation to resume.
func (m *Manager) Forward(ctx context.Context) (counts models.RunCounts, err error) {
	lock, err := m.locks.Acquire(models.RunForward)
	if err != nil {
		return counts, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	cp, _, err := m.loadOrInitCheckpoint(models.RunForward)
	if err != nil {
		return counts, err
	}

	start := m.now()
	rec := reconcile.New(m.store, m.cfg.Ingest.MonetaryEpsilon)
	counts, err = m.runLoop(ctx, cp, rec, nil, 0)
	finishRun(models.RunForward, cp.StartedAt, m.now().Sub(start), counts, err)
	if err != nil {
		return counts, err
	}

	if err := m.checkpoints.Clear(models.RunForward); err != nil {
		return counts, fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	if total, cerr := m.store.CountReceipts(ctx); cerr == nil {
		logging.Info().Int("store_receipts", total).Msg("Production store size after run")
	}
	return counts, nil
}
