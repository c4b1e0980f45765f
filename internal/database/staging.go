// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package database

import (
	"fmt"
	"io"
	"os"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
)

// PrepareStaging creates (or reuses) the staging copy of the store and opens
// it for writing. Backfill runs write exclusively to this copy so read-only
// consumers of production are never blocked by the single-writer constraint
// and never observe partial state.
//
// When resuming an interrupted backfill the existing staging file is reused
// as-is; its contents match the preserved checkpoint. A fresh run copies the
// current production file so the staging store starts from the same state
// readers see.
//
// The reused result reports whether a surviving staging copy was actually
// found. A resume request against a missing staging file falls back to a
// fresh copy and returns reused=false; the caller must then restart its
// window from the beginning, because a checkpoint offset describes records
// applied to the lost file, not to the fresh one.
func PrepareStaging(cfg *config.DatabaseConfig, resume bool) (db *DB, reused bool, err error) {
	if resume {
		if _, err := os.Stat(cfg.StagingPath); err == nil {
			logging.Info().Str("path", cfg.StagingPath).Msg("Reusing staging store from interrupted backfill")
			db, err := Open(cfg, cfg.StagingPath)
			return db, true, err
		}
		logging.Warn().Str("path", cfg.StagingPath).Msg("Checkpoint present but staging store missing, starting staging fresh")
	}

	if err := copyFile(cfg.Path, cfg.StagingPath); err != nil {
		return nil, false, fmt.Errorf("failed to create staging copy: %w", err)
	}
	db, err = Open(cfg, cfg.StagingPath)
	return db, false, err
}

// PromoteStaging atomically replaces the production store with the staging
// copy. The previous production file is kept as a .bak until the swap fully
// succeeds; on any failure production is left in its last-known-good state
// and the staging file is preserved for inspection.
//
// The staging DB handle must be closed before calling this.
func PromoteStaging(cfg *config.DatabaseConfig) error {
	backupPath := cfg.Path + ".bak"

	// Production may not exist on a first-ever backfill.
	prodExists := true
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		prodExists = false
	}

	if prodExists {
		if err := os.Rename(cfg.Path, backupPath); err != nil {
			return fmt.Errorf("failed to move production store aside: %w", err)
		}
	}

	if err := os.Rename(cfg.StagingPath, cfg.Path); err != nil {
		// Roll the backup straight back; staging is untouched.
		if prodExists {
			if rbErr := os.Rename(backupPath, cfg.Path); rbErr != nil {
				return fmt.Errorf("swap failed (%w) and rollback failed: %v; production preserved at %s",
					err, rbErr, backupPath)
			}
		}
		return fmt.Errorf("failed to promote staging store: %w", err)
	}

	if prodExists {
		if err := os.Remove(backupPath); err != nil {
			logging.Warn().Err(err).Str("path", backupPath).Msg("Failed to remove pre-swap backup")
		}
	}

	// DuckDB leaves a WAL alongside the data file; a stale production WAL
	// must not be replayed against the promoted store.
	removeSidecar(cfg.Path + ".wal")
	removeSidecar(cfg.StagingPath + ".wal")

	logging.Info().Str("path", cfg.Path).Msg("Staging store promoted to production")
	return nil
}

// DiscardStaging removes a leftover staging copy when the operator abandons
// an interrupted backfill instead of resuming it. Promotion never leaves a
// staging file behind, and a freshly failed backfill keeps its file for
// resume, so this only runs on an explicit reset.
func DiscardStaging(cfg *config.DatabaseConfig) error {
	if err := os.Remove(cfg.StagingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staging store: %w", err)
	}
	removeSidecar(cfg.StagingPath + ".wal")
	return nil
}

func removeSidecar(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Err(err).Str("path", path).Msg("Failed to remove sidecar file")
	}
}

// copyFile copies src to dst, truncating dst. A missing src (first-ever run)
// results in dst being absent so Open creates a fresh store.
func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // path is derived from config
	if os.IsNotExist(err) {
		if rmErr := os.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
			return rmErr
		}
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640) //nolint:gosec // path is derived from config
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
