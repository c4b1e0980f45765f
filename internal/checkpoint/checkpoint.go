// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package checkpoint persists run progress so an interrupted ingestion
// resumes from the exact ordinal position it stopped at, without
// re-downloading or re-writing completed work.
//
// Checkpoints are written after every successfully processed batch (and on
// graceful shutdown), deleted on full completion, and preserved on any abort.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/models"
)

// Store reads and writes one checkpoint file per run kind under a directory.
type Store struct {
	dir string
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(kind models.RunKind) string {
	return filepath.Join(s.dir, string(kind)+".checkpoint.json")
}

// Load returns the persisted checkpoint for a run kind. The second return
// value is false when no checkpoint exists (nothing to resume).
func (s *Store) Load(kind models.RunKind) (*models.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(kind)) //nolint:gosec // path is derived from config
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, false, fmt.Errorf("failed to parse checkpoint %s: %w", s.path(kind), err)
	}
	if cp.Kind != kind {
		return nil, false, fmt.Errorf("checkpoint kind mismatch: file says %q, expected %q", cp.Kind, kind)
	}
	return &cp, true, nil
}

// Save durably persists a checkpoint. The write goes to a temp file in the
// same directory followed by a rename, so a crash mid-write never leaves a
// half-written checkpoint behind.
func (s *Store) Save(cp *models.Checkpoint) error {
	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory %s: %w", s.dir, err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	path := s.path(cp.Kind)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("failed to write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace checkpoint %s: %w", path, err)
	}
	return nil
}

// Clear removes the checkpoint for a run kind. Called only after a fully
// successful run; clearing an absent checkpoint is not an error.
func (s *Store) Clear(kind models.RunKind) error {
	if err := os.Remove(s.path(kind)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove checkpoint: %w", err)
	}
	return nil
}
