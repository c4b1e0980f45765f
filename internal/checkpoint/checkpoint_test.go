// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapline/tapline/internal/models"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	started := time.Date(2026, 8, 1, 4, 15, 0, 0, time.UTC)
	windowStart := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	windowEnd := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	cp := &models.Checkpoint{
		Kind:          models.RunBackfill,
		Offset:        4200,
		TotalInserted: 4100,
		TotalModified: 37,
		ErrorCount:    3,
		StartedAt:     started,
		LastBatchAt:   started.Add(10 * time.Minute),
		WindowStart:   &windowStart,
		WindowEnd:     &windowEnd,
	}

	if err := s.Save(cp); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, ok, err := s.Load(models.RunBackfill)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok {
		t.Fatal("Load reported no checkpoint after Save")
	}

	if loaded.Offset != cp.Offset {
		t.Errorf("offset = %d, expected %d", loaded.Offset, cp.Offset)
	}
	if loaded.TotalInserted != cp.TotalInserted || loaded.TotalModified != cp.TotalModified {
		t.Errorf("counters = (%d, %d), expected (%d, %d)",
			loaded.TotalInserted, loaded.TotalModified, cp.TotalInserted, cp.TotalModified)
	}
	if loaded.WindowStart == nil || !loaded.WindowStart.Equal(windowStart) {
		t.Errorf("window start = %v, expected %v", loaded.WindowStart, windowStart)
	}
	if loaded.WindowEnd == nil || !loaded.WindowEnd.Equal(windowEnd) {
		t.Errorf("window end = %v, expected %v", loaded.WindowEnd, windowEnd)
	}
}

func TestLoadMissingCheckpoint(t *testing.T) {
	s := NewStore(t.TempDir())

	cp, ok, err := s.Load(models.RunForward)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if ok || cp != nil {
		t.Errorf("Load = (%v, %v), expected no checkpoint", cp, ok)
	}
}

func TestLoadKindMismatch(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	if err := s.Save(&models.Checkpoint{Kind: models.RunForward, Offset: 10, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// Copy the forward checkpoint over the backfill path to simulate an
	// operator mixing up files.
	data, err := os.ReadFile(filepath.Join(dir, "forward.checkpoint.json"))
	if err != nil {
		t.Fatalf("read checkpoint: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "backfill.checkpoint.json"), data, 0o640); err != nil {
		t.Fatalf("write mismatched checkpoint: %v", err)
	}

	if _, _, err := s.Load(models.RunBackfill); err == nil {
		t.Error("Load accepted a checkpoint recorded for a different run kind")
	}
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)

	for offset := 100; offset <= 300; offset += 100 {
		cp := &models.Checkpoint{Kind: models.RunForward, Offset: offset, StartedAt: time.Now()}
		if err := s.Save(cp); err != nil {
			t.Fatalf("Save(offset=%d) failed: %v", offset, err)
		}
	}

	loaded, ok, err := s.Load(models.RunForward)
	if err != nil || !ok {
		t.Fatalf("Load = (ok=%v, err=%v)", ok, err)
	}
	if loaded.Offset != 300 {
		t.Errorf("offset = %d, expected latest save 300", loaded.Offset)
	}

	// No temp file may be left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("stray temp file left behind: %s", e.Name())
		}
	}
}

func TestClear(t *testing.T) {
	s := NewStore(t.TempDir())

	if err := s.Save(&models.Checkpoint{Kind: models.RunForward, Offset: 5, StartedAt: time.Now()}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.Clear(models.RunForward); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if _, ok, _ := s.Load(models.RunForward); ok {
		t.Error("checkpoint still present after Clear")
	}

	// Clearing again must not fail.
	if err := s.Clear(models.RunForward); err != nil {
		t.Fatalf("second Clear failed: %v", err)
	}
}
