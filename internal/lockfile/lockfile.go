// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package lockfile implements advisory cross-process mutual exclusion for
// ingestion runs. One lock file exists per run kind; a lock whose pid is not
// a running process is stale and is reclaimed with a warning.
//
// The lock is cooperative, not OS-enforced. Every writer entry point (CLI
// commands, the remote trigger endpoint, the cron scheduler) must acquire it
// before touching the store.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
)

// AlreadyRunningError is returned by Acquire when a live lock for the same
// run kind is held by another process. It carries the holder's recorded
// start time and pid so the control plane can surface a structured
// "already running since T" conflict.
type AlreadyRunningError struct {
	Kind models.RunKind
	Info models.LockInfo
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s run already running since %s (pid %s)",
		e.Kind, e.Info.StartedAt.Format(time.RFC3339), e.Info.PID)
}

// Manager creates and inspects lock files under a single run directory.
type Manager struct {
	dir string

	// pidAlive is replaceable for tests; defaults to a kill(pid, 0) probe.
	pidAlive func(pid string) bool
}

// NewManager returns a Manager storing lock files under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir, pidAlive: pidAlive}
}

// Lock is a held advisory lock. Release removes the lock file.
type Lock struct {
	kind models.RunKind
	path string
}

// Path returns the lock file location, mainly for logging.
func (l *Lock) Path() string { return l.path }

func (m *Manager) lockPath(kind models.RunKind) string {
	return filepath.Join(m.dir, string(kind)+".lock")
}

// Acquire takes the lock for the given run kind.
//
// If a lock file exists and its pid is a running process, Acquire fails with
// *AlreadyRunningError and never overwrites the lock. If the pid is dead the
// stale lock is discarded with a warning and acquisition proceeds.
func (m *Manager) Acquire(kind models.RunKind) (*Lock, error) {
	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create run directory %s: %w", m.dir, err)
	}

	path := m.lockPath(kind)

	for attempt := 0; attempt < 2; attempt++ {
		if err := m.checkExisting(kind, path); err != nil {
			return nil, err
		}

		info := models.LockInfo{
			StartedAt: time.Now().UTC(),
			PID:       strconv.Itoa(os.Getpid()),
		}

		err := writeExclusive(path, info)
		if err == nil {
			logging.Debug().Str("kind", string(kind)).Str("path", path).Msg("Lock acquired")
			return &Lock{kind: kind, path: path}, nil
		}
		// Lost a race with another starter: re-check who holds it now.
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}

	return nil, fmt.Errorf("failed to acquire %s lock: contended", kind)
}

// checkExisting inspects an existing lock file, failing on a live holder and
// removing a stale one.
func (m *Manager) checkExisting(kind models.RunKind, path string) error {
	info, ok, err := readLockFile(path)
	if err != nil {
		// An unparseable lock file is treated as stale: a crashed writer may
		// have left a truncated file behind.
		logging.Warn().Err(err).Str("path", path).Msg("Removing unreadable lock file")
		return removeLockFile(path)
	}
	if !ok {
		return nil
	}

	if m.pidAlive(info.PID) {
		return &AlreadyRunningError{Kind: kind, Info: *info}
	}

	logging.Warn().
		Str("kind", string(kind)).
		Str("pid", info.PID).
		Time("started_at", info.StartedAt).
		Msg("Reclaiming stale lock from dead process")
	return removeLockFile(path)
}

// Inspect reports the current lock state for a run kind without acquiring.
// The second return value is false when no lock file exists. Liveness of the
// recorded pid is reported separately because a lock file can outlive its
// process.
func (m *Manager) Inspect(kind models.RunKind) (info *models.LockInfo, exists bool, alive bool, err error) {
	info, exists, err = readLockFile(m.lockPath(kind))
	if err != nil || !exists {
		return nil, false, false, err
	}
	return info, true, m.pidAlive(info.PID), nil
}

// Release removes the lock file. Releasing an already-removed lock is not an
// error so deferred cleanup is safe after a crash handler already ran.
func (l *Lock) Release() error {
	if err := removeLockFile(l.path); err != nil {
		return err
	}
	logging.Debug().Str("kind", string(l.kind)).Msg("Lock released")
	return nil
}

func readLockFile(path string) (*models.LockInfo, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from config
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read lock file %s: %w", path, err)
	}

	var info models.LockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, false, fmt.Errorf("failed to parse lock file %s: %w", path, err)
	}
	return &info, true, nil
}

// writeExclusive creates the lock file with O_EXCL so two concurrent
// acquirers cannot both succeed.
func writeExclusive(path string, info models.LockInfo) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec // path is derived from config
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to marshal lock info: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("failed to write lock info: %w", err)
	}
	return f.Close()
}

func removeLockFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", path, err)
	}
	return nil
}

// pidAlive reports whether pid names a running process, using a null signal.
// A non-numeric pid is never alive.
func pidAlive(pid string) bool {
	n, err := strconv.Atoi(pid)
	if err != nil || n <= 0 {
		return false
	}

	proc, err := os.FindProcess(n)
	if err != nil {
		return false
	}

	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to another user.
	return errors.Is(err, syscall.EPERM)
}
