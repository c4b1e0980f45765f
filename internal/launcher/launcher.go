// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package launcher starts ingestion runs as detached child processes so
// they survive the control-plane server restarting, and probes whether a
// previously launched run is still alive.
package launcher

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
)

// Handle identifies a launched run.
type Handle struct {
	PID  int
	Kind models.RunKind
}

// ProcessLauncher abstracts starting and probing detached runs. The exec
// implementation is swapped for a fake in API tests.
type ProcessLauncher interface {
	// Start launches a detached run of the given kind, appending its output
	// to logPath. The child must not die when the parent exits.
	Start(kind models.RunKind, logPath string) (*Handle, error)

	// IsAlive reports whether the process with the given pid still exists.
	IsAlive(pid string) bool
}

// ExecLauncher launches runs by re-invoking the current binary with the run
// subcommand in a new session, so the child is reparented to init rather
// than dying with the server.
type ExecLauncher struct {
	// Binary overrides the executable path. Empty means os.Executable().
	Binary string

	// Args precede the run kind on the child's command line, typically
	// config flags the server itself was started with.
	Args []string
}

// Start launches `<binary> <args...> <kind> --detached` with stdout and
// stderr appended to logPath.
func (l *ExecLauncher) Start(kind models.RunKind, logPath string) (*Handle, error) {
	binary := l.Binary
	if binary == "" {
		var err error
		binary, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
	}

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	args := append(append([]string{}, l.Args...), string(kind), "--detached")
	cmd := exec.Command(binary, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s run: %w", kind, err)
	}

	pid := cmd.Process.Pid
	// Detach: the child writes its own lock file and outlives us. Release
	// avoids leaving an unreaped zombie reference in this process.
	if err := cmd.Process.Release(); err != nil {
		logging.Warn().Err(err).Int("pid", pid).Msg("Failed to release launched process handle")
	}

	logging.Info().
		Str("kind", string(kind)).
		Int("pid", pid).
		Str("log", logPath).
		Msg("Launched detached run")
	return &Handle{PID: pid, Kind: kind}, nil
}

// IsAlive probes a pid with signal 0. EPERM means the process exists but is
// owned by someone else, which still counts as alive.
func (l *ExecLauncher) IsAlive(pid string) bool {
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
	return err == syscall.EPERM
}
