// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package api

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/launcher"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
)

// Handler serves run trigger and status requests.
type Handler struct {
	cfg      *config.Config
	locks    *lockfile.Manager
	launcher launcher.ProcessLauncher
}

// NewHandler wires the control-plane handlers.
func NewHandler(cfg *config.Config, locks *lockfile.Manager, l launcher.ProcessLauncher) *Handler {
	return &Handler{cfg: cfg, locks: locks, launcher: l}
}

// RunStarted is the 202 payload for a successfully launched run.
type RunStarted struct {
	RunID   string    `json:"run_id"`
	Kind    string    `json:"kind"`
	PID     int       `json:"pid"`
	LogPath string    `json:"log_path"`
	At      time.Time `json:"at"`
}

// RunConflict is the 409 payload when a run of the kind is already live.
type RunConflict struct {
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	PID       string    `json:"pid"`
}

// RunStatus describes the observable state of a run kind. Running is the
// authoritative verdict; the remaining fields are the individual probes it
// was derived from so operators can diagnose disagreement, e.g. a lock file
// surviving a crashed process.
type RunStatus struct {
	Kind            string     `json:"kind"`
	Running         bool       `json:"running"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	PID             string     `json:"pid,omitempty"`
	LockPresent     bool       `json:"lock_present"`
	ProcessDetected bool       `json:"process_detected"`
	LogTail         []string   `json:"log_tail"`
}

func (h *Handler) runKind(w http.ResponseWriter, r *http.Request) (models.RunKind, bool) {
	kind, err := models.ParseRunKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown_run_kind", err.Error(), nil)
		return "", false
	}
	return kind, true
}

func (h *Handler) runLogPath(kind models.RunKind) string {
	return filepath.Join(h.cfg.Ingest.RunDir, string(kind)+".log")
}

// StartRun launches a detached run of the requested kind. A live lock for
// the kind yields a structured 409 carrying the holder's start time and pid.
func (h *Handler) StartRun(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.runKind(w, r)
	if !ok {
		return
	}

	info, exists, alive, err := h.locks.Inspect(kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lock_inspect_failed", err.Error(), nil)
		return
	}
	if exists && alive {
		writeError(w, http.StatusConflict, "already_running",
			"a run of this kind is already in progress",
			RunConflict{Kind: string(kind), StartedAt: info.StartedAt, PID: info.PID})
		return
	}

	handle, err := h.launcher.Start(kind, h.runLogPath(kind))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "launch_failed", err.Error(), nil)
		return
	}

	runID := uuid.NewString()
	logging.Info().
		Str("run_id", runID).
		Str("kind", string(kind)).
		Int("pid", handle.PID).
		Msg("Run launched via API")
	writeJSON(w, http.StatusAccepted, RunStarted{
		RunID:   runID,
		Kind:    string(kind),
		PID:     handle.PID,
		LogPath: h.runLogPath(kind),
		At:      time.Now().UTC(),
	})
}

// RunStatusHandler reports whether a run of the kind is live, combining the
// lock file, a liveness probe of its recorded pid, and the tail of its log.
func (h *Handler) RunStatusHandler(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.runKind(w, r)
	if !ok {
		return
	}

	info, exists, alive, err := h.locks.Inspect(kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lock_inspect_failed", err.Error(), nil)
		return
	}

	status := RunStatus{
		Kind:        string(kind),
		Running:     exists && alive,
		LockPresent: exists,
	}
	if exists {
		status.StartedAt = &info.StartedAt
		status.PID = info.PID
		status.ProcessDetected = h.launcher.IsAlive(info.PID)
	}

	tail, err := launcher.TailLog(h.runLogPath(kind), h.cfg.Server.LogTailLines)
	if err != nil {
		logging.Warn().Err(err).Str("kind", string(kind)).Msg("Failed to tail run log")
	}
	if tail == nil {
		tail = []string{}
	}
	status.LogTail = tail

	writeJSON(w, http.StatusOK, status)
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
