// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/launcher"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/models"
)

// fakeLauncher records launches instead of spawning processes.
type fakeLauncher struct {
	started []models.RunKind
	pid     int
	failErr error
	alive   map[string]bool
}

func (l *fakeLauncher) Start(kind models.RunKind, _ string) (*launcher.Handle, error) {
	if l.failErr != nil {
		return nil, l.failErr
	}
	l.started = append(l.started, kind)
	return &launcher.Handle{PID: l.pid, Kind: kind}, nil
}

func (l *fakeLauncher) IsAlive(pid string) bool { return l.alive[pid] }

func newTestServer(t *testing.T, fl *fakeLauncher) (*httptest.Server, *config.Config, *lockfile.Manager) {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Ingest.RunDir = dir
	cfg.Server.Timeout = 10 * time.Second
	cfg.Server.TriggerRequestsPerMinute = 100
	cfg.Server.LogTailLines = 10

	locks := lockfile.NewManager(dir)
	h := NewHandler(cfg, locks, fl)
	srv := httptest.NewServer(NewRouter(&cfg.Server, h))
	t.Cleanup(srv.Close)
	return srv, cfg, locks
}

func decodeResponse(t *testing.T, resp *http.Response) APIResponse {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var out APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

func reencode(t *testing.T, data any, into any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("re-marshal failed: %v", err)
	}
	if err := json.Unmarshal(raw, into); err != nil {
		t.Fatalf("re-unmarshal failed: %v", err)
	}
}

func TestStartRunLaunchesDetached(t *testing.T) {
	fl := &fakeLauncher{pid: 4242}
	srv, _, _ := newTestServer(t, fl)

	resp, err := http.Post(srv.URL+"/api/v1/runs/forward/start", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	body := decodeResponse(t, resp)
	if !body.Success {
		t.Fatal("expected success envelope")
	}
	var started RunStarted
	reencode(t, body.Data, &started)
	if started.Kind != "forward" || started.PID != 4242 {
		t.Errorf("unexpected payload: %+v", started)
	}
	if started.RunID == "" {
		t.Error("expected a correlation run_id")
	}
	if len(fl.started) != 1 || fl.started[0] != models.RunForward {
		t.Errorf("unexpected launches: %v", fl.started)
	}
}

func TestStartRunConflictWhenLive(t *testing.T) {
	fl := &fakeLauncher{pid: 4242}
	srv, _, locks := newTestServer(t, fl)

	lock, err := locks.Acquire(models.RunForward)
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	resp, err := http.Post(srv.URL+"/api/v1/runs/forward/start", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}

	body := decodeResponse(t, resp)
	if body.Success || body.Error == nil {
		t.Fatal("expected error envelope")
	}
	if body.Error.Code != "already_running" {
		t.Errorf("error code = %s", body.Error.Code)
	}
	var conflict RunConflict
	reencode(t, body.Error.Details, &conflict)
	if conflict.PID == "" || conflict.StartedAt.IsZero() {
		t.Errorf("conflict details missing holder info: %+v", conflict)
	}
	if len(fl.started) != 0 {
		t.Error("conflicting request still launched a run")
	}
}

func TestStartRunReclaimsStaleLock(t *testing.T) {
	fl := &fakeLauncher{pid: 4242}
	srv, cfg, _ := newTestServer(t, fl)

	// A lock left behind by a dead process must not block a new launch.
	stale := filepath.Join(cfg.Ingest.RunDir, "forward.lock")
	payload := `{"started_at":"2026-08-29T04:15:00Z","pid":"999999999"}`
	if err := os.WriteFile(stale, []byte(payload), 0o640); err != nil {
		t.Fatalf("failed to plant stale lock: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/runs/forward/start", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 past a stale lock", resp.StatusCode)
	}
}

func TestStartRunUnknownKind(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	resp, err := http.Post(srv.URL+"/api/v1/runs/bogus/start", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRunStatusIdle(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	resp, err := http.Get(srv.URL + "/api/v1/runs/backfill/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var status RunStatus
	reencode(t, decodeResponse(t, resp).Data, &status)
	if status.Running || status.LockPresent || status.ProcessDetected {
		t.Errorf("idle kind reported activity: %+v", status)
	}
	if status.LogTail == nil {
		t.Error("log_tail must be present even when empty")
	}
}

func TestRunStatusRunningWithLogTail(t *testing.T) {
	fl := &fakeLauncher{alive: map[string]bool{}}
	srv, cfg, locks := newTestServer(t, fl)

	lock, err := locks.Acquire(models.RunForward)
	if err != nil {
		t.Fatalf("setup acquire failed: %v", err)
	}
	defer func() { _ = lock.Release() }()

	logPath := filepath.Join(cfg.Ingest.RunDir, "forward.log")
	if err := os.WriteFile(logPath, []byte("page 1 done\npage 2 done\n"), 0o640); err != nil {
		t.Fatalf("failed to write run log: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/runs/forward/status")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var status RunStatus
	reencode(t, decodeResponse(t, resp).Data, &status)
	if !status.Running {
		t.Error("expected running=true while the lock holder is alive")
	}
	if !status.LockPresent {
		t.Error("expected lock_present=true")
	}
	if status.PID == "" || status.StartedAt == nil {
		t.Errorf("missing holder details: %+v", status)
	}
	if len(status.LogTail) != 2 || status.LogTail[1] != "page 2 done" {
		t.Errorf("unexpected log tail: %v", status.LogTail)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeLauncher{})

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
