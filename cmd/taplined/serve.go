// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/tapline/tapline/internal/api"
	"github.com/tapline/tapline/internal/launcher"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
)

const shutdownGrace = 15 * time.Second

// newServeCmd runs the control plane: the remote trigger/status HTTP server
// and, when enabled, the cron schedule. The server itself never opens the
// store; every run executes as a detached child so the single-writer
// constraint is owned entirely by the run processes and their locks.
func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control-plane server and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if err := os.MkdirAll(a.cfg.Ingest.RunDir, 0o750); err != nil {
				return fmt.Errorf("failed to create run directory: %w", err)
			}

			locks := lockfile.NewManager(a.cfg.Ingest.RunDir)
			launch := &launcher.ExecLauncher{}

			handler := api.NewHandler(a.cfg, locks, launch)
			srv := api.NewServer(&a.cfg.Server, api.NewRouter(&a.cfg.Server, handler))

			scheduler, err := startScheduler(a, locks, launch)
			if err != nil {
				return err
			}

			ctx, stop := runContext()
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			if scheduler != nil {
				cronCtx := scheduler.Stop()
				<-cronCtx.Done()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

// startScheduler wires the cron-driven forward run. Scheduled runs go
// through the same detached launcher as remote triggers; a run still in
// progress at the next tick is skipped, not queued.
func startScheduler(a *app, locks *lockfile.Manager, launch launcher.ProcessLauncher) (*cron.Cron, error) {
	if !a.cfg.Schedule.Enabled {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(a.cfg.Schedule.ForwardSpec, func() {
		_, exists, alive, err := locks.Inspect(models.RunForward)
		if err != nil {
			logging.Error().Err(err).Msg("Scheduled run lock inspection failed")
			return
		}
		if exists && alive {
			logging.Info().Msg("Scheduled forward run skipped, previous run still in progress")
			return
		}

		logPath := filepath.Join(a.cfg.Ingest.RunDir, string(models.RunForward)+".log")
		if _, err := launch.Start(models.RunForward, logPath); err != nil {
			logging.Error().Err(err).Msg("Scheduled forward run failed to launch")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid forward schedule %q: %w", a.cfg.Schedule.ForwardSpec, err)
	}

	c.Start()
	logging.Info().Str("spec", a.cfg.Schedule.ForwardSpec).Msg("Forward ingestion schedule active")
	return c, nil
}
