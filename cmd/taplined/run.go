// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tapline/tapline/internal/checkpoint"
	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/database"
	"github.com/tapline/tapline/internal/enrich"
	"github.com/tapline/tapline/internal/fetch"
	"github.com/tapline/tapline/internal/geocode"
	"github.com/tapline/tapline/internal/ingest"
	"github.com/tapline/tapline/internal/lockfile"
	"github.com/tapline/tapline/internal/models"
)

// runContext returns a context cancelled on SIGINT or SIGTERM. Runs honor
// it between pages and between records, so a signal produces a clean
// checkpoint rather than a dead process.
func runContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newIngestManager(cfg *config.Config, db *database.DB) *ingest.Manager {
	return ingest.NewManager(
		cfg,
		fetch.NewClient(&cfg.Source),
		db,
		ingest.NewDatabaseStaging(&cfg.Database),
		checkpoint.NewStore(cfg.Ingest.RunDir),
		lockfile.NewManager(cfg.Ingest.RunDir),
	)
}

// reportRun prints the human-facing outcome and maps interruption to a
// clean exit: a checkpointed stop is a success from the operator's seat.
func reportRun(cmd *cobra.Command, kind models.RunKind, counts models.RunCounts, err error) error {
	if errors.Is(err, ingest.ErrInterrupted) {
		cmd.Printf("%s run interrupted; checkpoint saved for resume\n", kind)
		return nil
	}
	if err != nil {
		return err
	}
	cmd.Printf("%s run complete: %d inserted, %d modified, %d unchanged, %d skipped, %d errors\n",
		kind, counts.Inserted, counts.Modified, counts.Unchanged, counts.Skipped, counts.Errors)
	return nil
}

func newForwardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Ingest the newest receipts into the production store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initRunLogging(models.RunForward); err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()

			db, err := database.New(&a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			counts, err := newIngestManager(a.cfg, db).Forward(ctx)
			return reportRun(cmd, models.RunForward, counts, err)
		},
	}
}

func newBackfillCmd(a *app) *cobra.Command {
	var (
		months int
		reset  bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Ingest a historical window into a staging copy and swap it in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initRunLogging(models.RunBackfill); err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()

			// The production handle is read-only here: window computation
			// only. All backfill writes go to the staging copy, and a
			// successful run closes this handle before the swap.
			db, err := database.New(&a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			m := newIngestManager(a.cfg, db)
			if reset {
				if err := m.ResetBackfill(); err != nil {
					return err
				}
				cmd.Println("interrupted backfill abandoned; staging copy and checkpoint removed")
				return nil
			}

			counts, err := m.Backfill(ctx, months)
			return reportRun(cmd, models.RunBackfill, counts, err)
		},
	}
	cmd.Flags().IntVar(&months, "months", 0,
		"historical window length in months (0 = configured default)")
	cmd.Flags().BoolVar(&reset, "reset", false,
		"abandon an interrupted backfill instead of resuming it")
	return cmd
}

func newGeocodeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "geocode",
		Short: "Resolve coordinates for venues that have none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initRunLogging(models.RunGeocode); err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()

			db, err := database.New(&a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			resolver := geocode.NewResolver(db,
				geocode.NewCensusProvider(&a.cfg.Geocode),
				geocode.NewNominatimProvider(&a.cfg.Geocode),
			)
			g := geocode.NewVenueGeocoder(&a.cfg.Geocode, db, resolver,
				lockfile.NewManager(a.cfg.Ingest.RunDir))

			resolved, failed, err := g.Run(ctx)
			if errors.Is(err, context.Canceled) {
				cmd.Println("geocode run interrupted")
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("geocode run complete: %d resolved, %d failed\n", resolved, failed)
			return nil
		},
	}
}

func newEnrichCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich",
		Short: "Apply venue classification suggestions from the feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.initRunLogging(models.RunEnrich); err != nil {
				return err
			}
			ctx, stop := runContext()
			defer stop()

			db, err := database.New(&a.cfg.Database)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			s := enrich.NewSyncer(a.cfg, db,
				checkpoint.NewStore(a.cfg.Ingest.RunDir),
				lockfile.NewManager(a.cfg.Ingest.RunDir))

			counts, err := s.Run(ctx)
			if errors.Is(err, context.Canceled) {
				cmd.Println("enrich run interrupted; checkpoint saved for resume")
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("enrich run complete: %d applied, %d unchanged, %d skipped\n",
				counts.Inserted+counts.Modified, counts.Unchanged, counts.Skipped)
			return nil
		},
	}
}
