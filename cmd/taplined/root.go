// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/models"
)

var (
	version = "dev"
	commit  = "none"
)

// app carries state shared across subcommands, populated by the root
// command's PersistentPreRunE.
type app struct {
	cfg *config.Config

	// detached is set on runs launched by the server; their stdout/stderr
	// already point at the run log, so no duplication is needed.
	detached bool

	// runLog is closed after the command finishes.
	runLog io.Closer
}

func execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "taplined",
		Short:         "Tapline ingestion and enrichment pipeline",
		Long:          "Keeps the Tapline analytical store synchronized with the open-data receipts source and runs the auxiliary geocoding and classification pipelines.",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			a.cfg = cfg

			logging.Init(logging.Config{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
			})
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.runLog != nil {
				_ = a.runLog.Close()
			}
		},
	}

	root.PersistentFlags().BoolVar(&a.detached, "detached", false,
		"run was launched detached by the server; suppress log duplication")

	root.AddCommand(
		newServeCmd(a),
		newForwardCmd(a),
		newBackfillCmd(a),
		newGeocodeCmd(a),
		newEnrichCmd(a),
	)
	return root
}

// initRunLogging reroutes logs for a run command. Detached runs already
// write to their run log through redirected stderr; interactive runs get
// the log duplicated so the remote status protocol can tail them too.
func (a *app) initRunLogging(kind models.RunKind) error {
	if a.detached {
		return nil
	}

	path := filepath.Join(a.cfg.Ingest.RunDir, string(kind)+".log")
	w, err := logging.RunLogWriter(path)
	if err != nil {
		return err
	}
	a.runLog = w

	logging.Init(logging.Config{
		Level:  a.cfg.Log.Level,
		Format: a.cfg.Log.Format,
		Output: io.MultiWriter(os.Stderr, w),
	})
	return nil
}
