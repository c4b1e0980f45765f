// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
)

// DB wraps the DuckDB connection and provides data access for the receipts,
// geocode cache, coordinates, and enrichment tables.
//
// DuckDB permits a single write-capable connection. The cross-process file
// lock keeps two writer *processes* apart; writeMu keeps writes within this
// process serialized regardless of how many goroutines hold the handle.
type DB struct {
	conn *sql.DB
	path string

	writeMu sync.Mutex
}

// New opens (creating if needed) the store at cfg.Path and initializes the
// schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	return Open(cfg, cfg.Path)
}

// Open opens the store at an explicit path using cfg for tuning. Backfill
// runs use this to open the staging copy instead of production.
func Open(cfg *config.DatabaseConfig, path string) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists so first-run setups don't fail with
	// "No such file or directory".
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s",
		path, numThreads, cfg.MaxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection, no idle pool churn.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path}

	if err := db.initSchema(); err != nil {
		closeQuietly(conn)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Debug().Str("path", path).Msg("Database opened")
	return db, nil
}

// Path returns the on-disk location of this store.
func (db *DB) Path() string { return db.path }

// Close releases the underlying connection. The store must be closed before
// its file is renamed or replaced.
func (db *DB) Close() error {
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping verifies the connection is usable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// execWrite runs a mutating statement under the process-local write mutex.
func (db *DB) execWrite(ctx context.Context, query string, args ...any) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return nil
}

// withWriteTx runs fn inside a transaction under the write mutex. Used for
// batched writes that must land atomically (geocode bulk persist).
func (db *DB) withWriteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logging.Warn().Err(rbErr).Msg("Transaction rollback failed")
		}
		return err
	}

	return tx.Commit()
}

func closeQuietly(conn *sql.DB) {
	if err := conn.Close(); err != nil {
		logging.Warn().Err(err).Msg("Failed to close database connection")
	}
}

// nullTime converts a *time.Time to a driver-friendly value.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// nullFloat converts a *float64 to a driver-friendly value.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// nullInt converts a *int to a driver-friendly value.
func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// nullString converts a *string to a driver-friendly value.
func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
