// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

// Package main is the entry point for the taplined binary: the control-plane
// server plus the ingestion and enrichment run subcommands it launches.
package main

import "os"

func main() {
	os.Exit(execute())
}
