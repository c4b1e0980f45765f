// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package launcher

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forward.log")
	if err := os.WriteFile(path, []byte(content), 0o640); err != nil {
		t.Fatalf("failed to write log: %v", err)
	}
	return path
}

func TestTailLogReturnsLastLines(t *testing.T) {
	path := writeLog(t, "one\ntwo\nthree\nfour\nfive\n")

	lines, err := TailLog(path, 3)
	if err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	want := []string{"three", "four", "five"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i, w := range want {
		if lines[i] != w {
			t.Errorf("line %d: got %q, want %q", i, lines[i], w)
		}
	}
}

func TestTailLogShortFile(t *testing.T) {
	path := writeLog(t, "only\n")

	lines, err := TailLog(path, 100)
	if err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if len(lines) != 1 || lines[0] != "only" {
		t.Errorf("unexpected lines: %v", lines)
	}
}

func TestTailLogMissingFile(t *testing.T) {
	lines, err := TailLog(filepath.Join(t.TempDir(), "absent.log"), 10)
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if lines != nil {
		t.Errorf("expected nil lines, got %v", lines)
	}
}

func TestTailLogEmptyFile(t *testing.T) {
	path := writeLog(t, "")

	lines, err := TailLog(path, 10)
	if err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines, got %v", lines)
	}
}

func TestTailLogBoundedOnLargeFile(t *testing.T) {
	var b strings.Builder
	for i := range 10000 {
		fmt.Fprintf(&b, "log line number %06d with some padding text\n", i)
	}
	path := writeLog(t, b.String())

	lines, err := TailLog(path, 5)
	if err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if len(lines) != 5 {
		t.Fatalf("expected 5 lines, got %d", len(lines))
	}
	if lines[4] != "log line number 009999 with some padding text" {
		t.Errorf("unexpected final line: %q", lines[4])
	}
	// No partial first line from the bounded read.
	if !strings.HasPrefix(lines[0], "log line number ") {
		t.Errorf("first returned line is partial: %q", lines[0])
	}
}

func TestTailLogZeroCount(t *testing.T) {
	path := writeLog(t, "one\ntwo\n")

	lines, err := TailLog(path, 0)
	if err != nil {
		t.Fatalf("TailLog failed: %v", err)
	}
	if lines != nil {
		t.Errorf("expected nil for n=0, got %v", lines)
	}
}

func TestExecLauncherIsAlive(t *testing.T) {
	l := &ExecLauncher{}

	if !l.IsAlive(fmt.Sprintf("%d", os.Getpid())) {
		t.Error("current process should be alive")
	}
	if l.IsAlive("999999999") {
		t.Error("absurd pid should not be alive")
	}
	if l.IsAlive("not-a-pid") {
		t.Error("garbage pid should not be alive")
	}
	if l.IsAlive("-1") {
		t.Error("negative pid should not be alive")
	}
}
