// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package launcher

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// tailReadChunk bounds how much of a run log TailLog reads from the end.
// Lines beyond the chunk are simply not returned; status responses stay
// small no matter how large the log grows.
const tailReadChunk = 64 * 1024

// TailLog returns up to n trailing lines of the file at path. A missing
// file yields an empty slice, not an error; the status endpoint treats
// "no log yet" as a normal state.
func TailLog(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open run log: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat run log: %w", err)
	}

	size := info.Size()
	offset := size - tailReadChunk
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek run log: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read run log: %w", err)
	}

	// Drop a leading partial line when we started mid-file.
	if offset > 0 {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			data = data[i+1:]
		}
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil, nil
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}
