// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

/*
client.go - Rate-Limited Retrying Open-Data Client

This file provides the HTTP client for the paginated open-data receipts API.

Client Features:
  - Hard per-request timeout (bounded wall-clock budget)
  - Pagination via $offset/$limit with a deterministic $order, so resumed
    runs see a stable record sequence
  - Half-open date-range $where filter for backfill windows
  - Optional X-App-Token for higher rate limits
  - Request pacing via golang.org/x/time rate.Limiter

Resilience Mechanisms:
  - Retries: exponential backoff (base x 2^(attempt-1)) on transient
    transport errors, HTTP 429, and 5xx; Retry-After honored when present
  - Circuit Breaker: opens on sustained failure so a dead upstream does not
    burn the whole retry budget page after page
  - Context: all waits are cancellable
*/

//nolint:staticcheck // File documentation, not package doc
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tapline/tapline/internal/config"
	"github.com/tapline/tapline/internal/logging"
	"github.com/tapline/tapline/internal/metrics"
)

// orderColumns is the deterministic sort applied to every page request.
// Resumability depends on the source honoring it consistently across calls;
// that stability is a documented external assumption, not something this
// client can enforce.
const orderColumns = "obligation_end_date,permit_number"

// maxErrorBodySize limits how much of an error response body is read for
// diagnostics.
const maxErrorBodySize = 64 * 1024 // 64KB

// ErrRetriesExhausted wraps the final error after the retry budget is spent.
// The orchestrator treats it as fatal and aborts the run with the checkpoint
// preserved.
var ErrRetriesExhausted = errors.New("retry attempts exhausted")

// Client fetches pages of receipt records from the open-data API. It is
// stateless with respect to the checkpoint: callers own offsets.
//
// Thread safety: safe for concurrent use, though ingestion runs fetch
// strictly sequentially.
type Client struct {
	baseURL        string
	appToken       string
	client         *http.Client
	limiter        *rate.Limiter
	breaker        *gobreaker.CircuitBreaker[[]RawReceipt]
	maxRetries     int
	retryBaseDelay time.Duration
}

// NewClient creates a client from source configuration.
func NewClient(cfg *config.SourceConfig) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]RawReceipt](gobreaker.Settings{
		Name:        "open-data-source",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state transition")
		},
	})

	return &Client{
		baseURL:        cfg.BaseURL,
		appToken:       cfg.AppToken,
		client:         &http.Client{Timeout: cfg.Timeout},
		limiter:        rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
		breaker:        breaker,
		maxRetries:     cfg.RetryAttempts,
		retryBaseDelay: cfg.RetryBaseDelay,
	}
}

// FetchPage returns the page of records at the given offset. A window, when
// non-nil, restricts results to obligation end dates in [Start, End). A page
// shorter than limit means the sequence is exhausted.
func (c *Client) FetchPage(ctx context.Context, offset, limit int, window *DateWindow) ([]RawReceipt, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait canceled: %w", err)
	}

	reqURL := c.buildPageURL(offset, limit, window)

	records, err := c.breaker.Execute(func() ([]RawReceipt, error) {
		return c.fetchWithRetry(ctx, reqURL)
	})
	if err != nil {
		metrics.FetchRequests.WithLabelValues("error").Inc()
		return nil, err
	}

	metrics.FetchRequests.WithLabelValues("ok").Inc()
	metrics.FetchBatchSize.Observe(float64(len(records)))
	return records, nil
}

// buildPageURL assembles the query: offset/limit pagination, the fixed sort
// order, and the optional half-open date filter (floating timestamps, which
// is what this source stores).
func (c *Client) buildPageURL(offset, limit int, window *DateWindow) string {
	params := url.Values{}
	params.Set("$limit", fmt.Sprintf("%d", limit))
	params.Set("$offset", fmt.Sprintf("%d", offset))
	params.Set("$order", orderColumns)

	if window != nil {
		params.Set("$where", fmt.Sprintf(
			"obligation_end_date >= '%s' AND obligation_end_date < '%s'",
			window.Start.Format("2006-01-02T15:04:05"),
			window.End.Format("2006-01-02T15:04:05")))
	}

	return c.baseURL + "?" + params.Encode()
}

// fetchWithRetry performs the request with exponential backoff on transient
// failures. The final exhausted attempt surfaces ErrRetriesExhausted rather
// than retrying indefinitely.
func (c *Client) fetchWithRetry(ctx context.Context, reqURL string) ([]RawReceipt, error) {
	var lastErr error

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		records, retryAfter, err := c.doFetch(ctx, reqURL)
		if err == nil {
			return records, nil
		}
		lastErr = err

		if !isTransient(err) {
			return nil, err
		}

		if attempt == c.maxRetries {
			break
		}

		delay := c.retryBaseDelay * time.Duration(1<<uint(attempt-1))
		if retryAfter > 0 {
			delay = retryAfter
		}

		metrics.FetchRequests.WithLabelValues("retry").Inc()
		logging.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", c.maxRetries).
			Dur("delay", delay).
			Msg("Page fetch failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("%w after %d attempts: %s", ErrRetriesExhausted, c.maxRetries, lastErr)
}

// transientError marks failures worth retrying (timeouts, connection
// failures, 429, 5xx).
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// doFetch performs one HTTP round trip. The second return value is a
// server-supplied retry delay (zero if absent).
func (c *Client) doFetch(ctx context.Context, reqURL string) ([]RawReceipt, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.appToken != "" {
		req.Header.Set("X-App-Token", c.appToken)
	}

	logging.Trace().Str("url", reqURL).Msg("Fetching page")
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &transientError{fmt.Errorf("HTTP request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body := readBodyForError(resp.Body)
		return nil, parseRetryAfter(resp), &transientError{
			fmt.Errorf("source returned status %d: %s", resp.StatusCode, string(body))}
	default:
		body := readBodyForError(resp.Body)
		return nil, 0, fmt.Errorf("source returned status %d: %s", resp.StatusCode, string(body))
	}

	var records []RawReceipt
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, 0, fmt.Errorf("failed to decode page: %w", err)
	}
	return records, 0, nil
}

// parseRetryAfter reads a Retry-After header given in seconds (RFC 6585).
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
		return seconds
	}
	return 0
}

// readBodyForError reads up to maxErrorBodySize of a response body for error
// reporting.
func readBodyForError(r io.Reader) []byte {
	body, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil {
		return []byte("(failed to read response body)")
	}
	if len(body) == maxErrorBodySize {
		return append(body, []byte("... (truncated)")...)
	}
	return body
}
