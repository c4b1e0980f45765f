// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"context"
	"sync"
	"time"

	"github.com/tapline/tapline/internal/metrics"
)

// SlidingWindowLimiter allows at most max requests per rolling window. The
// clock is injected so tests drive it deterministically; the limiter is
// owned by its provider instance, never process-global.
type SlidingWindowLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	sent   []time.Time
}

// NewSlidingWindowLimiter returns a limiter for max requests per window. A
// nil now falls back to time.Now.
func NewSlidingWindowLimiter(max int, window time.Duration, now func() time.Time) *SlidingWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{
		max:    max,
		window: window,
		now:    now,
		sent:   make([]time.Time, 0, max),
	}
}

// Reserve records one request if the budget allows it and returns zero.
// Otherwise it returns how long the caller must wait before trying again;
// nothing is recorded in that case.
func (l *SlidingWindowLimiter) Reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Drop timestamps that have slid out of the window.
	kept := l.sent[:0]
	for _, t := range l.sent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.sent = kept

	if len(l.sent) < l.max {
		l.sent = append(l.sent, now)
		return 0
	}

	return l.sent[0].Add(l.window).Sub(now)
}

// Wait blocks until the budget admits one request or the context ends.
func (l *SlidingWindowLimiter) Wait(ctx context.Context) error {
	for {
		delay := l.Reserve()
		if delay <= 0 {
			return nil
		}

		metrics.GeocodeRateLimitWait.Observe(delay.Seconds())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
