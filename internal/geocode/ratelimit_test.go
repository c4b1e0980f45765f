// Tapline - Sales CRM Ingestion and Enrichment Pipeline
// Copyright 2026 Tapline Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tapline/tapline

package geocode

import (
	"testing"
	"time"
)

// fakeClock drives the limiter without real time passing.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestReserveAdmitsUpToMax(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewSlidingWindowLimiter(3, time.Minute, clock.now)

	for i := range 3 {
		if d := l.Reserve(); d != 0 {
			t.Fatalf("request %d: expected immediate admit, got wait %v", i, d)
		}
	}
	if d := l.Reserve(); d != time.Minute {
		t.Errorf("expected full-window wait for 4th request, got %v", d)
	}
}

func TestReserveWindowSlides(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewSlidingWindowLimiter(2, time.Minute, clock.now)

	l.Reserve()
	clock.advance(20 * time.Second)
	l.Reserve()

	// Budget exhausted; the oldest send was 20s ago, so 40s remain.
	if d := l.Reserve(); d != 40*time.Second {
		t.Fatalf("expected 40s wait, got %v", d)
	}

	// After the oldest entry slides out, one slot frees up.
	clock.advance(41 * time.Second)
	if d := l.Reserve(); d != 0 {
		t.Errorf("expected admit after window slid, got wait %v", d)
	}
}

func TestReserveDoesNotRecordDeniedRequests(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := NewSlidingWindowLimiter(1, time.Minute, clock.now)

	l.Reserve()
	for range 5 {
		l.Reserve() // denied; must not extend the wait
	}

	clock.advance(time.Minute + time.Second)
	if d := l.Reserve(); d != 0 {
		t.Errorf("denied requests extended the window: wait %v", d)
	}
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "600 Congress Ave, Austin, TX", "600 congress ave, austin, tx"},
		{"collapses whitespace", "600  Congress   Ave", "600 congress ave"},
		{"trims", "  600 Congress Ave  ", "600 congress ave"},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeAddress(tt.in); got != tt.want {
				t.Errorf("NormalizeAddress(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestHashAddressEquivalence(t *testing.T) {
	a := HashAddress("600 Congress Ave, Austin, TX 78701")
	b := HashAddress("  600  CONGRESS AVE,  Austin,  tx 78701 ")
	if a != b {
		t.Errorf("equivalent addresses hash differently: %s vs %s", a, b)
	}

	c := HashAddress("601 Congress Ave, Austin, TX 78701")
	if a == c {
		t.Error("distinct addresses share a hash")
	}
}
