package market

import (
	"testing"
	"time"

	appconfig "tickflow/config"
)

func kolkataGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(appconfig.MarketConfig{Timezone: "Asia/Kolkata", Open: "09:00", Close: "15:30"})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestGateBoundaries(t *testing.T) {
	g := kolkataGate(t)
	ist := g.Location()

	cases := []struct {
		name string
		at   time.Time
		open bool
	}{
		{"before open", time.Date(2024, 3, 4, 8, 59, 59, 0, ist), false},
		{"at open", time.Date(2024, 3, 4, 9, 0, 0, 0, ist), true},
		{"midday", time.Date(2024, 3, 4, 12, 15, 0, 0, ist), true},
		{"at close", time.Date(2024, 3, 4, 15, 30, 0, 0, ist), true},
		{"just after close", time.Date(2024, 3, 4, 15, 30, 1, 0, ist), false},
		{"night", time.Date(2024, 3, 4, 23, 0, 0, 0, ist), false},
		// Weekends are not excluded without a calendar.
		{"sunday midday", time.Date(2024, 3, 3, 11, 0, 0, 0, ist), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := g.IsOpen(tc.at); got != tc.open {
				t.Fatalf("IsOpen(%v) = %v, want %v", tc.at, got, tc.open)
			}
		})
	}
}

func TestGateConvertsToVenueTime(t *testing.T) {
	g := kolkataGate(t)

	// 03:30 UTC is 09:00 IST.
	if !g.IsOpen(time.Date(2024, 3, 4, 3, 30, 0, 0, time.UTC)) {
		t.Fatalf("03:30 UTC should be open")
	}
	// 10:30 UTC is 16:00 IST.
	if g.IsOpen(time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)) {
		t.Fatalf("10:30 UTC should be closed")
	}
}

func TestNextOpen(t *testing.T) {
	g := kolkataGate(t)
	ist := g.Location()

	after := time.Date(2024, 3, 4, 16, 0, 0, 0, ist)
	want := time.Date(2024, 3, 5, 9, 0, 0, 0, ist)
	if got := g.NextOpen(after); !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}

	before := time.Date(2024, 3, 4, 7, 0, 0, 0, ist)
	want = time.Date(2024, 3, 4, 9, 0, 0, 0, ist)
	if got := g.NextOpen(before); !got.Equal(want) {
		t.Fatalf("NextOpen = %v, want %v", got, want)
	}
}

func TestNewGateRejectsBadConfig(t *testing.T) {
	if _, err := NewGate(appconfig.MarketConfig{Timezone: "Nowhere/City", Open: "09:00", Close: "15:30"}); err == nil {
		t.Fatalf("expected timezone error")
	}
	if _, err := NewGate(appconfig.MarketConfig{Timezone: "UTC", Open: "nine", Close: "15:30"}); err == nil {
		t.Fatalf("expected clock error")
	}
}

func TestUnknownCalendarIsIgnored(t *testing.T) {
	g, err := NewGate(appconfig.MarketConfig{Timezone: "Asia/Kolkata", Open: "09:00", Close: "15:30", CalendarMIC: "zzzz"})
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if !g.IsOpen(time.Date(2024, 3, 4, 10, 0, 0, 0, g.Location())) {
		t.Fatalf("gate without a resolved calendar should fall back to the window")
	}
}
