// Package market decides whether the venue is currently trading.
package market

import (
	"fmt"
	"time"

	"github.com/scmhub/calendar"

	appconfig "tickflow/config"
	"tickflow/logger"
)

// Gate answers whether the venue session is open at a given instant. The
// window is a fixed wall-clock range in the venue timezone, inclusive at
// both ends. A holiday calendar can optionally veto non-business days.
type Gate struct {
	loc   *time.Location
	open  time.Duration
	close time.Duration
	cal   *calendar.Calendar
}

// NewGate builds a gate from the market section of the configuration.
func NewGate(cfg appconfig.MarketConfig) (*Gate, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	open, err := appconfig.ParseClock(cfg.Open)
	if err != nil {
		return nil, err
	}
	closing, err := appconfig.ParseClock(cfg.Close)
	if err != nil {
		return nil, err
	}

	g := &Gate{loc: loc, open: open, close: closing}
	if cfg.CalendarMIC != "" {
		g.cal = calendar.GetCalendar(cfg.CalendarMIC)
		if g.cal == nil {
			logger.GetLogger().WithComponent("market_gate").WithFields(logger.Fields{
				"mic": cfg.CalendarMIC,
			}).Warn("unknown exchange calendar; holidays will not be checked")
		}
	}
	return g, nil
}

// IsOpen reports whether now falls inside the trading window.
func (g *Gate) IsOpen(now time.Time) bool {
	local := now.In(g.loc)
	if g.cal != nil && !g.cal.IsBusinessDay(local) {
		return false
	}
	sinceMidnight := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return sinceMidnight >= g.open && sinceMidnight <= g.close
}

// Location is the venue timezone.
func (g *Gate) Location() *time.Location {
	return g.loc
}

// NextOpen returns the next instant, at or after now, at which the window
// opens. Holidays are skipped when a calendar is configured.
func (g *Gate) NextOpen(now time.Time) time.Time {
	local := now.In(g.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
	for i := 0; i < 14; i++ {
		candidate := day.AddDate(0, 0, i).Add(g.open)
		if candidate.Before(local) {
			continue
		}
		if g.cal != nil && !g.cal.IsBusinessDay(candidate) {
			continue
		}
		return candidate
	}
	return day.AddDate(0, 0, 1).Add(g.open)
}
