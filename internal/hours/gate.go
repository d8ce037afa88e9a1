package hours

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spyflow/spyflow/internal/domain"
)

// Session boundaries in exchange-local time (America/New_York). The detector
// runs a 15-minute warm-up before the 09:30 open and a 15-minute grace after
// the 16:00 close.
const (
	preOpenHour, preOpenMinute     = 9, 15
	openHour, openMinute           = 9, 30
	closeHour, closeMinute         = 16, 0
	postCloseHour, postCloseMinute = 16, 15
)

// defaultHolidays is the NYSE full-closure calendar for 2026.
var defaultHolidays = []string{
	"2026-01-01", // New Year's Day
	"2026-01-19", // MLK Day
	"2026-02-16", // Presidents' Day
	"2026-04-03", // Good Friday
	"2026-05-25", // Memorial Day
	"2026-07-03", // Independence Day (observed)
	"2026-09-07", // Labor Day
	"2026-11-26", // Thanksgiving
	"2026-12-25", // Christmas
}

// Gate decides whether the scan loop should run at a given instant. It is a
// pure function of the clock and a fixed holiday calendar.
type Gate struct {
	loc      *time.Location
	holidays map[string]struct{}
}

// NewGate builds a gate with the built-in NYSE calendar.
func NewGate() (*Gate, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	g := &Gate{loc: loc, holidays: make(map[string]struct{}, len(defaultHolidays))}
	for _, d := range defaultHolidays {
		g.holidays[d] = struct{}{}
	}
	return g, nil
}

// calendarFile is the YAML shape of a holiday-calendar override.
type calendarFile struct {
	Holidays []string `yaml:"holidays"`
}

// LoadCalendar replaces the holiday list from a YAML file. Dates are
// YYYY-MM-DD strings in exchange-local time.
func (g *Gate) LoadCalendar(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read holiday calendar: %w", err)
	}
	var cal calendarFile
	if err := yaml.Unmarshal(b, &cal); err != nil {
		return fmt.Errorf("parse holiday calendar: %w", err)
	}
	holidays := make(map[string]struct{}, len(cal.Holidays))
	for _, d := range cal.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", d, g.loc); err != nil {
			return fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		holidays[d] = struct{}{}
	}
	g.holidays = holidays
	return nil
}

func (g *Gate) isHoliday(t time.Time) bool {
	_, ok := g.holidays[t.Format("2006-01-02")]
	return ok
}

func (g *Gate) isTradingDay(t time.Time) bool {
	wd := t.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !g.isHoliday(t)
}

// minutesOfDay converts a local instant to minutes since midnight.
func minutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// IsActive reports whether the scan loop should be running: a trading day,
// inside [09:15, 16:15).
func (g *Gate) IsActive(now time.Time) bool {
	local := now.In(g.loc)
	if !g.isTradingDay(local) {
		return false
	}
	m := minutesOfDay(local)
	return m >= preOpenHour*60+preOpenMinute && m < postCloseHour*60+postCloseMinute
}

// IsMarketOpen reports whether the regular session [09:30, 16:00] is open.
func (g *Gate) IsMarketOpen(now time.Time) bool {
	local := now.In(g.loc)
	if !g.isTradingDay(local) {
		return false
	}
	m := minutesOfDay(local)
	return m >= openHour*60+openMinute && m <= closeHour*60+closeMinute
}

// MarketStatus classifies the instant for the market-state record.
func (g *Gate) MarketStatus(now time.Time) domain.MarketStatus {
	local := now.In(g.loc)
	if !g.isTradingDay(local) {
		return domain.MarketClosed
	}
	m := minutesOfDay(local)
	switch {
	case m >= openHour*60+openMinute && m <= closeHour*60+closeMinute:
		return domain.MarketOpen
	case m >= preOpenHour*60+preOpenMinute && m < openHour*60+openMinute:
		return domain.MarketPremarket
	default:
		return domain.MarketClosed
	}
}

// SecondsUntilActive returns how long until the next active window opens,
// or 0 when the gate is already active. Callers bound their sleep, so the
// value only needs to be correct, not small.
func (g *Gate) SecondsUntilActive(now time.Time) int {
	local := now.In(g.loc)
	if g.IsActive(local) {
		return 0
	}

	day := local
	// If today's window already passed (or today is not a trading day),
	// walk forward to the next trading day.
	if !g.isTradingDay(day) || minutesOfDay(day) >= postCloseHour*60+postCloseMinute {
		day = day.AddDate(0, 0, 1)
		for !g.isTradingDay(day) {
			day = day.AddDate(0, 0, 1)
		}
	}

	next := time.Date(day.Year(), day.Month(), day.Day(), preOpenHour, preOpenMinute, 0, 0, g.loc)
	secs := int(next.Sub(local).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// SessionDate is the trading date (exchange-local) for 0-DTE expiries,
// formatted as the gateway expects.
func (g *Gate) SessionDate(now time.Time) string {
	return now.In(g.loc).Format("20060102")
}
