package hours

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyflow/spyflow/internal/domain"
)

func mustGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate()
	require.NoError(t, err)
	return g
}

func nyTime(t *testing.T, y int, mo time.Month, d, h, m int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(y, mo, d, h, m, 0, 0, loc)
}

func TestGate_InactiveBeforePreOpen(t *testing.T) {
	g := mustGate(t)

	// Monday, sixteen minutes before the 09:15 warm-up.
	at := nyTime(t, 2026, time.August, 24, 8, 59)
	assert.False(t, g.IsActive(at))
	assert.Equal(t, 960, g.SecondsUntilActive(at))
}

func TestGate_ActiveAtPreOpenExactly(t *testing.T) {
	g := mustGate(t)

	at := nyTime(t, 2026, time.August, 24, 9, 15)
	assert.True(t, g.IsActive(at))
	assert.Equal(t, 0, g.SecondsUntilActive(at))
}

func TestGate_InactiveAtPostClose(t *testing.T) {
	g := mustGate(t)

	assert.True(t, g.IsActive(nyTime(t, 2026, time.August, 24, 16, 14)))
	assert.False(t, g.IsActive(nyTime(t, 2026, time.August, 24, 16, 15)))
}

func TestGate_HolidayInactiveAllDay(t *testing.T) {
	g := mustGate(t)

	// Independence Day observed, a Friday.
	holiday := nyTime(t, 2026, time.July, 3, 0, 0)
	for hour := 0; hour < 24; hour++ {
		assert.False(t, g.IsActive(holiday.Add(time.Duration(hour)*time.Hour)),
			"hour %d should be inactive", hour)
	}

	// The next active window is the following Monday at 09:15.
	until := g.SecondsUntilActive(nyTime(t, 2026, time.July, 3, 10, 0))
	nextOpen := nyTime(t, 2026, time.July, 6, 9, 15)
	assert.Equal(t, int(nextOpen.Sub(nyTime(t, 2026, time.July, 3, 10, 0)).Seconds()), until)
}

func TestGate_WeekendInactive(t *testing.T) {
	g := mustGate(t)

	assert.False(t, g.IsActive(nyTime(t, 2026, time.August, 22, 11, 0))) // Saturday
	assert.False(t, g.IsActive(nyTime(t, 2026, time.August, 23, 11, 0))) // Sunday
}

func TestGate_MarketStatus(t *testing.T) {
	g := mustGate(t)

	assert.Equal(t, domain.MarketPremarket, g.MarketStatus(nyTime(t, 2026, time.August, 24, 9, 20)))
	assert.Equal(t, domain.MarketOpen, g.MarketStatus(nyTime(t, 2026, time.August, 24, 10, 0)))
	assert.Equal(t, domain.MarketOpen, g.MarketStatus(nyTime(t, 2026, time.August, 24, 16, 0)))
	assert.Equal(t, domain.MarketClosed, g.MarketStatus(nyTime(t, 2026, time.August, 24, 16, 10)))
	assert.Equal(t, domain.MarketClosed, g.MarketStatus(nyTime(t, 2026, time.August, 22, 10, 0)))
}

func TestGate_SessionDate(t *testing.T) {
	g := mustGate(t)
	assert.Equal(t, "20260824", g.SessionDate(nyTime(t, 2026, time.August, 24, 10, 0)))
}

func TestGate_LoadCalendarOverride(t *testing.T) {
	g := mustGate(t)

	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - \"2026-08-24\"\n"), 0o644))
	require.NoError(t, g.LoadCalendar(path))

	assert.False(t, g.IsActive(nyTime(t, 2026, time.August, 24, 10, 0)))
	// The override replaces the built-in list entirely.
	assert.True(t, g.IsActive(nyTime(t, 2026, time.July, 3, 10, 0)))
}

func TestGate_LoadCalendarRejectsBadDate(t *testing.T) {
	g := mustGate(t)

	path := filepath.Join(t.TempDir(), "holidays.yaml")
	require.NoError(t, os.WriteFile(path, []byte("holidays:\n  - \"not-a-date\"\n"), 0o644))
	assert.Error(t, g.LoadCalendar(path))
}
