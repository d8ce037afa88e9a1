package volume

import (
	"github.com/spyflow/spyflow/internal/domain"
)

// ATMTotals aggregates session volume inside the ATM window, per side.
type ATMTotals struct {
	Calls       int64
	Puts        int64
	CallStrikes int
	PutStrikes  int
}

// AggregateATM sums reported session volume for every quote whose strike lies
// inside the window.
func AggregateATM(quotes []domain.OptionQuote, window domain.Window) ATMTotals {
	var t ATMTotals
	for _, q := range quotes {
		if !window.Contains(q.Strike) {
			continue
		}
		switch q.Side {
		case domain.Call:
			t.Calls += q.Volume
			t.CallStrikes++
		case domain.Put:
			t.Puts += q.Volume
			t.PutStrikes++
		}
	}
	return t
}

// Tracker computes per-scan volume deltas. Deltas are clamped at zero: the
// ATM window shifts during the day, and a strike leaving it shrinks the
// aggregate without any volume having traded.
type Tracker struct {
	prevCalls int64
	prevPuts  int64
	firstScan bool
}

func NewTracker() *Tracker {
	return &Tracker{firstScan: true}
}

// Deltas returns the non-negative per-side increments since the previous scan
// and records the new totals. The first scan seeds the baseline and reports
// zero.
func (t *Tracker) Deltas(calls, puts int64) (callDelta, putDelta int64) {
	if t.firstScan {
		t.firstScan = false
	} else {
		callDelta = max64(0, calls-t.prevCalls)
		putDelta = max64(0, puts-t.prevPuts)
	}
	t.prevCalls = calls
	t.prevPuts = puts
	return callDelta, putDelta
}

// Reset rearms the first-scan baseline at session rollover.
func (t *Tracker) Reset() {
	t.prevCalls = 0
	t.prevPuts = 0
	t.firstScan = true
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
