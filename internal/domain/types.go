package domain

import (
	"fmt"
	"math"
	"time"
)

// Side identifies the option side of a contract.
type Side string

const (
	Call Side = "CALL"
	Put  Side = "PUT"
)

// Valid reports whether the side is one of the two known values.
func (s Side) Valid() bool {
	return s == Call || s == Put
}

// Severity is the ordinal strength classification of an anomaly.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// MarketStatus describes the underlying session state.
type MarketStatus string

const (
	MarketOpen      MarketStatus = "OPEN"
	MarketClosed    MarketStatus = "CLOSED"
	MarketPremarket MarketStatus = "PREMARKET"
)

// ContractKey uniquely identifies an option contract within a trading day.
// SPY 0-DTE strikes trade on 1-point increments, so an integer strike is exact.
type ContractKey struct {
	Strike int
	Side   Side
}

func (k ContractKey) String() string {
	return fmt.Sprintf("%d%s", k.Strike, string(k.Side[0]))
}

// OptionQuote is one normalized per-contract observation from the chain.
// Prices are 0 when the gateway reported them as unknown; Mid is derived
// only when both bid and ask were valid.
type OptionQuote struct {
	Strike       int
	Side         Side
	Bid          float64
	Ask          float64
	Last         float64
	Mid          float64
	Volume       int64
	OpenInterest int64
}

// Key returns the contract identity of the quote.
func (q OptionQuote) Key() ContractKey {
	return ContractKey{Strike: q.Strike, Side: q.Side}
}

// Tradeable reports whether the row carries at least one usable price.
func (q OptionQuote) Tradeable() bool {
	return q.Bid > 0 || q.Ask > 0 || q.Mid > 0
}

// ChainSnapshot is the materialized view of the subscribed chain after one
// reconcile pass.
type ChainSnapshot struct {
	Timestamp       time.Time
	UnderlyingPrice float64
	Window          Window
	Quotes          []OptionQuote
}

// Tradeable returns the subset of quotes with at least one usable price.
func (s ChainSnapshot) Tradeable() []OptionQuote {
	out := make([]OptionQuote, 0, len(s.Quotes))
	for _, q := range s.Quotes {
		if q.Tradeable() {
			out = append(out, q)
		}
	}
	return out
}

// Window is an inclusive strike range centered on the ATM strike.
type Window struct {
	Min int
	Max int
}

// ATMStrike is the at-the-money anchor for a given underlying price.
func ATMStrike(price float64) int {
	return int(math.Round(price))
}

// WindowAround computes the ATM window [center-halfWidth, center+halfWidth].
func WindowAround(price float64, halfWidth int) Window {
	center := ATMStrike(price)
	return Window{Min: center - halfWidth, Max: center + halfWidth}
}

// Contains reports whether the strike lies inside the window.
func (w Window) Contains(strike int) bool {
	return strike >= w.Min && strike <= w.Max
}

// Strikes enumerates every strike in the window, ascending.
func (w Window) Strikes() []int {
	if w.Max < w.Min {
		return nil
	}
	out := make([]int, 0, w.Max-w.Min+1)
	for k := w.Min; k <= w.Max; k++ {
		out = append(out, k)
	}
	return out
}

// Width is the number of strikes the window spans.
func (w Window) Width() int {
	if w.Max < w.Min {
		return 0
	}
	return w.Max - w.Min + 1
}

// Anomaly is a statistically cheap contract flagged by the detector.
type Anomaly struct {
	Timestamp    time.Time
	Strike       int
	Side         Side
	Bid          float64
	Ask          float64
	Mid          float64
	Expected     float64
	DeviationPct float64
	ZScore       float64
	Volume       int64
	OpenInterest int64
	Severity     Severity
}

// ClassifySeverity maps a z-score and percent deviation onto the ordinal
// severity scale used across the pipeline.
func ClassifySeverity(zScore, deviationPct float64) Severity {
	absZ := math.Abs(zScore)
	absDev := math.Abs(deviationPct)
	switch {
	case absZ > 2.0 || absDev > 50:
		return SeverityHigh
	case absZ > 1.0 || absDev > 30:
		return SeverityMedium
	default:
		return SeverityLow
	}
}
