package contract

import (
	"fmt"
	"time"

	"github.com/spyflow/spyflow/internal/domain"
)

// Payload shapes on the wire between the detector, the ingress, storage and
// the broadcast hub. Field names match the persisted entity schema, so a
// stored row round-trips through these structs unchanged.

// Anomaly is one statistically cheap contract, as POSTed and persisted.
type Anomaly struct {
	Timestamp        time.Time `json:"timestamp"`
	Symbol           string    `json:"symbol"`
	Strike           float64   `json:"strike"`
	OptionType       string    `json:"option_type"`
	Bid              float64   `json:"bid"`
	Ask              float64   `json:"ask"`
	MidPrice         float64   `json:"mid_price"`
	ExpectedPrice    float64   `json:"expected_price"`
	DeviationPercent float64   `json:"deviation_percent"`
	ZScore           float64   `json:"z_score"`
	Volume           int64     `json:"volume"`
	OpenInterest     int64     `json:"open_interest"`
	Severity         string    `json:"severity"`
}

// Validate checks required fields and value ranges.
func (a *Anomaly) Validate() error {
	if a.Timestamp.IsZero() {
		return fmt.Errorf("anomaly: timestamp is required")
	}
	if a.Symbol == "" {
		return fmt.Errorf("anomaly: symbol is required")
	}
	if a.Strike <= 0 {
		return fmt.Errorf("anomaly: strike must be positive, got %g", a.Strike)
	}
	if !domain.Side(a.OptionType).Valid() {
		return fmt.Errorf("anomaly: option_type must be CALL or PUT, got %q", a.OptionType)
	}
	if a.Bid < 0 || a.Ask < 0 || a.MidPrice < 0 {
		return fmt.Errorf("anomaly: prices must be non-negative")
	}
	if a.ExpectedPrice < 0 {
		return fmt.Errorf("anomaly: expected_price must be non-negative")
	}
	if a.Volume < 0 || a.OpenInterest < 0 {
		return fmt.Errorf("anomaly: volume and open_interest must be non-negative")
	}
	switch domain.Severity(a.Severity) {
	case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
	default:
		return fmt.Errorf("anomaly: unknown severity %q", a.Severity)
	}
	return nil
}

// FromDomain converts a detector anomaly to its wire shape.
func FromDomain(a domain.Anomaly, symbol string) Anomaly {
	return Anomaly{
		Timestamp:        a.Timestamp,
		Symbol:           symbol,
		Strike:           float64(a.Strike),
		OptionType:       string(a.Side),
		Bid:              a.Bid,
		Ask:              a.Ask,
		MidPrice:         a.Mid,
		ExpectedPrice:    a.Expected,
		DeviationPercent: a.DeviationPct,
		ZScore:           a.ZScore,
		Volume:           a.Volume,
		OpenInterest:     a.OpenInterest,
		Severity:         string(a.Severity),
	}
}

// AnomaliesBatch is the detector→ingress envelope for one scan's anomalies.
type AnomaliesBatch struct {
	Count     int        `json:"count"`
	Anomalies []Anomaly  `json:"anomalies"`
	LastScan  *time.Time `json:"last_scan,omitempty"`
}

func (b *AnomaliesBatch) Validate() error {
	if b.Count != len(b.Anomalies) {
		return fmt.Errorf("batch: count %d does not match anomalies length %d", b.Count, len(b.Anomalies))
	}
	for i := range b.Anomalies {
		if err := b.Anomalies[i].Validate(); err != nil {
			return fmt.Errorf("batch: anomaly %d: %w", i, err)
		}
	}
	return nil
}

// StrikeRange bounds the ATM window on the wire.
type StrikeRange struct {
	MinStrike float64 `json:"min_strike"`
	MaxStrike float64 `json:"max_strike"`
}

// StrikeCounts says how many contracts per side contributed to an aggregate.
type StrikeCounts struct {
	Calls int `json:"calls"`
	Puts  int `json:"puts"`
}

// VolumeSnapshot is the per-scan ATM volume aggregate.
type VolumeSnapshot struct {
	Timestamp        time.Time    `json:"timestamp"`
	SpyPrice         float64      `json:"spy_price"`
	PreviousClose    float64      `json:"previous_close"`
	CallsVolumeATM   int64        `json:"calls_volume_atm"`
	PutsVolumeATM    int64        `json:"puts_volume_atm"`
	CallsVolumeDelta int64        `json:"calls_volume_delta"`
	PutsVolumeDelta  int64        `json:"puts_volume_delta"`
	ATMRange         StrikeRange  `json:"atm_range"`
	StrikesCount     StrikeCounts `json:"strikes_count"`
	SpyChangePct     *float64     `json:"spy_change_pct,omitempty"`
}

func (v *VolumeSnapshot) Validate() error {
	if v.Timestamp.IsZero() {
		return fmt.Errorf("volume snapshot: timestamp is required")
	}
	if v.SpyPrice <= 0 {
		return fmt.Errorf("volume snapshot: spy_price must be positive, got %g", v.SpyPrice)
	}
	if v.CallsVolumeATM < 0 || v.PutsVolumeATM < 0 {
		return fmt.Errorf("volume snapshot: aggregate volumes must be non-negative")
	}
	if v.CallsVolumeDelta < 0 || v.PutsVolumeDelta < 0 {
		return fmt.Errorf("volume snapshot: deltas must be non-negative")
	}
	if v.ATMRange.MaxStrike < v.ATMRange.MinStrike {
		return fmt.Errorf("volume snapshot: atm_range is inverted")
	}
	if v.StrikesCount.Calls < 0 || v.StrikesCount.Puts < 0 {
		return fmt.Errorf("volume snapshot: strike counts must be non-negative")
	}
	return nil
}

// FlowSnapshot carries the session-cumulative signed premium flows, emitted
// once per closed one-second bucket.
type FlowSnapshot struct {
	Timestamp   int64   `json:"timestamp"`
	CumCallFlow float64 `json:"cum_call_flow"`
	CumPutFlow  float64 `json:"cum_put_flow"`
	NetFlow     float64 `json:"net_flow"`
}

func (f *FlowSnapshot) Validate() error {
	if f.Timestamp <= 0 {
		return fmt.Errorf("flow snapshot: timestamp must be a positive unix second")
	}
	return nil
}

// SpyMarketSnapshot is one underlying tick.
type SpyMarketSnapshot struct {
	Timestamp int64    `json:"timestamp"`
	Price     float64  `json:"price"`
	Bid       *float64 `json:"bid,omitempty"`
	Ask       *float64 `json:"ask,omitempty"`
	Last      *float64 `json:"last,omitempty"`
	Volume    *int64   `json:"volume,omitempty"`
}

func (s *SpyMarketSnapshot) Validate() error {
	if s.Timestamp <= 0 {
		return fmt.Errorf("spy snapshot: timestamp must be a positive unix second")
	}
	if s.Price <= 0 {
		return fmt.Errorf("spy snapshot: price must be positive, got %g", s.Price)
	}
	return nil
}

// MarketState is the single-row mutable session record.
type MarketState struct {
	PreviousClose float64  `json:"previous_close"`
	ATMCenter     int      `json:"atm_center"`
	ATMMin        int      `json:"atm_min"`
	ATMMax        int      `json:"atm_max"`
	MarketStatus  string   `json:"market_status"`
	DailyHigh     *float64 `json:"daily_high,omitempty"`
	DailyLow      *float64 `json:"daily_low,omitempty"`
	LastUpdated   string   `json:"last_updated"`
}

func (m *MarketState) Validate() error {
	if m.PreviousClose < 0 {
		return fmt.Errorf("market state: previous_close must be non-negative")
	}
	if m.ATMMax < m.ATMMin {
		return fmt.Errorf("market state: atm window is inverted")
	}
	switch domain.MarketStatus(m.MarketStatus) {
	case domain.MarketOpen, domain.MarketClosed, domain.MarketPremarket:
	default:
		return fmt.Errorf("market state: unknown market_status %q", m.MarketStatus)
	}
	return nil
}
