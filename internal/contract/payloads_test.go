package contract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyflow/spyflow/internal/domain"
)

func validAnomaly() Anomaly {
	return Anomaly{
		Timestamp:        time.Now().UTC(),
		Symbol:           "SPY",
		Strike:           505,
		OptionType:       "CALL",
		Bid:              1.38,
		Ask:              1.42,
		MidPrice:         1.40,
		ExpectedPrice:    2.21,
		DeviationPercent: -36.7,
		ZScore:           -1.8,
		Volume:           1200,
		OpenInterest:     5400,
		Severity:         "MEDIUM",
	}
}

func TestAnomaly_Validate(t *testing.T) {
	a := validAnomaly()
	require.NoError(t, a.Validate())

	cases := []struct {
		name   string
		mutate func(*Anomaly)
	}{
		{"zero timestamp", func(a *Anomaly) { a.Timestamp = time.Time{} }},
		{"empty symbol", func(a *Anomaly) { a.Symbol = "" }},
		{"non-positive strike", func(a *Anomaly) { a.Strike = 0 }},
		{"bad side", func(a *Anomaly) { a.OptionType = "STRADDLE" }},
		{"negative bid", func(a *Anomaly) { a.Bid = -1 }},
		{"negative expected", func(a *Anomaly) { a.ExpectedPrice = -0.5 }},
		{"negative volume", func(a *Anomaly) { a.Volume = -1 }},
		{"unknown severity", func(a *Anomaly) { a.Severity = "CRITICAL" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := validAnomaly()
			tc.mutate(&a)
			assert.Error(t, a.Validate())
		})
	}
}

func TestAnomaliesBatch_CountMustMatch(t *testing.T) {
	b := AnomaliesBatch{Count: 2, Anomalies: []Anomaly{validAnomaly()}}
	assert.Error(t, b.Validate())

	b = AnomaliesBatch{Count: 1, Anomalies: []Anomaly{validAnomaly()}}
	assert.NoError(t, b.Validate())

	// One bad element fails the whole batch.
	bad := validAnomaly()
	bad.Severity = "???"
	b = AnomaliesBatch{Count: 2, Anomalies: []Anomaly{validAnomaly(), bad}}
	assert.Error(t, b.Validate())
}

func TestVolumeSnapshot_Validate(t *testing.T) {
	v := VolumeSnapshot{
		Timestamp:      time.Now().UTC(),
		SpyPrice:       500.25,
		CallsVolumeATM: 1_000_000,
		PutsVolumeATM:  900_000,
		ATMRange:       StrikeRange{MinStrike: 495, MaxStrike: 505},
		StrikesCount:   StrikeCounts{Calls: 11, Puts: 11},
	}
	require.NoError(t, v.Validate())

	v.SpyPrice = 0
	assert.Error(t, v.Validate())

	v.SpyPrice = 500.25
	v.CallsVolumeDelta = -1
	assert.Error(t, v.Validate())

	v.CallsVolumeDelta = 0
	v.ATMRange = StrikeRange{MinStrike: 505, MaxStrike: 495}
	assert.Error(t, v.Validate())
}

func TestFlowSnapshot_Validate(t *testing.T) {
	f := FlowSnapshot{Timestamp: time.Now().Unix(), CumCallFlow: 1500, CumPutFlow: -800, NetFlow: 2300}
	assert.NoError(t, f.Validate())

	f.Timestamp = 0
	assert.Error(t, f.Validate())
}

func TestSpyMarketSnapshot_Validate(t *testing.T) {
	s := SpyMarketSnapshot{Timestamp: time.Now().Unix(), Price: 500.25}
	assert.NoError(t, s.Validate())

	s.Price = -1
	assert.Error(t, s.Validate())
}

func TestMarketState_Validate(t *testing.T) {
	m := MarketState{PreviousClose: 499.10, ATMCenter: 500, ATMMin: 495, ATMMax: 505, MarketStatus: "OPEN"}
	assert.NoError(t, m.Validate())

	m.MarketStatus = "HALTED"
	assert.Error(t, m.Validate())

	m.MarketStatus = "CLOSED"
	m.ATMMin, m.ATMMax = 505, 495
	assert.Error(t, m.Validate())
}

func TestFromDomain(t *testing.T) {
	now := time.Now().UTC()
	a := FromDomain(domain.Anomaly{
		Timestamp:    now,
		Strike:       505,
		Side:         domain.Call,
		Bid:          1.38,
		Ask:          1.42,
		Mid:          1.40,
		Expected:     2.21,
		DeviationPct: -36.7,
		ZScore:       -1.8,
		Volume:       1200,
		OpenInterest: 5400,
		Severity:     domain.SeverityMedium,
	}, "SPY")

	assert.Equal(t, "SPY", a.Symbol)
	assert.Equal(t, 505.0, a.Strike)
	assert.Equal(t, "CALL", a.OptionType)
	assert.Equal(t, "MEDIUM", a.Severity)
	assert.NoError(t, a.Validate())
}
