package detect

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyflow/spyflow/internal/domain"
)

// chainQuote builds a tight-spread quote around the given mid.
func chainQuote(strike int, side domain.Side, mid float64) domain.OptionQuote {
	return domain.OptionQuote{
		Strike:       strike,
		Side:         side,
		Bid:          mid - 0.02,
		Ask:          mid + 0.02,
		Last:         mid,
		Mid:          mid,
		Volume:       1000,
		OpenInterest: 5000,
	}
}

func TestDetector_FlagsUnderpricedCall(t *testing.T) {
	// Calls at 500..509 on a clean 6*exp(-0.2*d) decay, with the mid at
	// strike 505 knocked down from ~2.21 to 1.40.
	mids := []float64{6.00, 4.92, 4.04, 3.31, 2.72, 2.23, 1.83, 1.50, 1.23, 1.01}
	mids[5] = 1.40

	quotes := make([]domain.OptionQuote, 0, len(mids))
	for i, mid := range mids {
		quotes = append(quotes, chainQuote(500+i, domain.Call, mid))
	}

	d := New(Config{})
	now := time.Now()
	anomalies := d.Detect(quotes, 500.00, now)

	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, 505, a.Strike)
	assert.Equal(t, domain.Call, a.Side)
	// The outlier pulls the fit slightly; expected lands near 2.1 rather
	// than the ideal curve's 2.21.
	assert.InDelta(t, 2.21, a.Expected, 0.15)
	assert.InDelta(t, -36.7, a.DeviationPct, 4.0)
	assert.Less(t, a.ZScore, -0.5)
	assert.Equal(t, domain.SeverityHigh, a.Severity)
	assert.Equal(t, now, a.Timestamp)
}

func TestDetector_CleanCurveProducesNothing(t *testing.T) {
	quotes := make([]domain.OptionQuote, 0, 10)
	for i := 0; i < 10; i++ {
		mid := 6.0 * math.Exp(-0.2*float64(i))
		quotes = append(quotes, chainQuote(500+i, domain.Call, mid))
	}

	d := New(Config{})
	assert.Empty(t, d.Detect(quotes, 500.00, time.Now()))
}

func TestDetector_PutsScoredBelowATM(t *testing.T) {
	// Puts decay going down from ATM; strike 495 is knocked down.
	quotes := make([]domain.OptionQuote, 0, 10)
	for i := 0; i < 10; i++ {
		mid := 6.0 * math.Exp(-0.2*float64(i))
		if i == 5 {
			mid *= 0.6
		}
		quotes = append(quotes, chainQuote(500-i, domain.Put, mid))
	}

	d := New(Config{})
	anomalies := d.Detect(quotes, 500.00, time.Now())

	require.Len(t, anomalies, 1)
	assert.Equal(t, 495, anomalies[0].Strike)
	assert.Equal(t, domain.Put, anomalies[0].Side)
	assert.Negative(t, anomalies[0].DeviationPct)
}

func TestDetector_TooFewPointsSkipsSide(t *testing.T) {
	quotes := []domain.OptionQuote{
		chainQuote(500, domain.Call, 6.00),
		chainQuote(501, domain.Call, 4.92),
		chainQuote(502, domain.Call, 4.04),
	}

	d := New(Config{})
	assert.Empty(t, d.Detect(quotes, 500.00, time.Now()))
}

func TestDetector_WideSpreadRowsDropped(t *testing.T) {
	quotes := make([]domain.OptionQuote, 0, 10)
	for i := 0; i < 10; i++ {
		mid := 6.0 * math.Exp(-0.2*float64(i))
		q := chainQuote(500+i, domain.Call, mid)
		// Blow out every spread so nothing survives the prefilter.
		q.Bid = mid * 0.5
		q.Ask = mid * 1.5
		quotes = append(quotes, q)
	}

	d := New(Config{})
	assert.Empty(t, d.Detect(quotes, 500.00, time.Now()))
}

func TestDetector_FallbackFlagsOnlyDrops(t *testing.T) {
	d := New(Config{})
	now := time.Now()

	// A sharp drop at one strike, a sharp rise at another. Only the drop
	// may be flagged.
	rows := []domain.OptionQuote{
		chainQuote(500, domain.Call, 5.00),
		chainQuote(501, domain.Call, 4.80),
		chainQuote(502, domain.Call, 1.00),
		chainQuote(503, domain.Call, 4.40),
		chainQuote(504, domain.Call, 4.20),
		chainQuote(505, domain.Call, 4.00),
	}
	anomalies := d.fallbackSide(rows, now)

	require.NotEmpty(t, anomalies)
	for _, a := range anomalies {
		assert.Negative(t, a.DeviationPct)
		assert.Less(t, a.ZScore, -d.cfg.ZThreshold)
	}
}

func TestDetector_FallbackNeedsFourRows(t *testing.T) {
	d := New(Config{})
	rows := []domain.OptionQuote{
		chainQuote(500, domain.Call, 5.00),
		chainQuote(501, domain.Call, 1.00),
		chainQuote(502, domain.Call, 4.00),
	}
	assert.Empty(t, d.fallbackSide(rows, time.Now()))
}

func TestCurveFit_RecoversKnownParameters(t *testing.T) {
	xs := make([]float64, 10)
	ys := make([]float64, 10)
	for i := range xs {
		xs[i] = float64(i)
		ys[i] = 6.0 * math.Exp(-0.2*xs[i])
	}

	fit, err := fitExpDecay(xs, ys, ys[0], 0.1, 5000)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, fit.A, 1e-4)
	assert.InDelta(t, 0.2, fit.B, 1e-4)
}

func TestCurveFit_RejectsTooFewPoints(t *testing.T) {
	_, err := fitExpDecay([]float64{1}, []float64{2}, 2, 0.1, 100)
	assert.ErrorIs(t, err, errFitInput)
}

func TestCurveFit_DecayStaysBounded(t *testing.T) {
	// A near-vertical cliff pushes b against the upper bound; the clamp
	// keeps it at 1.0 instead of diverging.
	xs := []float64{0, 1, 2, 3, 4}
	ys := []float64{10, 0.1, 0.01, 0.001, 0.0001}

	fit, err := fitExpDecay(xs, ys, ys[0], 0.1, 5000)
	require.NoError(t, err)
	assert.LessOrEqual(t, fit.B, 1.0)
	assert.Positive(t, fit.A)
}

func TestMeanStd(t *testing.T) {
	mean, std := meanStd([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	assert.InDelta(t, 5.0, mean, 1e-9)
	assert.InDelta(t, 2.0, std, 1e-9)

	mean, std = meanStd(nil)
	assert.Zero(t, mean)
	assert.Zero(t, std)
}

func TestClassifySeverityBoundaries(t *testing.T) {
	assert.Equal(t, domain.SeverityHigh, domain.ClassifySeverity(-2.5, -20))
	assert.Equal(t, domain.SeverityHigh, domain.ClassifySeverity(-0.8, -60))
	assert.Equal(t, domain.SeverityMedium, domain.ClassifySeverity(-1.5, -20))
	assert.Equal(t, domain.SeverityMedium, domain.ClassifySeverity(-0.6, -35))
	assert.Equal(t, domain.SeverityLow, domain.ClassifySeverity(-0.6, -15))
}
