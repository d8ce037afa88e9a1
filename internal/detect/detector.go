package detect

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/domain"
)

// Config tunes the detector. Zero values are replaced by defaults.
type Config struct {
	// ZThreshold is the z-score cut for flagging; a contract is anomalous
	// when deviation_pct < DeviationFloor and z < -ZThreshold.
	ZThreshold float64
	// DeviationFloor is the percent-deviation cut, expressed negative.
	DeviationFloor float64
	// MaxRelativeSpread drops rows whose (ask-bid)/mid is at or above it.
	MaxRelativeSpread float64
	// MinFitPoints is the minimum rows per side for the curve fit.
	MinFitPoints int
	// MaxIterations caps the least-squares solver.
	MaxIterations int
}

func (c Config) withDefaults() Config {
	if c.ZThreshold == 0 {
		c.ZThreshold = 0.5
	}
	if c.DeviationFloor == 0 {
		c.DeviationFloor = -10
	}
	if c.MaxRelativeSpread == 0 {
		c.MaxRelativeSpread = 0.5
	}
	if c.MinFitPoints == 0 {
		c.MinFitPoints = 5
	}
	if c.MaxIterations == 0 {
		c.MaxIterations = 5000
	}
	return c
}

// Detector flags statistically cheap contracts against a fitted decay curve.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Detect runs one pass per side over the snapshot and returns every contract
// priced significantly below the side's fitted decay curve.
func (d *Detector) Detect(quotes []domain.OptionQuote, underlying float64, now time.Time) []domain.Anomaly {
	atm := domain.ATMStrike(underlying)

	var calls, puts []domain.OptionQuote
	for _, q := range quotes {
		switch {
		case q.Side == domain.Call && q.Strike >= atm:
			calls = append(calls, q)
		case q.Side == domain.Put && q.Strike <= atm:
			puts = append(puts, q)
		}
	}

	// Calls decay going up from ATM, puts going down; sorting each side by
	// distance keeps the fit's x-axis monotone.
	sort.Slice(calls, func(i, j int) bool { return calls[i].Strike < calls[j].Strike })
	sort.Slice(puts, func(i, j int) bool { return puts[i].Strike > puts[j].Strike })

	var out []domain.Anomaly
	out = append(out, d.detectSide(calls, atm, now)...)
	out = append(out, d.detectSide(puts, atm, now)...)
	return out
}

// detectSide fits mid = a*exp(-b*distance) over one side and scores each
// row's deviation from the curve. A failed fit falls back to the
// consecutive-change detector.
func (d *Detector) detectSide(side []domain.OptionQuote, atm int, now time.Time) []domain.Anomaly {
	rows := d.prefilter(side)
	if len(rows) < d.cfg.MinFitPoints {
		return nil
	}

	xs := make([]float64, len(rows))
	ys := make([]float64, len(rows))
	for i, q := range rows {
		xs[i] = math.Abs(float64(q.Strike - atm))
		ys[i] = q.Mid
	}

	fit, err := fitExpDecay(xs, ys, ys[0], 0.1, d.cfg.MaxIterations)
	if err != nil {
		log.Debug().Err(err).Int("rows", len(rows)).Msg("curve fit failed, using simple-stats fallback")
		return d.fallbackSide(rows, now)
	}

	devs := make([]float64, len(rows))
	for i := range rows {
		expected := fit.Expected(xs[i])
		if expected <= 0 {
			devs[i] = 0
			continue
		}
		devs[i] = (ys[i] - expected) / expected * 100
	}

	mean, std := meanStd(devs)
	if std == 0 {
		return nil
	}

	var out []domain.Anomaly
	for i, q := range rows {
		z := (devs[i] - mean) / std
		if devs[i] >= d.cfg.DeviationFloor || z >= -d.cfg.ZThreshold {
			continue
		}
		out = append(out, domain.Anomaly{
			Timestamp:    now,
			Strike:       q.Strike,
			Side:         q.Side,
			Bid:          q.Bid,
			Ask:          q.Ask,
			Mid:          q.Mid,
			Expected:     fit.Expected(xs[i]),
			DeviationPct: devs[i],
			ZScore:       z,
			Volume:       q.Volume,
			OpenInterest: q.OpenInterest,
			Severity:     domain.ClassifySeverity(z, devs[i]),
		})
	}
	return out
}

// prefilter drops rows without a usable mid or with a spread too wide to
// trust the quote.
func (d *Detector) prefilter(side []domain.OptionQuote) []domain.OptionQuote {
	out := make([]domain.OptionQuote, 0, len(side))
	for _, q := range side {
		if q.Mid <= 0 {
			continue
		}
		if (q.Ask-q.Bid)/q.Mid >= d.cfg.MaxRelativeSpread {
			continue
		}
		out = append(out, q)
	}
	return out
}

// fallbackSide z-scores consecutive-strike percent price changes when the
// curve fit is unavailable. Only drops (underpriced rows) are flagged,
// matching the curve-fit path's direction.
func (d *Detector) fallbackSide(rows []domain.OptionQuote, now time.Time) []domain.Anomaly {
	if len(rows) < 4 {
		return nil
	}

	byStrike := make([]domain.OptionQuote, len(rows))
	copy(byStrike, rows)
	sort.Slice(byStrike, func(i, j int) bool { return byStrike[i].Strike < byStrike[j].Strike })

	changes := make([]float64, len(byStrike))
	for i := 1; i < len(byStrike); i++ {
		prev := math.Max(byStrike[i-1].Mid, 0.05)
		changes[i] = (byStrike[i].Mid - byStrike[i-1].Mid) / prev * 100
	}

	mean, std := meanStd(changes)
	if std == 0 {
		return nil
	}

	var out []domain.Anomaly
	for i := 1; i < len(byStrike); i++ {
		z := (changes[i] - mean) / std
		if z >= -d.cfg.ZThreshold || changes[i] >= 0 {
			continue
		}
		q := byStrike[i]
		out = append(out, domain.Anomaly{
			Timestamp:    now,
			Strike:       q.Strike,
			Side:         q.Side,
			Bid:          q.Bid,
			Ask:          q.Ask,
			Mid:          q.Mid,
			Expected:     byStrike[i-1].Mid,
			DeviationPct: changes[i],
			ZScore:       z,
			Volume:       q.Volume,
			OpenInterest: q.OpenInterest,
			Severity:     domain.ClassifySeverity(z, changes[i]),
		})
	}
	return out
}
