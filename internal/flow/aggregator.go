package flow

import (
	"time"

	"github.com/spyflow/spyflow/internal/domain"
)

// ContractMultiplier is the standard US equity-option contract size.
const ContractMultiplier = 100

// Aggregator turns per-contract cumulative-volume observations into signed
// premium flow. Trade aggression is classified with the Lee-Ready rule at the
// live quote: at-or-above ask is an aggressive buy, at-or-below bid an
// aggressive sell, strictly inside the spread neutral. Without trade-condition
// codes this is an approximation, and a documented one.
//
// Per-contract state lives here, not in the subscription manager: a strike
// that leaves the ATM window and later re-enters resumes against its prior
// cumulative volume instead of double-counting the gap.
type Aggregator struct {
	lastVolume map[domain.ContractKey]int64
	cumCall    float64
	cumPut     float64
}

func NewAggregator() *Aggregator {
	return &Aggregator{lastVolume: make(map[domain.ContractKey]int64)}
}

// Tick processes one quote observation and returns the per-tick signed
// premium contribution as (call, put); only the side of the contract is
// non-zero. Neutral and unpriceable ticks contribute (0, 0).
func (a *Aggregator) Tick(q domain.OptionQuote) (callContrib, putContrib float64) {
	key := q.Key()
	delta := q.Volume - a.lastVolume[key]
	a.lastVolume[key] = q.Volume

	if delta <= 0 || q.Bid <= 0 || q.Ask <= 0 || q.Last <= 0 {
		return 0, 0
	}

	var sign float64
	switch {
	case q.Last >= q.Ask:
		sign = 1
	case q.Last <= q.Bid:
		sign = -1
	default:
		return 0, 0
	}

	premium := float64(delta) * q.Last * ContractMultiplier * sign
	if q.Side == domain.Call {
		a.cumCall += premium
		return premium, 0
	}
	a.cumPut += premium
	return 0, premium
}

// Cumulative returns the session-cumulative signed flows and their net.
func (a *Aggregator) Cumulative() (call, put, net float64) {
	return a.cumCall, a.cumPut, a.cumCall - a.cumPut
}

// Reset clears all per-contract and cumulative state at session rollover.
func (a *Aggregator) Reset() {
	a.lastVolume = make(map[domain.ContractKey]int64)
	a.cumCall = 0
	a.cumPut = 0
}

// Bucket is one closed wall-clock second of per-tick contributions.
type Bucket struct {
	Second time.Time
	Call   float64
	Put    float64
}

// Bucketer accumulates per-tick contributions into one-second buckets. A
// bucket closes when the first tick of a later second arrives.
type Bucketer struct {
	openSecond time.Time
	call       float64
	put        float64
	primed     bool
}

func NewBucketer() *Bucketer {
	return &Bucketer{}
}

// Add folds one tick's contributions into the open bucket. When the tick
// belongs to a later second it closes and returns the previous bucket and
// opens a new one seeded with this tick.
func (b *Bucketer) Add(now time.Time, callContrib, putContrib float64) *Bucket {
	sec := now.Truncate(time.Second)

	if !b.primed {
		b.openSecond = sec
		b.primed = true
	}

	if sec.Equal(b.openSecond) {
		b.call += callContrib
		b.put += putContrib
		return nil
	}

	closed := &Bucket{Second: b.openSecond, Call: b.call, Put: b.put}
	b.openSecond = sec
	b.call = callContrib
	b.put = putContrib
	return closed
}

// Flush closes and returns the currently open bucket, if any. Used at
// shutdown so the final partial second is not lost.
func (b *Bucketer) Flush() *Bucket {
	if !b.primed {
		return nil
	}
	closed := &Bucket{Second: b.openSecond, Call: b.call, Put: b.put}
	b.primed = false
	b.call = 0
	b.put = 0
	return closed
}
