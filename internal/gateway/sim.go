package gateway

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/spyflow/spyflow/internal/domain"
)

// Simulator is an in-process gateway producing a plausible 0-DTE chain:
// exponential price decay away from ATM with quote noise, a random-walk
// underlying, and monotone cumulative volumes. It backs the offline mode of
// the detector and the package tests; it never leaves the process.
type Simulator struct {
	mu        sync.Mutex
	connected bool
	price     float64
	prevClose float64
	rng       *rand.Rand
	subs      map[domain.ContractKey]*simSubscription
}

// NewSimulator seeds the walk at the given price.
func NewSimulator(startPrice float64, seed int64) *Simulator {
	return &Simulator{
		price:     startPrice,
		prevClose: startPrice * 0.998,
		rng:       rand.New(rand.NewSource(seed)),
		subs:      make(map[domain.ContractKey]*simSubscription),
	}
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Simulator) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) UnderlyingPrice(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	// Small random walk, ~2 cents a step.
	s.price += s.rng.NormFloat64() * 0.02
	return s.price, nil
}

func (s *Simulator) PreviousClose(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, ErrNotConnected
	}
	return s.prevClose, nil
}

func (s *Simulator) Qualify(ctx context.Context, expiry string, strike int, side domain.Side) (Contract, error) {
	if !s.IsConnected() {
		return Contract{}, ErrNotConnected
	}
	if strike <= 0 {
		return Contract{}, ErrNoSuchContract
	}
	return Contract{Symbol: "SPY", Expiry: expiry, Strike: strike, Side: side}, nil
}

func (s *Simulator) Subscribe(ctx context.Context, c Contract) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	sub := &simSubscription{sim: s, contract: c, volume: int64(s.rng.Intn(5000))}
	s.subs[c.Key()] = sub
	return sub, nil
}

func (s *Simulator) Cancel(ctx context.Context, sub Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	if ss, ok := sub.(*simSubscription); ok {
		delete(s.subs, ss.contract.Key())
	}
	return nil
}

type simSubscription struct {
	sim      *Simulator
	contract Contract
	volume   int64
}

func (ss *simSubscription) Contract() Contract { return ss.contract }

// Quote synthesizes a decayed premium for the contract's distance from ATM
// with a touch of noise, and advances cumulative volume.
func (ss *simSubscription) Quote() Quote {
	ss.sim.mu.Lock()
	defer ss.sim.mu.Unlock()

	price := ss.sim.price
	dist := math.Abs(float64(ss.contract.Strike) - price)
	mid := 6.0*math.Exp(-0.2*dist) + ss.sim.rng.NormFloat64()*0.03
	if mid < 0.01 {
		mid = 0.01
	}
	spread := 0.02 + ss.sim.rng.Float64()*0.04
	bid := mid - spread/2
	ask := mid + spread/2
	if bid < 0.01 {
		bid = 0.01
	}

	// Trades print at bid or ask with equal odds, occasionally inside.
	last := mid
	switch ss.sim.rng.Intn(3) {
	case 0:
		last = bid
	case 1:
		last = ask
	}

	ss.volume += int64(ss.sim.rng.Intn(200))
	return Quote{
		Bid:          bid,
		Ask:          ask,
		Last:         last,
		Volume:       ss.volume,
		OpenInterest: 1000 + ss.volume/10,
	}
}

var _ Gateway = (*Simulator)(nil)

func (s *Simulator) String() string {
	return fmt.Sprintf("sim(price=%.2f)", s.price)
}

// Tick advances the walk deterministically by dt without a price read; used
// by tests that want time-driven motion.
func (s *Simulator) Tick(dt time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.price += s.rng.NormFloat64() * 0.02 * dt.Seconds()
}
