package subs

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spyflow/spyflow/internal/domain"
	"github.com/spyflow/spyflow/internal/gateway"
	"github.com/spyflow/spyflow/internal/ratelimit"
)

const limiterScope = "subscribe"

// Config bounds the manager. Zero values fall back to defaults.
type Config struct {
	// HalfWidth is the ATM window half-width in strikes; the active set is
	// [center-HalfWidth, center+HalfWidth] on both sides.
	HalfWidth int
	// MaxHalfWidth is the hard cap on HalfWidth.
	MaxHalfWidth int
	// Width, when set, derives the half-width from the underlying price on
	// each reconcile instead of the fixed HalfWidth. The result is capped at
	// MaxHalfWidth.
	Width func(price float64) int
	// BurstSize caps back-to-back subscription creates; after each burst
	// the manager pauses for BurstPause before continuing.
	BurstSize int
	// BurstPause separates bursts of subscription creates.
	BurstPause time.Duration
	// Settle is how long to wait after churn for fresh ticks to populate.
	Settle time.Duration
}

func (c Config) withDefaults() Config {
	if c.HalfWidth == 0 {
		c.HalfWidth = 5
	}
	if c.MaxHalfWidth == 0 {
		c.MaxHalfWidth = 5
	}
	if c.HalfWidth > c.MaxHalfWidth {
		c.HalfWidth = c.MaxHalfWidth
	}
	if c.BurstSize == 0 {
		c.BurstSize = 10
	}
	if c.BurstPause == 0 {
		c.BurstPause = 100 * time.Millisecond
	}
	if c.Settle == 0 {
		c.Settle = 500 * time.Millisecond
	}
	if c.Settle > 500*time.Millisecond {
		c.Settle = 500 * time.Millisecond
	}
	return c
}

// ChurnFunc is invoked after each reconcile with the number of adds and
// cancels performed (wired to the churn counters).
type ChurnFunc func(added, canceled int)

// Manager holds the live ATM subscription window and diffs it against the
// desired window on every underlying tick.
type Manager struct {
	gw      gateway.Gateway
	limiter *ratelimit.Limiter
	cfg     Config
	expiry  func() string
	onChurn ChurnFunc

	active map[domain.ContractKey]gateway.Subscription
}

// NewManager builds a manager. expiry yields the 0-DTE expiration date for
// contract qualification, typically hours.Gate.SessionDate.
func NewManager(gw gateway.Gateway, limiter *ratelimit.Limiter, cfg Config, expiry func() string, onChurn ChurnFunc) *Manager {
	return &Manager{
		gw:      gw,
		limiter: limiter,
		cfg:     cfg.withDefaults(),
		expiry:  expiry,
		onChurn: onChurn,
		active:  make(map[domain.ContractKey]gateway.Subscription),
	}
}

// ActiveKeys returns the currently subscribed contracts, sorted for stable
// inspection.
func (m *Manager) ActiveKeys() []domain.ContractKey {
	keys := make([]domain.ContractKey, 0, len(m.active))
	for k := range m.active {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Strike != keys[j].Strike {
			return keys[i].Strike < keys[j].Strike
		}
		return keys[i].Side < keys[j].Side
	})
	return keys
}

// ActiveCount returns the size of the live subscription set.
func (m *Manager) ActiveCount() int {
	return len(m.active)
}

// Reconcile shifts the subscription window to the given underlying price:
// cancels contracts that left the window, subscribes contracts that entered
// it (bounded and rate-limited), waits a bounded settle interval, then
// materializes a snapshot of the active chain.
//
// Reconcile is idempotent for a fixed price and a steady gateway.
func (m *Manager) Reconcile(ctx context.Context, price float64) (domain.ChainSnapshot, error) {
	half := m.cfg.HalfWidth
	if m.cfg.Width != nil {
		if w := m.cfg.Width(price); w > 0 {
			half = w
		}
		if half > m.cfg.MaxHalfWidth {
			half = m.cfg.MaxHalfWidth
		}
	}
	window := domain.WindowAround(price, half)

	desired := make(map[domain.ContractKey]struct{}, window.Width()*2)
	for _, strike := range window.Strikes() {
		desired[domain.ContractKey{Strike: strike, Side: domain.Call}] = struct{}{}
		desired[domain.ContractKey{Strike: strike, Side: domain.Put}] = struct{}{}
	}

	canceled := m.cancelDeparted(ctx, desired)
	added, err := m.subscribeEntered(ctx, desired)
	if m.onChurn != nil {
		m.onChurn(added, canceled)
	}
	if err != nil {
		return domain.ChainSnapshot{}, err
	}

	if added > 0 || canceled > 0 {
		log.Debug().
			Int("added", added).
			Int("canceled", canceled).
			Int("active", len(m.active)).
			Int("window_min", window.Min).
			Int("window_max", window.Max).
			Msg("subscription window reconciled")
	}

	// Let fresh ticks populate before reading quotes.
	if added > 0 {
		select {
		case <-ctx.Done():
			return domain.ChainSnapshot{}, ctx.Err()
		case <-time.After(m.cfg.Settle):
		}
	}

	return m.snapshot(price, window), nil
}

func (m *Manager) cancelDeparted(ctx context.Context, desired map[domain.ContractKey]struct{}) int {
	canceled := 0
	for key, sub := range m.active {
		if _, keep := desired[key]; keep {
			continue
		}
		if err := m.gw.Cancel(ctx, sub); err != nil {
			log.Warn().Err(err).Stringer("contract", key).Msg("cancel failed, dropping handle")
		}
		delete(m.active, key)
		canceled++
	}
	return canceled
}

// subscribeEntered qualifies and subscribes every missing contract, pacing
// creates through the limiter and pausing between bursts of BurstSize so the
// gateway is never flooded. A contract the gateway does not know is dropped
// silently and retried on the next reconcile.
func (m *Manager) subscribeEntered(ctx context.Context, desired map[domain.ContractKey]struct{}) (int, error) {
	missing := make([]domain.ContractKey, 0, len(desired))
	for key := range desired {
		if _, ok := m.active[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].Strike != missing[j].Strike {
			return missing[i].Strike < missing[j].Strike
		}
		return missing[i].Side < missing[j].Side
	})

	expiry := m.expiry()
	added := 0
	for _, key := range missing {
		if added > 0 && added%m.cfg.BurstSize == 0 {
			select {
			case <-ctx.Done():
				return added, ctx.Err()
			case <-time.After(m.cfg.BurstPause):
			}
		}
		if err := m.limiter.Wait(ctx, limiterScope); err != nil {
			return added, err
		}

		contract, err := m.gw.Qualify(ctx, expiry, key.Strike, key.Side)
		if err != nil {
			// Non-existent or transiently unresolvable; retried next pass.
			log.Debug().Err(err).Stringer("contract", key).Msg("qualify failed")
			continue
		}
		sub, err := m.gw.Subscribe(ctx, contract)
		if err != nil {
			log.Debug().Err(err).Stringer("contract", key).Msg("subscribe failed")
			continue
		}
		m.active[key] = sub
		added++
	}
	return added, nil
}

// snapshot reads every active handle, normalizing NaNs to 0 and deriving mid
// only when both sides are valid.
func (m *Manager) snapshot(price float64, window domain.Window) domain.ChainSnapshot {
	snap := domain.ChainSnapshot{
		Timestamp:       time.Now().UTC(),
		UnderlyingPrice: price,
		Window:          window,
		Quotes:          make([]domain.OptionQuote, 0, len(m.active)),
	}
	for key, sub := range m.active {
		q := sub.Quote()
		bid := sanitize(q.Bid)
		ask := sanitize(q.Ask)
		var mid float64
		if bid > 0 && ask > 0 {
			mid = (bid + ask) / 2
		}
		snap.Quotes = append(snap.Quotes, domain.OptionQuote{
			Strike:       key.Strike,
			Side:         key.Side,
			Bid:          bid,
			Ask:          ask,
			Last:         sanitize(q.Last),
			Mid:          mid,
			Volume:       q.Volume,
			OpenInterest: q.OpenInterest,
		})
	}
	sort.Slice(snap.Quotes, func(i, j int) bool {
		if snap.Quotes[i].Strike != snap.Quotes[j].Strike {
			return snap.Quotes[i].Strike < snap.Quotes[j].Strike
		}
		return snap.Quotes[i].Side < snap.Quotes[j].Side
	})
	return snap
}

// CancelAll tears down every subscription, used at shutdown.
func (m *Manager) CancelAll(ctx context.Context) {
	for key, sub := range m.active {
		if err := m.gw.Cancel(ctx, sub); err != nil {
			log.Warn().Err(err).Stringer("contract", key).Msg("cancel failed during shutdown")
		}
		delete(m.active, key)
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
