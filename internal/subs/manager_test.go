package subs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spyflow/spyflow/internal/domain"
	"github.com/spyflow/spyflow/internal/gateway"
	"github.com/spyflow/spyflow/internal/ratelimit"
)

func newTestManager(t *testing.T, onChurn ChurnFunc) (*Manager, *gateway.Simulator) {
	t.Helper()
	sim := gateway.NewSimulator(500.0, 1)
	require.NoError(t, sim.Connect(context.Background()))

	cfg := Config{
		HalfWidth:    5,
		MaxHalfWidth: 5,
		BurstSize:    10,
		BurstPause:   time.Millisecond,
		Settle:       time.Millisecond,
	}
	limiter := ratelimit.NewLimiter(10_000, 100)
	m := NewManager(sim, limiter, cfg, func() string { return "20260824" }, onChurn)
	return m, sim
}

func activeSet(m *Manager) map[domain.ContractKey]bool {
	set := make(map[domain.ContractKey]bool)
	for _, k := range m.ActiveKeys() {
		set[k] = true
	}
	return set
}

func TestManager_WindowExactness(t *testing.T) {
	m, _ := newTestManager(t, nil)

	snap, err := m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)

	// Center 500, half-width 5: strikes 495..505, both sides, 22 contracts.
	assert.Equal(t, 22, m.ActiveCount())
	assert.Equal(t, domain.Window{Min: 495, Max: 505}, snap.Window)

	set := activeSet(m)
	for strike := 495; strike <= 505; strike++ {
		assert.True(t, set[domain.ContractKey{Strike: strike, Side: domain.Call}], "missing %dC", strike)
		assert.True(t, set[domain.ContractKey{Strike: strike, Side: domain.Put}], "missing %dP", strike)
	}
}

func TestManager_ReconcileIdempotent(t *testing.T) {
	var adds, cancels int
	m, _ := newTestManager(t, func(a, c int) { adds += a; cancels += c })

	_, err := m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)
	first := m.ActiveKeys()
	assert.Equal(t, 22, adds)

	_, err = m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)

	assert.Equal(t, first, m.ActiveKeys())
	assert.Equal(t, 22, adds, "steady window must not churn")
	assert.Zero(t, cancels)
}

func TestManager_WindowShift(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Reconcile(ctx, 500.00)
	require.NoError(t, err)

	// 501.49 rounds to 501: the window slides one strike up. 495 leaves on
	// both sides, 506 enters on both sides, everything else is retained.
	_, err = m.Reconcile(ctx, 501.49)
	require.NoError(t, err)

	assert.Equal(t, 22, m.ActiveCount())
	set := activeSet(m)
	assert.False(t, set[domain.ContractKey{Strike: 495, Side: domain.Call}])
	assert.False(t, set[domain.ContractKey{Strike: 495, Side: domain.Put}])
	assert.True(t, set[domain.ContractKey{Strike: 506, Side: domain.Call}])
	assert.True(t, set[domain.ContractKey{Strike: 506, Side: domain.Put}])
	for strike := 496; strike <= 505; strike++ {
		assert.True(t, set[domain.ContractKey{Strike: strike, Side: domain.Call}])
		assert.True(t, set[domain.ContractKey{Strike: strike, Side: domain.Put}])
	}
}

func TestManager_SnapshotSortedAndNormalized(t *testing.T) {
	m, _ := newTestManager(t, nil)

	snap, err := m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)
	require.Len(t, snap.Quotes, 22)

	for i := 1; i < len(snap.Quotes); i++ {
		prev, cur := snap.Quotes[i-1], snap.Quotes[i]
		assert.True(t, prev.Strike < cur.Strike ||
			(prev.Strike == cur.Strike && prev.Side < cur.Side))
	}
	for _, q := range snap.Quotes {
		assert.GreaterOrEqual(t, q.Bid, 0.0)
		assert.GreaterOrEqual(t, q.Ask, 0.0)
		if q.Mid > 0 {
			assert.Positive(t, q.Bid)
			assert.Positive(t, q.Ask)
		}
	}
}

func TestManager_CancelAll(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := m.Reconcile(ctx, 500.00)
	require.NoError(t, err)
	require.Equal(t, 22, m.ActiveCount())

	m.CancelAll(ctx)
	assert.Zero(t, m.ActiveCount())
}

func TestManager_WidthFromPrice(t *testing.T) {
	sim := gateway.NewSimulator(500.0, 1)
	require.NoError(t, sim.Connect(context.Background()))

	cfg := Config{
		HalfWidth:    2,
		MaxHalfWidth: 4,
		// 1% of the underlying, as the production wiring derives it.
		Width:      func(price float64) int { return int(price / 100) },
		BurstPause: time.Millisecond,
		Settle:     time.Millisecond,
	}
	m := NewManager(sim, ratelimit.NewLimiter(10_000, 100), cfg, func() string { return "20260824" }, nil)

	// Width(500) = 5, capped at MaxHalfWidth 4: strikes 496..504.
	snap, err := m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)
	assert.Equal(t, domain.Window{Min: 496, Max: 504}, snap.Window)
	assert.Equal(t, 18, m.ActiveCount())

	// Width(300) = 3, under the cap: the window tracks the price.
	snap, err = m.Reconcile(context.Background(), 300.00)
	require.NoError(t, err)
	assert.Equal(t, domain.Window{Min: 297, Max: 303}, snap.Window)
	assert.Equal(t, 14, m.ActiveCount())
}

func TestManager_HalfWidthCapped(t *testing.T) {
	sim := gateway.NewSimulator(500.0, 1)
	require.NoError(t, sim.Connect(context.Background()))

	cfg := Config{
		HalfWidth:    9,
		MaxHalfWidth: 5,
		BurstPause:   time.Millisecond,
		Settle:       time.Millisecond,
	}
	m := NewManager(sim, ratelimit.NewLimiter(10_000, 100), cfg, func() string { return "20260824" }, nil)

	_, err := m.Reconcile(context.Background(), 500.00)
	require.NoError(t, err)
	assert.Equal(t, 22, m.ActiveCount())
}
