package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_AllowWithinBurst(t *testing.T) {
	l := NewLimiter(1, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("subscribe"), "request %d should pass within burst", i)
	}
	assert.False(t, l.Allow("subscribe"), "burst exhausted")
}

func TestLimiter_ScopesAreIndependent(t *testing.T) {
	l := NewLimiter(1, 1)

	assert.True(t, l.Allow("subscribe"))
	assert.False(t, l.Allow("subscribe"))
	assert.True(t, l.Allow("marketdata"), "a drained scope must not starve others")
}

func TestLimiter_WaitHonorsContext(t *testing.T) {
	l := NewLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background(), "subscribe"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "subscribe")
	assert.Error(t, err)
}

func TestLimiter_SetRateAppliesToExistingScopes(t *testing.T) {
	l := NewLimiter(1, 1)
	l.Allow("subscribe")

	l.SetRate(100)
	stats := l.StatsAll()
	require.Contains(t, stats, "subscribe")
	assert.Equal(t, 100.0, stats["subscribe"].RPS)
}

func TestLimiter_StatsAll(t *testing.T) {
	l := NewLimiter(10, 3)
	l.Allow("a")
	l.Allow("b")

	stats := l.StatsAll()
	assert.Len(t, stats, 2)
	assert.Equal(t, 3, stats["a"].Burst)
}
