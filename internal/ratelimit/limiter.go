package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-scope token-bucket rate limiting. Scopes are coarse
// request classes against an upstream ("subscribe", "marketdata"), not hosts:
// the gateway connection is single-writer, so fairness across hosts is moot,
// but subscription churn must not flood it.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
	rps      float64
	burst    int
}

// NewLimiter creates a limiter with the given sustained rate and burst.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rps,
		burst:    burst,
	}
}

func (l *Limiter) get(scope string) *rate.Limiter {
	l.mu.RLock()
	lim, ok := l.limiters[scope]
	l.mu.RUnlock()
	if ok {
		return lim
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.limiters[scope]; ok {
		return lim
	}
	lim = rate.NewLimiter(rate.Limit(l.rps), l.burst)
	l.limiters[scope] = lim
	return lim
}

// Allow reports whether a request in the scope may proceed immediately.
func (l *Limiter) Allow(scope string) bool {
	return l.get(scope).Allow()
}

// Wait blocks until a token is available or the context is canceled.
func (l *Limiter) Wait(ctx context.Context, scope string) error {
	return l.get(scope).Wait(ctx)
}

// Tokens returns the tokens currently available in the scope.
func (l *Limiter) Tokens(scope string) float64 {
	return l.get(scope).Tokens()
}

// SetRate updates the sustained rate for all scopes.
func (l *Limiter) SetRate(rps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rps = rps
	for _, lim := range l.limiters {
		lim.SetLimit(rate.Limit(rps))
	}
}

// Stats describes one scope's limiter for diagnostics.
type Stats struct {
	Scope           string        `json:"scope"`
	RPS             float64       `json:"rps"`
	Burst           int           `json:"burst"`
	TokensAvailable float64       `json:"tokens_available"`
	Delay           time.Duration `json:"delay"`
}

// StatsAll snapshots every scope.
func (l *Limiter) StatsAll() map[string]Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Stats, len(l.limiters))
	for scope, lim := range l.limiters {
		res := lim.Reserve()
		delay := res.Delay()
		res.Cancel()
		out[scope] = Stats{
			Scope:           scope,
			RPS:             float64(lim.Limit()),
			Burst:           lim.Burst(),
			TokensAvailable: lim.Tokens(),
			Delay:           delay,
		}
	}
	return out
}
