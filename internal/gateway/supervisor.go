package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// reconnect backoff: 2s, 4s, 8s, then steady 10s.
var backoffSteps = []time.Duration{
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
}

const backoffSteady = 10 * time.Second

// Supervisor keeps a gateway connected, applying bounded exponential backoff
// between attempts. It owns no connection state beyond the gateway itself.
type Supervisor struct {
	gw      Gateway
	onState func(connected bool)
}

// NewSupervisor wraps a gateway. onState, when non-nil, is invoked on every
// connectivity change (wired to the connection-status gauge).
func NewSupervisor(gw Gateway, onState func(connected bool)) *Supervisor {
	return &Supervisor{gw: gw, onState: onState}
}

func (s *Supervisor) setState(connected bool) {
	if s.onState != nil {
		s.onState(connected)
	}
}

// EnsureConnected returns once the gateway is connected, retrying until the
// context is canceled. Backoff is 2s, 4s, 8s, then a steady 10s.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	if s.gw.IsConnected() {
		s.setState(true)
		return nil
	}
	s.setState(false)

	for attempt := 0; ; attempt++ {
		err := s.gw.Connect(ctx)
		if err == nil {
			log.Info().Int("attempt", attempt+1).Msg("gateway connected")
			s.setState(true)
			return nil
		}

		wait := backoffSteady
		if attempt < len(backoffSteps) {
			wait = backoffSteps[attempt]
		}
		log.Warn().Err(err).Dur("retry_in", wait).Msg("gateway connect failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// MarkDisconnected records a dropped session so the next EnsureConnected
// call reconnects.
func (s *Supervisor) MarkDisconnected() {
	s.setState(false)
}
