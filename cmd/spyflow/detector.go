package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/spyflow/spyflow/internal/backend"
	"github.com/spyflow/spyflow/internal/config"
	"github.com/spyflow/spyflow/internal/detect"
	"github.com/spyflow/spyflow/internal/gateway"
	"github.com/spyflow/spyflow/internal/hours"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/ratelimit"
	"github.com/spyflow/spyflow/internal/scan"
	"github.com/spyflow/spyflow/internal/subs"
)

func newDetectorCmd(envFile, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "detector",
		Short: "Run the scan-loop producer",
		Long: `Connects to the broker gateway, maintains the ATM subscription
window, detects pricing anomalies, aggregates volume and flow, and POSTs
everything to the ingress API.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetector(*envFile)
		},
	}
}

func runDetector(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDetector(); err != nil {
		return err
	}

	gate, err := hours.NewGate()
	if err != nil {
		return err
	}
	if cfg.HolidayCalendar != "" {
		if err := gate.LoadCalendar(cfg.HolidayCalendar); err != nil {
			return err
		}
	}

	m := metrics.NewRegistry()

	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	sup := gateway.NewSupervisor(gw, func(connected bool) {
		if connected {
			m.GatewayConnected.Set(1)
		} else {
			m.GatewayConnected.Set(0)
		}
	})

	limiter := ratelimit.NewLimiter(50, 10)

	mgr := subs.NewManager(gw, limiter, subs.Config{
		HalfWidth:    cfg.MaxStrikesLimit,
		MaxHalfWidth: cfg.MaxStrikesLimit,
		Width:        cfg.HalfWidth,
	}, func() string {
		return gate.SessionDate(time.Now())
	}, func(added, canceled int) {
		m.SubscriptionChurn.WithLabelValues("add").Add(float64(added))
		m.SubscriptionChurn.WithLabelValues("cancel").Add(float64(canceled))
	})

	detector := detect.New(detect.Config{ZThreshold: cfg.AnomalyThreshold})
	client := backend.New(cfg.BackendURL)
	loop := scan.New(cfg, gate, gw, sup, mgr, detector, client, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("backend", cfg.BackendURL).
		Str("loop", loop.Describe()).
		Bool("simulated", cfg.Simulate).
		Msg("detector starting")

	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("detector stopped")
	return nil
}

// buildGateway picks the gateway binding. The broker wire-protocol client is
// an external collaborator; this build ships the in-process simulator only.
func buildGateway(cfg *config.Config) (gateway.Gateway, error) {
	if cfg.Simulate {
		return gateway.NewSimulator(500.0, time.Now().UnixNano()), nil
	}
	return nil, fmt.Errorf("no broker gateway client in this build: set SIMULATE_GATEWAY=true or link a gateway implementation for %s:%d", cfg.IBKRHost, cfg.IBKRPort)
}
