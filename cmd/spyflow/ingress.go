package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/spyflow/spyflow/internal/cache"
	"github.com/spyflow/spyflow/internal/config"
	"github.com/spyflow/spyflow/internal/ingress"
	"github.com/spyflow/spyflow/internal/metrics"
	"github.com/spyflow/spyflow/internal/realtime"
	"github.com/spyflow/spyflow/internal/sink"
	"github.com/spyflow/spyflow/internal/storage/postgres"
)

func newIngressCmd(envFile, logLevel *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingress",
		Short: "Run the consumer HTTP API",
		Long: `Accepts detector payloads, persists them to the table store,
serves the query endpoints, and broadcasts events through the realtime
hub (managed service, or the built-in websocket hub).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngress(*envFile)
		},
	}
}

func runIngress(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	if err := cfg.ValidateIngress(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewRegistry()

	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	store, db, err := postgres.Open(connectCtx, cfg.StorageDSN, m)
	cancel()
	if err != nil {
		return err
	}
	defer db.Close()

	c := cache.New(cfg.RedisAddr, 5*time.Second)
	defer c.Close()

	// Managed hub when configured, in-process websocket hub otherwise.
	var rest *realtime.RestClient
	var hub *realtime.LocalHub
	var broadcaster realtime.Broadcaster
	if cfg.HubEndpoint != "" && cfg.HubAccessKey != "" {
		rest = realtime.NewRestClient(cfg.HubEndpoint, cfg.HubAccessKey, realtime.HubName)
		broadcaster = rest
		log.Info().Str("endpoint", cfg.HubEndpoint).Msg("using managed realtime hub")
	} else {
		hub = realtime.NewLocalHub()
		broadcaster = hub
		go hub.Run(ctx)
		log.Info().Msg("using local websocket hub at /ws")
	}

	worker := sink.NewWorker(broadcaster, m)
	go worker.Run(ctx)
	snk := sink.New(store, worker)

	srv := ingress.NewServer(
		ingress.DefaultServerConfig(cfg.HTTPHost, cfg.HTTPPort),
		store, snk, c, rest, hub, m)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	worker.Wait()
	log.Info().Msg("ingress stopped")
	return nil
}
