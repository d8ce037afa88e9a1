package main

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "spyflow"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var envFile string
	var logLevel string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "0-DTE SPY options anomaly pipeline",
		Version: version,
		Long: `spyflow is a real-time market-data pipeline for same-day-expiry SPY
options: it tracks an ATM subscription window against the underlying,
flags statistically cheap contracts against a fitted decay curve,
aggregates signed premium flow, and fans results out to storage and a
realtime hub.

Run "spyflow detector" for the producer or "spyflow ingress" for the
consumer API.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			applyLogLevel(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Path to a .env file to load before reading the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace|debug|info|warn|error); overrides LOG_LEVEL")

	rootCmd.AddCommand(newDetectorCmd(&envFile, &logLevel))
	rootCmd.AddCommand(newIngressCmd(&envFile, &logLevel))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("exiting")
		os.Exit(1)
	}
}

// applyLogLevel sets the global level; unknown values keep info.
func applyLogLevel(level string) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
