package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/spyflow/spyflow/internal/gateway"
)

// Config is the immutable process configuration, built once at startup from
// the environment and passed to every subsystem.
type Config struct {
	// Broker gateway
	IBKRHost     string
	IBKRPort     int
	IBKRClientID int

	// Trading
	AnomalyThreshold    float64
	ScanInterval        time.Duration
	StrikesRangePercent float64
	MaxStrikesLimit     int

	// Ingress / wiring
	BackendURL      string
	HTTPHost        string
	HTTPPort        int
	StorageDSN      string
	RedisAddr       string
	HubEndpoint     string
	HubAccessKey    string
	HolidayCalendar string

	LogLevel string
	Simulate bool
}

// Load reads the environment (optionally seeded from a .env file) into a
// validated Config.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		// Best-effort default; a missing .env is fine.
		_ = godotenv.Load()
	}

	cfg := &Config{
		IBKRHost:            envStr("IBKR_HOST", "ibkr-gateway-service"),
		IBKRPort:            envInt("IBKR_PORT", 4002),
		IBKRClientID:        envInt("IBKR_CLIENT_ID", gateway.DeriveClientID()),
		AnomalyThreshold:    envFloat("ANOMALY_THRESHOLD", 0.5),
		ScanInterval:        time.Duration(envInt("SCAN_INTERVAL_SECONDS", 5)) * time.Second,
		StrikesRangePercent: envFloat("STRIKES_RANGE_PERCENT", 1.0),
		MaxStrikesLimit:     envInt("MAX_STRIKES_LIMIT", 5),
		BackendURL:          strings.TrimRight(envStr("BACKEND_URL", ""), "/"),
		HTTPHost:            envStr("HTTP_HOST", "0.0.0.0"),
		HTTPPort:            envInt("HTTP_PORT", 8000),
		StorageDSN:          envStr("STORAGE_CONNECTION_STRING", ""),
		RedisAddr:           envStr("REDIS_ADDR", ""),
		HolidayCalendar:     envStr("HOLIDAY_CALENDAR", ""),
		LogLevel:            envStr("LOG_LEVEL", "info"),
		Simulate:            envBool("SIMULATE_GATEWAY", false),
	}

	if cs := envStr("SIGNALR_CONNECTION_STRING", ""); cs != "" {
		endpoint, key, err := ParseHubConnectionString(cs)
		if err != nil {
			return nil, err
		}
		cfg.HubEndpoint = endpoint
		cfg.HubAccessKey = key
	}
	// Explicit endpoint/key take precedence over the connection string.
	if v := envStr("SIGNALR_ENDPOINT", ""); v != "" {
		cfg.HubEndpoint = strings.TrimRight(v, "/")
	}
	if v := envStr("SIGNALR_ACCESS_KEY", ""); v != "" {
		cfg.HubAccessKey = v
	}

	if cfg.StrikesRangePercent <= 0 {
		return nil, fmt.Errorf("config: STRIKES_RANGE_PERCENT must be positive")
	}
	if cfg.MaxStrikesLimit <= 0 {
		return nil, fmt.Errorf("config: MAX_STRIKES_LIMIT must be positive")
	}
	if cfg.ScanInterval <= 0 {
		return nil, fmt.Errorf("config: SCAN_INTERVAL_SECONDS must be positive")
	}
	return cfg, nil
}

// ValidateDetector checks the fields the producer process requires.
func (c *Config) ValidateDetector() error {
	if c.BackendURL == "" {
		return fmt.Errorf("config: BACKEND_URL is required for the detector")
	}
	if !c.Simulate && c.IBKRHost == "" {
		return fmt.Errorf("config: IBKR_HOST is required for the detector")
	}
	return nil
}

// ValidateIngress checks the fields the consumer process requires.
func (c *Config) ValidateIngress() error {
	if c.StorageDSN == "" {
		return fmt.Errorf("config: STORAGE_CONNECTION_STRING is required for the ingress")
	}
	return nil
}

// HalfWidth derives the ATM window half-width in strikes from the configured
// range percent, capped at MaxStrikesLimit.
func (c *Config) HalfWidth(price float64) int {
	w := int(price * c.StrikesRangePercent / 100)
	if w < 1 {
		w = 1
	}
	if w > c.MaxStrikesLimit {
		w = c.MaxStrikesLimit
	}
	return w
}

// ParseHubConnectionString extracts the endpoint and access key from a hub
// connection string of the form
// "Endpoint=https://x.service.signalr.net;AccessKey=k;Version=1.0;".
func ParseHubConnectionString(cs string) (endpoint, accessKey string, err error) {
	for _, part := range strings.Split(cs, ";") {
		switch {
		case strings.HasPrefix(part, "Endpoint="):
			endpoint = strings.TrimRight(strings.TrimPrefix(part, "Endpoint="), "/")
		case strings.HasPrefix(part, "AccessKey="):
			accessKey = strings.TrimPrefix(part, "AccessKey=")
		}
	}
	if endpoint == "" || accessKey == "" {
		return "", "", fmt.Errorf("config: hub connection string missing Endpoint or AccessKey")
	}
	return endpoint, accessKey, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
