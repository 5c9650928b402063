package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/quietsend/service/solana"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Ledger configuration
	Network        solana.Network
	RPCURLs        map[solana.Network][]string
	RPCRateLimit   float64
	ConfirmTimeout time.Duration
	ConfirmPoll    time.Duration

	// Telemetry configuration
	TelemetryBaseURL      string
	TelemetryPollInterval time.Duration
	TelemetryTimeout      time.Duration

	// Wallet display refresh
	BalanceRefreshInterval time.Duration
	HistoryRefreshInterval time.Duration
	HistoryLimit           int
	BalanceCacheTTL        time.Duration

	// WalletSecretKey is imported at startup when set.
	WalletSecretKey string

	// Optional event sinks
	NATSURL      string
	KafkaBrokers string
	KafkaTopic   string
	DatabaseURL  string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{RPCURLs: make(map[solana.Network][]string)}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", "127.0.0.1:8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	network, err := solana.ParseNetwork(getEnvOrDefault("SOLANA_NETWORK", string(solana.Devnet)))
	if err != nil {
		errs = append(errs, fmt.Errorf("SOLANA_NETWORK: %w", err))
	}
	cfg.Network = network

	for _, n := range []solana.Network{solana.Devnet, solana.Testnet, solana.Mainnet} {
		key := "SOLANA_" + strings.ToUpper(string(n)) + "_RPC_URLS"
		cfg.RPCURLs[n] = parseList(key, solana.DefaultEndpoints(n))
	}

	if cfg.RPCRateLimit, err = parseFloat("SOLANA_RPC_RATE_LIMIT", 5); err != nil {
		errs = append(errs, err)
	}

	cfg.TelemetryBaseURL = getEnvOrDefault("TELEMETRY_BASE_URL", "http://localhost:5000/api")

	durations := []struct {
		key    string
		def    string
		target *time.Duration
	}{
		{"TELEMETRY_POLL_INTERVAL", "5s", &cfg.TelemetryPollInterval},
		{"TELEMETRY_TIMEOUT", "10s", &cfg.TelemetryTimeout},
		{"BALANCE_REFRESH_INTERVAL", "15s", &cfg.BalanceRefreshInterval},
		{"HISTORY_REFRESH_INTERVAL", "30s", &cfg.HistoryRefreshInterval},
		{"BALANCE_CACHE_TTL", "15s", &cfg.BalanceCacheTTL},
		{"CONFIRMATION_TIMEOUT", "60s", &cfg.ConfirmTimeout},
		{"CONFIRMATION_POLL_INTERVAL", "2s", &cfg.ConfirmPoll},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.target = v
	}

	if cfg.HistoryLimit, err = parseInt("HISTORY_LIMIT", 10); err != nil {
		errs = append(errs, err)
	}

	cfg.WalletSecretKey = os.Getenv("WALLET_SECRET_KEY")
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.KafkaBrokers = os.Getenv("KAFKA_BROKERS")
	cfg.KafkaTopic = getEnvOrDefault("KAFKA_TOPIC", "quietsend.events")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerAddr == "" {
		errs = append(errs, fmt.Errorf("ServerAddr is required"))
	}

	if _, err := solana.ParseNetwork(string(c.Network)); err != nil {
		errs = append(errs, fmt.Errorf("Network: %w", err))
	}

	for _, n := range []solana.Network{solana.Devnet, solana.Testnet, solana.Mainnet} {
		if len(c.RPCURLs[n]) < 2 {
			errs = append(errs, fmt.Errorf("%s needs a primary and at least one fallback RPC URL, got %d", n, len(c.RPCURLs[n])))
		}
	}

	if c.RPCRateLimit < 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit cannot be negative"))
	}

	if c.TelemetryBaseURL == "" {
		errs = append(errs, fmt.Errorf("TelemetryBaseURL is required"))
	}

	if c.TelemetryPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("TelemetryPollInterval must be at least 1 second"))
	}

	if c.TelemetryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TelemetryTimeout must be positive"))
	}

	if c.BalanceRefreshInterval < time.Second || c.HistoryRefreshInterval < time.Second {
		errs = append(errs, fmt.Errorf("balance and history refresh intervals must be at least 1 second"))
	}

	if c.BalanceCacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("BalanceCacheTTL must be positive"))
	}

	if c.HistoryLimit < 1 || c.HistoryLimit > 1000 {
		errs = append(errs, fmt.Errorf("HistoryLimit must be between 1 and 1000, got %d", c.HistoryLimit))
	}

	if c.ConfirmTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ConfirmTimeout must be positive"))
	}

	if c.ConfirmPoll <= 0 || c.ConfirmPoll >= c.ConfirmTimeout {
		errs = append(errs, fmt.Errorf("ConfirmPoll (%v) must be positive and shorter than ConfirmTimeout (%v)", c.ConfirmPoll, c.ConfirmTimeout))
	}

	if c.KafkaBrokers != "" && c.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KafkaTopic is required when KafkaBrokers is set"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// ActiveRPCURLs returns the primary and fallback URLs of the configured
// network.
func (c *Config) ActiveRPCURLs() []string {
	return c.RPCURLs[c.Network]
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}

// parseList splits a comma-separated variable, dropping blanks.
func parseList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
