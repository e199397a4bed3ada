// Package config loads S402's runtime configuration from environment
// variables, following the gateway-config convention in the pack's other
// x402 implementation: godotenv.Load() as a best-effort dev convenience,
// then getEnv/getEnvInt helpers with documented defaults.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every option enumerated in the spec's external-interfaces
// configuration table. It is constructed once in main and passed down
// explicitly; there is no global mutable config cache (Design Note: an
// explicit constructed context, not a singleton).
type Config struct {
	RPCURL              string
	FacilitatorAddress  string
	FacilitatorSigner   string // hex-encoded private key, submitting key
	TokenAddress        string
	TokenDecimals       int
	GenesisBlock        uint64
	BatchSize           uint64
	PollIntervalMs      int
	Confirmations       uint64
	RPCTimeoutMs        int
	RPCMaxRetries       int
	StorePoolMax        int
	DatabaseURL         string
	ChainID             int64
	HTTPPort            string
	NonceCacheTTLSecs   int
	MetricsEnabled      bool
}

// Load reads configuration from the environment, optionally seeded from a
// .env file in the working directory. A missing .env is not an error — the
// pack's gateway config ignores godotenv.Load()'s error for the same
// reason: .env is a development convenience, not a deployment requirement.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RPCURL:             getEnv("S402_RPC_URL", "http://localhost:8545"),
		FacilitatorAddress: getEnv("S402_FACILITATOR_ADDRESS", ""),
		FacilitatorSigner:  getEnv("S402_FACILITATOR_SIGNER_KEY", ""),
		TokenAddress:       getEnv("S402_TOKEN_ADDRESS", ""),
		TokenDecimals:      getEnvInt("S402_TOKEN_DECIMALS", 6),
		GenesisBlock:       getEnvUint64("S402_GENESIS_BLOCK", 0),
		BatchSize:          getEnvUint64("S402_BATCH_SIZE", 500),
		PollIntervalMs:     getEnvInt("S402_POLL_INTERVAL_MS", 60_000),
		Confirmations:      getEnvUint64("S402_CONFIRMATIONS", 12),
		RPCTimeoutMs:       getEnvInt("S402_RPC_TIMEOUT_MS", 10_000),
		RPCMaxRetries:      getEnvInt("S402_RPC_MAX_RETRIES", 5),
		StorePoolMax:       getEnvInt("S402_STORE_POOL_MAX", 10),
		DatabaseURL:        getEnv("S402_DATABASE_URL", "postgres://localhost:5432/s402?sslmode=disable"),
		ChainID:            int64(getEnvInt("S402_CHAIN_ID", 1)),
		HTTPPort:           getEnv("S402_HTTP_PORT", "8080"),
		NonceCacheTTLSecs:  getEnvInt("S402_NONCE_CACHE_TTL_SECS", 300),
		MetricsEnabled:     getEnvBool("S402_METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields required for any subcommand to run; the
// settle, serve and index CLI subcommands share one Config so all sets of
// requirements are checked together rather than duplicated per command.
func (c *Config) Validate() error {
	if c.FacilitatorAddress == "" {
		return fmt.Errorf("S402_FACILITATOR_ADDRESS is required")
	}
	if c.TokenAddress == "" {
		return fmt.Errorf("S402_TOKEN_ADDRESS is required")
	}
	if c.Confirmations == 0 {
		return fmt.Errorf("S402_CONFIRMATIONS must be > 0")
	}
	if c.BatchSize == 0 {
		return fmt.Errorf("S402_BATCH_SIZE must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvUint64(key string, fallback uint64) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
