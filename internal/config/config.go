// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the full process configuration. Values come from environment
// variables, optionally seeded from a .env file.
type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`

	SolanaRPCURL     string `env:"SOLANA_RPC_URL" envDefault:"https://api.devnet.solana.com"`
	TokenMintAddress string `env:"TOKEN_MINT_ADDRESS"`
	TreasuryAddress  string `env:"TREASURY_ADDRESS"`
	OwnerKeypairPath string `env:"OWNER_KEYPAIR_PATH"`

	// FetchRetryAttempts and FetchRetryDelay bound the ledger transaction
	// lookup loop.
	FetchRetryAttempts int           `env:"FETCH_RETRY_ATTEMPTS" envDefault:"5"`
	FetchRetryDelay    time.Duration `env:"FETCH_RETRY_DELAY" envDefault:"2s"`
	// MintConfirmTimeout bounds how long a token delivery waits for network
	// confirmation before the settlement is left pending.
	MintConfirmTimeout time.Duration `env:"MINT_CONFIRM_TIMEOUT" envDefault:"60s"`
	// PendingReconcileAfter is how old a pending settlement must be before
	// the reconciler reports it as stuck.
	PendingReconcileAfter time.Duration `env:"PENDING_RECONCILE_AFTER" envDefault:"10m"`
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.TokenMintAddress == "" {
		return fmt.Errorf("TOKEN_MINT_ADDRESS is required")
	}
	if c.OwnerKeypairPath == "" {
		return fmt.Errorf("OWNER_KEYPAIR_PATH is required")
	}
	if c.FetchRetryAttempts <= 0 {
		return fmt.Errorf("FETCH_RETRY_ATTEMPTS must be positive")
	}
	return nil
}

// ListenAddr returns the HTTP bind address.
func (c Config) ListenAddr() string {
	return ":" + c.Port
}
