package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all runtime settings, loaded from environment variables.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `env:"DATABASE_URL,required"`

	// EngineAddress is the escrow engine's custody address in the token
	// ledger. Funded amounts sit under this address until settlement.
	EngineAddress string `env:"ENGINE_ADDRESS,required"`

	// OwnerAddress administers the module registry and module configs.
	OwnerAddress string `env:"OWNER_ADDRESS,required"`

	// NetworkID scopes delivery receipt digests to one deployment, so a
	// receipt signed for staging cannot replay against production.
	NetworkID uint64 `env:"NETWORK_ID" envDefault:"1"`

	// PaymentAsset is the ledger asset jobs are priced and settled in.
	PaymentAsset string `env:"PAYMENT_ASSET" envDefault:"USDM"`

	// JWTSecret signs API session tokens.
	JWTSecret string `env:"JWT_SECRET,required"`

	// OutboxInterval is the poll interval of the outbox dispatcher.
	OutboxInterval time.Duration `env:"OUTBOX_INTERVAL" envDefault:"5s"`

	// OutboxBatch caps rows claimed per dispatcher tick.
	OutboxBatch int `env:"OUTBOX_BATCH" envDefault:"100"`
}

// Load reads configuration from the environment, consulting a .env file
// first when one exists.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("config: load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse environment: %w", err)
	}
	if cfg.OutboxBatch <= 0 {
		cfg.OutboxBatch = 100
	}
	return cfg, nil
}
