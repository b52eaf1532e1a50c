// Package config defines all configuration for the coordinator daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via COORD_* environment variables, the
// same two-tier scheme the teacher bot uses for its own secrets.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	DryRun       bool               `mapstructure:"dry_run"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Oracle       OracleConfig       `mapstructure:"oracle"`
	FeeRate      FeeRateConfig      `mapstructure:"fee_rate"`
	Collaborator CollaboratorConfig `mapstructure:"collaborator"`
	Orderbook    OrderbookConfig    `mapstructure:"orderbook"`
	Trade        TradeConfig        `mapstructure:"trade"`
	Recovery     RecoveryConfig     `mapstructure:"recovery"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// DatabaseConfig points at the Postgres instance backing the relational
// tables listed in spec §6: positions, trades, orders, matches,
// dlc_protocols, dlc_channels, dlc_messages, spendable_outputs.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// OracleConfig configures the HTTP client for announcement_for/attestation
// fetches.
type OracleConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	PublicKey  string        `mapstructure:"public_key"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// FeeRateConfig configures the HTTP client for the on-chain CET fee rate.
type FeeRateConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

// CollaboratorConfig configures the per-peer DLC transport (internal/dlctransport).
type CollaboratorConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
}

// OrderbookConfig tunes the matching engine (C4).
type OrderbookConfig struct {
	ActionBufferSize int `mapstructure:"action_buffer_size"`
}

// TradeConfig tunes the Trade Executor (C6): the contract symbol it
// trades and the fixed duration every open/resize/rollover contract
// extends the expiry by.
type TradeConfig struct {
	Symbol           string        `mapstructure:"symbol"`
	ContractDuration time.Duration `mapstructure:"contract_duration"`
	CoordinatorLev   string        `mapstructure:"coordinator_leverage"`
}

// RecoveryConfig tunes the recovery supervisor (C8).
type RecoveryConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("COORD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dsn := os.Getenv("COORD_DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if os.Getenv("COORD_DRY_RUN") == "true" || os.Getenv("COORD_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required (set COORD_DATABASE_DSN)")
	}
	if c.Oracle.BaseURL == "" {
		return fmt.Errorf("oracle.base_url is required")
	}
	if c.Oracle.PublicKey == "" {
		return fmt.Errorf("oracle.public_key is required")
	}
	if c.FeeRate.BaseURL == "" {
		return fmt.Errorf("fee_rate.base_url is required")
	}
	if c.Collaborator.ListenAddr == "" {
		return fmt.Errorf("collaborator.listen_addr is required")
	}
	if c.Orderbook.ActionBufferSize <= 0 {
		c.Orderbook.ActionBufferSize = 256
	}
	if c.Recovery.ReconcileInterval <= 0 {
		c.Recovery.ReconcileInterval = 30 * time.Second
	}
	if c.Trade.Symbol == "" {
		return fmt.Errorf("trade.symbol is required")
	}
	if c.Trade.ContractDuration <= 0 {
		c.Trade.ContractDuration = 7 * 24 * time.Hour
	}
	if c.Trade.CoordinatorLev == "" {
		c.Trade.CoordinatorLev = "1"
	}
	return nil
}
