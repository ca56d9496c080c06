package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"xmrmarket/wallet"
)

// Config captures runtime configuration for the escrow coordinator service.
type Config struct {
	ListenAddress string
	Environment   string
	DatabasePath  string

	// Network selects the address format used to validate payout addresses.
	Network wallet.Network

	// ArbiterID is the marketplace identity assigned as third key-holder on
	// every order.
	ArbiterID string

	// RPCTimeout bounds each wallet RPC call.
	RPCTimeout time.Duration
	// MakeSpacing is the minimum gap between successive make_multisig calls.
	// Empirically derived; kept configurable so deployments can tune it under
	// load.
	MakeSpacing         time.Duration
	RetryCeiling        int
	ExchangeExtraRounds int
}

// fileConfig mirrors the optional TOML file referenced by XMR_COORD_CONFIG.
// Environment variables override file values.
type fileConfig struct {
	ListenAddress       string `toml:"ListenAddress"`
	Environment         string `toml:"Environment"`
	DatabasePath        string `toml:"DatabasePath"`
	Network             string `toml:"Network"`
	ArbiterID           string `toml:"ArbiterID"`
	RPCTimeoutSecs      int    `toml:"RPCTimeoutSecs"`
	MakeSpacingMillis   int    `toml:"MakeSpacingMillis"`
	RetryCeiling        int    `toml:"RetryCeiling"`
	ExchangeExtraRounds int    `toml:"ExchangeExtraRounds"`
}

// LoadConfig builds the configuration from the optional TOML file plus
// environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddress:       ":8082",
		Environment:         "dev",
		DatabasePath:        "escrow-coordinator.db",
		Network:             wallet.NetworkStagenet,
		ArbiterID:           "marketplace-arbiter",
		RPCTimeout:          wallet.DefaultCallTimeout,
		MakeSpacing:         0, // orchestrator default applies
		RetryCeiling:        0,
		ExchangeExtraRounds: 0,
	}

	if path := strings.TrimSpace(os.Getenv("XMR_COORD_CONFIG")); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyFileConfig(&cfg, fc)
	}

	if v := strings.TrimSpace(os.Getenv("XMR_COORD_LISTEN")); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_ENV")); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_DB_PATH")); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_NETWORK")); v != "" {
		cfg.Network = wallet.Network(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_ARBITER_ID")); v != "" {
		cfg.ArbiterID = v
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_RPC_TIMEOUT")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse XMR_COORD_RPC_TIMEOUT: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("XMR_COORD_RPC_TIMEOUT must be positive")
		}
		cfg.RPCTimeout = dur
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_MAKE_SPACING")); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse XMR_COORD_MAKE_SPACING: %w", err)
		}
		if dur <= 0 {
			return Config{}, errors.New("XMR_COORD_MAKE_SPACING must be positive")
		}
		cfg.MakeSpacing = dur
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_RETRY_CEILING")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse XMR_COORD_RETRY_CEILING: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("XMR_COORD_RETRY_CEILING must be positive")
		}
		cfg.RetryCeiling = n
	}
	if v := strings.TrimSpace(os.Getenv("XMR_COORD_EXCHANGE_EXTRA")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse XMR_COORD_EXCHANGE_EXTRA: %w", err)
		}
		if n <= 0 {
			return Config{}, errors.New("XMR_COORD_EXCHANGE_EXTRA must be positive")
		}
		cfg.ExchangeExtraRounds = n
	}

	switch cfg.Network {
	case wallet.NetworkMainnet, wallet.NetworkTestnet, wallet.NetworkStagenet:
	default:
		return Config{}, fmt.Errorf("unsupported network %q", cfg.Network)
	}
	if cfg.ArbiterID == "" {
		return Config{}, errors.New("arbiter identity is required")
	}
	return cfg, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if v := strings.TrimSpace(fc.ListenAddress); v != "" {
		cfg.ListenAddress = v
	}
	if v := strings.TrimSpace(fc.Environment); v != "" {
		cfg.Environment = v
	}
	if v := strings.TrimSpace(fc.DatabasePath); v != "" {
		cfg.DatabasePath = v
	}
	if v := strings.TrimSpace(fc.Network); v != "" {
		cfg.Network = wallet.Network(strings.ToLower(v))
	}
	if v := strings.TrimSpace(fc.ArbiterID); v != "" {
		cfg.ArbiterID = v
	}
	if fc.RPCTimeoutSecs > 0 {
		cfg.RPCTimeout = time.Duration(fc.RPCTimeoutSecs) * time.Second
	}
	if fc.MakeSpacingMillis > 0 {
		cfg.MakeSpacing = time.Duration(fc.MakeSpacingMillis) * time.Millisecond
	}
	if fc.RetryCeiling > 0 {
		cfg.RetryCeiling = fc.RetryCeiling
	}
	if fc.ExchangeExtraRounds > 0 {
		cfg.ExchangeExtraRounds = fc.ExchangeExtraRounds
	}
}
