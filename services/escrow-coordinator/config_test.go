package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"xmrmarket/wallet"
)

func clearCoordEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"XMR_COORD_CONFIG", "XMR_COORD_LISTEN", "XMR_COORD_ENV", "XMR_COORD_DB_PATH",
		"XMR_COORD_NETWORK", "XMR_COORD_ARBITER_ID", "XMR_COORD_RPC_TIMEOUT",
		"XMR_COORD_MAKE_SPACING", "XMR_COORD_RETRY_CEILING", "XMR_COORD_EXCHANGE_EXTRA",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearCoordEnv(t)
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8082", cfg.ListenAddress)
	require.Equal(t, wallet.NetworkStagenet, cfg.Network)
	require.Equal(t, wallet.DefaultCallTimeout, cfg.RPCTimeout)
	require.Zero(t, cfg.MakeSpacing)
	require.NotEmpty(t, cfg.ArbiterID)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearCoordEnv(t)
	t.Setenv("XMR_COORD_LISTEN", "127.0.0.1:9090")
	t.Setenv("XMR_COORD_NETWORK", "Mainnet")
	t.Setenv("XMR_COORD_ARBITER_ID", "arbiter-7")
	t.Setenv("XMR_COORD_MAKE_SPACING", "250ms")
	t.Setenv("XMR_COORD_RETRY_CEILING", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddress)
	require.Equal(t, wallet.NetworkMainnet, cfg.Network)
	require.Equal(t, "arbiter-7", cfg.ArbiterID)
	require.Equal(t, 250*time.Millisecond, cfg.MakeSpacing)
	require.Equal(t, 5, cfg.RetryCeiling)
}

func TestLoadConfigFileThenEnvPrecedence(t *testing.T) {
	clearCoordEnv(t)
	path := filepath.Join(t.TempDir(), "coordinator.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":7000"
Network = "testnet"
ArbiterID = "file-arbiter"
MakeSpacingMillis = 7000
RetryCeiling = 4
`), 0o600))
	t.Setenv("XMR_COORD_CONFIG", path)
	t.Setenv("XMR_COORD_LISTEN", ":7001")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":7001", cfg.ListenAddress, "env must beat file")
	require.Equal(t, wallet.NetworkTestnet, cfg.Network)
	require.Equal(t, "file-arbiter", cfg.ArbiterID)
	require.Equal(t, 7*time.Second, cfg.MakeSpacing)
	require.Equal(t, 4, cfg.RetryCeiling)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	clearCoordEnv(t)
	t.Setenv("XMR_COORD_NETWORK", "simnet")
	_, err := LoadConfig()
	require.Error(t, err)

	clearCoordEnv(t)
	t.Setenv("XMR_COORD_RPC_TIMEOUT", "-3s")
	_, err = LoadConfig()
	require.Error(t, err)

	clearCoordEnv(t)
	t.Setenv("XMR_COORD_RETRY_CEILING", "zero")
	_, err = LoadConfig()
	require.Error(t, err)
}
