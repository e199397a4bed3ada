package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearS402Env(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				key := kv[:i]
				if len(key) > 5 && key[:5] == "S402_" {
					require.NoError(t, os.Unsetenv(key))
				}
				break
			}
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearS402Env(t)
	t.Setenv("S402_FACILITATOR_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("S402_TOKEN_ADDRESS", "0x2222222222222222222222222222222222222222")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(500), cfg.BatchSize)
	require.Equal(t, uint64(12), cfg.Confirmations)
	require.Equal(t, 10_000, cfg.RPCTimeoutMs)
	require.Equal(t, 5, cfg.RPCMaxRetries)
	require.Equal(t, 10, cfg.StorePoolMax)
	require.Equal(t, 6, cfg.TokenDecimals)
	require.Equal(t, 60_000, cfg.PollIntervalMs)
}

func TestLoadRejectsMissingFacilitatorAddress(t *testing.T) {
	clearS402Env(t)
	t.Setenv("S402_TOKEN_ADDRESS", "0x2222222222222222222222222222222222222222")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsZeroConfirmations(t *testing.T) {
	clearS402Env(t)
	t.Setenv("S402_FACILITATOR_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("S402_TOKEN_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("S402_CONFIRMATIONS", "0")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadHonorsOverrides(t *testing.T) {
	clearS402Env(t)
	t.Setenv("S402_FACILITATOR_ADDRESS", "0x1111111111111111111111111111111111111111")
	t.Setenv("S402_TOKEN_ADDRESS", "0x2222222222222222222222222222222222222222")
	t.Setenv("S402_BATCH_SIZE", "250")
	t.Setenv("S402_CHAIN_ID", "8453")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(250), cfg.BatchSize)
	require.Equal(t, int64(8453), cfg.ChainID)
}
