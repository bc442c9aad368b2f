package config

import (
	"os"
	"order-reconciler-go/internal/models"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"is_testnet": true,
		"testnet_api_url": "https://testnet.binancefuture.com",
		"symbols": [{"name": "BTCUSDT", "tick_size": 0.1}],
		"engine": {"simulated": true}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "data", cfg.Store.Dir)
	assert.Equal(t, "orders.dat", cfg.Store.FileName)
	assert.Equal(t, int64(64<<20), cfg.Store.RolloverBytes)
	assert.Equal(t, 3, cfg.Store.WriteRetries)
	assert.Equal(t, 1000, cfg.Engine.HeartbeatIntervalMs)
	assert.Equal(t, "rc", cfg.Engine.BrokerOrderPrefix)
	assert.Equal(t, "info", cfg.LogConfig.Level)
	assert.True(t, cfg.Engine.Simulated)
	require.Len(t, cfg.Symbols, 1)
	assert.Equal(t, 0.1, cfg.Symbols[0].TickSize)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := writeFile(t, "bad.json", `{not json`)
	_, err = LoadConfig(bad)
	assert.Error(t, err)

	noSymbols := writeFile(t, "empty.json", `{}`)
	_, err = LoadConfig(noSymbols)
	assert.ErrorIs(t, err, ErrNoSymbols)
}

func TestValidate(t *testing.T) {
	cfg := &models.Config{Symbols: []models.SymbolConfig{{Name: "BTCUSDT"}, {Name: "BTCUSDT"}}}
	ApplyDefaults(cfg)
	assert.ErrorIs(t, Validate(cfg), ErrInvalidSymbol)

	cfg.Symbols = []models.SymbolConfig{{Name: "ETHUSDT", TickSize: -1}}
	assert.ErrorIs(t, Validate(cfg), ErrInvalidSymbol)

	cfg.Symbols = []models.SymbolConfig{{Name: "ETHUSDT", TickSize: 0.01}}
	cfg.Store.FileName = "sub/orders.dat"
	assert.ErrorIs(t, Validate(cfg), ErrInvalidStore)

	cfg.Store.FileName = "orders.dat"
	assert.NoError(t, Validate(cfg))
}

func TestLoadEnvAndResolveEndpoints(t *testing.T) {
	env := writeFile(t, ".env", "BINANCE_API_KEY=key\nBINANCE_SECRET_KEY=secret\n")
	t.Setenv(envAPIKey, "")
	t.Setenv(envSecretKey, "")
	os.Unsetenv(envAPIKey)
	os.Unsetenv(envSecretKey)

	cfg := &models.Config{
		LiveAPIURL:    "https://fapi.binance.com",
		LiveWSURL:     "wss://fstream.binance.com",
		TestnetAPIURL: "https://testnet.binancefuture.com",
		TestnetWSURL:  "wss://stream.binancefuture.com",
	}
	assert.True(t, LoadEnv(cfg, env))
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, "secret", cfg.SecretKey)

	require.NoError(t, ResolveEndpoints(cfg))
	assert.Equal(t, "https://fapi.binance.com", cfg.BaseURL)

	cfg.IsTestnet = true
	require.NoError(t, ResolveEndpoints(cfg))
	assert.Equal(t, "wss://stream.binancefuture.com", cfg.WSBaseURL)

	cfg.APIKey = ""
	assert.ErrorIs(t, ResolveEndpoints(cfg), ErrMissingAPIKeys)
}

func TestLoadPlans(t *testing.T) {
	path := writeFile(t, "orders.json", `[
		{"at": "2024-05-01T00:10:00Z", "symbol": "BTCUSDT", "desired_position": 0},
		{"symbol": "BTCUSDT", "strategy_positions": {"1": 0},
		 "orders": [{"id": 1, "serial_number": 10, "symbol": "BTCUSDT", "position": 2, "price": 100}]}
	]`)

	plans, err := LoadPlans(path)
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.True(t, plans[0].At.IsZero(), "immediate plans come first")
	require.Len(t, plans[0].Orders, 1)
	assert.EqualValues(t, 10, plans[0].Orders[0].SerialNumber)
	assert.Nil(t, plans[0].DesiredPosition)
	require.NotNil(t, plans[1].DesiredPosition)
	assert.Zero(t, *plans[1].DesiredPosition)
}

func TestLoadPlans_RejectsMismatchedSymbol(t *testing.T) {
	path := writeFile(t, "orders.json", `[{"symbol": "BTCUSDT", "orders": [{"id": 1, "symbol": "ETHUSDT"}]}]`)
	_, err := LoadPlans(path)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	path = writeFile(t, "nosymbol.json", `[{"orders": []}]`)
	_, err = LoadPlans(path)
	assert.ErrorIs(t, err, ErrInvalidPlan)
}
