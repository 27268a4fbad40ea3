package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalConfig = `
exchange:
  api_key: key
  api_secret: secret
trading:
  instruments: ["btcusdt", "ETHUSDT"]
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "binance", cfg.Exchange.Name)
	assert.Equal(t, 10, cfg.Exchange.TimeoutSeconds)
	assert.Equal(t, "15m", cfg.Trading.Interval)
	assert.Equal(t, 120, cfg.Trading.CandleLimit)
	assert.Equal(t, 70.0, cfg.Trading.ConfidenceThreshold)
	assert.Equal(t, 10, cfg.Trading.MaxTradesPerDay)
	assert.Equal(t, ":9985", cfg.App.HTTPAddr)
	assert.Equal(t, 12, cfg.Learner.EveryCycles)
	assert.Equal(t, 50, cfg.Learner.Window)
	assert.Equal(t, "data/marlin.db", cfg.Store.Path)
}

func TestLoadExpandsSecretReferences(t *testing.T) {
	t.Setenv("TEST_API_KEY", "resolved-key")
	t.Setenv("TEST_API_SECRET", "resolved-secret")
	cfg, err := Load(writeConfig(t, `
exchange:
  api_key: ${TEST_API_KEY}
  api_secret: ${TEST_API_SECRET}
trading:
  instruments: ["BTCUSDT"]
`))
	require.NoError(t, err)
	assert.Equal(t, "resolved-key", cfg.Exchange.APIKey)
	assert.Equal(t, "resolved-secret", cfg.Exchange.APISecret)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
exchange:
  api_key: key
trading:
  instruments: ["BTCUSDT"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_secret")
}

func TestLoadRejectsBadInterval(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
  interval: "15x"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")
}

func TestLoadRejectsUnsupportedExchange(t *testing.T) {
	_, err := Load(writeConfig(t, `
exchange:
  name: kraken
  api_key: key
  api_secret: secret
trading:
  instruments: ["BTCUSDT"]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "binance")
}

func TestLoadRejectsTelegramWithoutToken(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
notify:
  telegram:
    enabled: true
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")
}

func TestLoadRejectsOutOfRangeRisk(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
  risk_per_trade_pct: 35
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "risk_per_trade_pct")
}

func TestNormalizedInstruments(t *testing.T) {
	tc := TradingConfig{Instruments: []string{" btcusdt ", "ETHUSDT", "BTCUSDT", ""}}
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, tc.NormalizedInstruments())
}

func TestDumpMasksCredentials(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
exchange:
  api_key: live-key-123
  api_secret: live-secret-456
trading:
  instruments: ["BTCUSDT"]
`))
	require.NoError(t, err)

	out, err := Dump(*cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "live-key-123")
	assert.NotContains(t, out, "live-secret-456")
	assert.Contains(t, out, "***")
	assert.Contains(t, strings.ToLower(out), "btcusdt")
}