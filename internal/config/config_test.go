package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/delta_neutral/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
mode: observe
primary_venue:
  name: bybit
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, config.ModeObserve, cfg.Mode)
	assert.Equal(t, 10*time.Second, cfg.CycleInterval())
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.True(t, cfg.OrderPostOnly)
	assert.Equal(t, 0.01, cfg.Risk.MaxDeltaBase)
	assert.Equal(t, 1000.0, cfg.Risk.MaxDeltaUSD)
	assert.Equal(t, "delta.db", cfg.DBPath)
	assert.Equal(t, 8080, cfg.Server.Port)

	// Entry defaults cascade from offset_pct when retry values are omitted.
	assert.Equal(t, 0.02, cfg.Entry.OffsetPct)
	assert.Equal(t, 0.04, cfg.Entry.OffsetRetryPct)
	assert.Equal(t, 0.02, cfg.Entry.CloseOffsetPct)
	assert.Equal(t, 0.05, cfg.Entry.SecondarySlippagePct)
	assert.Equal(t, 1500*time.Millisecond, cfg.Entry.PollInterval())
	assert.Equal(t, 3*time.Second, cfg.Entry.HedgeConfirmTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Entry.HedgeConfirmPoll())
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mode: turbo
primary_venue:
  name: bybit
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
`))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "mode", verr.Field)
}

func TestLoadRejectsSameVenueTwice(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mode: observe
primary_venue:
  name: bybit
secondary_venue:
  name: bybit
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
`))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "secondary_venue.name", verr.Field)
}

func TestLoadRejectsMissingVenueSymbol(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mode: observe
primary_venue:
  name: bybit
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
`))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "hyperliquid")
}

func TestLoadRejectsDuplicateInstrument(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mode: observe
primary_venue:
  name: bybit
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
`))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Msg, "duplicate")
}

func TestLoadRejectsNegativeRisk(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
mode: observe
primary_venue:
  name: bybit
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
risk:
  max_delta_base: -1
`))
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "risk.max_delta_base", verr.Field)
}

func TestLoadVenueEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "bybit.env")
	require.NoError(t, os.WriteFile(envPath, []byte("TEST_BYBIT_KEY=abc123\n"), 0o644))
	t.Setenv("TEST_BYBIT_KEY", "") // ensure cleanup
	os.Unsetenv("TEST_BYBIT_KEY")

	cfgPath := writeConfig(t, `
mode: observe
primary_venue:
  name: bybit
  env_file: `+envPath+`
secondary_venue:
  name: hyperliquid
instruments:
  - symbol: BTC-PERP
    bybit_symbol: BTCUSDT
    hyperliquid_coin: BTC
`)
	_, err := config.Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "abc123", os.Getenv("TEST_BYBIT_KEY"))
}

func TestInstrumentLookup(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	inst, ok := cfg.Instrument("BTC-PERP")
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", inst.VenueSymbol("bybit"))
	assert.Equal(t, "BTC", inst.VenueSymbol("hyperliquid"))

	_, ok = cfg.Instrument("ETH-PERP")
	assert.False(t, ok)
}
