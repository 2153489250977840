package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/delta_neutral/internal/domain"
	"github.com/vitos/delta_neutral/internal/engine"
)

func testRisk() domain.RiskLimits {
	return domain.RiskLimits{
		MaxDeltaBase:     0.01,
		MaxDeltaUSD:      1000.0,
		MaxOrderSizeBase: 0.2,
		MaxPositionBase:  1.0,
		MinBalanceUSD:    100.0,
	}
}

func snapshot(primaryPos, secondaryPos, ref float64) domain.DeltaSnapshot {
	return domain.DeltaSnapshot{
		Instrument: "BTC-PERP",
		PrimaryState: domain.ExchangeState{
			Exchange:       "bybit",
			Instrument:     "BTC-PERP",
			Balance:        domain.NormalizedBalance{Equity: 10000, Available: 9000},
			Position:       domain.NormalizedPosition{Instrument: "BTC-PERP", Size: primaryPos},
			ReferencePrice: ref,
		},
		SecondaryState: domain.ExchangeState{
			Exchange:       "hyperliquid",
			Instrument:     "BTC-PERP",
			Balance:        domain.NormalizedBalance{Equity: 10000, Available: 9000},
			Position:       domain.NormalizedPosition{Instrument: "BTC-PERP", Size: secondaryPos},
			ReferencePrice: ref,
		},
	}
}

func TestAnalyzeWithinTolerance(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	// 0.5 long vs 0.495 short: delta 0.005 <= 0.01 and 10 USD <= 1000.
	decision := eng.Analyze(snapshot(0.5, -0.495, 2000))

	assert.True(t, decision.WithinTolerance)
	assert.Empty(t, decision.Actions)
	assert.InDelta(t, 0.005, decision.NetDelta, 1e-9)
}

func TestAnalyzeUSDLimitAlone(t *testing.T) {
	risk := testRisk()
	risk.MaxDeltaBase = 10 // base limit never binds
	risk.MaxDeltaUSD = 5
	eng := engine.NewDeltaEngine(risk, false, 0.5, nil)

	// delta 0.01 * 2000 = 20 USD > 5 USD limit.
	decision := eng.Analyze(snapshot(0.51, -0.5, 2000))

	assert.False(t, decision.WithinTolerance)
	assert.NotEmpty(t, decision.Actions)
}

func TestAnalyzeObserveMode(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), true, 0.5, nil)

	decision := eng.Analyze(snapshot(0.8, 0.1, 2000))

	assert.False(t, decision.WithinTolerance)
	assert.Empty(t, decision.Actions, "observe mode must never plan orders")
}

func TestAnalyzeSellsOnLargerLongVenue(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	decision := eng.Analyze(snapshot(0.8, 0.1, 2000))

	require.Len(t, decision.Actions, 1)
	action := decision.Actions[0]
	assert.Equal(t, "bybit", action.Exchange)
	assert.Equal(t, domain.SideSell, action.Side)
	assert.InDelta(t, 0.2, action.Amount, 1e-9, "amount capped at max_order_size_base")
	assert.InDelta(t, 1990.0, action.Price, 1e-9, "0.5%% below the mid reference")
}

func TestAnalyzeBuysOnLargerShortVenue(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	decision := eng.Analyze(snapshot(-0.8, -0.1, 2000))

	require.Len(t, decision.Actions, 1)
	action := decision.Actions[0]
	assert.Equal(t, "bybit", action.Exchange)
	assert.Equal(t, domain.SideBuy, action.Side)
	assert.InDelta(t, 2010.0, action.Price, 1e-9)
}

func TestAnalyzeTieGoesToPrimary(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	decision := eng.Analyze(snapshot(0.4, 0.4, 2000))

	require.Len(t, decision.Actions, 1)
	assert.Equal(t, "bybit", decision.Actions[0].Exchange)
}

func TestAnalyzeDropsActionExceedingMaxPosition(t *testing.T) {
	risk := testRisk()
	risk.MaxPositionBase = 0.85
	eng := engine.NewDeltaEngine(risk, false, 0.5, nil)

	// Selling 0.2 against the 0.8 position would cross the 0.85 cap.
	decision := eng.Analyze(snapshot(0.8, 0.1, 2000))

	assert.False(t, decision.WithinTolerance)
	assert.Empty(t, decision.Actions)
}

func TestAnalyzeNoReferencePrice(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	decision := eng.Analyze(snapshot(0.8, 0.1, 0))

	assert.Empty(t, decision.Actions, "cannot price an order without a reference")
	assert.NotEmpty(t, decision.Warnings)
}

func TestAnalyzeWarnings(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)

	snap := snapshot(0, 0, 2000)
	snap.PrimaryState.Balance.Available = 50
	snap.SecondaryState.ReferencePrice = 2100 // 5% divergence

	decision := eng.Analyze(snap)

	require.Len(t, decision.Warnings, 2)
	assert.Contains(t, decision.Warnings[0], "below minimum")
	assert.Contains(t, decision.Warnings[1], "divergence")
}

func TestAnalyzeDeterministic(t *testing.T) {
	eng := engine.NewDeltaEngine(testRisk(), false, 0.5, nil)
	snap := snapshot(0.8, 0.1, 2000)

	first := eng.Analyze(snap)
	second := eng.Analyze(snap)

	assert.Equal(t, first, second)
}
