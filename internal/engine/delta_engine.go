package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/domain"
)

// maxDivergencePct flags a stale or broken price feed when the two venues'
// reference prices drift apart by more than this percentage.
const maxDivergencePct = 1.0

// DeltaEngine computes the current delta and generates corrective actions.
// Analyze is deterministic and side-effect-free: same snapshot, same decision.
type DeltaEngine struct {
	risk           domain.RiskLimits
	observeOnly    bool
	priceOffsetPct float64
	logger         *zap.Logger
}

func NewDeltaEngine(risk domain.RiskLimits, observeOnly bool, priceOffsetPct float64, logger *zap.Logger) *DeltaEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeltaEngine{
		risk:           risk,
		observeOnly:    observeOnly,
		priceOffsetPct: priceOffsetPct,
		logger:         logger,
	}
}

// Analyze inspects a snapshot of both venues and decides whether the combined
// exposure needs correcting.
func (e *DeltaEngine) Analyze(snapshot domain.DeltaSnapshot) domain.DeltaDecision {
	delta := snapshot.NetDelta()
	deltaUSD := snapshot.NetDeltaUSD()

	withinBase := abs(delta) <= e.risk.MaxDeltaBase
	withinUSD := abs(deltaUSD) <= e.risk.MaxDeltaUSD

	decision := domain.DeltaDecision{
		Instrument:      snapshot.Instrument,
		NetDelta:        delta,
		NetDeltaUSD:     deltaUSD,
		WithinTolerance: withinBase && withinUSD,
	}

	decision.Warnings = e.checkSafety(snapshot)

	if decision.WithinTolerance || e.observeOnly {
		return decision
	}

	decision.Actions = e.generateActions(snapshot, delta)
	return decision
}

// checkSafety emits non-fatal warnings: missing reference prices, balances
// below the configured floor, and cross-venue price divergence.
func (e *DeltaEngine) checkSafety(snapshot domain.DeltaSnapshot) []string {
	var warnings []string

	primary := snapshot.PrimaryState
	secondary := snapshot.SecondaryState

	for _, st := range []domain.ExchangeState{primary, secondary} {
		if st.ReferencePrice <= 0 {
			warnings = append(warnings,
				fmt.Sprintf("%s: reference price unavailable for %s", st.Exchange, snapshot.Instrument))
		}
		if st.Balance.Available < e.risk.MinBalanceUSD {
			warnings = append(warnings,
				fmt.Sprintf("%s: available balance %.2f below minimum %.2f",
					st.Exchange, st.Balance.Available, e.risk.MinBalanceUSD))
		}
	}

	if primary.ReferencePrice > 0 && secondary.ReferencePrice > 0 {
		low := primary.ReferencePrice
		if secondary.ReferencePrice < low {
			low = secondary.ReferencePrice
		}
		spreadPct := abs(primary.ReferencePrice-secondary.ReferencePrice) / low * 100
		if spreadPct > maxDivergencePct {
			warnings = append(warnings,
				fmt.Sprintf("price divergence %.3f%% (%s=%.2f, %s=%.2f)",
					spreadPct,
					primary.Exchange, primary.ReferencePrice,
					secondary.Exchange, secondary.ReferencePrice))
		}
	}

	return warnings
}

// generateActions produces at most one corrective order that moves the net
// delta back toward zero.
func (e *DeltaEngine) generateActions(snapshot domain.DeltaSnapshot, delta float64) []domain.RebalanceAction {
	ref := snapshot.MidReferencePrice()
	if ref <= 0 {
		e.logger.Warn("Reference price unavailable, cannot size rebalance order",
			zap.String("instrument", snapshot.Instrument))
		return nil
	}

	amount := abs(delta)
	if amount > e.risk.MaxOrderSizeBase {
		amount = e.risk.MaxOrderSizeBase
	}
	if amount <= 0 {
		return nil
	}

	primaryPos := snapshot.PrimaryPosition()
	secondaryPos := snapshot.SecondaryPosition()
	primaryName := snapshot.PrimaryState.Exchange
	secondaryName := snapshot.SecondaryState.Exchange

	offset := ref * e.priceOffsetPct / 100

	var action domain.RebalanceAction
	if delta > 0 {
		// Net long: sell on the venue holding the larger long position.
		// Ties go to the primary venue.
		exchange, pos := primaryName, primaryPos
		if primaryPos < secondaryPos {
			exchange, pos = secondaryName, secondaryPos
		}
		action = domain.RebalanceAction{
			Exchange:   exchange,
			Instrument: snapshot.Instrument,
			Side:       domain.SideSell,
			Amount:     amount,
			Price:      ref - offset, // below mid to bias toward maker execution
			Reason:     fmt.Sprintf("Reduce delta: sell on %s (pos=%.6f)", exchange, pos),
		}
	} else {
		// Net short: buy on the venue holding the larger short position.
		exchange, pos := primaryName, primaryPos
		if primaryPos > secondaryPos {
			exchange, pos = secondaryName, secondaryPos
		}
		action = domain.RebalanceAction{
			Exchange:   exchange,
			Instrument: snapshot.Instrument,
			Side:       domain.SideBuy,
			Amount:     amount,
			Price:      ref + offset,
			Reason:     fmt.Sprintf("Reduce delta: buy on %s (pos=%.6f)", exchange, pos),
		}
	}

	return e.validateActions(snapshot, []domain.RebalanceAction{action})
}

// validateActions drops actions that would push a venue's absolute position
// above the configured cap. Dropped actions are logged, never raised.
func (e *DeltaEngine) validateActions(snapshot domain.DeltaSnapshot, actions []domain.RebalanceAction) []domain.RebalanceAction {
	var validated []domain.RebalanceAction
	for _, action := range actions {
		var current float64
		switch action.Exchange {
		case snapshot.PrimaryState.Exchange:
			current = abs(snapshot.PrimaryPosition())
		case snapshot.SecondaryState.Exchange:
			current = abs(snapshot.SecondaryPosition())
		default:
			e.logger.Warn("Action skipped: exchange not in snapshot",
				zap.String("exchange", action.Exchange))
			continue
		}

		if current+action.Amount > e.risk.MaxPositionBase {
			e.logger.Warn("Action skipped: would exceed max position",
				zap.String("exchange", action.Exchange),
				zap.String("side", string(action.Side)),
				zap.Float64("current", current),
				zap.Float64("amount", action.Amount),
				zap.Float64("max_position_base", e.risk.MaxPositionBase))
			continue
		}
		validated = append(validated, action)
	}
	return validated
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
