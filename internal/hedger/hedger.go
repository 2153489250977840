// Package hedger implements the two-leg hedged entry/exit protocol: a maker
// order on the primary venue, an immediate taker hedge on the secondary
// venue, and an unwind of the primary leg when the hedge cannot complete.
package hedger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
)

// Absolute tolerance for fill/hedge comparisons; venues round amounts, so
// relative comparison would misfire near zero.
const epsilon = 1e-8

// A chunk counts as filled once the position has moved at least this share
// of the target, tolerating venue rounding on the last lot.
const fillCompleteFactor = 0.999

const summaryInterval = 30 * time.Second

// ErrUnwindFailed means the hedge failed and the compensating primary order
// also failed: the run holds one-sided exposure and needs an operator.
var ErrUnwindFailed = errors.New("unwind of primary leg failed")

// ErrHedgeIncomplete means the hedge could not be completed and the primary
// leg was unwound; the run stops with exposure restored.
var ErrHedgeIncomplete = errors.New("secondary hedge incomplete, primary leg unwound")

// ErrHedgeUnconfirmed means the hedge order was acknowledged but the
// secondary position could not be read afterwards: the true hedge amount is
// unknown, so the run halts instead of retrying or unwinding on a guess.
var ErrHedgeUnconfirmed = errors.New("hedge unconfirmed, secondary position unreadable")

type Action string

const (
	ActionOpen  Action = "open"
	ActionClose Action = "close"
)

// chunkState names the phases of one chunk for structured logs.
type chunkState string

const (
	statePlacingPrimary  chunkState = "placing_primary"
	stateWaitingFill     chunkState = "waiting_fill"
	stateHedging         chunkState = "hedging"
	stateConfirmingHedge chunkState = "confirming_hedge"
	stateRetryHedge      chunkState = "retry_hedge"
	stateUnwinding       chunkState = "unwinding"
	stateDone            chunkState = "done"
)

// Result summarizes a completed hedged run.
type Result struct {
	Action         Action
	TotalFilled    float64
	OpenEquity     float64
	CloseEquity    float64
	FinalPrimary   float64
	FinalSecondary float64
}

// Hedger owns exactly one primary and one secondary adapter for its
// lifetime. Leg placements are strictly sequential: the hedge never races
// the primary fill it compensates.
type Hedger struct {
	primary    domain.Adapter
	secondary  domain.Adapter
	entry      config.EntryConfig
	instrument string
	store      domain.TradeRepository
	logger     *zap.Logger

	stopOnce sync.Once
	stopChan chan struct{}
}

func New(
	primary, secondary domain.Adapter,
	entry config.EntryConfig,
	instrument string,
	store domain.TradeRepository,
	logger *zap.Logger,
) *Hedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hedger{
		primary:    primary,
		secondary:  secondary,
		entry:      entry,
		instrument: instrument,
		store:      store,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
}

// RequestStop asks the run to finish the current step and exit. Open primary
// orders are cancelled; a chunk is never force-completed after a stop.
func (h *Hedger) RequestStop() {
	h.stopOnce.Do(func() {
		close(h.stopChan)
		h.logger.Warn("Stop requested, finishing current step")
	})
}

func (h *Hedger) stopRequested() bool {
	select {
	case <-h.stopChan:
		return true
	default:
		return false
	}
}

// Open accumulates a hedged position of entry.target_size in chunks of
// entry.size, long or short on the primary venue per entry.direction.
func (h *Hedger) Open(ctx context.Context) (*Result, error) {
	return h.run(ctx, ActionOpen)
}

// Close unwinds the hedged position chunk by chunk until both venues report
// flat (or dust below the close-notional floor, which the final chunk
// clears entirely).
func (h *Hedger) Close(ctx context.Context) (*Result, error) {
	return h.run(ctx, ActionClose)
}

func (h *Hedger) run(ctx context.Context, action Action) (*Result, error) {
	if h.entry.Size <= 0 {
		return nil, fmt.Errorf("entry.size must be > 0 to %s a position", action)
	}

	openEquity, err := h.combinedEquity(ctx)
	if err != nil {
		return nil, fmt.Errorf("read starting equity: %w", err)
	}
	h.logger.Info("Starting hedged run",
		zap.String("action", string(action)),
		zap.String("instrument", h.instrument),
		zap.Float64("chunk_size", h.entry.Size),
		zap.Float64("target_size", h.entry.TargetSize),
		zap.String("direction", h.entry.Direction),
		zap.Float64("open_equity", openEquity))

	summaryCtx, stopSummary := context.WithCancel(ctx)
	defer stopSummary()
	go h.summaryLoop(summaryCtx)

	totalFilled, err := h.alreadyFilled(ctx, action)
	if err != nil {
		return nil, err
	}

	runErr := h.chunkLoop(ctx, action, &totalFilled)

	// Cleanup happens even after a failed run: cancel what rests on either
	// book so nothing fills unattended.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, adapter := range []domain.Adapter{h.primary, h.secondary} {
		if _, err := adapter.CancelAllOrders(cleanupCtx, h.instrument); err != nil {
			h.logger.Warn("Cleanup: failed to cancel orders",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}

	finalPrimary, _ := h.primary.GetPosition(cleanupCtx, h.instrument)
	finalSecondary, _ := h.secondary.GetPosition(cleanupCtx, h.instrument)
	closeEquity, eqErr := h.combinedEquity(cleanupCtx)
	if eqErr != nil {
		h.logger.Warn("Failed to read closing equity, PnL row skipped", zap.Error(eqErr))
	}

	h.logger.Info("Hedged run finished",
		zap.String("action", string(action)),
		zap.Float64("total_filled", totalFilled),
		zap.Float64("final_primary", finalPrimary.Size),
		zap.Float64("final_secondary", finalSecondary.Size),
		zap.Float64("net", finalPrimary.Size+finalSecondary.Size),
		zap.Float64("cycle_pnl", closeEquity-openEquity))

	// The PnL row requires a real closing equity, not a zero placeholder.
	if h.store != nil && eqErr == nil {
		rec := &domain.HedgeCycleRecord{
			Instrument:   h.instrument,
			Action:       string(action),
			OpenEquity:   openEquity,
			CloseEquity:  closeEquity,
			FilledAmount: totalFilled,
			CreatedAt:    time.Now(),
		}
		if err := h.store.SaveHedgeCycle(cleanupCtx, rec); err != nil {
			h.logger.Warn("Failed to record hedge cycle", zap.Error(err))
		}
	}

	result := &Result{
		Action:         action,
		TotalFilled:    totalFilled,
		OpenEquity:     openEquity,
		CloseEquity:    closeEquity,
		FinalPrimary:   finalPrimary.Size,
		FinalSecondary: finalSecondary.Size,
	}
	return result, runErr
}

// alreadyFilled credits position already held in the target direction so a
// restarted open run resumes instead of overshooting.
func (h *Hedger) alreadyFilled(ctx context.Context, action Action) (float64, error) {
	if action != ActionOpen || h.entry.TargetSize <= 0 {
		return 0, nil
	}
	pos, err := h.primary.GetPosition(ctx, h.instrument)
	if err != nil {
		return 0, fmt.Errorf("read primary position: %w", err)
	}
	desiredSign := 1.0
	if h.entry.Direction == "short" {
		desiredSign = -1.0
	}
	onTargetSide := max(0, desiredSign*pos.Size)
	credited := min(h.entry.TargetSize, onTargetSide)
	if credited > epsilon {
		h.logger.Info("Resuming: primary already holds part of the target",
			zap.Float64("credited", credited),
			zap.Float64("target", h.entry.TargetSize))
	}
	return credited, nil
}

func (h *Hedger) chunkLoop(ctx context.Context, action Action, totalFilled *float64) error {
	for {
		if ctx.Err() != nil || h.stopRequested() {
			h.logger.Info("Stop requested, no further chunks")
			return nil
		}

		primaryPos, err := h.primary.GetPosition(ctx, h.instrument)
		if err != nil {
			return fmt.Errorf("read primary position: %w", err)
		}
		secondaryPos, err := h.secondary.GetPosition(ctx, h.instrument)
		if err != nil {
			return fmt.Errorf("read secondary position: %w", err)
		}

		if action == ActionClose && abs(primaryPos.Size) <= epsilon && abs(secondaryPos.Size) <= epsilon {
			return nil
		}
		if action == ActionOpen && h.entry.TargetSize > 0 && *totalFilled >= h.entry.TargetSize-epsilon {
			return nil
		}

		filled, err := h.runChunk(ctx, action, primaryPos.Size, secondaryPos.Size, *totalFilled)
		*totalFilled += filled
		if err != nil {
			return err
		}

		if h.stopRequested() {
			h.logger.Info("Stop requested, current chunk finished")
			return nil
		}
		if action == ActionOpen && h.entry.TargetSize <= 0 {
			// Single-chunk open when no cumulative target is configured.
			return nil
		}
	}
}

// runChunk executes one maker-then-taker pair and returns the primary amount
// that ended up hedged. A zero return with nil error means the chunk was
// abandoned and the caller may retry.
func (h *Hedger) runChunk(ctx context.Context, action Action, primaryPos, secondaryPos, totalFilled float64) (float64, error) {
	sidePrimary := h.primarySide(action, primaryPos, secondaryPos)

	placed, err := h.placePrimary(ctx, action, sidePrimary, primaryPos, secondaryPos, totalFilled)
	if err != nil {
		return 0, err
	}
	if placed == nil {
		// Placement failed after the whole offset plan; back off and let the
		// caller retry the chunk.
		h.sleep(ctx, maxDuration(time.Second, h.entry.PollInterval()))
		return 0, nil
	}
	if placed.chunk <= epsilon {
		return 0, nil
	}

	h.logChunkState(stateWaitingFill, sidePrimary, placed.chunk)

	// Fast polling here: the hedge should follow the fill as closely as the
	// venues allow.
	pollEff := h.entry.PollInterval()
	if pollEff > 200*time.Millisecond {
		pollEff = 200 * time.Millisecond
	}

	filled, err := h.waitFill(ctx, fillWatch{
		instrument:          h.instrument,
		side:                sidePrimary,
		startPos:            primaryPos,
		target:              placed.chunk,
		poll:                pollEff,
		initialPrice:        placed.price,
		repriceInterval:     h.entry.RepriceInterval(),
		repriceThresholdPct: h.repriceThreshold(action),
		repriceOffsetPct:    h.repriceOffset(action),
		anchorPrice: func(ctx context.Context) (float64, error) {
			return h.anchorPrice(ctx, h.primary, sidePrimary)
		},
		cancelOrders: func(ctx context.Context) error {
			if !h.clearPrimaryOpenOrders(ctx) {
				return fmt.Errorf("could not clear open orders on %s", h.primary.Name())
			}
			return nil
		},
		placeOrder: func(ctx context.Context, price, amount float64) domain.PlacedOrderResult {
			return h.primary.PlaceLimitOrder(ctx, domain.LimitOrderRequest{
				Instrument: h.instrument,
				Side:       sidePrimary,
				Price:      h.primary.RoundPrice(h.instrument, price),
				Amount:     h.primary.RoundAmount(h.instrument, amount),
				PostOnly:   placed.postOnly,
				ReduceOnly: action == ActionClose,
			})
		},
		hasOpenOrder: func(ctx context.Context) (bool, error) {
			return h.hasPrimaryOpenOrder(ctx, sidePrimary)
		},
	})
	if err != nil {
		h.logger.Error("Primary order management failed, retrying chunk", zap.Error(err))
		h.sleep(ctx, maxDuration(time.Second, h.entry.PollInterval()))
		return 0, nil
	}
	if (h.stopRequested() || ctx.Err() != nil) && filled <= epsilon {
		h.logger.Info("Stopped with primary order cancelled and nothing filled")
		return 0, nil
	}

	return h.hedgeFill(ctx, action, sidePrimary, filled)
}

type placedPrimary struct {
	price    float64
	chunk    float64
	postOnly bool
}

// placePrimary works through the offset plan until the primary maker order
// rests on the book. Returns nil when the plan is exhausted.
func (h *Hedger) placePrimary(ctx context.Context, action Action, sidePrimary domain.Side, primaryPos, secondaryPos, totalFilled float64) (*placedPrimary, error) {
	refPrimary, err := h.primary.GetReferencePrice(ctx, h.instrument)
	if err != nil || refPrimary <= 0 {
		return nil, fmt.Errorf("primary reference price unavailable (%s): %w", h.primary.Name(), err)
	}

	anchor, anchorLabel, err := h.anchorWithLabel(ctx, sidePrimary, refPrimary)
	if err != nil {
		return nil, err
	}

	var baseOffsets []float64
	if action == ActionClose {
		baseOffsets = []float64{h.entry.CloseOffsetPct, h.entry.CloseOffsetRetryPct}
	} else {
		baseOffsets = []float64{h.entry.OffsetPct, h.entry.OffsetRetryPct}
	}
	plan := newOffsetPlan(baseOffsets, h.entry.PostOnlyFallbackFactor,
		h.entry.PostOnlyFallbackMaxPct, h.entry.PostOnlyFallbackRetries)

	var lastError string
	for {
		off, ok := plan.Next()
		if !ok {
			h.logger.Error("Could not place primary limit order",
				zap.String("exchange", h.primary.Name()),
				zap.String("last_error", lastError))
			return nil, nil
		}

		priceTry := anchor - anchor*off
		if sidePrimary == domain.SideSell {
			priceTry = anchor + anchor*off
		}

		chunk, err := h.chunkSize(ctx, action, sidePrimary, primaryPos, secondaryPos, totalFilled, priceTry)
		if err != nil {
			return nil, err
		}
		if chunk <= epsilon {
			return &placedPrimary{price: priceTry, chunk: 0, postOnly: h.entry.PostOnly}, nil
		}

		h.logChunkState(statePlacingPrimary, sidePrimary, chunk)
		h.logger.Info("Placing primary limit order",
			zap.String("action", string(action)),
			zap.String("exchange", h.primary.Name()),
			zap.String("side", string(sidePrimary)),
			zap.Float64("amount", chunk),
			zap.Float64("price", priceTry),
			zap.Float64("ref", refPrimary),
			zap.String("anchor", anchorLabel),
			zap.Float64("anchor_price", anchor),
			zap.Float64("offset", off))

		// Stale orders stack on some venues unless cleared and verified
		// before every placement.
		if !h.clearPrimaryOpenOrders(ctx) {
			h.logger.Error("Could not clear primary open orders, abandoning chunk",
				zap.String("exchange", h.primary.Name()))
			return nil, nil
		}

		res := h.primary.PlaceLimitOrder(ctx, domain.LimitOrderRequest{
			Instrument: h.instrument,
			Side:       sidePrimary,
			Price:      h.primary.RoundPrice(h.instrument, priceTry),
			Amount:     h.primary.RoundAmount(h.instrument, chunk),
			PostOnly:   h.entry.PostOnly,
			ReduceOnly: action == ActionClose,
		})
		if res.Success {
			return &placedPrimary{price: priceTry, chunk: chunk, postOnly: h.entry.PostOnly}, nil
		}

		lastError = res.Error
		h.logger.Warn("Primary limit order rejected",
			zap.String("exchange", h.primary.Name()),
			zap.String("side", string(sidePrimary)),
			zap.Float64("amount", chunk),
			zap.Float64("price", priceTry),
			zap.String("reject_reason", string(res.Reason)),
			zap.String("error", res.Error))

		if res.Reason == domain.RejectCrossesBook && h.entry.PostOnly {
			if plan.Extend(off) {
				h.logger.Warn("Post-only order crossed the book, extending offset plan",
					zap.Float64("offset", off),
					zap.Int("extensions", plan.Extensions()))
			}
		}
	}
}

// chunkSize computes the amount for this chunk, applying the open-mode
// remaining-target and hedge-margin pre-checks or the close-mode minimum
// notional rules.
func (h *Hedger) chunkSize(ctx context.Context, action Action, sidePrimary domain.Side, primaryPos, secondaryPos, totalFilled, price float64) (float64, error) {
	if action == ActionOpen {
		chunk := h.entry.Size
		if h.entry.TargetSize > 0 {
			remaining := h.entry.TargetSize - totalFilled
			if remaining <= epsilon {
				return 0, nil
			}
			chunk = min(chunk, remaining)
		}

		// Do not open more on the primary than the secondary can hedge.
		refSecondary, err := h.secondary.GetReferencePrice(ctx, h.instrument)
		if err == nil && refSecondary > 0 {
			slip := max(h.entry.SecondarySlippagePct, h.entry.IOCMinCrossPct)
			estHedgePrice := refSecondary * (1 + slip/100)
			maxHedge, err := h.maxHedgeAmount(ctx, estHedgePrice)
			if err == nil {
				if maxHedge <= epsilon {
					return 0, fmt.Errorf("secondary venue %s cannot hedge: no available margin", h.secondary.Name())
				}
				if chunk > maxHedge+epsilon {
					h.logger.Warn("Shrinking chunk to secondary margin limit",
						zap.Float64("chunk", chunk),
						zap.Float64("max_hedge", maxHedge))
					chunk = maxHedge
				}
			}
		}
		return chunk, nil
	}

	// Close mode: base the chunk on the primary position, falling back to the
	// secondary when the primary is already flat.
	basis := abs(primaryPos)
	if basis <= epsilon {
		basis = abs(secondaryPos)
	}
	chunk := min(h.entry.Size, basis)

	refSecondary, err := h.secondary.GetReferencePrice(ctx, h.instrument)
	if err != nil || refSecondary <= 0 {
		refSecondary = price
	}
	minAmountPrimary := h.entry.CloseMinNotional / max(price, epsilon)
	minAmountSecondary := h.entry.CloseMinNotional / max(refSecondary, epsilon)
	minCloseAmount := max(minAmountPrimary, minAmountSecondary)

	if basis+epsilon < minCloseAmount {
		return 0, fmt.Errorf(
			"residual position %.6f is below the minimum close amount %.6f (notional >= %.2f) on one of the venues",
			basis, minCloseAmount, h.entry.CloseMinNotional)
	}
	if chunk+epsilon < minCloseAmount {
		h.logger.Info("Raising close chunk to the minimum notional",
			zap.Float64("chunk", chunk),
			zap.Float64("min_close_amount", minCloseAmount))
		chunk = min(basis, minCloseAmount)
	}
	// Never leave dust that would be too small to close in a final chunk.
	remainder := basis - chunk
	if remainder > epsilon && remainder+epsilon < minCloseAmount {
		h.logger.Info("Remainder after chunk would be below the minimum, closing the whole residual",
			zap.Float64("remainder", remainder),
			zap.Float64("min_close_amount", minCloseAmount),
			zap.Float64("basis", basis))
		chunk = basis
	}
	return chunk, nil
}

func (h *Hedger) primarySide(action Action, primaryPos, secondaryPos float64) domain.Side {
	if action == ActionOpen {
		if h.entry.Direction == "short" {
			return domain.SideSell
		}
		return domain.SideBuy
	}
	// Close: reduce whatever the primary holds; when the primary is already
	// flat, mirror the secondary so both legs shrink.
	switch {
	case primaryPos > epsilon:
		return domain.SideSell
	case primaryPos < -epsilon:
		return domain.SideBuy
	case secondaryPos > 0:
		return domain.SideBuy
	default:
		return domain.SideSell
	}
}

// hedgeFill places the taker hedge for a filled primary amount, confirms it
// against the (possibly lagging) secondary position, retries the residual
// with escalating slippage, and unwinds the primary on failure.
func (h *Hedger) hedgeFill(ctx context.Context, action Action, sidePrimary domain.Side, filled float64) (float64, error) {
	if filled <= epsilon {
		return 0, nil
	}

	sideSecond := sidePrimary.Opposite()
	reduceOnly := action == ActionClose

	refSecond, err := h.secondary.GetReferencePrice(ctx, h.instrument)
	if err != nil || refSecond <= 0 {
		return 0, fmt.Errorf("secondary reference price unavailable (%s): %w", h.secondary.Name(), err)
	}
	posBefore, err := h.secondary.GetPosition(ctx, h.instrument)
	if err != nil {
		return 0, fmt.Errorf("read secondary position: %w", err)
	}

	h.logChunkState(stateHedging, sideSecond, filled)

	// Hedge first, validate later: the clock on one-sided exposure is
	// already running.
	slipTry := max(h.entry.SecondarySlippagePct, h.entry.IOCMinCrossPct)
	iocRes := h.placeIOC(ctx, h.secondary, sideSecond, refSecond, slipTry, filled, reduceOnly)

	if !iocRes.Success && iocRes.Reason == domain.RejectWouldNotCross {
		slipTry *= 2
		iocRes = h.placeIOC(ctx, h.secondary, sideSecond, refSecond, slipTry, filled, reduceOnly)
	}

	if !iocRes.Success && iocRes.Reason == domain.RejectInsufficientMargin && action == ActionOpen {
		// Margin moved under us; shrink to what the venue can carry and retry once.
		maxHedge, merr := h.maxHedgeAmount(ctx, refSecond*(1+slipTry/100))
		if merr == nil && maxHedge > epsilon && maxHedge < filled {
			h.logger.Warn("Hedge hit a margin limit, shrinking amount",
				zap.Float64("filled", filled),
				zap.Float64("reduced", maxHedge))
			iocRes = h.placeIOC(ctx, h.secondary, sideSecond, refSecond, slipTry, maxHedge, reduceOnly)
		}
	}

	h.logChunkState(stateConfirmingHedge, sideSecond, filled)
	hedged, confirmed := h.confirmHedge(ctx, sideSecond, posBefore.Size, filled, iocRes.Success)
	if iocRes.Success && !confirmed {
		return 0, fmt.Errorf("%w: %s acknowledged %.6f but no position poll succeeded",
			ErrHedgeUnconfirmed, h.secondary.Name(), filled)
	}
	residual := max(0, filled-hedged)

	// Partial hedge: chase the residual with escalating slippage, bounded by
	// the retry count and the slippage ceiling.
	for retry := 0; iocRes.Success && residual > epsilon && retry < h.entry.HedgeRetryCount; retry++ {
		refRetry, err := h.secondary.GetReferencePrice(ctx, h.instrument)
		if err != nil || refRetry <= 0 {
			break
		}
		slipTry = min(h.entry.HedgeRetryMaxSlippagePct,
			max(h.entry.IOCMinCrossPct, slipTry*h.entry.HedgeRetrySlippageMult))
		h.logChunkState(stateRetryHedge, sideSecond, residual)
		h.logger.Warn("Hedge residual remains, retrying",
			zap.Float64("residual", residual),
			zap.Int("retry", retry+1),
			zap.Int("retry_limit", h.entry.HedgeRetryCount),
			zap.Float64("slippage_pct", slipTry))

		retryRes := h.placeIOC(ctx, h.secondary, sideSecond, refRetry, slipTry, residual, reduceOnly)
		if !retryRes.Success {
			iocRes = retryRes
			break
		}
		prevHedged := hedged
		hedged, confirmed = h.confirmHedge(ctx, sideSecond, posBefore.Size, filled, true)
		if !confirmed {
			return prevHedged, fmt.Errorf("%w: %s acknowledged a retry for %.6f but no position poll succeeded",
				ErrHedgeUnconfirmed, h.secondary.Name(), residual)
		}
		residual = max(0, filled-hedged)
	}

	if !iocRes.Success || residual > epsilon {
		return hedged, h.unwind(ctx, action, sidePrimary, filled, hedged, iocRes)
	}

	h.logChunkState(stateDone, sideSecond, filled)
	return filled, nil
}

// confirmHedge polls the secondary position for up to the confirmation
// window: some venues acknowledge the order before the position reflects it.
// The confirmed amount never exceeds the filled primary amount. The second
// return is false when not a single poll succeeded, meaning the hedge amount
// is unknown rather than zero.
func (h *Hedger) confirmHedge(ctx context.Context, sideSecond domain.Side, posBefore, filled float64, ackOK bool) (float64, bool) {
	deadline := time.Now().Add(h.entry.HedgeConfirmTimeout())
	var hedged float64
	polled := false
	for {
		pos, err := h.secondary.GetPosition(ctx, h.instrument)
		if err != nil {
			h.logger.Warn("Secondary position poll failed", zap.Error(err))
		} else {
			polled = true
			hedged = filledBySide(posBefore, pos.Size, sideSecond, filled)
		}
		if polled && hedged >= filled-epsilon {
			return hedged, true
		}
		if !ackOK || time.Now().After(deadline) || ctx.Err() != nil {
			return hedged, polled
		}
		h.sleep(ctx, h.entry.HedgeConfirmPoll())
	}
}

// unwind reverses the unhedged part of the primary fill with an aggressive
// taker order, restoring the pre-chunk exposure. A failed unwind is fatal.
func (h *Hedger) unwind(ctx context.Context, action Action, sidePrimary domain.Side, filled, hedged float64, iocRes domain.PlacedOrderResult) error {
	residual := max(0, filled-hedged)
	h.logger.Error("Secondary leg not fully hedged",
		zap.Bool("hedge_ack", iocRes.Success),
		zap.Float64("hedged", hedged),
		zap.Float64("filled", filled),
		zap.String("error", iocRes.Error))

	unwindSide := sidePrimary.Opposite()
	unwindAmount := residual
	if unwindAmount <= epsilon {
		unwindAmount = filled
	}

	refPrimary, err := h.primary.GetReferencePrice(ctx, h.instrument)
	if err != nil || refPrimary <= 0 {
		return fmt.Errorf("%w: no primary reference price for the unwind (%v)", ErrUnwindFailed, err)
	}

	slip := max(h.entry.SlippagePct, h.entry.IOCMinCrossPct)
	h.logChunkState(stateUnwinding, unwindSide, unwindAmount)
	h.logger.Warn("Unwinding primary leg",
		zap.String("exchange", h.primary.Name()),
		zap.String("side", string(unwindSide)),
		zap.Float64("amount", unwindAmount),
		zap.Float64("ref", refPrimary),
		zap.Float64("slippage_pct", slip))

	unwindRes := h.placeIOC(ctx, h.primary, unwindSide, refPrimary, slip, unwindAmount, action == ActionOpen)
	if !unwindRes.Success {
		return fmt.Errorf("%w: hedge error %q, unwind error %q",
			ErrUnwindFailed, iocRes.Error, unwindRes.Error)
	}
	return fmt.Errorf("%w: hedged %.6f of %.6f", ErrHedgeIncomplete, hedged, filled)
}

func (h *Hedger) placeIOC(ctx context.Context, adapter domain.Adapter, side domain.Side, ref, slipPct, amount float64, reduceOnly bool) domain.PlacedOrderResult {
	slip := ref * slipPct / 100
	price := ref + slip
	if side == domain.SideSell {
		price = ref - slip
	}
	h.logger.Info("Placing IOC order",
		zap.String("exchange", adapter.Name()),
		zap.String("side", string(side)),
		zap.Float64("amount", amount),
		zap.Float64("price", price),
		zap.Float64("ref", ref),
		zap.Float64("slippage_pct", slipPct))
	return adapter.PlaceIOCOrder(ctx, domain.IOCOrderRequest{
		Instrument: h.instrument,
		Side:       side,
		Price:      adapter.RoundPrice(h.instrument, price),
		Amount:     adapter.RoundAmount(h.instrument, amount),
		ReduceOnly: reduceOnly,
	})
}

// maxHedgeAmount estimates how much the secondary venue can open at the given
// price from its available margin.
func (h *Hedger) maxHedgeAmount(ctx context.Context, price float64) (float64, error) {
	bal, err := h.secondary.GetBalance(ctx)
	if err != nil {
		return 0, err
	}
	effPrice := max(price, epsilon)
	return max(0, bal.Available*h.entry.SecondaryMaxLeverage*h.entry.HedgeMarginBuffer/effPrice), nil
}

// clearPrimaryOpenOrders cancels and verifies until the primary book is clean,
// with a per-order fallback. Without verification some venues stack orders.
func (h *Hedger) clearPrimaryOpenOrders(ctx context.Context) bool {
	const maxAttempts = 4
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if _, err := h.primary.CancelAllOrders(ctx, h.instrument); err != nil {
			h.logger.Warn("Cancel-all failed on primary", zap.Error(err))
		}
		h.sleep(ctx, minDuration(time.Duration(attempt)*350*time.Millisecond, 1500*time.Millisecond))

		active, err := h.activePrimaryOrders(ctx)
		if err != nil {
			h.logger.Warn("Failed to verify primary open orders", zap.Error(err))
			continue
		}
		if len(active) == 0 {
			return true
		}

		for _, o := range active {
			if _, err := h.primary.CancelOrder(ctx, h.instrument, o.ID); err != nil {
				h.logger.Warn("Per-order cancel failed",
					zap.String("order_id", o.ID), zap.Error(err))
			}
		}
		h.sleep(ctx, 400*time.Millisecond)

		active, err = h.activePrimaryOrders(ctx)
		if err == nil && len(active) == 0 {
			return true
		}
		h.logger.Warn("Primary open orders still present after cancel attempt",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("active", len(active)))
	}
	return false
}

func (h *Hedger) activePrimaryOrders(ctx context.Context) ([]domain.NormalizedOrder, error) {
	orders, err := h.primary.GetOpenOrders(ctx, h.instrument)
	if err != nil {
		return nil, err
	}
	var active []domain.NormalizedOrder
	for _, o := range orders {
		if abs(o.Remaining()) > epsilon {
			active = append(active, o)
		}
	}
	return active, nil
}

func (h *Hedger) hasPrimaryOpenOrder(ctx context.Context, side domain.Side) (bool, error) {
	orders, err := h.primary.GetOpenOrders(ctx, h.instrument)
	if err != nil {
		return false, err
	}
	for _, o := range orders {
		if o.Side != side {
			continue
		}
		if abs(o.Remaining()) <= epsilon {
			continue
		}
		return true, nil
	}
	return false, nil
}

// anchorPrice picks the side-appropriate top of book, falling back to the
// reference price when the book is unavailable.
func (h *Hedger) anchorPrice(ctx context.Context, adapter domain.Adapter, side domain.Side) (float64, error) {
	bid, ask, err := adapter.GetBestBidAsk(ctx, h.instrument)
	if err == nil {
		if side == domain.SideBuy && bid > 0 {
			return bid, nil
		}
		if side == domain.SideSell && ask > 0 {
			return ask, nil
		}
	}
	return adapter.GetReferencePrice(ctx, h.instrument)
}

func (h *Hedger) anchorWithLabel(ctx context.Context, side domain.Side, ref float64) (float64, string, error) {
	bid, ask, err := h.primary.GetBestBidAsk(ctx, h.instrument)
	if err != nil {
		return ref, "ref", nil
	}
	if side == domain.SideBuy && bid > 0 {
		return bid, "bid", nil
	}
	if side == domain.SideSell && ask > 0 {
		return ask, "ask", nil
	}
	return ref, "ref", nil
}

func (h *Hedger) repriceThreshold(action Action) float64 {
	if action == ActionClose {
		return h.entry.CloseOffsetPct
	}
	return h.entry.OffsetPct
}

func (h *Hedger) repriceOffset(action Action) float64 {
	if action == ActionClose {
		return h.entry.CloseOffsetRetryPct
	}
	return h.entry.OffsetRetryPct
}

// summaryLoop periodically logs both legs while a run is in flight.
func (h *Hedger) summaryLoop(ctx context.Context) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
		}

		primaryPos, err1 := h.primary.GetPosition(ctx, h.instrument)
		secondaryPos, err2 := h.secondary.GetPosition(ctx, h.instrument)
		primaryBal, err3 := h.primary.GetBalance(ctx)
		secondaryBal, err4 := h.secondary.GetBalance(ctx)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			h.logger.Warn("Summary fetch failed")
			continue
		}
		h.logger.Info("Summary",
			zap.String("primary", h.primary.Name()),
			zap.Float64("primary_pos", primaryPos.Size),
			zap.Float64("primary_entry", primaryPos.EntryPrice),
			zap.Float64("primary_mark", primaryPos.MarkPrice),
			zap.String("secondary", h.secondary.Name()),
			zap.Float64("secondary_pos", secondaryPos.Size),
			zap.Float64("secondary_mark", secondaryPos.MarkPrice),
			zap.Float64("primary_equity", primaryBal.Equity),
			zap.Float64("secondary_equity", secondaryBal.Equity),
			zap.Float64("unrealized_pnl", primaryPos.UnrealizedPnL+secondaryPos.UnrealizedPnL))
	}
}

func (h *Hedger) combinedEquity(ctx context.Context) (float64, error) {
	primaryBal, err := h.primary.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s balance: %w", h.primary.Name(), err)
	}
	secondaryBal, err := h.secondary.GetBalance(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s balance: %w", h.secondary.Name(), err)
	}
	return primaryBal.Equity + secondaryBal.Equity, nil
}

func (h *Hedger) logChunkState(state chunkState, side domain.Side, amount float64) {
	h.logger.Debug("Chunk state",
		zap.String("state", string(state)),
		zap.String("side", string(side)),
		zap.Float64("amount", amount))
}

func (h *Hedger) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-h.stopChan:
	case <-time.After(d):
	}
}

// filledBySide measures how far a position moved in the direction of the
// given side, clamped to [0, cap].
func filledBySide(startPos, endPos float64, side domain.Side, capAmount float64) float64 {
	raw := endPos - startPos
	if side == domain.SideSell {
		raw = startPos - endPos
	}
	return clamp(raw, 0, capAmount)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
