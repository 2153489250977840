package hedger

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/domain"
)

// fillWatch bundles the callbacks waitFill needs to manage the resting
// primary order while it waits for the position to move.
type fillWatch struct {
	instrument   string
	side         domain.Side
	startPos     float64
	target       float64
	poll         time.Duration
	initialPrice float64

	repriceInterval time.Duration
	// Fractions of the anchor price: reprice when the market has drifted
	// beyond the threshold, re-place at the retry offset.
	repriceThresholdPct float64
	repriceOffsetPct    float64

	anchorPrice  func(ctx context.Context) (float64, error)
	cancelOrders func(ctx context.Context) error
	placeOrder   func(ctx context.Context, price, amount float64) domain.PlacedOrderResult
	hasOpenOrder func(ctx context.Context) (bool, error)
}

// waitFill polls the primary position until the target chunk is filled,
// repricing the resting order when the market drifts away from it and
// re-placing it when the venue silently drops it. A cancelled context cancels
// open orders and returns whatever was filled so far.
func (h *Hedger) waitFill(ctx context.Context, w fillWatch) (float64, error) {
	placedPrice := w.initialPrice
	lastReprice := time.Now()
	var prevDistPct float64
	havePrevDist := false
	var missingSince time.Time

	filledDelta := func(current float64) float64 {
		var raw float64
		if w.side == domain.SideBuy {
			raw = current - w.startPos
		} else {
			raw = w.startPos - current
		}
		return clamp(raw, 0, w.target)
	}

	var filled float64
	for {
		pos, err := h.primary.GetPosition(ctx, w.instrument)
		if err != nil {
			// A failed poll says nothing about the fill; reading it as
			// position zero would report a phantom fill and get it hedged.
			h.logger.Warn("Primary position poll failed", zap.Error(err))
			if ctx.Err() != nil || h.stopRequested() {
				if cerr := w.cancelOrders(context.WithoutCancel(ctx)); cerr != nil {
					h.logger.Warn("Failed to cancel primary orders on shutdown", zap.Error(cerr))
				}
				return filled, nil
			}
			select {
			case <-ctx.Done():
			case <-h.stopChan:
			case <-time.After(w.poll):
			}
			continue
		}
		filled = filledDelta(pos.Size)
		if filled >= w.target*fillCompleteFactor {
			return filled, nil
		}
		if ctx.Err() != nil || h.stopRequested() {
			if err := w.cancelOrders(context.WithoutCancel(ctx)); err != nil {
				h.logger.Warn("Failed to cancel primary orders on shutdown", zap.Error(err))
			}
			return filled, nil
		}

		// The venue can drop an order without a fill. After a short grace
		// period re-place the remaining amount at a fresh anchor.
		if filled < w.target-epsilon {
			orderOpen, err := w.hasOpenOrder(ctx)
			if err != nil {
				h.logger.Warn("Failed to check primary open orders", zap.Error(err))
				orderOpen = true
			}
			now := time.Now()
			if !orderOpen {
				if missingSince.IsZero() {
					missingSince = now
				}
				grace := 3 * w.poll
				if grace < time.Second {
					grace = time.Second
				}
				if now.Sub(missingSince) >= grace {
					anchor, err := w.anchorPrice(ctx)
					if err == nil && anchor > 0 {
						remaining := w.target - filled
						if remaining > epsilon {
							offset := anchor * w.repriceOffsetPct
							newPrice := anchor - offset
							if w.side == domain.SideSell {
								newPrice = anchor + offset
							}
							res := w.placeOrder(ctx, newPrice, remaining)
							if res.Success {
								h.logger.Warn("Primary order vanished from open orders, re-placed",
									zap.String("side", string(w.side)),
									zap.Float64("remaining", remaining),
									zap.Float64("price", newPrice),
									zap.Float64("anchor", anchor))
								placedPrice = newPrice
								havePrevDist = false
								missingSince = time.Time{}
							} else {
								h.logger.Warn("Primary order missing and re-place failed",
									zap.String("error", res.Error))
								missingSince = now
							}
						}
					}
				}
			} else {
				missingSince = time.Time{}
			}
		}

		if w.repriceInterval > 0 && time.Since(lastReprice) >= w.repriceInterval {
			lastReprice = time.Now()
			anchor, err := w.anchorPrice(ctx)
			if err == nil && anchor > 0 {
				distPct := abs(placedPrice-anchor) / anchor
				// Only chase the market when it keeps moving away from the
				// resting order. A price coming back toward it gets to fill.
				if !havePrevDist {
					prevDistPct = distPct
					havePrevDist = true
				}
				movingAway := distPct > prevDistPct+epsilon
				prevDistPct = distPct

				if movingAway && distPct > max(w.repriceThresholdPct, epsilon) {
					remaining := w.target - filled
					if remaining > epsilon {
						if err := w.cancelOrders(ctx); err != nil {
							return filled, err
						}
						offset := anchor * w.repriceOffsetPct
						newPrice := anchor - offset
						if w.side == domain.SideSell {
							newPrice = anchor + offset
						}
						res := w.placeOrder(ctx, newPrice, remaining)
						if res.Success {
							h.logger.Info("Primary order repriced",
								zap.String("side", string(w.side)),
								zap.Float64("remaining", remaining),
								zap.Float64("price", newPrice),
								zap.Float64("prev_price", placedPrice),
								zap.Float64("anchor", anchor),
								zap.Float64("dist_pct", distPct))
							placedPrice = newPrice
							havePrevDist = false
						} else {
							h.logger.Warn("Failed to reprice primary order",
								zap.String("error", res.Error))
						}
					}
				}
			}
		}

		select {
		case <-ctx.Done():
		case <-h.stopChan:
		case <-time.After(w.poll):
		}
	}
}
