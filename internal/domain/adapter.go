package domain

import "context"

// Adapter is the single boundary between the core and venue-specific code.
// The core never branches on venue identity except to label results.
//
// Contract:
//   - GetBalance/GetPosition/GetOpenOrders return zero/empty values when the
//     venue has no data; absence is not an error.
//   - GetBestBidAsk returns (0, 0) when no live book is available so callers
//     can fall back to GetReferencePrice.
//   - PlaceLimitOrder and PlaceIOCOrder never return a Go error for venue
//     rejections; all failures surface in PlacedOrderResult.
//   - RoundPrice/RoundAmount snap values to the venue's increments; the
//     protocol layer never hardcodes tick or lot sizes.
type Adapter interface {
	Name() string

	GetBalance(ctx context.Context) (NormalizedBalance, error)
	GetPosition(ctx context.Context, instrument string) (NormalizedPosition, error)
	GetOpenOrders(ctx context.Context, instrument string) ([]NormalizedOrder, error)

	GetReferencePrice(ctx context.Context, instrument string) (float64, error)
	GetBestBidAsk(ctx context.Context, instrument string) (bid, ask float64, err error)

	PlaceLimitOrder(ctx context.Context, req LimitOrderRequest) PlacedOrderResult
	PlaceIOCOrder(ctx context.Context, req IOCOrderRequest) PlacedOrderResult
	CancelOrder(ctx context.Context, instrument, orderID string) (bool, error)
	CancelAllOrders(ctx context.Context, instrument string) (int, error)

	RoundPrice(instrument string, price float64) float64
	RoundAmount(instrument string, amount float64) float64

	Initialize(ctx context.Context) error
	Close() error
}

// LimitOrderRequest describes a resting limit order. Amount is always > 0;
// the side carries the direction.
type LimitOrderRequest struct {
	Instrument string
	Side       Side
	Price      float64
	Amount     float64
	PostOnly   bool
	ReduceOnly bool
}

// IOCOrderRequest describes an immediate-or-cancel taker order used for the
// hedge and unwind legs.
type IOCOrderRequest struct {
	Instrument string
	Side       Side
	Price      float64
	Amount     float64
	ReduceOnly bool
}
