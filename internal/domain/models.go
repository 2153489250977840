package domain

import "time"

type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side (used for hedge and unwind legs).
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
	DirectionFlat  Direction = "flat"
)

// NormalizedBalance is a venue balance snapshot in quote currency.
// Available is the tradable margin; Equity includes unrealized PnL.
type NormalizedBalance struct {
	Equity    float64 `json:"equity"`
	Available float64 `json:"available"`
	Currency  string  `json:"currency"`
}

// NormalizedPosition is a venue position snapshot.
// Size is signed: positive long, negative short, zero flat.
type NormalizedPosition struct {
	Instrument    string    `json:"instrument"`
	Size          float64   `json:"size"`
	Direction     Direction `json:"direction"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
}

// Notional is |size| * mark price in quote currency.
func (p NormalizedPosition) Notional() float64 {
	if p.MarkPrice <= 0 {
		return 0
	}
	size := p.Size
	if size < 0 {
		size = -size
	}
	return size * p.MarkPrice
}

// DirectionOf maps a signed size to a position direction.
func DirectionOf(size float64) Direction {
	switch {
	case size > 0:
		return DirectionLong
	case size < 0:
		return DirectionShort
	default:
		return DirectionFlat
	}
}

// NormalizedOrder is an open order on a venue. ID is adapter-namespaced
// ("bybit:12345") so cross-venue code never confuses order identifiers.
type NormalizedOrder struct {
	ID         string  `json:"id"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"`
	Amount     float64 `json:"amount"`
	Filled     float64 `json:"filled"`
	PostOnly   bool    `json:"post_only"`
	ReduceOnly bool    `json:"reduce_only"`
}

func (o NormalizedOrder) Remaining() float64 {
	return o.Amount - o.Filled
}

// RejectReason classifies order-placement rejections so callers branch on
// structured data instead of matching venue error strings.
type RejectReason string

const (
	RejectNone               RejectReason = ""
	RejectCrossesBook        RejectReason = "crosses_book"
	RejectWouldNotCross      RejectReason = "would_not_cross"
	RejectTooSmall           RejectReason = "too_small"
	RejectInsufficientMargin RejectReason = "insufficient_margin"
	RejectOther              RejectReason = "other"
)

// PlacedOrderResult is the only channel by which placement failures reach
// the core. Adapters never return an error from order placement.
type PlacedOrderResult struct {
	ID      string       `json:"id"`
	Success bool         `json:"success"`
	Reason  RejectReason `json:"reason,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// ExchangeState is a per-venue per-instrument snapshot collected fresh every
// cycle. Fields left at their zero value mean the corresponding fetch failed.
type ExchangeState struct {
	Exchange       string             `json:"exchange"`
	Instrument     string             `json:"instrument"`
	Balance        NormalizedBalance  `json:"balance"`
	Position       NormalizedPosition `json:"position"`
	OpenOrders     []NormalizedOrder  `json:"open_orders"`
	ReferencePrice float64            `json:"reference_price"`
	Timestamp      time.Time          `json:"timestamp"`
}

// DeltaSnapshot pairs the primary and secondary venue state for one instrument.
type DeltaSnapshot struct {
	Instrument     string        `json:"instrument"`
	PrimaryState   ExchangeState `json:"primary_state"`
	SecondaryState ExchangeState `json:"secondary_state"`
}

func (s DeltaSnapshot) PrimaryPosition() float64 {
	return s.PrimaryState.Position.Size
}

func (s DeltaSnapshot) SecondaryPosition() float64 {
	return s.SecondaryState.Position.Size
}

// NetDelta is the combined signed exposure across both venues.
func (s DeltaSnapshot) NetDelta() float64 {
	return s.PrimaryPosition() + s.SecondaryPosition()
}

// NetDeltaUSD converts the net delta to quote currency at the mean
// reference price. Zero when neither venue has a usable price.
func (s DeltaSnapshot) NetDeltaUSD() float64 {
	ref := (s.PrimaryState.ReferencePrice + s.SecondaryState.ReferencePrice) / 2
	if ref == 0 {
		return 0
	}
	return s.NetDelta() * ref
}

// MidReferencePrice averages both venues' reference prices, falling back to
// whichever one is available.
func (s DeltaSnapshot) MidReferencePrice() float64 {
	p1 := s.PrimaryState.ReferencePrice
	p2 := s.SecondaryState.ReferencePrice
	if p1 > 0 && p2 > 0 {
		return (p1 + p2) / 2
	}
	if p1 > 0 {
		return p1
	}
	return p2
}

// RebalanceAction is a single unit of corrective intent. It never
// self-executes; the controller decides whether to act on it.
type RebalanceAction struct {
	Exchange   string  `json:"exchange"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Amount     float64 `json:"amount"`
	Price      float64 `json:"price"`
	Reason     string  `json:"reason"`
}

// DeltaDecision is the decision engine's verdict for one instrument.
// Fully serializable so decisions can be tested without network access.
type DeltaDecision struct {
	Instrument      string            `json:"instrument"`
	NetDelta        float64           `json:"net_delta"`
	NetDeltaUSD     float64           `json:"net_delta_usd"`
	WithinTolerance bool              `json:"within_tolerance"`
	Actions         []RebalanceAction `json:"actions,omitempty"`
	Warnings        []string          `json:"warnings,omitempty"`
}

// RiskLimits bounds the strategy. Loaded once at startup, read-only after.
type RiskLimits struct {
	MaxDeltaBase     float64 `yaml:"max_delta_base" json:"max_delta_base"`
	MaxDeltaUSD      float64 `yaml:"max_delta_usd" json:"max_delta_usd"`
	MaxOrderSizeBase float64 `yaml:"max_order_size_base" json:"max_order_size_base"`
	MaxPositionBase  float64 `yaml:"max_position_base" json:"max_position_base"`
	MinBalanceUSD    float64 `yaml:"min_balance_usd" json:"min_balance_usd"`
}
