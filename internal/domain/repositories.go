package domain

import (
	"context"
	"time"
)

// HedgeCycleRecord is the outbound PnL row written once per completed hedged
// cycle; consumed by external accounting, never read back by the core.
type HedgeCycleRecord struct {
	ID           int64     `json:"id"`
	Instrument   string    `json:"instrument"`
	Action       string    `json:"action"` // open or close
	OpenEquity   float64   `json:"open_equity"`
	CloseEquity  float64   `json:"close_equity"`
	FilledAmount float64   `json:"filled_amount"`
	CreatedAt    time.Time `json:"created_at"`
}

// RebalanceRecord is the audit trail of corrective orders placed by the
// continuous controller.
type RebalanceRecord struct {
	ID         int64     `json:"id"`
	Exchange   string    `json:"exchange"`
	Instrument string    `json:"instrument"`
	Side       Side      `json:"side"`
	Amount     float64   `json:"amount"`
	Price      float64   `json:"price"`
	OrderID    string    `json:"order_id"`
	Success    bool      `json:"success"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// TradeRepository persists the strategy's outbound records.
type TradeRepository interface {
	SaveHedgeCycle(ctx context.Context, rec *HedgeCycleRecord) error
	ListHedgeCycles(ctx context.Context, limit int) ([]*HedgeCycleRecord, error)

	SaveRebalance(ctx context.Context, rec *RebalanceRecord) error
	ListRebalances(ctx context.Context, limit int) ([]*RebalanceRecord, error)
}
