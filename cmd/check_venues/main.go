// check_venues exercises both configured venue adapters end to end without
// placing orders: connectivity, balance, position, prices and rounding.
package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
	"github.com/vitos/delta_neutral/internal/infrastructure/exchange"
)

func main() {
	configPath := "config/config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	ctx := context.Background()

	for _, venue := range []config.VenueConfig{cfg.PrimaryVenue, cfg.SecondaryVenue} {
		fmt.Printf("=== %s ===\n", venue.Name)

		adapter, err := exchange.Build(venue, cfg.Instruments, logger)
		if err != nil {
			fmt.Printf("❌ Failed to build adapter: %v\n", err)
			continue
		}
		if err := adapter.Initialize(ctx); err != nil {
			fmt.Printf("❌ Failed to initialize: %v\n", err)
			continue
		}

		checkVenue(ctx, adapter, cfg.Instruments)
		adapter.Close()
	}
}

func checkVenue(ctx context.Context, adapter domain.Adapter, instruments []config.InstrumentConfig) {
	bal, err := adapter.GetBalance(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to get balance: %v\n", err)
	} else {
		fmt.Printf("✅ Balance: equity=%.2f available=%.2f %s\n", bal.Equity, bal.Available, bal.Currency)
	}

	for _, inst := range instruments {
		pos, err := adapter.GetPosition(ctx, inst.Symbol)
		if err != nil {
			fmt.Printf("❌ Failed to get position (%s): %v\n", inst.Symbol, err)
		} else {
			fmt.Printf("✅ Position (%s): size=%f entry=%f pnl=%f\n",
				inst.Symbol, pos.Size, pos.EntryPrice, pos.UnrealizedPnL)
		}

		ref, err := adapter.GetReferencePrice(ctx, inst.Symbol)
		if err != nil {
			fmt.Printf("❌ Failed to get reference price (%s): %v\n", inst.Symbol, err)
		} else {
			fmt.Printf("✅ Reference price (%s): %f\n", inst.Symbol, ref)
		}

		bid, ask, err := adapter.GetBestBidAsk(ctx, inst.Symbol)
		if err != nil {
			fmt.Printf("❌ Failed to get best bid/ask (%s): %v\n", inst.Symbol, err)
		} else {
			fmt.Printf("✅ Best bid/ask (%s): %f / %f\n", inst.Symbol, bid, ask)
		}

		if ref > 0 {
			rounded := adapter.RoundPrice(inst.Symbol, ref*1.000123)
			amount := adapter.RoundAmount(inst.Symbol, 0.123456789)
			fmt.Printf("✅ Rounding (%s): price %f, amount %f\n", inst.Symbol, rounded, amount)
		}

		orders, err := adapter.GetOpenOrders(ctx, inst.Symbol)
		if err != nil {
			fmt.Printf("❌ Failed to get open orders (%s): %v\n", inst.Symbol, err)
		} else {
			fmt.Printf("✅ Open orders (%s): %d\n", inst.Symbol, len(orders))
		}
	}
}
