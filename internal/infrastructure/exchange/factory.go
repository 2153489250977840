package exchange

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
)

// Build constructs the adapter for a configured venue. Credentials come from
// the environment, loaded from the venue .env files at config time.
func Build(venue config.VenueConfig, instruments []config.InstrumentConfig, logger *zap.Logger) (domain.Adapter, error) {
	name := strings.ToLower(venue.Name)
	symbols := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		symbols[inst.Symbol] = inst.VenueSymbol(name)
	}

	switch name {
	case "bybit":
		apiKey := os.Getenv("BYBIT_API_KEY")
		apiSecret := os.Getenv("BYBIT_API_SECRET")
		if apiKey == "" || apiSecret == "" {
			return nil, fmt.Errorf("bybit: BYBIT_API_KEY and BYBIT_API_SECRET must be set")
		}
		return NewBybitAdapter(apiKey, apiSecret, venue.RESTEndpoint, venue.WSEndpoint, symbols, logger), nil

	case "hyperliquid":
		privKey := os.Getenv("HYPERLIQUID_PRIVATE_KEY")
		if privKey == "" {
			return nil, fmt.Errorf("hyperliquid: HYPERLIQUID_PRIVATE_KEY must be set")
		}
		account := os.Getenv("HYPERLIQUID_WALLET_ADDRESS")
		return NewHyperliquidAdapter(privKey, account, venue.RESTEndpoint, symbols, logger)

	default:
		return nil, fmt.Errorf("unsupported venue %q", venue.Name)
	}
}
