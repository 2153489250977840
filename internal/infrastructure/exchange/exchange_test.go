package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vitos/delta_neutral/internal/domain"
)

func TestClassifyBybitReject(t *testing.T) {
	tests := []struct {
		name    string
		retCode int
		retMsg  string
		want    domain.RejectReason
	}{
		{"insufficient margin code", 110007, "ab not enough for new order", domain.RejectInsufficientMargin},
		{"min qty code", 110094, "Order does not meet minimum order value", domain.RejectTooSmall},
		{"post only msg fallback", 30999, "PostOnly order will be cancelled", domain.RejectCrossesBook},
		{"insufficient msg fallback", 30999, "Insufficient available balance", domain.RejectInsufficientMargin},
		{"unknown", 10001, "params error", domain.RejectOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyBybitReject(tt.retCode, tt.retMsg))
		})
	}
}

func TestClassifyHyperliquidReject(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want domain.RejectReason
	}{
		{"post only crossed", "Post only order would have immediately matched, bbo was 2000", domain.RejectCrossesBook},
		{"ioc missed", "Order could not immediately match against any resting orders", domain.RejectWouldNotCross},
		{"margin", "Insufficient margin to place order", domain.RejectInsufficientMargin},
		{"dust", "Order must have minimum value of $10", domain.RejectTooSmall},
		{"unknown", "something else", domain.RejectOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyHyperliquidReject(tt.msg))
		})
	}
}

func TestRoundStep(t *testing.T) {
	assert.InDelta(t, 1990.5, roundStep(1990.7, 0.5), 1e-9)
	assert.InDelta(t, 0.123, roundStep(0.12345, 0.001), 1e-12)
	// A value already on the grid stays put.
	assert.InDelta(t, 0.12, roundStep(0.12, 0.01), 1e-12)
	// Zero step is a no-op.
	assert.Equal(t, 3.14159, roundStep(3.14159, 0))
}

func TestFormatStep(t *testing.T) {
	assert.Equal(t, "1990.50", formatStep(1990.5, 0.01))
	assert.Equal(t, "0.123", formatStep(0.12345, 0.001))
	assert.Equal(t, "42", formatStep(42.4, 1))
}

func TestRoundHLPrice(t *testing.T) {
	// 5 significant figures.
	assert.InDelta(t, 1234.6, roundHLPrice(1234.5678, 3), 1e-9)
	// szDecimals caps the decimal places: 6-4=2 decimals.
	assert.InDelta(t, 0.12, roundHLPrice(0.123456, 4), 1e-12)
	// Large prices round to integers.
	assert.InDelta(t, 123457, roundHLPrice(123456.7, 3), 1e-9)
}

func TestTrimFloat(t *testing.T) {
	assert.Equal(t, "1.5", trimFloat("1.500"))
	assert.Equal(t, "2", trimFloat("2.000"))
	assert.Equal(t, "42", trimFloat("42"))
}
