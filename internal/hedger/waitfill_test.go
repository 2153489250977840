package hedger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
)

// posAdapter is a stub venue whose position and failure mode are driven by
// the test.
type posAdapter struct {
	mu         sync.Mutex
	position   float64
	posErr     error
	iocAmounts []float64
}

func (p *posAdapter) set(v float64) {
	p.mu.Lock()
	p.position = v
	p.mu.Unlock()
}

func (p *posAdapter) setErr(err error) {
	p.mu.Lock()
	p.posErr = err
	p.mu.Unlock()
}

func (p *posAdapter) iocCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.iocAmounts)
}

func (p *posAdapter) Name() string { return "stub" }

func (p *posAdapter) GetPosition(ctx context.Context, instrument string) (domain.NormalizedPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.posErr != nil {
		return domain.NormalizedPosition{}, p.posErr
	}
	return domain.NormalizedPosition{Instrument: instrument, Size: p.position}, nil
}

func (p *posAdapter) GetBalance(ctx context.Context) (domain.NormalizedBalance, error) {
	return domain.NormalizedBalance{}, nil
}

func (p *posAdapter) GetOpenOrders(ctx context.Context, instrument string) ([]domain.NormalizedOrder, error) {
	return nil, nil
}

func (p *posAdapter) GetReferencePrice(ctx context.Context, instrument string) (float64, error) {
	return 2000, nil
}

func (p *posAdapter) GetBestBidAsk(ctx context.Context, instrument string) (float64, float64, error) {
	return 1999, 2001, nil
}

func (p *posAdapter) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) domain.PlacedOrderResult {
	return domain.PlacedOrderResult{ID: "stub:1", Success: true}
}

func (p *posAdapter) PlaceIOCOrder(ctx context.Context, req domain.IOCOrderRequest) domain.PlacedOrderResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iocAmounts = append(p.iocAmounts, req.Amount)
	return domain.PlacedOrderResult{ID: "stub:2", Success: true}
}

func (p *posAdapter) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	return true, nil
}

func (p *posAdapter) CancelAllOrders(ctx context.Context, instrument string) (int, error) {
	return 0, nil
}

func (p *posAdapter) RoundPrice(instrument string, price float64) float64   { return price }
func (p *posAdapter) RoundAmount(instrument string, amount float64) float64 { return amount }
func (p *posAdapter) Initialize(ctx context.Context) error                  { return nil }
func (p *posAdapter) Close() error                                          { return nil }

// waitFill reads only the primary adapter and stop channel from the Hedger;
// the entry config can stay zero-valued here.
func newTestHedger(primary domain.Adapter) *Hedger {
	return New(primary, &posAdapter{}, config.EntryConfig{}, "BTC-PERP", nil, nil)
}

func baseWatch(primary *posAdapter, orderOpen *bool) fillWatch {
	open := orderOpen
	return fillWatch{
		instrument:          "BTC-PERP",
		side:                domain.SideBuy,
		startPos:            0,
		target:              1.0,
		poll:                10 * time.Millisecond,
		initialPrice:        1999,
		repriceInterval:     time.Hour,
		repriceThresholdPct: 0.01,
		repriceOffsetPct:    0.02,
		anchorPrice: func(ctx context.Context) (float64, error) {
			return 1999, nil
		},
		cancelOrders: func(ctx context.Context) error { return nil },
		placeOrder: func(ctx context.Context, price, amount float64) domain.PlacedOrderResult {
			return domain.PlacedOrderResult{ID: "stub:1", Success: true}
		},
		hasOpenOrder: func(ctx context.Context) (bool, error) {
			if open == nil {
				return true, nil
			}
			return *open, nil
		},
	}
}

func TestWaitFillReturnsOnTarget(t *testing.T) {
	primary := &posAdapter{}
	h := newTestHedger(primary)

	go func() {
		time.Sleep(30 * time.Millisecond)
		primary.set(0.5)
		time.Sleep(30 * time.Millisecond)
		primary.set(1.0)
	}()

	filled, err := h.waitFill(context.Background(), baseWatch(primary, nil))

	require.NoError(t, err)
	assert.InDelta(t, 1.0, filled, 1e-9)
}

func TestWaitFillToleratesRoundingShortfall(t *testing.T) {
	primary := &posAdapter{}
	primary.set(0.9995) // >= 99.9% of the target counts as complete
	h := newTestHedger(primary)

	filled, err := h.waitFill(context.Background(), baseWatch(primary, nil))

	require.NoError(t, err)
	assert.InDelta(t, 0.9995, filled, 1e-9)
}

func TestWaitFillCancelReturnsPartial(t *testing.T) {
	primary := &posAdapter{}
	primary.set(0.4)
	h := newTestHedger(primary)

	cancelled := false
	w := baseWatch(primary, nil)
	w.cancelOrders = func(ctx context.Context) error {
		cancelled = true
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	filled, err := h.waitFill(ctx, w)

	require.NoError(t, err)
	assert.True(t, cancelled, "shutdown must cancel the resting order")
	assert.InDelta(t, 0.4, filled, 1e-9)
}

func TestWaitFillStopReturnsPartial(t *testing.T) {
	primary := &posAdapter{}
	primary.set(0.25)
	h := newTestHedger(primary)
	h.RequestStop()

	filled, err := h.waitFill(context.Background(), baseWatch(primary, nil))

	require.NoError(t, err)
	assert.InDelta(t, 0.25, filled, 1e-9)
}

func TestWaitFillReplacesVanishedOrder(t *testing.T) {
	primary := &posAdapter{}
	primary.set(0.4)
	h := newTestHedger(primary)

	orderOpen := false
	var mu sync.Mutex
	var replacedAmounts []float64

	w := baseWatch(primary, &orderOpen)
	w.placeOrder = func(ctx context.Context, price, amount float64) domain.PlacedOrderResult {
		mu.Lock()
		replacedAmounts = append(replacedAmounts, amount)
		mu.Unlock()
		// The re-placed order fills immediately.
		primary.set(1.0)
		return domain.PlacedOrderResult{ID: "stub:1", Success: true}
	}

	filled, err := h.waitFill(context.Background(), w)

	require.NoError(t, err)
	assert.InDelta(t, 1.0, filled, 1e-9)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replacedAmounts, 1, "vanished order re-placed once after the grace period")
	assert.InDelta(t, 0.6, replacedAmounts[0], 1e-9, "only the remaining amount is re-placed")
}

func TestWaitFillPollErrorNotTreatedAsFill(t *testing.T) {
	primary := &posAdapter{}
	primary.set(1.0)
	primary.setErr(errors.New("venue timeout"))
	h := newTestHedger(primary)

	// Selling down from 1.0: a zero-value position read would look like the
	// whole 0.5 chunk filled at once.
	w := baseWatch(primary, nil)
	w.side = domain.SideSell
	w.startPos = 1.0
	w.target = 0.5

	// The venue recovers mid-wait with a real partial fill, then the run is
	// stopped. Only that real fill may be reported.
	go func() {
		time.Sleep(40 * time.Millisecond)
		primary.set(0.8)
		primary.setErr(nil)
		time.Sleep(40 * time.Millisecond)
		h.RequestStop()
	}()

	filled, err := h.waitFill(context.Background(), w)

	require.NoError(t, err)
	assert.InDelta(t, 0.2, filled, 1e-9, "outage polls must not count as fills")
}

func TestFilledBySide(t *testing.T) {
	tests := []struct {
		name     string
		start    float64
		end      float64
		side     domain.Side
		capAt    float64
		expected float64
	}{
		{"buy fills forward", 0, 0.7, domain.SideBuy, 1.0, 0.7},
		{"sell fills downward", 0.5, -0.5, domain.SideSell, 1.0, 1.0},
		{"adverse move clamps to zero", 0, -0.3, domain.SideBuy, 1.0, 0},
		{"overshoot clamps to cap", 0, 1.4, domain.SideBuy, 1.0, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := filledBySide(tt.start, tt.end, tt.side, tt.capAt)
			assert.InDelta(t, tt.expected, got, 1e-12)
		})
	}
}
