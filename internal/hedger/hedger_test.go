package hedger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
	"github.com/vitos/delta_neutral/internal/hedger"
)

// fakeVenue simulates a venue where limit orders fill instantly and IOC
// orders move the position by a configurable share of the requested amount.
type fakeVenue struct {
	mu   sync.Mutex
	name string

	position  float64
	equity    float64
	available float64
	ref       float64

	iocFillFactor float64
	iocRejects    []domain.RejectReason

	iocAmounts   []float64
	limitAmounts []float64

	// When > 0, GetBalance fails once it has been called that many times.
	balanceErrAfter int
	balanceCalls    int
}

func newFakeVenue(name string, ref float64) *fakeVenue {
	return &fakeVenue{
		name:          name,
		equity:        100000,
		available:     100000,
		ref:           ref,
		iocFillFactor: 1.0,
	}
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) GetBalance(ctx context.Context) (domain.NormalizedBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balanceCalls++
	if f.balanceErrAfter > 0 && f.balanceCalls > f.balanceErrAfter {
		return domain.NormalizedBalance{}, errors.New("balance endpoint down")
	}
	return domain.NormalizedBalance{Equity: f.equity, Available: f.available, Currency: "USD"}, nil
}

func (f *fakeVenue) GetPosition(ctx context.Context, instrument string) (domain.NormalizedPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.NormalizedPosition{
		Instrument: instrument,
		Size:       f.position,
		Direction:  domain.DirectionOf(f.position),
		MarkPrice:  f.ref,
	}, nil
}

func (f *fakeVenue) GetOpenOrders(ctx context.Context, instrument string) ([]domain.NormalizedOrder, error) {
	return nil, nil
}

func (f *fakeVenue) GetReferencePrice(ctx context.Context, instrument string) (float64, error) {
	return f.ref, nil
}

func (f *fakeVenue) GetBestBidAsk(ctx context.Context, instrument string) (float64, float64, error) {
	return f.ref - 1, f.ref + 1, nil
}

func (f *fakeVenue) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) domain.PlacedOrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limitAmounts = append(f.limitAmounts, req.Amount)
	if req.Side == domain.SideBuy {
		f.position += req.Amount
	} else {
		f.position -= req.Amount
	}
	return domain.PlacedOrderResult{ID: f.name + ":1", Success: true}
}

func (f *fakeVenue) PlaceIOCOrder(ctx context.Context, req domain.IOCOrderRequest) domain.PlacedOrderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.iocAmounts = append(f.iocAmounts, req.Amount)
	if len(f.iocRejects) > 0 {
		reason := f.iocRejects[0]
		f.iocRejects = f.iocRejects[1:]
		return domain.PlacedOrderResult{Reason: reason, Error: string(reason)}
	}
	fill := req.Amount * f.iocFillFactor
	if req.Side == domain.SideBuy {
		f.position += fill
	} else {
		f.position -= fill
	}
	return domain.PlacedOrderResult{ID: f.name + ":2", Success: true}
}

func (f *fakeVenue) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	return true, nil
}

func (f *fakeVenue) CancelAllOrders(ctx context.Context, instrument string) (int, error) {
	return 0, nil
}

func (f *fakeVenue) RoundPrice(instrument string, price float64) float64   { return price }
func (f *fakeVenue) RoundAmount(instrument string, amount float64) float64 { return amount }
func (f *fakeVenue) Initialize(ctx context.Context) error                  { return nil }
func (f *fakeVenue) Close() error                                          { return nil }

func (f *fakeVenue) pos() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position
}

// recordingRepo captures saved hedge cycles for assertions.
type recordingRepo struct {
	mu     sync.Mutex
	cycles []*domain.HedgeCycleRecord
}

func (r *recordingRepo) SaveHedgeCycle(ctx context.Context, rec *domain.HedgeCycleRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycles = append(r.cycles, rec)
	return nil
}

func (r *recordingRepo) ListHedgeCycles(ctx context.Context, limit int) ([]*domain.HedgeCycleRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycles, nil
}

func (r *recordingRepo) SaveRebalance(ctx context.Context, rec *domain.RebalanceRecord) error {
	return nil
}

func (r *recordingRepo) ListRebalances(ctx context.Context, limit int) ([]*domain.RebalanceRecord, error) {
	return nil, nil
}

func testEntry() config.EntryConfig {
	return config.EntryConfig{
		Size:                     1.0,
		TargetSize:               1.0,
		Direction:                "long",
		OffsetPct:                0.01,
		OffsetRetryPct:           0.02,
		CloseOffsetPct:           0.01,
		CloseOffsetRetryPct:      0.02,
		PostOnly:                 true,
		PostOnlyFallbackFactor:   1.5,
		PostOnlyFallbackRetries:  2,
		PostOnlyFallbackMaxPct:   0.30,
		SlippagePct:              0.05,
		SecondarySlippagePct:     0.05,
		IOCMinCrossPct:           0.2,
		PollIntervalSec:          0.01,
		RepriceIntervalSec:       60,
		HedgeConfirmTimeoutSec:   0.05,
		HedgeConfirmPollSec:      0.01,
		HedgeRetryCount:          2,
		HedgeRetrySlippageMult:   1.8,
		HedgeRetryMaxSlippagePct: 1.0,
		HedgeMarginBuffer:        0.9,
		SecondaryMaxLeverage:     10.0,
		CloseMinNotional:         105.0,
	}
}

func TestOpenRoundTrip(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, 1.0, primary.pos(), 1e-9)
	assert.InDelta(t, -1.0, secondary.pos(), 1e-9)
	assert.InDelta(t, 0.0, primary.pos()+secondary.pos(), 1e-9, "run must end delta neutral")
}

func TestOpenShortDirection(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	entry := testEntry()
	entry.Direction = "short"
	h := hedger.New(primary, secondary, entry, "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, -1.0, primary.pos(), 1e-9)
	assert.InDelta(t, 1.0, secondary.pos(), 1e-9)
}

func TestOpenChunksUpToTarget(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	entry := testEntry()
	entry.Size = 0.4
	entry.TargetSize = 1.0
	h := hedger.New(primary, secondary, entry, "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	// 0.4 + 0.4 + 0.2: the last chunk shrinks to the remaining target.
	require.Len(t, primary.limitAmounts, 3)
	assert.InDelta(t, 0.2, primary.limitAmounts[2], 1e-9)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, 1.0, primary.pos(), 1e-9)
	assert.InDelta(t, -1.0, secondary.pos(), 1e-9)
}

func TestOpenResumesFromExistingPosition(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	primary.position = 0.6
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.position = -0.6
	entry := testEntry()
	entry.Size = 0.5
	h := hedger.New(primary, secondary, entry, "BTC-PERP", nil, nil)

	_, err := h.Open(context.Background())

	require.NoError(t, err)
	// Only the remaining 0.4 gets opened.
	assert.InDelta(t, 1.0, primary.pos(), 1e-9)
	assert.InDelta(t, -1.0, secondary.pos(), 1e-9)
}

func TestCloseToFlat(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	primary.position = 1.0
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.position = -1.0
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	result, err := h.Close(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, 0.0, primary.pos(), 1e-9)
	assert.InDelta(t, 0.0, secondary.pos(), 1e-9)
}

func TestCloseRaisesChunkToMinNotional(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	primary.position = 0.2
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.position = -0.2
	entry := testEntry()
	entry.Size = 0.01 // notional 20 < 105
	h := hedger.New(primary, secondary, entry, "BTC-PERP", nil, nil)

	_, err := h.Close(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 0.0, primary.pos(), 1e-9)
	assert.InDelta(t, 0.0, secondary.pos(), 1e-9)
	// Every chunk must clear the 105 USD floor at ref 2000.
	for _, amount := range primary.limitAmounts {
		assert.GreaterOrEqual(t, amount, 105.0/2000-1e-9)
	}
}

func TestPartialHedgeUnwindsResidual(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.iocFillFactor = 0.5
	entry := testEntry()
	entry.HedgeRetryCount = 0
	h := hedger.New(primary, secondary, entry, "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.ErrorIs(t, err, hedger.ErrHedgeIncomplete)
	// Half hedged, half unwound: the book stays delta neutral.
	assert.InDelta(t, 0.5, result.TotalFilled, 1e-9)
	assert.InDelta(t, 0.5, primary.pos(), 1e-9)
	assert.InDelta(t, -0.5, secondary.pos(), 1e-9)
	assert.InDelta(t, 0.0, primary.pos()+secondary.pos(), 1e-9)
}

func TestHedgeRetriesChaseResidual(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.iocFillFactor = 0.5
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	// 1.0 -> 0.5 residual -> 0.25 -> 0.125; two retries leave dust that gets
	// unwound. The invariant is hedged <= filled and a neutral book.
	require.ErrorIs(t, err, hedger.ErrHedgeIncomplete)
	assert.GreaterOrEqual(t, len(secondary.iocAmounts), 3)
	assert.LessOrEqual(t, result.TotalFilled, 1.0+1e-9)
	assert.InDelta(t, 0.0, primary.pos()+secondary.pos(), 1e-6)
}

func TestHedgeFailureUnwindsFullFill(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.iocRejects = []domain.RejectReason{domain.RejectOther}
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.ErrorIs(t, err, hedger.ErrHedgeIncomplete)
	assert.InDelta(t, 0.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, 0.0, primary.pos(), 1e-9, "failed hedge must unwind the primary leg")
	assert.InDelta(t, 0.0, secondary.pos(), 1e-9)
}

func TestDoubleSlippageOnNoCross(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.iocRejects = []domain.RejectReason{domain.RejectWouldNotCross}
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	// First IOC bounced, second (doubled slippage) filled.
	assert.Len(t, secondary.iocAmounts, 2)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.InDelta(t, -1.0, secondary.pos(), 1e-9)
}

func TestUnwindFailureIsFatal(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	primary.iocRejects = []domain.RejectReason{domain.RejectOther}
	secondary := newFakeVenue("hyperliquid", 2000)
	secondary.iocRejects = []domain.RejectReason{domain.RejectOther}
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)

	_, err := h.Open(context.Background())

	require.ErrorIs(t, err, hedger.ErrUnwindFailed)
	// One-sided exposure remains; the error must say so loudly.
	assert.InDelta(t, 1.0, primary.pos(), 1e-9)
}

func TestCompletedRunRecordsCycle(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	store := &recordingRepo{}
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", store, nil)

	_, err := h.Open(context.Background())

	require.NoError(t, err)
	require.Len(t, store.cycles, 1)
	rec := store.cycles[0]
	assert.Equal(t, "open", rec.Action)
	assert.InDelta(t, 1.0, rec.FilledAmount, 1e-9)
	assert.InDelta(t, 200000, rec.OpenEquity, 1e-9)
	assert.InDelta(t, 200000, rec.CloseEquity, 1e-9)
}

func TestEquityReadFailureSkipsCycleRecord(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	// The opening equity read succeeds; the closing one fails.
	primary.balanceErrAfter = 1
	secondary := newFakeVenue("hyperliquid", 2000)
	store := &recordingRepo{}
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", store, nil)

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.TotalFilled, 1e-9)
	assert.Empty(t, store.cycles, "an unknown closing equity must not produce a PnL row")
}

func TestStopBeforeFirstChunk(t *testing.T) {
	primary := newFakeVenue("bybit", 2000)
	secondary := newFakeVenue("hyperliquid", 2000)
	h := hedger.New(primary, secondary, testEntry(), "BTC-PERP", nil, nil)
	h.RequestStop()

	result, err := h.Open(context.Background())

	require.NoError(t, err)
	assert.Zero(t, result.TotalFilled)
	assert.Zero(t, primary.pos())
	assert.Zero(t, secondary.pos())
}
