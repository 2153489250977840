package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/domain"
)

const (
	BybitBaseURL = "https://api.bybit.com"
	BybitWSURL   = "wss://stream.bybit.com/v5/public/linear"

	bybitIDPrefix = "bybit:"
)

// bybitBook is the latest top of book from the websocket feed, one per symbol.
type bybitBook struct {
	bid, ask float64
	updated  time.Time
}

// bybitFilter carries the price/amount increments from instruments-info.
type bybitFilter struct {
	tickSize float64
	qtyStep  float64
	minQty   float64
}

// BybitAdapter implements the venue contract against the Bybit V5 linear API.
// Reference prices come from the public orderbook websocket with a REST
// fallback; everything else is signed REST.
type BybitAdapter struct {
	apiKey    string
	apiSecret string
	baseURL   string
	wsURL     string
	client    *http.Client
	logger    *zap.Logger

	// logical instrument -> venue symbol
	symbols map[string]string

	mu      sync.Mutex
	wsConn  *websocket.Conn
	books   map[string]bybitBook // keyed by venue symbol
	filters map[string]bybitFilter

	closeOnce sync.Once
	closed    chan struct{}
}

func NewBybitAdapter(apiKey, apiSecret, baseURL, wsURL string, symbols map[string]string, logger *zap.Logger) *BybitAdapter {
	if baseURL == "" {
		baseURL = BybitBaseURL
	}
	if wsURL == "" {
		wsURL = BybitWSURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BybitAdapter{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		wsURL:     wsURL,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		symbols:   symbols,
		books:     make(map[string]bybitBook),
		filters:   make(map[string]bybitFilter),
		closed:    make(chan struct{}),
	}
}

func (b *BybitAdapter) Name() string { return "bybit" }

func (b *BybitAdapter) symbol(instrument string) string {
	if s, ok := b.symbols[instrument]; ok && s != "" {
		return s
	}
	return instrument
}

// --- REST plumbing ---

func (b *BybitAdapter) sign(params string, timestamp int64, recvWindow int) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, b.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(b.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

func (b *BybitAdapter) sendRequest(ctx context.Context, method, path string, payload map[string]interface{}) ([]byte, error) {
	timestamp := time.Now().UnixMilli()
	recvWindow := 5000

	var body []byte
	var paramsStr string

	if payload != nil {
		jsonBody, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = jsonBody
		paramsStr = string(jsonBody)
	} else if method == http.MethodGet {
		if idx := strings.Index(path, "?"); idx != -1 {
			paramsStr = path[idx+1:]
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}

	signature := b.sign(paramsStr, timestamp, recvWindow)

	req.Header.Set("X-BAPI-API-KEY", b.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("bybit http %d: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// --- Lifecycle ---

// Initialize loads the price/amount filters for the configured symbols and
// starts the public orderbook feed.
func (b *BybitAdapter) Initialize(ctx context.Context) error {
	if err := b.loadFilters(ctx); err != nil {
		return fmt.Errorf("bybit instruments-info: %w", err)
	}
	if err := b.connectWS(); err != nil {
		// The REST fallback still serves prices; a dead feed is not fatal.
		b.logger.Warn("Bybit websocket connect failed, using REST prices", zap.Error(err))
	}
	return nil
}

func (b *BybitAdapter) Close() error {
	b.closeOnce.Do(func() { close(b.closed) })
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.wsConn != nil {
		b.wsConn.Close()
		b.wsConn = nil
	}
	return nil
}

func (b *BybitAdapter) loadFilters(ctx context.Context) error {
	for _, symbol := range b.symbols {
		path := "/v5/market/instruments-info?category=linear&symbol=" + symbol
		resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}

		var result struct {
			RetCode int    `json:"retCode"`
			RetMsg  string `json:"retMsg"`
			Result  struct {
				List []struct {
					Symbol      string `json:"symbol"`
					PriceFilter struct {
						TickSize string `json:"tickSize"`
					} `json:"priceFilter"`
					LotSizeFilter struct {
						QtyStep     string `json:"qtyStep"`
						MinOrderQty string `json:"minOrderQty"`
					} `json:"lotSizeFilter"`
				} `json:"list"`
			} `json:"result"`
		}
		if err := json.Unmarshal(resp, &result); err != nil {
			return err
		}
		if result.RetCode != 0 {
			return fmt.Errorf("retCode %d: %s", result.RetCode, result.RetMsg)
		}
		if len(result.Result.List) == 0 {
			return fmt.Errorf("symbol %s not found", symbol)
		}

		raw := result.Result.List[0]
		tick, _ := strconv.ParseFloat(raw.PriceFilter.TickSize, 64)
		step, _ := strconv.ParseFloat(raw.LotSizeFilter.QtyStep, 64)
		minQty, _ := strconv.ParseFloat(raw.LotSizeFilter.MinOrderQty, 64)

		b.mu.Lock()
		b.filters[symbol] = bybitFilter{tickSize: tick, qtyStep: step, minQty: minQty}
		b.mu.Unlock()

		b.logger.Debug("Loaded Bybit instrument filters",
			zap.String("symbol", symbol),
			zap.Float64("tick_size", tick),
			zap.Float64("qty_step", step))
	}
	return nil
}

// --- Account data ---

func (b *BybitAdapter) GetBalance(ctx context.Context) (domain.NormalizedBalance, error) {
	path := "/v5/account/wallet-balance?accountType=UNIFIED"
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.NormalizedBalance{}, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				TotalEquity           string `json:"totalEquity"`
				TotalAvailableBalance string `json:"totalAvailableBalance"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return domain.NormalizedBalance{}, err
	}
	if result.RetCode != 0 {
		return domain.NormalizedBalance{}, fmt.Errorf("bybit balance error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return domain.NormalizedBalance{Currency: "USDT"}, nil
	}

	equity, _ := strconv.ParseFloat(result.Result.List[0].TotalEquity, 64)
	available, _ := strconv.ParseFloat(result.Result.List[0].TotalAvailableBalance, 64)
	return domain.NormalizedBalance{Equity: equity, Available: available, Currency: "USDT"}, nil
}

func (b *BybitAdapter) GetPosition(ctx context.Context, instrument string) (domain.NormalizedPosition, error) {
	symbol := b.symbol(instrument)
	path := "/v5/position/list?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.NormalizedPosition{}, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				Side          string `json:"side"`
				Size          string `json:"size"`
				AvgPrice      string `json:"avgPrice"`
				MarkPrice     string `json:"markPrice"`
				UnrealisedPnl string `json:"unrealisedPnl"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return domain.NormalizedPosition{}, err
	}
	if result.RetCode != 0 {
		return domain.NormalizedPosition{}, fmt.Errorf("bybit position error: %s", result.RetMsg)
	}
	if len(result.Result.List) == 0 {
		return domain.NormalizedPosition{Instrument: instrument, Direction: domain.DirectionFlat}, nil
	}

	raw := result.Result.List[0]
	size, _ := strconv.ParseFloat(raw.Size, 64)
	entry, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	mark, _ := strconv.ParseFloat(raw.MarkPrice, 64)
	pnl, _ := strconv.ParseFloat(raw.UnrealisedPnl, 64)

	if raw.Side == "Sell" {
		size = -size
	}
	return domain.NormalizedPosition{
		Instrument:    instrument,
		Size:          size,
		Direction:     domain.DirectionOf(size),
		EntryPrice:    entry,
		MarkPrice:     mark,
		UnrealizedPnL: pnl,
	}, nil
}

func (b *BybitAdapter) GetOpenOrders(ctx context.Context, instrument string) ([]domain.NormalizedOrder, error) {
	symbol := b.symbol(instrument)
	path := "/v5/order/realtime?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID     string `json:"orderId"`
				Side        string `json:"side"`
				Price       string `json:"price"`
				Qty         string `json:"qty"`
				CumExecQty  string `json:"cumExecQty"`
				TimeInForce string `json:"timeInForce"`
				ReduceOnly  bool   `json:"reduceOnly"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, err
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("bybit open orders error: %s", result.RetMsg)
	}

	orders := make([]domain.NormalizedOrder, 0, len(result.Result.List))
	for _, raw := range result.Result.List {
		price, _ := strconv.ParseFloat(raw.Price, 64)
		qty, _ := strconv.ParseFloat(raw.Qty, 64)
		filled, _ := strconv.ParseFloat(raw.CumExecQty, 64)
		side := domain.SideBuy
		if raw.Side == "Sell" {
			side = domain.SideSell
		}
		orders = append(orders, domain.NormalizedOrder{
			ID:         bybitIDPrefix + raw.OrderID,
			Instrument: instrument,
			Side:       side,
			Price:      price,
			Amount:     qty,
			Filled:     filled,
			PostOnly:   raw.TimeInForce == "PostOnly",
			ReduceOnly: raw.ReduceOnly,
		})
	}
	return orders, nil
}

// --- Market data ---

func (b *BybitAdapter) GetReferencePrice(ctx context.Context, instrument string) (float64, error) {
	symbol := b.symbol(instrument)
	if bid, ask, ok := b.cachedBook(symbol); ok {
		return (bid + ask) / 2, nil
	}

	path := "/v5/market/tickers?category=linear&symbol=" + symbol
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			List []struct {
				LastPrice string `json:"lastPrice"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if len(result.Result.List) == 0 {
		return 0, fmt.Errorf("bybit: symbol %s not found", symbol)
	}
	return strconv.ParseFloat(result.Result.List[0].LastPrice, 64)
}

func (b *BybitAdapter) GetBestBidAsk(ctx context.Context, instrument string) (float64, float64, error) {
	symbol := b.symbol(instrument)
	if bid, ask, ok := b.cachedBook(symbol); ok {
		return bid, ask, nil
	}

	path := fmt.Sprintf("/v5/market/orderbook?category=linear&symbol=%s&limit=1", symbol)
	resp, err := b.sendRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return 0, 0, err
	}

	var result struct {
		RetCode int `json:"retCode"`
		Result  struct {
			B [][]string `json:"b"`
			A [][]string `json:"a"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, 0, err
	}
	if result.RetCode != 0 {
		return 0, 0, fmt.Errorf("bybit orderbook error: %d", result.RetCode)
	}

	var bid, ask float64
	if len(result.Result.B) > 0 && len(result.Result.B[0]) > 0 {
		bid, _ = strconv.ParseFloat(result.Result.B[0][0], 64)
	}
	if len(result.Result.A) > 0 && len(result.Result.A[0]) > 0 {
		ask, _ = strconv.ParseFloat(result.Result.A[0][0], 64)
	}
	return bid, ask, nil
}

func (b *BybitAdapter) cachedBook(symbol string) (float64, float64, bool) {
	b.mu.Lock()
	book, ok := b.books[symbol]
	b.mu.Unlock()
	// The feed can die silently; stale quotes must not anchor orders.
	if !ok || book.bid <= 0 || book.ask <= 0 || time.Since(book.updated) > 10*time.Second {
		return 0, 0, false
	}
	return book.bid, book.ask, true
}

// --- Orders ---

func (b *BybitAdapter) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) domain.PlacedOrderResult {
	tif := "GTC"
	if req.PostOnly {
		tif = "PostOnly"
	}
	return b.createOrder(ctx, req.Instrument, req.Side, req.Price, req.Amount, tif, req.ReduceOnly)
}

func (b *BybitAdapter) PlaceIOCOrder(ctx context.Context, req domain.IOCOrderRequest) domain.PlacedOrderResult {
	return b.createOrder(ctx, req.Instrument, req.Side, req.Price, req.Amount, "IOC", req.ReduceOnly)
}

func (b *BybitAdapter) createOrder(ctx context.Context, instrument string, side domain.Side, price, amount float64, tif string, reduceOnly bool) domain.PlacedOrderResult {
	symbol := b.symbol(instrument)
	bybitSide := "Buy"
	if side == domain.SideSell {
		bybitSide = "Sell"
	}

	payload := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        bybitSide,
		"orderType":   "Limit",
		"qty":         b.formatAmount(symbol, amount),
		"price":       b.formatPrice(symbol, price),
		"timeInForce": tif,
	}
	if reduceOnly {
		payload["reduceOnly"] = true
	}

	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/create", payload)
	if err != nil {
		return domain.PlacedOrderResult{Reason: domain.RejectOther, Error: err.Error()}
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			OrderID string `json:"orderId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return domain.PlacedOrderResult{Reason: domain.RejectOther, Error: err.Error()}
	}
	if result.RetCode != 0 {
		return domain.PlacedOrderResult{
			Reason: classifyBybitReject(result.RetCode, result.RetMsg),
			Error:  fmt.Sprintf("retCode %d: %s", result.RetCode, result.RetMsg),
		}
	}
	return domain.PlacedOrderResult{ID: bybitIDPrefix + result.Result.OrderID, Success: true}
}

// classifyBybitReject maps V5 retCodes (with a retMsg fallback) onto the
// normalized rejection reasons.
func classifyBybitReject(retCode int, retMsg string) domain.RejectReason {
	switch retCode {
	case 110007, 110012, 110044, 110052:
		return domain.RejectInsufficientMargin
	case 110094, 170136, 170140:
		return domain.RejectTooSmall
	case 110079, 170148:
		return domain.RejectCrossesBook
	}
	msg := strings.ToLower(retMsg)
	switch {
	case strings.Contains(msg, "post only") || strings.Contains(msg, "postonly"):
		return domain.RejectCrossesBook
	case strings.Contains(msg, "insufficient"):
		return domain.RejectInsufficientMargin
	case strings.Contains(msg, "minimum") || strings.Contains(msg, "too small") || strings.Contains(msg, "lower than"):
		return domain.RejectTooSmall
	}
	return domain.RejectOther
}

func (b *BybitAdapter) CancelOrder(ctx context.Context, instrument, orderID string) (bool, error) {
	symbol := b.symbol(instrument)
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
		"orderId":  strings.TrimPrefix(orderID, bybitIDPrefix),
	}
	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel", payload)
	if err != nil {
		return false, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return false, err
	}
	// 110001: order does not exist, already gone.
	if result.RetCode == 110001 {
		return false, nil
	}
	if result.RetCode != 0 {
		return false, fmt.Errorf("bybit cancel error: %s", result.RetMsg)
	}
	return true, nil
}

func (b *BybitAdapter) CancelAllOrders(ctx context.Context, instrument string) (int, error) {
	symbol := b.symbol(instrument)
	payload := map[string]interface{}{
		"category": "linear",
		"symbol":   symbol,
	}
	resp, err := b.sendRequest(ctx, http.MethodPost, "/v5/order/cancel-all", payload)
	if err != nil {
		return 0, err
	}

	var result struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
		Result  struct {
			List []struct {
				OrderID string `json:"orderId"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return 0, err
	}
	if result.RetCode != 0 {
		return 0, fmt.Errorf("bybit cancel-all error: %s", result.RetMsg)
	}
	return len(result.Result.List), nil
}

// --- Rounding ---

func (b *BybitAdapter) RoundPrice(instrument string, price float64) float64 {
	b.mu.Lock()
	f, ok := b.filters[b.symbol(instrument)]
	b.mu.Unlock()
	if !ok || f.tickSize <= 0 {
		return price
	}
	return roundStep(price, f.tickSize)
}

func (b *BybitAdapter) RoundAmount(instrument string, amount float64) float64 {
	b.mu.Lock()
	f, ok := b.filters[b.symbol(instrument)]
	b.mu.Unlock()
	if !ok || f.qtyStep <= 0 {
		return amount
	}
	return roundStep(amount, f.qtyStep)
}

func (b *BybitAdapter) formatPrice(symbol string, price float64) string {
	b.mu.Lock()
	f := b.filters[symbol]
	b.mu.Unlock()
	return formatStep(price, f.tickSize)
}

func (b *BybitAdapter) formatAmount(symbol string, amount float64) string {
	b.mu.Lock()
	f := b.filters[symbol]
	b.mu.Unlock()
	return formatStep(amount, f.qtyStep)
}

// roundStep floors a value to the nearest multiple of step. Flooring keeps
// amounts within what the account can afford.
func roundStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	return math.Floor(value/step+1e-9) * step
}

// formatStep renders a value with exactly the decimals the step implies so
// the venue never rejects on precision.
func formatStep(value, step float64) string {
	if step <= 0 {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	decimals := 0
	for s := step; s < 1 && decimals < 12; s *= 10 {
		decimals++
	}
	return strconv.FormatFloat(roundStep(value, step), 'f', decimals, 64)
}

// --- WebSocket feed ---

func (b *BybitAdapter) connectWS() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wsConn != nil {
		return b.subscribeLocked()
	}

	c, _, err := websocket.DefaultDialer.Dial(b.wsURL, nil)
	if err != nil {
		return err
	}
	b.wsConn = c

	go b.readLoop(c)

	return b.subscribeLocked()
}

func (b *BybitAdapter) subscribeLocked() error {
	if len(b.symbols) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(b.symbols))
	for _, s := range b.symbols {
		args = append(args, "orderbook.1."+s)
	}
	subMsg := map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	}
	return b.wsConn.WriteJSON(subMsg)
}

func (b *BybitAdapter) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		b.mu.Lock()
		if b.wsConn == conn {
			b.wsConn = nil
		}
		b.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-b.closed:
			default:
				b.logger.Warn("Bybit websocket read error", zap.Error(err))
				go b.reconnectLoop()
			}
			return
		}

		var event struct {
			Topic string `json:"topic"`
			Data  struct {
				B [][]string `json:"b"`
				A [][]string `json:"a"`
			} `json:"data"`
		}
		if err := json.Unmarshal(message, &event); err != nil {
			continue
		}
		if !strings.HasPrefix(event.Topic, "orderbook.1.") {
			continue
		}
		symbol := strings.TrimPrefix(event.Topic, "orderbook.1.")

		b.mu.Lock()
		book := b.books[symbol]
		if len(event.Data.B) > 0 && len(event.Data.B[0]) > 0 {
			if bid, err := strconv.ParseFloat(event.Data.B[0][0], 64); err == nil && bid > 0 {
				book.bid = bid
			}
		}
		if len(event.Data.A) > 0 && len(event.Data.A[0]) > 0 {
			if ask, err := strconv.ParseFloat(event.Data.A[0][0], 64); err == nil && ask > 0 {
				book.ask = ask
			}
		}
		book.updated = time.Now()
		b.books[symbol] = book
		b.mu.Unlock()
	}
}

func (b *BybitAdapter) reconnectLoop() {
	for backoff := time.Second; ; backoff = minBackoff(backoff*2, 30*time.Second) {
		select {
		case <-b.closed:
			return
		case <-time.After(backoff):
		}
		if err := b.connectWS(); err != nil {
			b.logger.Warn("Bybit websocket reconnect failed", zap.Error(err))
			continue
		}
		b.logger.Info("Bybit websocket reconnected")
		return
	}
}

func minBackoff(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
