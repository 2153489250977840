package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/delta_neutral/internal/config"
	"github.com/vitos/delta_neutral/internal/domain"
	"github.com/vitos/delta_neutral/internal/engine"
)

// State is the controller lifecycle. Transitions happen only through Run and
// Stop; there is no externally mutable running flag.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Controller drives the continuous rebalancing cycle: collect state from both
// venues, feed the snapshot to the delta engine, execute corrective orders in
// auto mode, sleep, repeat.
type Controller struct {
	cfg       *config.Config
	engine    *engine.DeltaEngine
	primary   domain.Adapter
	secondary domain.Adapter
	store     domain.TradeRepository
	logger    *zap.Logger

	mu          sync.Mutex
	state       State
	stopChan    chan struct{}
	cycleCount  int
	subscribers []chan domain.DeltaDecision
}

func New(
	cfg *config.Config,
	eng *engine.DeltaEngine,
	primary, secondary domain.Adapter,
	store domain.TradeRepository,
	logger *zap.Logger,
) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		engine:    eng,
		primary:   primary,
		secondary: secondary,
		store:     store,
		logger:    logger,
		state:     StateIdle,
		stopChan:  make(chan struct{}),
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe returns a channel receiving every decision exactly once. Slow
// consumers miss events rather than stalling the cycle.
func (c *Controller) Subscribe(buffer int) <-chan domain.DeltaDecision {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.DeltaDecision, buffer)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

func (c *Controller) publish(decision domain.DeltaDecision) {
	c.mu.Lock()
	subs := make([]chan domain.DeltaDecision, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- decision:
		default:
		}
	}
}

// Run executes cycles until Stop is called or ctx is cancelled. In-flight
// venue calls are allowed to finish; adapters are closed on the way out.
func (c *Controller) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return fmt.Errorf("controller already %s", c.state)
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.logger.Info("Controller started",
		zap.String("mode", string(c.cfg.Mode)),
		zap.Duration("cycle_interval", c.cfg.CycleInterval()),
		zap.String("primary", c.primary.Name()),
		zap.String("secondary", c.secondary.Name()))

	defer c.close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		default:
		}

		if err := c.runCycle(ctx); err != nil {
			c.logger.Error("Cycle failed", zap.Int("cycle", c.cycleCount), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopChan:
			return nil
		case <-time.After(c.cfg.CycleInterval()):
		}
	}
}

// Stop requests a cooperative shutdown. The current cycle finishes before the
// controller exits.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.state = StateStopping
	close(c.stopChan)
	c.logger.Info("Controller stop requested")
}

func (c *Controller) close() {
	for _, adapter := range []domain.Adapter{c.primary, c.secondary} {
		if err := adapter.Close(); err != nil {
			c.logger.Warn("Failed to close adapter",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	c.logger.Info("Controller stopped")
}

func (c *Controller) runCycle(ctx context.Context) error {
	c.cycleCount++
	start := time.Now()
	c.logger.Info("Cycle started", zap.Int("cycle", c.cycleCount))

	for _, inst := range c.cfg.Instruments {
		select {
		case <-c.stopChan:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var primaryState, secondaryState domain.ExchangeState
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			primaryState = c.collectState(ctx, c.primary, inst.Symbol)
		}()
		go func() {
			defer wg.Done()
			secondaryState = c.collectState(ctx, c.secondary, inst.Symbol)
		}()
		wg.Wait()

		snapshot := domain.DeltaSnapshot{
			Instrument:     inst.Symbol,
			PrimaryState:   primaryState,
			SecondaryState: secondaryState,
		}

		decision := c.engine.Analyze(snapshot)
		c.logDecision(snapshot, decision)
		c.publish(decision)

		if len(decision.Actions) > 0 && c.cfg.Mode == config.ModeAuto {
			if primaryState.ReferencePrice <= 0 || secondaryState.ReferencePrice <= 0 {
				c.logger.Warn("Skipping execution: a venue has no reference price",
					zap.String("instrument", inst.Symbol),
					zap.Float64("primary_ref", primaryState.ReferencePrice),
					zap.Float64("secondary_ref", secondaryState.ReferencePrice))
				continue
			}

			for _, action := range decision.Actions {
				if !c.executeAction(ctx, action) {
					c.logger.Warn("Action failed, skipping remaining actions this cycle")
					break
				}
			}
		}
	}

	c.logger.Info("Cycle finished",
		zap.Int("cycle", c.cycleCount),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// collectState fetches balance, position, open orders and reference price
// concurrently. A failed fetch leaves its field at the zero value; one venue
// hiccup never aborts the cycle.
func (c *Controller) collectState(ctx context.Context, adapter domain.Adapter, instrument string) domain.ExchangeState {
	state := domain.ExchangeState{
		Exchange:   adapter.Name(),
		Instrument: instrument,
		Timestamp:  time.Now(),
	}

	var wg sync.WaitGroup
	wg.Add(4)

	go func() {
		defer wg.Done()
		err := c.withRetry(ctx, func() error {
			balance, err := adapter.GetBalance(ctx)
			if err == nil {
				state.Balance = balance
			}
			return err
		})
		if err != nil {
			c.logger.Error("Failed to fetch balance",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		err := c.withRetry(ctx, func() error {
			position, err := adapter.GetPosition(ctx, instrument)
			if err == nil {
				state.Position = position
			}
			return err
		})
		if err != nil {
			c.logger.Error("Failed to fetch position",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		err := c.withRetry(ctx, func() error {
			orders, err := adapter.GetOpenOrders(ctx, instrument)
			if err == nil {
				state.OpenOrders = orders
			}
			return err
		})
		if err != nil {
			c.logger.Error("Failed to fetch open orders",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		err := c.withRetry(ctx, func() error {
			price, err := adapter.GetReferencePrice(ctx, instrument)
			if err == nil {
				state.ReferencePrice = price
			}
			return err
		})
		if err != nil {
			c.logger.Error("Failed to fetch reference price",
				zap.String("exchange", adapter.Name()), zap.Error(err))
		}
	}()

	wg.Wait()
	return state
}

// withRetry runs fn with bounded exponential backoff for transient venue
// errors.
func (c *Controller) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := c.cfg.BackoffBase()
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopChan:
				return err
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err = fn(); err == nil {
			return nil
		}
	}
	return err
}

// executeAction places one corrective order and records the outcome. Returns
// false when the placement was rejected so the caller can stop the cycle.
func (c *Controller) executeAction(ctx context.Context, action domain.RebalanceAction) bool {
	adapter := c.adapterFor(action.Exchange)
	if adapter == nil {
		c.logger.Error("No adapter for exchange", zap.String("exchange", action.Exchange))
		return false
	}

	c.logger.Info("Executing rebalance",
		zap.String("side", string(action.Side)),
		zap.Float64("amount", action.Amount),
		zap.String("instrument", action.Instrument),
		zap.Float64("price", action.Price),
		zap.String("exchange", action.Exchange),
		zap.String("reason", action.Reason))

	result := adapter.PlaceLimitOrder(ctx, domain.LimitOrderRequest{
		Instrument: action.Instrument,
		Side:       action.Side,
		Price:      adapter.RoundPrice(action.Instrument, action.Price),
		Amount:     adapter.RoundAmount(action.Instrument, action.Amount),
		PostOnly:   c.cfg.OrderPostOnly,
	})

	if result.Success {
		c.logger.Info("Rebalance order placed", zap.String("order_id", result.ID))
	} else {
		c.logger.Error("Rebalance order rejected",
			zap.String("reason", string(result.Reason)),
			zap.String("error", result.Error))
	}

	if c.store != nil {
		rec := &domain.RebalanceRecord{
			Exchange:   action.Exchange,
			Instrument: action.Instrument,
			Side:       action.Side,
			Amount:     action.Amount,
			Price:      action.Price,
			OrderID:    result.ID,
			Success:    result.Success,
			Reason:     action.Reason,
			CreatedAt:  time.Now(),
		}
		if err := c.store.SaveRebalance(ctx, rec); err != nil {
			c.logger.Warn("Failed to record rebalance", zap.Error(err))
		}
	}

	return result.Success
}

func (c *Controller) adapterFor(exchange string) domain.Adapter {
	switch exchange {
	case c.primary.Name():
		return c.primary
	case c.secondary.Name():
		return c.secondary
	}
	return nil
}

func (c *Controller) logDecision(snapshot domain.DeltaSnapshot, decision domain.DeltaDecision) {
	status := "OK"
	if !decision.WithinTolerance {
		status = "IMBALANCE"
	}

	c.logger.Info("Decision",
		zap.String("status", status),
		zap.String("instrument", decision.Instrument),
		zap.Float64("net_delta", decision.NetDelta),
		zap.Float64("net_delta_usd", decision.NetDeltaUSD),
		zap.Float64("primary_pos", snapshot.PrimaryPosition()),
		zap.Float64("secondary_pos", snapshot.SecondaryPosition()),
		zap.Float64("primary_ref", snapshot.PrimaryState.ReferencePrice),
		zap.Float64("secondary_ref", snapshot.SecondaryState.ReferencePrice),
		zap.Float64("primary_equity", snapshot.PrimaryState.Balance.Equity),
		zap.Float64("secondary_equity", snapshot.SecondaryState.Balance.Equity),
		zap.Int("primary_orders", len(snapshot.PrimaryState.OpenOrders)),
		zap.Int("secondary_orders", len(snapshot.SecondaryState.OpenOrders)))

	for _, warn := range decision.Warnings {
		c.logger.Warn("Decision warning", zap.String("warning", warn))
	}

	for _, action := range decision.Actions {
		c.logger.Info("Planned action",
			zap.String("side", string(action.Side)),
			zap.Float64("amount", action.Amount),
			zap.String("instrument", action.Instrument),
			zap.Float64("price", action.Price),
			zap.String("exchange", action.Exchange),
			zap.String("reason", action.Reason))
	}
	if len(decision.Actions) == 0 && !decision.WithinTolerance && c.cfg.Mode == config.ModeObserve {
		c.logger.Info("Observe mode: no action taken")
	}
}
