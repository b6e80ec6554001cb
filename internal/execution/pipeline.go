package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/bus"
	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/exchange"
	"github.com/quantarc/blockflow/internal/metrics"
)

const (
	signalViewTTL = 7 * 24 * time.Hour

	// Price-sanity corridor: targets further than 20% from market are
	// clamped to 10% from market.
	clampTrigger = 0.20
	clampBound   = 0.10

	confidenceFloor = 0.8
	fallbackSize    = 0.01
	sizePrecision   = 6
)

// Pipeline consumes validated signals and turns them into venue orders.
// Work is serialized per symbol so racing signals cannot double-size.
type Pipeline struct {
	cfg       config.ExecutionConfig
	venue     string
	cache     *cache.Cache
	pub       bus.Publisher
	connector exchange.Connector
	logger    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPipeline creates an execution pipeline
func NewPipeline(cfg config.ExecutionConfig, venue string, c *cache.Cache, pub bus.Publisher, connector exchange.Connector, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		venue:     venue,
		cache:     c,
		pub:       pub,
		connector: connector,
		logger:    logger,
		locks:     make(map[string]*sync.Mutex),
	}
}

// HandleSignalEvent is the strategy_signals queue handler. Malformed
// payloads are dropped; venue failures surface as order.failed events, not
// redeliveries, because order creation is not idempotent.
func (p *Pipeline) HandleSignalEvent(ctx context.Context, routingKey string, payload []byte) error {
	var signal domain.Signal
	if err := json.Unmarshal(payload, &signal); err != nil {
		p.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("Dropping malformed signal")
		return nil
	}

	lock := p.symbolLock(signal.Symbol)
	lock.Lock()
	defer lock.Unlock()

	req, err := p.ProcessSignal(ctx, &signal)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("signal_id", signal.ID.String()).
			Str("symbol", signal.Symbol).
			Msg("Signal rejected")
		return nil
	}

	p.ExecuteOrder(ctx, req, &signal)
	return nil
}

// ProcessSignal validates a signal and derives order parameters: price
// corridor clamp, risk-based sizing, confidence scaling.
func (p *Pipeline) ProcessSignal(ctx context.Context, signal *domain.Signal) (exchange.CreateOrderRequest, error) {
	var req exchange.CreateOrderRequest

	if signal.ID == uuid.Nil || signal.Symbol == "" {
		return req, fmt.Errorf("signal missing id or symbol")
	}
	if signal.Direction != domain.DirectionLong && signal.Direction != domain.DirectionShort {
		return req, fmt.Errorf("signal %s has invalid direction %q", signal.ID, signal.Direction)
	}
	switch signal.SignalType {
	case domain.SignalTypeEntry, domain.SignalTypeExit, domain.SignalTypeAdjust:
	default:
		return req, fmt.Errorf("signal %s has invalid type %q", signal.ID, signal.SignalType)
	}

	price := signal.PriceTarget
	if market, ok := p.marketPrice(ctx, signal); ok {
		price = clampToMarket(price, market)
		if !price.Equal(signal.PriceTarget) {
			p.logger.Warn().
				Str("signal_id", signal.ID.String()).
				Str("target", signal.PriceTarget.String()).
				Str("market", market.String()).
				Str("clamped", price.String()).
				Msg("Signal price target clamped to market corridor")
		}
	}

	size := p.positionSize(price, signal.StopLoss, signal.ConfidenceScore)

	side := domain.OrderSideBuy
	if signal.Direction == domain.DirectionShort {
		side = domain.OrderSideSell
	}

	req = exchange.CreateOrderRequest{
		Symbol: signal.Symbol,
		Type:   domain.OrderTypeLimit,
		Side:   side,
		Amount: size,
		Price:  domain.TruncatePrice(price),
		Params: exchange.OrderParams{
			SignalID:    signal.ID.String(),
			TimeInForce: "GTC",
			StopLoss:    signal.StopLoss,
			TakeProfit:  signal.TakeProfit,
			Leverage:    p.cfg.Leverage,
			ReduceOnly:  signal.SignalType == domain.SignalTypeExit,
		},
	}

	key := cache.SignalKey(signal.Exchange, signal.Symbol, signal.ID.String())
	if err := p.cache.Set(ctx, key, signal, signalViewTTL); err != nil {
		p.logger.Warn().Err(err).Str("signal_id", signal.ID.String()).Msg("Failed to cache signal view")
	}

	return req, nil
}

// ExecuteOrder submits the order and publishes the lifecycle event. Venue
// failures produce a synthetic failed order on the execution exchange.
func (p *Pipeline) ExecuteOrder(ctx context.Context, req exchange.CreateOrderRequest, signal *domain.Signal) {
	order, err := p.connector.CreateOrder(ctx, req)
	if err != nil {
		p.logger.Error().
			Err(err).
			Str("signal_id", signal.ID.String()).
			Str("symbol", req.Symbol).
			Msg("Order submission failed")
		metrics.OrdersFailed.WithLabelValues(p.venue, req.Symbol).Inc()
		metrics.VenueErrors.WithLabelValues(p.venue, metrics.NormalizeVenueError(err)).Inc()
		p.publishFailed(ctx, req, signal, err)
		return
	}
	metrics.OrdersSubmitted.WithLabelValues(p.venue, req.Symbol, string(req.Side)).Inc()

	order.SignalID = &signal.ID
	if order.Exchange == "" {
		order.Exchange = p.venue
	}

	if err := p.storeOrder(ctx, order); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("Failed to cache order")
	}

	p.publishOrderEvent(ctx, domain.OrderEventNew, bus.OrderNewKey(order.Exchange, order.Symbol), order)

	p.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Str("size", order.Size.String()).
		Str("price", order.Price.String()).
		Str("status", string(order.Status)).
		Msg("Order submitted")
}

// CancelOrder cancels an order, updates its cached view and publishes the
// cancellation event.
func (p *Pipeline) CancelOrder(ctx context.Context, id, symbol string) error {
	lock := p.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	venueOrder, err := p.connector.CancelOrder(ctx, id, symbol)
	if err != nil {
		return fmt.Errorf("failed to cancel order %s: %w", id, err)
	}

	order := p.cachedOrder(ctx, symbol, id)
	if order == nil {
		order = venueOrder
		if order == nil {
			order = &domain.Order{
				ID:        id,
				Exchange:  p.venue,
				Symbol:    symbol,
				UpdatedAt: time.Now().UTC(),
			}
		}
	}

	if order.Status != domain.OrderStatusCancelled {
		if order.Status == "" || domain.CanTransition(order.Status, domain.OrderStatusCancelled) {
			order.Status = domain.OrderStatusCancelled
			order.UpdatedAt = time.Now().UTC()
		} else {
			p.logger.Warn().
				Str("order_id", id).
				Str("status", string(order.Status)).
				Msg("Order not cancellable from current status")
			return nil
		}
	}

	if err := p.cache.Set(ctx, cache.OrderKey(order.Exchange, symbol, id), order, p.cfg.OrderTTL); err != nil {
		p.logger.Warn().Err(err).Str("order_id", id).Msg("Failed to update cached order")
	}
	if err := p.cache.HashDelete(ctx, cache.ActiveOrdersKey(order.Exchange, symbol), id); err != nil {
		p.logger.Warn().Err(err).Str("order_id", id).Msg("Failed to remove order from active set")
	}

	metrics.OrdersCancelled.WithLabelValues(order.Exchange, symbol).Inc()
	p.publishOrderEvent(ctx, domain.OrderEventCancelled, bus.OrderCancelledKey(order.Exchange, symbol), order)
	return nil
}

// positionSize computes (equity * risk) / |entry - stop|, scaled by low
// confidence and capped; any failure falls back to the minimum size.
func (p *Pipeline) positionSize(entry, stop decimal.Decimal, confidence float64) decimal.Decimal {
	risk := entry.Sub(stop).Abs()
	if risk.IsZero() || entry.IsZero() {
		return decimal.NewFromFloat(fallbackSize)
	}

	equity := decimal.NewFromFloat(p.cfg.AccountEquity)
	riskBudget := equity.Mul(decimal.NewFromFloat(p.cfg.RiskPerTrade))
	size := riskBudget.Div(risk).Round(sizePrecision)

	if confidence > 0 && confidence < confidenceFloor {
		size = size.Mul(decimal.NewFromFloat(confidence)).Round(sizePrecision)
	}

	maxSize := decimal.NewFromFloat(p.cfg.MaxPositionSize)
	if maxSize.GreaterThan(decimal.Zero) && size.GreaterThan(maxSize) {
		size = maxSize
	}
	if size.LessThanOrEqual(decimal.Zero) {
		return decimal.NewFromFloat(fallbackSize)
	}
	return size
}

// marketPrice reads the latest live candle close for the signal's market
func (p *Pipeline) marketPrice(ctx context.Context, signal *domain.Signal) (decimal.Decimal, bool) {
	setKey := cache.CandleSetKey(domain.SourceLive, signal.Exchange, signal.Symbol, signal.Timeframe)
	members, err := p.cache.GetFromSortedSetByScore(ctx, setKey, 0, math.MaxFloat64)
	if err != nil || len(members) == 0 {
		return decimal.Zero, false
	}

	var latest domain.Candle
	if err := json.Unmarshal([]byte(members[len(members)-1]), &latest); err != nil {
		return decimal.Zero, false
	}
	if latest.Close.IsZero() {
		return decimal.Zero, false
	}
	return latest.Close, true
}

func (p *Pipeline) storeOrder(ctx context.Context, order *domain.Order) error {
	key := cache.OrderKey(order.Exchange, order.Symbol, order.ID)
	if err := p.cache.Set(ctx, key, order, p.cfg.OrderTTL); err != nil {
		return err
	}
	if order.Status == domain.OrderStatusOpen {
		return p.cache.HashSet(ctx, cache.ActiveOrdersKey(order.Exchange, order.Symbol), order.ID, order)
	}
	return nil
}

func (p *Pipeline) cachedOrder(ctx context.Context, symbol, id string) *domain.Order {
	var order domain.Order
	found, err := p.cache.Get(ctx, cache.OrderKey(p.venue, symbol, id), &order)
	if err != nil || !found {
		return nil
	}
	return &order
}

func (p *Pipeline) publishFailed(ctx context.Context, req exchange.CreateOrderRequest, signal *domain.Signal, cause error) {
	now := time.Now().UTC()
	failed := &domain.Order{
		ID:        "failed-" + uuid.NewString(),
		SignalID:  &signal.ID,
		Exchange:  p.venue,
		Symbol:    req.Symbol,
		OrderType: req.Type,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Amount,
		Status:    domain.OrderStatusFailed,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  map[string]interface{}{"error": cause.Error()},
	}
	p.publishOrderEvent(ctx, domain.OrderEventFailed, bus.OrderFailedKey(p.venue, req.Symbol), failed)
}

func (p *Pipeline) publishOrderEvent(ctx context.Context, eventType domain.OrderEventType, routingKey string, order *domain.Order) {
	event := domain.OrderEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Exchange:  order.Exchange,
		Symbol:    order.Symbol,
		Order:     order,
		Timestamp: time.Now().UTC(),
	}
	if err := p.pub.Publish(ctx, bus.ExchangeExecution, routingKey, event); err != nil {
		p.logger.Error().
			Err(err).
			Str("routing_key", routingKey).
			Str("order_id", order.ID).
			Msg("Failed to publish order event")
	}
}

func (p *Pipeline) symbolLock(symbol string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		p.locks[symbol] = l
	}
	return l
}

// clampToMarket pulls a price target inside the corridor around market:
// targets beyond 20% away land exactly 10% away.
func clampToMarket(target, market decimal.Decimal) decimal.Decimal {
	if market.IsZero() {
		return target
	}

	distance := target.Sub(market).Abs().Div(market)
	if distance.LessThanOrEqual(decimal.NewFromFloat(clampTrigger)) {
		return target
	}

	bound := decimal.NewFromFloat(clampBound)
	one := decimal.NewFromInt(1)
	if target.GreaterThan(market) {
		return market.Mul(one.Add(bound))
	}
	return market.Mul(one.Sub(bound))
}
