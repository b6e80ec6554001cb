package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/quantarc/blockflow/internal/config"
	"github.com/quantarc/blockflow/internal/domain"
)

// BinanceConnector is the live venue connector. REST calls go through a
// rate limiter and a circuit breaker; only idempotent reads are retried.
type BinanceConnector struct {
	client  *binance.Client
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	retry   RetryConfig
	timeout time.Duration
}

// NewBinanceConnector creates a Binance connector from exchange config
func NewBinanceConnector(cfg config.ExchangeConfig) *BinanceConnector {
	if cfg.Testnet {
		binance.UseTestnet = true
		log.Info().Msg("Binance connector initialized (TESTNET mode)")
	} else {
		log.Warn().Msg("Binance connector initialized (LIVE TRADING mode)")
	}

	rps := cfg.RateLimitRPS
	if rps <= 0 {
		rps = 10
	}
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "binance",
		MaxRequests: 2,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &BinanceConnector{
		client:  binance.NewClient(cfg.APIKey, cfg.SecretKey),
		name:    cfg.Name,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
		breaker: breaker,
		retry:   DefaultRetryConfig(),
		timeout: timeout,
	}
}

// Initialize pings the venue
func (b *BinanceConnector) Initialize(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	if err := b.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("failed to reach binance: %w", err)
	}
	return nil
}

// CreateOrder submits an order. Creation is not idempotent, so it is never
// retried; a failure surfaces directly.
func (b *BinanceConnector) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	resp, err := b.guarded(ctx, func(ctx context.Context) (interface{}, error) {
		side := binance.SideTypeBuy
		if req.Side == domain.OrderSideSell {
			side = binance.SideTypeSell
		}

		svc := b.client.NewCreateOrderService().
			Symbol(venueSymbol(req.Symbol)).
			Side(side).
			Quantity(req.Amount.String())

		if req.Type == domain.OrderTypeMarket {
			svc = svc.Type(binance.OrderTypeMarket)
		} else {
			tif := binance.TimeInForceTypeGTC
			if req.Params.TimeInForce != "" {
				tif = binance.TimeInForceType(req.Params.TimeInForce)
			}
			svc = svc.Type(binance.OrderTypeLimit).
				TimeInForce(tif).
				Price(req.Price.String())
		}

		return svc.Do(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create order for %s: %w", req.Symbol, err)
	}

	created := resp.(*binance.CreateOrderResponse)
	order := &domain.Order{
		ID:        strconv.FormatInt(created.OrderID, 10),
		Exchange:  b.name,
		Symbol:    req.Symbol,
		OrderType: req.Type,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Amount,
		Value:     domain.TruncatePrice(req.Price.Mul(req.Amount)),
		Status:    mapBinanceStatus(created.Status),
		CreatedAt: time.UnixMilli(created.TransactTime).UTC(),
		UpdatedAt: time.UnixMilli(created.TransactTime).UTC(),
	}
	if qty, qerr := decimal.NewFromString(created.ExecutedQuantity); qerr == nil {
		order.FilledSize = qty
	}
	return order, nil
}

// CancelOrder cancels an order. Cancellation is idempotent and retried.
func (b *BinanceConnector) CancelOrder(ctx context.Context, id, symbol string) (*domain.Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", id, err)
	}

	var resp *binance.CancelOrderResponse
	err = WithRetry(ctx, b.retry, func() error {
		r, opErr := b.guarded(ctx, func(ctx context.Context) (interface{}, error) {
			return b.client.NewCancelOrderService().
				Symbol(venueSymbol(symbol)).
				OrderID(orderID).
				Do(ctx)
		})
		if opErr != nil {
			return opErr
		}
		resp = r.(*binance.CancelOrderResponse)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", id, err)
	}

	order := &domain.Order{
		ID:        id,
		Exchange:  b.name,
		Symbol:    symbol,
		Status:    domain.OrderStatusCancelled,
		UpdatedAt: time.Now().UTC(),
	}
	if px, perr := decimal.NewFromString(resp.Price); perr == nil {
		order.Price = px
	}
	if qty, qerr := decimal.NewFromString(resp.OrigQuantity); qerr == nil {
		order.Size = qty
	}
	if resp.Side == binance.SideTypeSell {
		order.Side = domain.OrderSideSell
	} else {
		order.Side = domain.OrderSideBuy
	}
	return order, nil
}

// FetchOrder retrieves one order
func (b *BinanceConnector) FetchOrder(ctx context.Context, id, symbol string) (*domain.Order, error) {
	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid binance order id %q: %w", id, err)
	}

	var fetched *binance.Order
	err = WithRetry(ctx, b.retry, func() error {
		r, opErr := b.guarded(ctx, func(ctx context.Context) (interface{}, error) {
			return b.client.NewGetOrderService().
				Symbol(venueSymbol(symbol)).
				OrderID(orderID).
				Do(ctx)
		})
		if opErr != nil {
			return opErr
		}
		fetched = r.(*binance.Order)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order %s: %w", id, err)
	}

	return b.fromVenueOrder(fetched, symbol), nil
}

// FetchOpenOrders lists open orders for a symbol
func (b *BinanceConnector) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	var raw []*binance.Order
	err := WithRetry(ctx, b.retry, func() error {
		r, opErr := b.guarded(ctx, func(ctx context.Context) (interface{}, error) {
			svc := b.client.NewListOpenOrdersService()
			if symbol != "" {
				svc = svc.Symbol(venueSymbol(symbol))
			}
			return svc.Do(ctx)
		})
		if opErr != nil {
			return opErr
		}
		raw = r.([]*binance.Order)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}

	orders := make([]*domain.Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, b.fromVenueOrder(o, symbol))
	}
	return orders, nil
}

// FetchPositions is empty on the spot venue; positions are a derived view
func (b *BinanceConnector) FetchPositions(ctx context.Context, symbols []string) ([]*domain.Position, error) {
	return nil, nil
}

// FetchBalance returns per-asset balances
func (b *BinanceConnector) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	var account *binance.Account
	err := WithRetry(ctx, b.retry, func() error {
		r, opErr := b.guarded(ctx, func(ctx context.Context) (interface{}, error) {
			return b.client.NewGetAccountService().Do(ctx)
		})
		if opErr != nil {
			return opErr
		}
		account = r.(*binance.Account)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}

	balances := make(map[string]Balance, len(account.Balances))
	for _, bal := range account.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances[bal.Asset] = Balance{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// Close releases connector resources
func (b *BinanceConnector) Close() error { return nil }

// guarded applies the rate limiter, request timeout and circuit breaker
// around one REST call.
func (b *BinanceConnector) guarded(ctx context.Context, op func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.breaker.Execute(func() (interface{}, error) {
		opCtx, cancel := context.WithTimeout(ctx, b.timeout)
		defer cancel()
		return op(opCtx)
	})
}

func (b *BinanceConnector) fromVenueOrder(o *binance.Order, symbol string) *domain.Order {
	price, _ := decimal.NewFromString(o.Price)
	size, _ := decimal.NewFromString(o.OrigQuantity)
	filled, _ := decimal.NewFromString(o.ExecutedQuantity)

	side := domain.OrderSideBuy
	if o.Side == binance.SideTypeSell {
		side = domain.OrderSideSell
	}
	orderType := domain.OrderTypeLimit
	if o.Type == binance.OrderTypeMarket {
		orderType = domain.OrderTypeMarket
	}

	return &domain.Order{
		ID:         strconv.FormatInt(o.OrderID, 10),
		Exchange:   b.name,
		Symbol:     symbol,
		OrderType:  orderType,
		Side:       side,
		Price:      price,
		Size:       size,
		Value:      domain.TruncatePrice(price.Mul(size)),
		Status:     mapBinanceStatus(o.Status),
		FilledSize: filled,
		CreatedAt:  time.UnixMilli(o.Time).UTC(),
		UpdatedAt:  time.UnixMilli(o.UpdateTime).UTC(),
	}
}

// mapBinanceStatus converts venue order states to the order state machine
func mapBinanceStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusOpen
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired:
		return domain.OrderStatusCancelled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusNew
	}
}

// venueSymbol converts the internal dash form to the venue's joined form
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(strings.ToUpper(symbol), "-", "")
}
