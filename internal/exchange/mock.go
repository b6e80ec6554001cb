package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// MockConnector is a deterministic in-memory venue used by tests, paper
// trading and the backtest runner. Limit orders fill when the market price
// crosses them; market orders fill immediately at the market price.
type MockConnector struct {
	name string

	mu      sync.Mutex
	nextID  int64
	orders  map[string]*domain.Order
	prices  map[string]decimal.Decimal
	balance map[string]Balance
	failAll bool
}

// NewMockConnector creates a mock venue with the given equity in USD
func NewMockConnector(name string, equityUSD float64) *MockConnector {
	return &MockConnector{
		name:   name,
		nextID: 1,
		orders: make(map[string]*domain.Order),
		prices: make(map[string]decimal.Decimal),
		balance: map[string]Balance{
			"USD": {Asset: "USD", Free: decimal.NewFromFloat(equityUSD)},
		},
	}
}

// SetMarketPrice sets the market price for a symbol and settles any limit
// orders the new price crosses.
func (m *MockConnector) SetMarketPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.prices[symbol] = price
	for _, o := range m.orders {
		if o.Symbol != symbol || o.Status != domain.OrderStatusOpen {
			continue
		}
		crossed := (o.Side == domain.OrderSideBuy && price.LessThanOrEqual(o.Price)) ||
			(o.Side == domain.OrderSideSell && price.GreaterThanOrEqual(o.Price))
		if crossed {
			m.fill(o, o.Price)
		}
	}
}

// FailNext makes subsequent order submissions fail, simulating an outage
func (m *MockConnector) FailNext(fail bool) {
	m.mu.Lock()
	m.failAll = fail
	m.mu.Unlock()
}

func (m *MockConnector) Initialize(ctx context.Context) error { return nil }

func (m *MockConnector) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAll {
		return nil, fmt.Errorf("mock venue unavailable")
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("order amount must be positive, got %s", req.Amount)
	}
	if req.Type == domain.OrderTypeLimit && req.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("limit order requires a positive price")
	}

	now := time.Now().UTC()
	order := &domain.Order{
		ID:        fmt.Sprintf("mock-%d", m.nextID),
		Exchange:  m.name,
		Symbol:    req.Symbol,
		OrderType: req.Type,
		Side:      req.Side,
		Price:     req.Price,
		Size:      req.Amount,
		Value:     domain.TruncatePrice(req.Price.Mul(req.Amount)),
		Status:    domain.OrderStatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.nextID++

	if req.Type == domain.OrderTypeMarket {
		px, ok := m.prices[req.Symbol]
		if !ok {
			return nil, fmt.Errorf("no market price for %s", req.Symbol)
		}
		order.Price = px
		order.Value = domain.TruncatePrice(px.Mul(req.Amount))
		m.fill(order, px)
	}

	m.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (m *MockConnector) CancelOrder(ctx context.Context, id, symbol string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	if order.Status == domain.OrderStatusOpen {
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = time.Now().UTC()
	}
	return cloneOrder(order), nil
}

func (m *MockConnector) FetchOrder(ctx context.Context, id, symbol string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return cloneOrder(order), nil
}

func (m *MockConnector) FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var open []*domain.Order
	for _, o := range m.orders {
		if o.Status != domain.OrderStatusOpen {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		open = append(open, cloneOrder(o))
	}
	return open, nil
}

func (m *MockConnector) FetchPositions(ctx context.Context, symbols []string) ([]*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	var positions []*domain.Position
	for _, o := range m.orders {
		if o.Status != domain.OrderStatusFilled {
			continue
		}
		if len(symbols) > 0 && !wanted[o.Symbol] {
			continue
		}
		side := domain.DirectionLong
		if o.Side == domain.OrderSideSell {
			side = domain.DirectionShort
		}
		current := m.prices[o.Symbol]
		positions = append(positions, &domain.Position{
			ID:           "pos-" + o.ID,
			Exchange:     m.name,
			Symbol:       o.Symbol,
			Side:         side,
			Size:         o.FilledSize,
			EntryPrice:   o.AverageFillPrice,
			CurrentPrice: current,
			Status:       domain.PositionStatusOpen,
			OpenedAt:     o.UpdatedAt,
		})
	}
	return positions, nil
}

func (m *MockConnector) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Balance, len(m.balance))
	for k, v := range m.balance {
		out[k] = v
	}
	return out, nil
}

func (m *MockConnector) Close() error { return nil }

// fill settles an order completely at px. Caller holds the lock.
func (m *MockConnector) fill(o *domain.Order, px decimal.Decimal) {
	o.Status = domain.OrderStatusFilled
	o.FilledSize = o.Size
	o.AverageFillPrice = px
	o.Fee = domain.TruncatePrice(px.Mul(o.Size).Mul(decimal.NewFromFloat(0.001)))
	o.UpdatedAt = time.Now().UTC()
}

func cloneOrder(o *domain.Order) *domain.Order {
	c := *o
	return &c
}
