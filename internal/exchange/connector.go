package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// OrderParams carries optional order attributes forwarded to the venue
type OrderParams struct {
	SignalID    string          `json:"signal_id,omitempty"`
	TimeInForce string          `json:"timeInForce,omitempty"`
	StopLoss    decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit  decimal.Decimal `json:"takeProfit,omitempty"`
	Leverage    int             `json:"leverage,omitempty"`
	ReduceOnly  bool            `json:"reduceOnly,omitempty"`
}

// CreateOrderRequest describes an order submission
type CreateOrderRequest struct {
	Symbol string           `json:"symbol"`
	Type   domain.OrderType `json:"type"`
	Side   domain.OrderSide `json:"side"`
	Amount decimal.Decimal  `json:"amount"`
	Price  decimal.Decimal  `json:"price"`
	Params OrderParams      `json:"params"`
}

// Balance is one asset's free and locked amounts
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Connector is the venue-facing surface used by the execution pipeline.
// Implementations must be safe for concurrent use.
type Connector interface {
	// Initialize verifies connectivity and loads venue metadata
	Initialize(ctx context.Context) error

	// CreateOrder submits an order and returns the venue's view of it
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error)

	// CancelOrder cancels an order by id
	CancelOrder(ctx context.Context, id, symbol string) (*domain.Order, error)

	// FetchOrder retrieves one order
	FetchOrder(ctx context.Context, id, symbol string) (*domain.Order, error)

	// FetchOpenOrders lists open orders, optionally filtered by symbol
	FetchOpenOrders(ctx context.Context, symbol string) ([]*domain.Order, error)

	// FetchPositions lists positions for the given symbols (all when empty)
	FetchPositions(ctx context.Context, symbols []string) ([]*domain.Position, error)

	// FetchBalance returns per-asset balances
	FetchBalance(ctx context.Context) (map[string]Balance, error)

	// Close releases connector resources
	Close() error
}
