package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderSide represents buy or sell
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType represents market or limit order
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus represents the current state of an order. The state machine
// is new → open → {filled, cancelled, rejected}; failed is terminal and
// reachable only from new.
type OrderStatus string

const (
	OrderStatusNew       OrderStatus = "new"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
	OrderStatusFailed    OrderStatus = "failed"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusNew:  {OrderStatusOpen, OrderStatusFilled, OrderStatusRejected, OrderStatusFailed},
	OrderStatusOpen: {OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected},
}

// CanTransition reports whether an order status transition is legal
func CanTransition(from, to OrderStatus) bool {
	for _, s := range orderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Order represents an exchange order created by the execution pipeline.
// ID is exchange-assigned; status transitions are monotonic.
type Order struct {
	ID               string                 `json:"id"`
	SignalID         *uuid.UUID             `json:"signal_id,omitempty"`
	Exchange         string                 `json:"exchange"`
	Symbol           string                 `json:"symbol"`
	OrderType        OrderType              `json:"order_type"`
	Side             OrderSide              `json:"side"`
	Price            decimal.Decimal        `json:"price"`
	Size             decimal.Decimal        `json:"size"`
	Value            decimal.Decimal        `json:"value"`
	Status           OrderStatus            `json:"status"`
	FilledSize       decimal.Decimal        `json:"filled_size"`
	AverageFillPrice decimal.Decimal        `json:"average_fill_price"`
	Fee              decimal.Decimal        `json:"fee"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// PositionStatus represents whether a position is open or closed
type PositionStatus string

const (
	PositionStatusOpen   PositionStatus = "open"
	PositionStatusClosed PositionStatus = "closed"
)

// Position is the external view of a live position, consumed read-only
// by the monitoring service.
type Position struct {
	ID           string          `json:"id"`
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Side         Direction       `json:"side"`
	Size         decimal.Decimal `json:"size"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	PnL          decimal.Decimal `json:"pnl"`
	PnLPercent   decimal.Decimal `json:"pnl_percent"`
	Status       PositionStatus  `json:"status"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}
