package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InstanceStatus represents the lifecycle state of a persisted indicator
// instance. Transitions are monotonic: active → mitigated or invalidated,
// never back.
type InstanceStatus string

const (
	InstanceStatusActive      InstanceStatus = "active"
	InstanceStatusMitigated   InstanceStatus = "mitigated"
	InstanceStatusInvalidated InstanceStatus = "invalidated"
)

// IndicatorInstance carries the fields shared by every persisted indicator
// instance (order blocks, FVGs, dojis, BOS events).
type IndicatorInstance struct {
	ID                   uuid.UUID       `json:"id"`
	Exchange             string          `json:"exchange"`
	Symbol               string          `json:"symbol"`
	Timeframe            string          `json:"timeframe"`
	Timestamp            time.Time       `json:"timestamp"`
	Status               InstanceStatus  `json:"status"`
	Touched              bool            `json:"touched"`
	MitigationPercentage decimal.Decimal `json:"mitigation_percentage"`
	CandleData           *Candle         `json:"candle_data,omitempty"`
	Strength             float64         `json:"strength"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	InvalidatedAt        *time.Time      `json:"invalidated_at,omitempty"`
}

// OrderBlockType distinguishes demand (below price) from supply (above)
type OrderBlockType string

const (
	OrderBlockDemand OrderBlockType = "demand"
	OrderBlockSupply OrderBlockType = "supply"
)

// OrderBlock is a price region interpreted as prior institutional activity,
// produced by the order-block indicator and updated by the mitigation engine.
type OrderBlock struct {
	IndicatorInstance
	PriceHigh decimal.Decimal `json:"price_high"`
	PriceLow  decimal.Decimal `json:"price_low"`
	BlockType OrderBlockType  `json:"type"`
	Doji      *Doji           `json:"doji,omitempty"`
	FVG       *FVG            `json:"fvg,omitempty"`
	BOS       *BOS            `json:"bos,omitempty"`
}

// Span returns the block's price range size
func (ob *OrderBlock) Span() decimal.Decimal {
	return ob.PriceHigh.Sub(ob.PriceLow)
}

// FVG is a three-candle fair value gap: candle n-2's range and candle n's
// range do not overlap.
type FVG struct {
	IndicatorInstance
	GapHigh   decimal.Decimal `json:"gap_high"`
	GapLow    decimal.Decimal `json:"gap_low"`
	Direction Direction       `json:"direction"`
}

// Doji is a candle whose body-to-range ratio is below a small threshold
type Doji struct {
	IndicatorInstance
	BodyRatio decimal.Decimal `json:"body_ratio"`
}

// BOS is a break of structure: a close beyond a prior swing high or low
type BOS struct {
	IndicatorInstance
	BreakLevel decimal.Decimal `json:"break_level"`
	Direction  Direction       `json:"direction"`
}
