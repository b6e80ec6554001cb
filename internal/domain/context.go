package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// SwingPoint is a local price extremum in a recent window
type SwingPoint struct {
	Price     decimal.Decimal `json:"price"`
	Index     int             `json:"index"`
	Timestamp time.Time       `json:"timestamp"`
}

// RangeInfo describes the current trading range between swing extremes
type RangeInfo struct {
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Equilibrium decimal.Decimal `json:"equilibrium"`
	Size        decimal.Decimal `json:"size"`
	Strength    float64         `json:"strength"`
}

// FibLevel is a Fibonacci retracement/extension price level
type FibLevel struct {
	Price decimal.Decimal `json:"price"`
	Level float64         `json:"level"`
	Type  string          `json:"type"`
}

// FibLevels groups fib levels by role relative to current price
type FibLevels struct {
	Support    []FibLevel `json:"support"`
	Resistance []FibLevel `json:"resistance"`
}

// Trend labels for MarketContext
const (
	TrendBullish = "bullish"
	TrendBearish = "bearish"
	TrendRanging = "ranging"
)

// MarketContext is the externally produced market-structure view consumed
// read-only by indicators and strategies.
type MarketContext struct {
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Timeframe    string          `json:"timeframe"`
	Timestamp    time.Time       `json:"timestamp"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	SwingHigh    *SwingPoint     `json:"swing_high,omitempty"`
	SwingLow     *SwingPoint     `json:"swing_low,omitempty"`
	Trend        string          `json:"trend"`
	Range        *RangeInfo      `json:"range,omitempty"`
	FibLevels    FibLevels       `json:"fib_levels"`
}
