package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents an OHLCV bar over a fixed interval. Identity is
// (exchange, symbol, timeframe, timestamp); a candle is immutable once
// IsClosed is true.
type Candle struct {
	Exchange  string          `json:"exchange"`
	Symbol    string          `json:"symbol"`
	Timeframe string          `json:"timeframe"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	IsClosed  bool            `json:"is_closed"`
}

// Key returns the candle's identity key
func (c *Candle) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", c.Exchange, c.Symbol, c.Timeframe, c.Timestamp.UTC().UnixMilli())
}

// EpochMilli returns the candle timestamp as epoch milliseconds,
// the score used in cache sorted sets.
func (c *Candle) EpochMilli() int64 {
	return c.Timestamp.UTC().UnixMilli()
}

// Bullish reports whether the candle closed above its open
func (c *Candle) Bullish() bool {
	return c.Close.GreaterThan(c.Open)
}

// Bearish reports whether the candle closed below its open
func (c *Candle) Bearish() bool {
	return c.Close.LessThan(c.Open)
}

// Body returns the absolute open-close distance
func (c *Candle) Body() decimal.Decimal {
	return c.Close.Sub(c.Open).Abs()
}

// Range returns the high-low distance
func (c *Candle) Range() decimal.Decimal {
	return c.High.Sub(c.Low)
}

// TimeframeDuration parses a timeframe identifier ("1m", "15m", "1h",
// "4h", "1d") into a duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe: %q", tf)
	}

	unit := tf[len(tf)-1]
	var n int
	if _, err := fmt.Sscanf(tf[:len(tf)-1], "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe: %q", tf)
	}

	switch unit {
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid timeframe unit: %q", tf)
	}
}
