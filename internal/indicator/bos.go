package indicator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// pivot lookaround for swing detection when no market context is supplied
const bosPivotWidth = 2

// BOSIndicator detects breaks of structure: a close beyond a prior swing
// high (bullish) or swing low (bearish). Swing levels come from the market
// context when present, otherwise from pivot scanning over the window.
type BOSIndicator struct{}

// NewBOS creates the break-of-structure detector
func NewBOS() *BOSIndicator { return &BOSIndicator{} }

func (b *BOSIndicator) Type() Type { return TypeBOS }

func (b *BOSIndicator) Requirements() Requirements {
	return Requirements{Lookback: 50}
}

// Calculate returns the breaks of structure found in the window
func (b *BOSIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	candles := data.Candles
	if len(candles) == 0 {
		return []*domain.BOS(nil), nil
	}

	swingHigh, swingLow := b.swingLevels(data)

	var breaks []*domain.BOS
	now := time.Now().UTC()
	last := &candles[len(candles)-1]
	if !last.IsClosed {
		if len(candles) < 2 {
			return []*domain.BOS(nil), nil
		}
		last = &candles[len(candles)-2]
	}

	if swingHigh != nil && last.Close.GreaterThan(swingHigh.Price) {
		breaks = append(breaks, b.newBreak(data, last, swingHigh.Price, domain.DirectionLong, now))
	}
	if swingLow != nil && last.Close.LessThan(swingLow.Price) {
		breaks = append(breaks, b.newBreak(data, last, swingLow.Price, domain.DirectionShort, now))
	}

	return breaks, nil
}

func (b *BOSIndicator) newBreak(data *Data, c *domain.Candle, level decimal.Decimal, dir domain.Direction, now time.Time) *domain.BOS {
	strength := 0.5
	if !level.IsZero() {
		s, _ := c.Close.Sub(level).Abs().Div(level).Float64()
		strength = 0.5 + s*10
		if strength > 1 {
			strength = 1
		}
	}
	return &domain.BOS{
		IndicatorInstance: domain.IndicatorInstance{
			ID:         uuid.New(),
			Exchange:   data.Exchange,
			Symbol:     data.Symbol,
			Timeframe:  data.Timeframe,
			Timestamp:  c.Timestamp,
			Status:     domain.InstanceStatusActive,
			CandleData: c,
			Strength:   strength,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		BreakLevel: level,
		Direction:  dir,
	}
}

// swingLevels prefers the externally produced market context; with none it
// falls back to the most recent pivots before the last candle.
func (b *BOSIndicator) swingLevels(data *Data) (*domain.SwingPoint, *domain.SwingPoint) {
	if mc, ok := data.Context(data.Timeframe); ok && mc != nil {
		if mc.SwingHigh != nil || mc.SwingLow != nil {
			return mc.SwingHigh, mc.SwingLow
		}
	}

	candles := data.Candles
	var high, low *domain.SwingPoint
	// Exclude the last candle; it is the potential breaker
	for i := len(candles) - 2 - bosPivotWidth; i >= bosPivotWidth; i-- {
		c := &candles[i]
		if high == nil && isPivotHigh(candles, i) {
			high = &domain.SwingPoint{Price: c.High, Index: i, Timestamp: c.Timestamp}
		}
		if low == nil && isPivotLow(candles, i) {
			low = &domain.SwingPoint{Price: c.Low, Index: i, Timestamp: c.Timestamp}
		}
		if high != nil && low != nil {
			break
		}
	}
	return high, low
}

func isPivotHigh(candles []domain.Candle, i int) bool {
	for k := 1; k <= bosPivotWidth; k++ {
		if candles[i-k].High.GreaterThanOrEqual(candles[i].High) ||
			candles[i+k].High.GreaterThanOrEqual(candles[i].High) {
			return false
		}
	}
	return true
}

func isPivotLow(candles []domain.Candle, i int) bool {
	for k := 1; k <= bosPivotWidth; k++ {
		if candles[i-k].Low.LessThanOrEqual(candles[i].Low) ||
			candles[i+k].Low.LessThanOrEqual(candles[i].Low) {
			return false
		}
	}
	return true
}
