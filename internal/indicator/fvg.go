package indicator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// FVGIndicator detects three-candle fair value gaps: the first and third
// candle's ranges do not overlap, leaving an unfilled imbalance around the
// middle candle.
type FVGIndicator struct{}

// NewFVG creates the fair-value-gap detector
func NewFVG() *FVGIndicator { return &FVGIndicator{} }

func (f *FVGIndicator) Type() Type { return TypeFVG }

func (f *FVGIndicator) Requirements() Requirements {
	return Requirements{Lookback: 50}
}

// Calculate returns one FVG per detected imbalance, anchored on the middle
// candle of the triple.
func (f *FVGIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	var gaps []*domain.FVG
	now := time.Now().UTC()
	candles := data.Candles

	for i := 2; i < len(candles); i++ {
		first, middle, third := &candles[i-2], &candles[i-1], &candles[i]
		if !third.IsClosed {
			continue
		}

		var gapLow, gapHigh decimal.Decimal
		var direction domain.Direction
		switch {
		case third.Low.GreaterThan(first.High): // gap up
			gapLow, gapHigh = first.High, third.Low
			direction = domain.DirectionLong
		case third.High.LessThan(first.Low): // gap down
			gapLow, gapHigh = third.High, first.Low
			direction = domain.DirectionShort
		default:
			continue
		}

		gaps = append(gaps, &domain.FVG{
			IndicatorInstance: domain.IndicatorInstance{
				ID:         uuid.New(),
				Exchange:   data.Exchange,
				Symbol:     data.Symbol,
				Timeframe:  data.Timeframe,
				Timestamp:  middle.Timestamp,
				Status:     domain.InstanceStatusActive,
				CandleData: middle,
				Strength:   gapStrength(gapLow, gapHigh, middle),
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			GapHigh:   gapHigh,
			GapLow:    gapLow,
			Direction: direction,
		})
	}

	return gaps, nil
}

// gapStrength scores the gap by its size relative to the displacement
// candle's range, capped at 1.
func gapStrength(gapLow, gapHigh decimal.Decimal, middle *domain.Candle) float64 {
	rng := middle.Range()
	if rng.IsZero() {
		return 0
	}
	s, _ := gapHigh.Sub(gapLow).Div(rng).Float64()
	if s > 1 {
		return 1
	}
	return s
}
