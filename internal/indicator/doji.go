package indicator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

const defaultDojiBodyRatio = 0.1

// DojiIndicator flags candles whose body is small relative to their range
type DojiIndicator struct {
	threshold decimal.Decimal
}

// NewDoji creates the doji detector. A non-positive threshold selects the
// default body-to-range ratio of 0.1.
func NewDoji(threshold float64) *DojiIndicator {
	if threshold <= 0 {
		threshold = defaultDojiBodyRatio
	}
	return &DojiIndicator{threshold: decimal.NewFromFloat(threshold)}
}

func (d *DojiIndicator) Type() Type { return TypeDoji }

func (d *DojiIndicator) Requirements() Requirements {
	return Requirements{Lookback: 50}
}

// Calculate returns one Doji per qualifying closed candle in the window
func (d *DojiIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	var dojis []*domain.Doji
	now := time.Now().UTC()

	for i := range data.Candles {
		c := &data.Candles[i]
		if !c.IsClosed {
			continue
		}
		rng := c.Range()
		if rng.IsZero() {
			continue
		}
		ratio := c.Body().Div(rng)
		if ratio.GreaterThanOrEqual(d.threshold) {
			continue
		}

		strength, _ := decimal.NewFromInt(1).Sub(ratio).Float64()
		dojis = append(dojis, &domain.Doji{
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
			BodyRatio: domain.TruncatePercent(ratio),
		})
	}

	return dojis, nil
}
