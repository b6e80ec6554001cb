package indicator

import (
	"context"
	"fmt"

	"github.com/cinar/indicator/v2/momentum"
)

const defaultRSIPeriod = 14

// MomentumResult is the momentum node's output
type MomentumResult struct {
	RSI    float64 `json:"rsi"`
	Signal string  `json:"signal"` // "oversold", "overbought", "neutral"
}

// MomentumIndicator computes RSI over the candle window's closes
type MomentumIndicator struct {
	period int
}

// NewMomentum creates the momentum indicator. A non-positive period selects
// the default of 14.
func NewMomentum(period int) *MomentumIndicator {
	if period <= 0 {
		period = defaultRSIPeriod
	}
	return &MomentumIndicator{period: period}
}

func (m *MomentumIndicator) Type() Type { return TypeMomentum }

func (m *MomentumIndicator) Requirements() Requirements {
	return Requirements{Lookback: m.period * 2}
}

func (m *MomentumIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	if len(data.Candles) < m.period+1 {
		return nil, fmt.Errorf("insufficient data: need at least %d candles, got %d", m.period+1, len(data.Candles))
	}

	closes := make(chan float64, len(data.Candles))
	for i := range data.Candles {
		v, _ := data.Candles[i].Close.Float64()
		closes <- v
	}
	close(closes)

	rsi := momentum.NewRsiWithPeriod[float64](m.period)
	var values []float64
	for v := range rsi.Compute(closes) {
		values = append(values, v)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("no RSI values calculated")
	}

	current := values[len(values)-1]
	signal := "neutral"
	if current < 30 {
		signal = "oversold"
	} else if current > 70 {
		signal = "overbought"
	}

	return &MomentumResult{RSI: current, Signal: signal}, nil
}
