package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

func validSignal() *domain.Signal {
	return &domain.Signal{
		ID:          uuid.New(),
		Symbol:      "BTC-USD",
		Direction:   domain.DirectionLong,
		SignalType:  domain.SignalTypeEntry,
		PriceTarget: domain.Price(68000),
		StopLoss:    domain.Price(66000),
		TakeProfit:  domain.Price(72000),
	}
}

func TestValidateSignal(t *testing.T) {
	minRR := decimal.NewFromInt(2)

	tests := []struct {
		name    string
		mutate  func(*domain.Signal)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "missing id",
			mutate:  func(s *domain.Signal) { s.ID = uuid.Nil },
			wantErr: "missing id",
		},
		{
			name:    "missing symbol",
			mutate:  func(s *domain.Signal) { s.Symbol = "" },
			wantErr: "missing symbol",
		},
		{
			name:    "invalid direction",
			mutate:  func(s *domain.Signal) { s.Direction = "sideways" },
			wantErr: "invalid direction",
		},
		{
			name:    "invalid type",
			mutate:  func(s *domain.Signal) { s.SignalType = "hold" },
			wantErr: "invalid type",
		},
		{
			name:    "missing stop loss",
			mutate:  func(s *domain.Signal) { s.StopLoss = decimal.Zero },
			wantErr: "missing price levels",
		},
		{
			name:    "zero risk",
			mutate:  func(s *domain.Signal) { s.StopLoss = s.PriceTarget },
			wantErr: "zero risk",
		},
		{
			name:    "risk reward below minimum",
			mutate:  func(s *domain.Signal) { s.TakeProfit = domain.Price(69000) },
			wantErr: "below minimum",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSignal()
			if tt.mutate != nil {
				tt.mutate(s)
			}
			err := ValidateSignal(s, minRR)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.True(t, s.RiskRewardRatio.Equal(decimal.NewFromInt(2)),
					"recomputed ratio stored, got %s", s.RiskRewardRatio)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateSignalOverwritesClaimedRatio(t *testing.T) {
	s := validSignal()
	s.RiskRewardRatio = decimal.NewFromInt(99) // claimed, not trusted

	require.NoError(t, ValidateSignal(s, decimal.NewFromInt(2)))
	assert.True(t, s.RiskRewardRatio.Equal(decimal.NewFromInt(2)))
}

func demandBlockAt(ts time.Time, low, high float64, strength float64) *domain.OrderBlock {
	return &domain.OrderBlock{
		IndicatorInstance: domain.IndicatorInstance{
			ID:        uuid.New(),
			Exchange:  "binance",
			Symbol:    "BTC-USD",
			Timeframe: "1h",
			Timestamp: ts,
			Status:    domain.InstanceStatusActive,
			Strength:  strength,
		},
		PriceHigh: domain.Price(high),
		PriceLow:  domain.Price(low),
		BlockType: domain.OrderBlockDemand,
	}
}

func TestOrderBlockStrategyLongEntry(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(ts, 100, 105, 0.8)

	candles := []domain.Candle{{
		Exchange: "binance", Symbol: "BTC-USD", Timeframe: "1h",
		Timestamp: ts.Add(time.Hour),
		Open:      domain.Price(105), High: domain.Price(107),
		Low: domain.Price(104), Close: domain.Price(106),
		IsClosed: true,
	}}
	data := indicator.NewData("binance", "BTC-USD", "1h", candles, nil)
	results := map[indicator.Type]indicator.Result{
		indicator.TypeOrderBlock:       {Value: []*domain.OrderBlock{block}},
		indicator.TypeHiddenOrderBlock: {Value: []*domain.OrderBlock(nil)},
	}

	s := NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)
	signal, err := s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, domain.DirectionLong, signal.Direction)
	assert.Equal(t, domain.SignalTypeEntry, signal.SignalType)
	assert.True(t, signal.PriceTarget.Equal(domain.Price(106)))
	assert.True(t, signal.StopLoss.Equal(domain.Price(100)))
	assert.True(t, signal.TakeProfit.Equal(domain.Price(124)), "entry + 3x risk, got %s", signal.TakeProfit)
	assert.True(t, signal.RiskRewardRatio.Equal(decimal.NewFromInt(3)))
	assert.InDelta(t, 0.8, signal.ConfidenceScore, 1e-9)
	require.NotNil(t, signal.IndicatorID)
	assert.Equal(t, block.ID, *signal.IndicatorID)

	require.NoError(t, s.Validate(signal))
}

func TestOrderBlockStrategyShortEntry(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(ts, 110, 115, 0.6)
	block.BlockType = domain.OrderBlockSupply

	candles := []domain.Candle{{
		Symbol: "BTC-USD", Timeframe: "1h", Timestamp: ts.Add(time.Hour),
		Close: domain.Price(106), IsClosed: true,
	}}
	data := indicator.NewData("binance", "BTC-USD", "1h", candles, nil)
	results := map[indicator.Type]indicator.Result{
		indicator.TypeOrderBlock: {Value: []*domain.OrderBlock{block}},
	}

	s := NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)
	signal, err := s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	require.NotNil(t, signal)

	assert.Equal(t, domain.DirectionShort, signal.Direction)
	assert.True(t, signal.StopLoss.Equal(domain.Price(115)))
	assert.True(t, signal.TakeProfit.Equal(domain.Price(79)), "entry - 3x risk, got %s", signal.TakeProfit)
}

func TestOrderBlockStrategyNoQualifyingBlock(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	// Price sits inside the block; no entry
	block := demandBlockAt(ts, 100, 110, 0.5)

	candles := []domain.Candle{{
		Symbol: "BTC-USD", Timeframe: "1h", Timestamp: ts.Add(time.Hour),
		Close: domain.Price(105), IsClosed: true,
	}}
	data := indicator.NewData("binance", "BTC-USD", "1h", candles, nil)
	results := map[indicator.Type]indicator.Result{
		indicator.TypeOrderBlock: {Value: []*domain.OrderBlock{block}},
	}

	s := NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)
	signal, err := s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	assert.Nil(t, signal)
}

func TestOrderBlockStrategyAttachesMomentumContext(t *testing.T) {
	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	block := demandBlockAt(ts, 100, 105, 0.8)

	candles := []domain.Candle{{
		Symbol: "BTC-USD", Timeframe: "1h", Timestamp: ts.Add(time.Hour),
		Close: domain.Price(106), IsClosed: true,
	}}
	data := indicator.NewData("binance", "BTC-USD", "1h", candles, nil)

	s := NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)
	assert.Contains(t, s.RequiredIndicators(), indicator.TypeMomentum)

	results := map[indicator.Type]indicator.Result{
		indicator.TypeOrderBlock: {Value: []*domain.OrderBlock{block}},
		indicator.TypeMomentum:   {Value: &indicator.MomentumResult{RSI: 72.5, Signal: "overbought"}},
	}
	signal, err := s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	require.NotNil(t, signal)
	assert.Equal(t, 72.5, signal.Metadata["rsi"])
	assert.Equal(t, "overbought", signal.Metadata["momentum"])

	// A bar without a momentum run still signals, just without the context
	delete(results, indicator.TypeMomentum)
	signal, err = s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	require.NotNil(t, signal)
	assert.NotContains(t, signal.Metadata, "rsi")
}

func TestOrderBlockStrategyIgnoresFailedDependency(t *testing.T) {
	data := indicator.NewData("binance", "BTC-USD", "1h", nil, nil)
	results := map[indicator.Type]indicator.Result{
		indicator.TypeOrderBlock: {Error: "boom"},
	}

	s := NewOrderBlockStrategy([]string{"1h"}, 2.0, 3.0)
	signal, err := s.Analyze(context.Background(), data, results)
	require.NoError(t, err)
	assert.Nil(t, signal)
}
