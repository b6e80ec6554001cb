package strategy

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

const orderBlockSchemaVersion = "1.2.0"

// OrderBlockStrategy emits entry signals when price trades above a fresh
// demand block or below a fresh supply block, targeting a configurable
// reward multiple of the block-defined risk.
type OrderBlockStrategy struct {
	timeframes []string
	minRR      decimal.Decimal
	targetRR   decimal.Decimal
}

// NewOrderBlockStrategy creates the order-block strategy. targetRR below
// minRR is raised to minRR.
func NewOrderBlockStrategy(timeframes []string, minRR, targetRR float64) *OrderBlockStrategy {
	minD := decimal.NewFromFloat(minRR)
	targetD := decimal.NewFromFloat(targetRR)
	if targetD.LessThan(minD) {
		targetD = minD
	}
	return &OrderBlockStrategy{
		timeframes: timeframes,
		minRR:      minD,
		targetRR:   targetD,
	}
}

func (s *OrderBlockStrategy) Name() string          { return "orderblock" }
func (s *OrderBlockStrategy) SchemaVersion() string { return orderBlockSchemaVersion }
func (s *OrderBlockStrategy) Timeframes() []string  { return s.timeframes }

func (s *OrderBlockStrategy) RequiredIndicators() []indicator.Type {
	return []indicator.Type{indicator.TypeOrderBlock, indicator.TypeHiddenOrderBlock, indicator.TypeMomentum}
}

// Analyze picks the freshest active block consistent with the current price
// and derives entry, stop and target from its boundaries. No qualifying
// block yields a nil signal.
func (s *OrderBlockStrategy) Analyze(ctx context.Context, data *indicator.Data, results map[indicator.Type]indicator.Result) (*domain.Signal, error) {
	block := pickBlock(results, data.CurrentPrice)
	if block == nil {
		return nil, nil
	}

	entry := data.CurrentPrice
	var stop, direction = decimal.Zero, domain.DirectionLong
	if block.BlockType == domain.OrderBlockDemand {
		stop = block.PriceLow
	} else {
		direction = domain.DirectionShort
		stop = block.PriceHigh
	}

	risk := entry.Sub(stop).Abs()
	if risk.IsZero() {
		return nil, nil
	}
	var takeProfit decimal.Decimal
	if direction == domain.DirectionLong {
		takeProfit = entry.Add(risk.Mul(s.targetRR))
	} else {
		takeProfit = entry.Sub(risk.Mul(s.targetRR))
	}

	confidence := block.Strength
	if confidence > 1 {
		confidence = 1
	} else if confidence < 0 {
		confidence = 0
	}

	blockID := block.ID
	signal := &domain.Signal{
		ID:              uuid.New(),
		StrategyName:    s.Name(),
		Exchange:        data.Exchange,
		Symbol:          data.Symbol,
		Timeframe:       data.Timeframe,
		Direction:       direction,
		SignalType:      domain.SignalTypeEntry,
		PriceTarget:     domain.TruncatePrice(entry),
		StopLoss:        domain.TruncatePrice(stop),
		TakeProfit:      domain.TruncatePrice(takeProfit),
		ConfidenceScore: confidence,
		ExecutionStatus: domain.ExecutionStatusPending,
		IndicatorID:     &blockID,
		Metadata: map[string]interface{}{
			"block_type": string(block.BlockType),
			"block_high": block.PriceHigh.String(),
			"block_low":  block.PriceLow.String(),
		},
		CreatedAt: time.Now().UTC(),
	}

	// Momentum is context, not a gate: downstream sizing reads it from the
	// signal when the indicator ran on this bar.
	if m, ok := momentumResult(results); ok {
		signal.Metadata["rsi"] = m.RSI
		signal.Metadata["momentum"] = m.Signal
	}

	rr, err := signal.ComputeRiskReward()
	if err != nil {
		return nil, err
	}
	signal.RiskRewardRatio = rr
	return signal, nil
}

func (s *OrderBlockStrategy) Validate(signal *domain.Signal) error {
	return ValidateSignal(signal, s.minRR)
}

func momentumResult(results map[indicator.Type]indicator.Result) (*indicator.MomentumResult, bool) {
	r, ok := results[indicator.TypeMomentum]
	if !ok || r.Failed() {
		return nil, false
	}
	m, ok := r.Value.(*indicator.MomentumResult)
	return m, ok && m != nil
}

// pickBlock returns the newest active block that price has not yet entered:
// demand blocks below the current price, supply blocks above it.
func pickBlock(results map[indicator.Type]indicator.Result, price decimal.Decimal) *domain.OrderBlock {
	var best *domain.OrderBlock
	for _, t := range []indicator.Type{indicator.TypeOrderBlock, indicator.TypeHiddenOrderBlock} {
		r, ok := results[t]
		if !ok || r.Failed() {
			continue
		}
		blocks, _ := r.Value.([]*domain.OrderBlock)
		for _, b := range blocks {
			if b.Status != domain.InstanceStatusActive {
				continue
			}
			if b.BlockType == domain.OrderBlockDemand && !price.GreaterThan(b.PriceHigh) {
				continue
			}
			if b.BlockType == domain.OrderBlockSupply && !price.LessThan(b.PriceLow) {
				continue
			}
			if best == nil || b.Timestamp.After(best.Timestamp) {
				best = b
			}
		}
	}
	return best
}
