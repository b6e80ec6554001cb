package indicator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// price-range buffer applied when querying instances for mitigation
var rangeBuffer = decimal.NewFromFloat(0.05)

// blockTracker carries the mitigation-side behavior shared by the order
// block indicators: the backing repository, the mitigation threshold, and
// the touch/coverage bookkeeping.
type blockTracker struct {
	repo      OrderBlockRepository
	threshold decimal.Decimal
}

// Repository returns the instance store the indicator was constructed with
func (b *blockTracker) Repository() OrderBlockRepository { return b.repo }

// RelevantPriceRange returns the candle window's price extent widened by a
// 5% buffer on each side.
func (b *blockTracker) RelevantPriceRange(candles []domain.Candle) (decimal.Decimal, decimal.Decimal) {
	if len(candles) == 0 {
		return decimal.Zero, decimal.Zero
	}

	minLow, maxHigh := candles[0].Low, candles[0].High
	for i := 1; i < len(candles); i++ {
		minLow = decimal.Min(minLow, candles[i].Low)
		maxHigh = decimal.Max(maxHigh, candles[i].High)
	}

	one := decimal.NewFromInt(1)
	return minLow.Mul(one.Sub(rangeBuffer)), maxHigh.Mul(one.Add(rangeBuffer))
}

// ProcessExisting replays the candle window over active blocks, refreshing
// touched state and mitigation coverage. Coverage only ever grows; a block
// reaching the threshold becomes mitigated and never returns to active.
func (b *blockTracker) ProcessExisting(instances []*domain.OrderBlock, candles []domain.Candle) (updated, stillValid []*domain.OrderBlock) {
	now := time.Now().UTC()
	hundred := decimal.NewFromInt(100)

	for _, block := range instances {
		if block.Status != domain.InstanceStatusActive {
			stillValid = append(stillValid, block)
			continue
		}

		span := block.Span()
		changed := false

		for i := range candles {
			c := &candles[i]
			if !c.Timestamp.After(block.Timestamp) {
				continue
			}

			lo := decimal.Max(block.PriceLow, c.Low)
			hi := decimal.Min(block.PriceHigh, c.High)
			if hi.LessThan(lo) {
				continue
			}

			if !block.Touched {
				block.Touched = true
				changed = true
			}
			if span.IsZero() {
				continue
			}

			covered := domain.TruncatePercent(hi.Sub(lo).Div(span).Mul(hundred))
			if covered.GreaterThan(block.MitigationPercentage) {
				block.MitigationPercentage = covered
				changed = true
			}
			if block.MitigationPercentage.GreaterThanOrEqual(b.threshold) {
				block.Status = domain.InstanceStatusMitigated
				block.InvalidatedAt = &now
				changed = true
				break
			}
		}

		if changed {
			block.UpdatedAt = now
			updated = append(updated, block)
		}
		if block.Status == domain.InstanceStatusActive {
			stillValid = append(stillValid, block)
		}
	}

	return updated, stillValid
}

// OrderBlockIndicator composes doji, FVG and BOS results into order blocks:
// an indecision candle whose displacement left a gap in the direction of a
// structural break. The doji candle's range becomes the block.
type OrderBlockIndicator struct {
	blockTracker
}

// NewOrderBlock creates the order-block indicator. threshold is the
// mitigation percentage at which a block is retired.
func NewOrderBlock(repo OrderBlockRepository, threshold float64) *OrderBlockIndicator {
	return &OrderBlockIndicator{blockTracker{repo: repo, threshold: decimal.NewFromFloat(threshold)}}
}

func (o *OrderBlockIndicator) Type() Type { return TypeOrderBlock }

func (o *OrderBlockIndicator) Requirements() Requirements {
	return Requirements{
		Indicators: []Type{TypeDoji, TypeFVG, TypeBOS},
		Lookback:   50,
	}
}

func (o *OrderBlockIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	dojis, gaps, breaks, ok := blockInputs(data, true)
	if !ok {
		return []*domain.OrderBlock(nil), nil
	}

	var blocks []*domain.OrderBlock
	now := time.Now().UTC()

	for _, g := range gaps {
		bos := matchingBreak(breaks, g)
		if bos == nil {
			continue
		}
		doji := precedingDoji(dojis, g.Timestamp)
		if doji == nil || doji.CandleData == nil {
			continue
		}

		blockType := domain.OrderBlockDemand
		if g.Direction == domain.DirectionShort {
			blockType = domain.OrderBlockSupply
		}

		blocks = append(blocks, &domain.OrderBlock{
			IndicatorInstance: domain.IndicatorInstance{
				ID:         uuid.New(),
				Exchange:   data.Exchange,
				Symbol:     data.Symbol,
				Timeframe:  data.Timeframe,
				Timestamp:  doji.Timestamp,
				Status:     domain.InstanceStatusActive,
				CandleData: doji.CandleData,
				Strength:   (doji.Strength + g.Strength + bos.Strength) / 3,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			PriceHigh: doji.CandleData.High,
			PriceLow:  doji.CandleData.Low,
			BlockType: blockType,
			Doji:      doji,
			FVG:       g,
			BOS:       bos,
		})
	}

	return blocks, nil
}

// HiddenOrderBlockIndicator finds blocks without an indecision candle: the
// displacement candle's body around an FVG confirmed by a structural break.
type HiddenOrderBlockIndicator struct {
	blockTracker
}

// NewHiddenOrderBlock creates the hidden order-block indicator
func NewHiddenOrderBlock(repo OrderBlockRepository, threshold float64) *HiddenOrderBlockIndicator {
	return &HiddenOrderBlockIndicator{blockTracker{repo: repo, threshold: decimal.NewFromFloat(threshold)}}
}

func (h *HiddenOrderBlockIndicator) Type() Type { return TypeHiddenOrderBlock }

func (h *HiddenOrderBlockIndicator) Requirements() Requirements {
	return Requirements{
		Indicators: []Type{TypeFVG, TypeBOS},
		Lookback:   50,
	}
}

func (h *HiddenOrderBlockIndicator) Calculate(ctx context.Context, data *Data) (interface{}, error) {
	_, gaps, breaks, ok := blockInputs(data, false)
	if !ok {
		return []*domain.OrderBlock(nil), nil
	}

	var blocks []*domain.OrderBlock
	now := time.Now().UTC()

	for _, g := range gaps {
		bos := matchingBreak(breaks, g)
		if bos == nil || g.CandleData == nil {
			continue
		}

		lo, hi := g.CandleData.Open, g.CandleData.Close
		if lo.GreaterThan(hi) {
			lo, hi = hi, lo
		}
		blockType := domain.OrderBlockDemand
		if g.Direction == domain.DirectionShort {
			blockType = domain.OrderBlockSupply
		}

		blocks = append(blocks, &domain.OrderBlock{
			IndicatorInstance: domain.IndicatorInstance{
				ID:         uuid.New(),
				Exchange:   data.Exchange,
				Symbol:     data.Symbol,
				Timeframe:  data.Timeframe,
				Timestamp:  g.Timestamp,
				Status:     domain.InstanceStatusActive,
				CandleData: g.CandleData,
				Strength:   (g.Strength + bos.Strength) / 2,
				CreatedAt:  now,
				UpdatedAt:  now,
			},
			PriceHigh: hi,
			PriceLow:  lo,
			BlockType: blockType,
			FVG:       g,
			BOS:       bos,
		})
	}

	return blocks, nil
}

// blockInputs pulls and type-asserts the dependency results. A failed or
// missing dependency degrades to no output.
func blockInputs(data *Data, needDoji bool) ([]*domain.Doji, []*domain.FVG, []*domain.BOS, bool) {
	var dojis []*domain.Doji
	if needDoji {
		r, ok := data.Dependency(TypeDoji)
		if !ok || r.Failed() {
			return nil, nil, nil, false
		}
		dojis, _ = r.Value.([]*domain.Doji)
	}

	fr, ok := data.Dependency(TypeFVG)
	if !ok || fr.Failed() {
		return nil, nil, nil, false
	}
	gaps, _ := fr.Value.([]*domain.FVG)

	br, ok := data.Dependency(TypeBOS)
	if !ok || br.Failed() {
		return nil, nil, nil, false
	}
	breaks, _ := br.Value.([]*domain.BOS)

	return dojis, gaps, breaks, true
}

// matchingBreak returns a break of structure in the gap's direction at or
// after the gap.
func matchingBreak(breaks []*domain.BOS, g *domain.FVG) *domain.BOS {
	for _, b := range breaks {
		if b.Direction == g.Direction && !b.Timestamp.Before(g.Timestamp) {
			return b
		}
	}
	return nil
}

// precedingDoji returns the most recent doji strictly before ts
func precedingDoji(dojis []*domain.Doji, ts time.Time) *domain.Doji {
	var best *domain.Doji
	for _, d := range dojis {
		if !d.Timestamp.Before(ts) {
			continue
		}
		if best == nil || d.Timestamp.After(best.Timestamp) {
			best = d
		}
	}
	return best
}
