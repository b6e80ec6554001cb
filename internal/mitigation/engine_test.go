package mitigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

type fakeBlockRepo struct {
	active  []*domain.OrderBlock
	updated []*domain.OrderBlock
	findErr error
}

func (f *fakeBlockRepo) FindActiveInPriceRange(ctx context.Context, exchange, symbol string, minPrice, maxPrice decimal.Decimal, timeframes []string) ([]*domain.OrderBlock, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.active, nil
}

func (f *fakeBlockRepo) UpdateInstanceStatus(ctx context.Context, block *domain.OrderBlock) error {
	f.updated = append(f.updated, block)
	return nil
}

func demandBlock(low, high float64) *domain.OrderBlock {
	return &domain.OrderBlock{
		IndicatorInstance: domain.IndicatorInstance{
			ID:        uuid.New(),
			Exchange:  "binance",
			Symbol:    "BTC-USD",
			Timeframe: "1h",
			Timestamp: t0,
			Status:    domain.InstanceStatusActive,
		},
		PriceHigh: domain.Price(high),
		PriceLow:  domain.Price(low),
		BlockType: domain.OrderBlockDemand,
	}
}

func barAt(i int, low, high float64) domain.Candle {
	return domain.Candle{
		Exchange:  "binance",
		Symbol:    "BTC-USD",
		Timeframe: "1h",
		Timestamp: t0.Add(time.Duration(i) * time.Hour),
		Open:      domain.Price((low + high) / 2),
		High:      domain.Price(high),
		Low:       domain.Price(low),
		Close:     domain.Price((low + high) / 2),
		Volume:    domain.Price(1),
		IsClosed:  true,
	}
}

func TestMitigationProgression(t *testing.T) {
	block := demandBlock(100, 105)
	repo := &fakeBlockRepo{active: []*domain.OrderBlock{block}}
	ind := indicator.NewOrderBlock(repo, 100)

	engine := NewEngine(zerolog.Nop(), nil)
	require.NoError(t, engine.Register(ind))
	ctx := context.Background()

	// First bar overlaps [100,103]: 3 of 5 covered
	reports := engine.Process(ctx, "binance", "BTC-USD", "1h", []domain.Candle{barAt(1, 99, 103)})
	report := reports[indicator.TypeOrderBlock]
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 0, report.Mitigated)
	assert.Equal(t, 1, report.StillValid)

	assert.True(t, block.Touched)
	assert.True(t, block.MitigationPercentage.Equal(decimal.NewFromInt(60)),
		"got %s", block.MitigationPercentage)
	assert.Equal(t, domain.InstanceStatusActive, block.Status)

	// Second bar engulfs the block: fully covered, block retires
	reports = engine.Process(ctx, "binance", "BTC-USD", "1h", []domain.Candle{barAt(2, 98, 106)})
	report = reports[indicator.TypeOrderBlock]
	assert.Equal(t, 1, report.Updated)
	assert.Equal(t, 1, report.Mitigated)
	assert.Equal(t, 0, report.StillValid)

	assert.True(t, block.MitigationPercentage.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, domain.InstanceStatusMitigated, block.Status)
	require.NotNil(t, block.InvalidatedAt)
	require.Len(t, repo.updated, 2)
}

func TestMitigationMonotonic(t *testing.T) {
	block := demandBlock(100, 105)
	repo := &fakeBlockRepo{active: []*domain.OrderBlock{block}}
	ind := indicator.NewOrderBlock(repo, 100)

	engine := NewEngine(zerolog.Nop(), nil)
	require.NoError(t, engine.Register(ind))
	ctx := context.Background()

	engine.Process(ctx, "binance", "BTC-USD", "1h", []domain.Candle{barAt(1, 99, 103)})
	require.True(t, block.MitigationPercentage.Equal(decimal.NewFromInt(60)))

	// A shallower touch must not reduce coverage
	engine.Process(ctx, "binance", "BTC-USD", "1h", []domain.Candle{barAt(2, 99, 101)})
	assert.True(t, block.MitigationPercentage.Equal(decimal.NewFromInt(60)),
		"coverage shrank to %s", block.MitigationPercentage)
}

func TestNoOverlapLeavesBlockUntouched(t *testing.T) {
	block := demandBlock(100, 105)
	repo := &fakeBlockRepo{active: []*domain.OrderBlock{block}}
	ind := indicator.NewOrderBlock(repo, 100)

	engine := NewEngine(zerolog.Nop(), nil)
	require.NoError(t, engine.Register(ind))

	reports := engine.Process(context.Background(), "binance", "BTC-USD", "1h",
		[]domain.Candle{barAt(1, 106, 110)})
	report := reports[indicator.TypeOrderBlock]

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Updated)
	assert.Equal(t, 1, report.StillValid)
	assert.False(t, block.Touched)
	assert.Empty(t, repo.updated)
}

func TestBarsBeforeCreationIgnored(t *testing.T) {
	block := demandBlock(100, 105)
	block.Timestamp = t0.Add(5 * time.Hour)
	repo := &fakeBlockRepo{active: []*domain.OrderBlock{block}}
	ind := indicator.NewOrderBlock(repo, 100)

	engine := NewEngine(zerolog.Nop(), nil)
	require.NoError(t, engine.Register(ind))

	engine.Process(context.Background(), "binance", "BTC-USD", "1h",
		[]domain.Candle{barAt(1, 98, 106)})
	assert.False(t, block.Touched)
}

func TestRepositoryErrorCapturedInReport(t *testing.T) {
	repo := &fakeBlockRepo{findErr: errors.New("db down")}
	failing := indicator.NewOrderBlock(repo, 100)

	healthyRepo := &fakeBlockRepo{active: []*domain.OrderBlock{demandBlock(100, 105)}}
	healthy := indicator.NewHiddenOrderBlock(healthyRepo, 100)

	engine := NewEngine(zerolog.Nop(), nil)
	require.NoError(t, engine.Register(failing))
	require.NoError(t, engine.Register(healthy))

	reports := engine.Process(context.Background(), "binance", "BTC-USD", "1h",
		[]domain.Candle{barAt(1, 98, 106)})

	assert.Contains(t, reports[indicator.TypeOrderBlock].Error, "db down")
	assert.Equal(t, 1, reports[indicator.TypeHiddenOrderBlock].Processed,
		"other types continue after one fails")
}

func TestRegisterRejectsUntrackedType(t *testing.T) {
	engine := NewEngine(zerolog.Nop(), nil)
	assert.Error(t, engine.Register(untracked{}))
}

type untracked struct{}

func (untracked) Type() indicator.Type                       { return indicator.TypeDoji }
func (untracked) Repository() indicator.OrderBlockRepository { return nil }
func (untracked) RelevantPriceRange([]domain.Candle) (decimal.Decimal, decimal.Decimal) {
	return decimal.Zero, decimal.Zero
}
func (untracked) ProcessExisting([]*domain.OrderBlock, []domain.Candle) ([]*domain.OrderBlock, []*domain.OrderBlock) {
	return nil, nil
}

func TestWindowPolicyApplied(t *testing.T) {
	block := demandBlock(100, 105)
	repo := &fakeBlockRepo{active: []*domain.OrderBlock{block}}
	ind := indicator.NewOrderBlock(repo, 100)

	// Policy drops everything; nothing should be touched
	engine := NewEngine(zerolog.Nop(), func(candles []domain.Candle) []domain.Candle { return nil })
	require.NoError(t, engine.Register(ind))

	reports := engine.Process(context.Background(), "binance", "BTC-USD", "1h",
		[]domain.Candle{barAt(1, 98, 106)})
	assert.Equal(t, 0, reports[indicator.TypeOrderBlock].Processed)
	assert.False(t, block.Touched)
}
