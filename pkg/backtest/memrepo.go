package backtest

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// MemoryBlockRepository is an in-memory order block store for replays and
// tests, where hitting the database would be both slow and stateful.
type MemoryBlockRepository struct {
	mu     sync.Mutex
	blocks map[string]*domain.OrderBlock
}

// NewMemoryBlockRepository creates an empty in-memory block store
func NewMemoryBlockRepository() *MemoryBlockRepository {
	return &MemoryBlockRepository{blocks: make(map[string]*domain.OrderBlock)}
}

// Add stores a block
func (r *MemoryBlockRepository) Add(ob *domain.OrderBlock) {
	r.mu.Lock()
	r.blocks[ob.ID.String()] = ob
	r.mu.Unlock()
}

// FindActiveInPriceRange returns active blocks overlapping the price range
func (r *MemoryBlockRepository) FindActiveInPriceRange(ctx context.Context, exchange, symbol string, minPrice, maxPrice decimal.Decimal, timeframes []string) ([]*domain.OrderBlock, error) {
	wanted := make(map[string]bool, len(timeframes))
	for _, tf := range timeframes {
		wanted[tf] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.OrderBlock
	for _, ob := range r.blocks {
		if ob.Exchange != exchange || ob.Symbol != symbol {
			continue
		}
		if ob.Status != domain.InstanceStatusActive {
			continue
		}
		if len(wanted) > 0 && !wanted[ob.Timeframe] {
			continue
		}
		if ob.PriceLow.GreaterThan(maxPrice) || ob.PriceHigh.LessThan(minPrice) {
			continue
		}
		out = append(out, ob)
	}
	return out, nil
}

// UpdateInstanceStatus overwrites the stored block's lifecycle fields
func (r *MemoryBlockRepository) UpdateInstanceStatus(ctx context.Context, ob *domain.OrderBlock) error {
	r.mu.Lock()
	r.blocks[ob.ID.String()] = ob
	r.mu.Unlock()
	return nil
}
