package indicator

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// Requirements declares what an indicator needs before it can calculate
type Requirements struct {
	Indicators []Type
	Lookback   int
	Timeframes []string
}

// Result is one node's outcome in a run. A failed node carries Error and a
// nil Value; downstream nodes see the failure in their dependency slot and
// may degrade gracefully.
type Result struct {
	Value interface{} `json:"value,omitempty"`
	Error string      `json:"error,omitempty"`
}

// Failed reports whether the node errored
func (r Result) Failed() bool {
	return r.Error != ""
}

// Data is the shared run state handed to each indicator. Results accumulate
// under each type's data key as the run progresses, making composition
// between nodes explicit.
type Data struct {
	Exchange       string
	Symbol         string
	Timeframe      string
	Candles        []domain.Candle
	MarketContexts map[string]*domain.MarketContext
	CurrentPrice   decimal.Decimal
	Timestamp      time.Time

	results map[Type]Result
}

// NewData builds run data from a candle window and market contexts.
// CurrentPrice is the last candle's close.
func NewData(exchange, symbol, timeframe string, candles []domain.Candle, contexts map[string]*domain.MarketContext) *Data {
	d := &Data{
		Exchange:       exchange,
		Symbol:         symbol,
		Timeframe:      timeframe,
		Candles:        candles,
		MarketContexts: contexts,
		Timestamp:      time.Now().UTC(),
		results:        make(map[Type]Result),
	}
	if len(candles) > 0 {
		d.CurrentPrice = candles[len(candles)-1].Close
	}
	return d
}

// Context returns the market context for a timeframe, if present
func (d *Data) Context(timeframe string) (*domain.MarketContext, bool) {
	mc, ok := d.MarketContexts[timeframe]
	return mc, ok
}

// Dependency returns the stored result for a dependency type
func (d *Data) Dependency(t Type) (Result, bool) {
	r, ok := d.results[t]
	return r, ok
}

func (d *Data) store(t Type, r Result) {
	d.results[t] = r
}

// Results returns a copy of every result produced so far
func (d *Data) Results() map[Type]Result {
	out := make(map[Type]Result, len(d.results))
	for t, r := range d.results {
		out[t] = r
	}
	return out
}

// Indicator is one executable node in the DAG
type Indicator interface {
	Type() Type
	Requirements() Requirements
	Calculate(ctx context.Context, data *Data) (interface{}, error)
}

// OrderBlockRepository is the persistence surface mitigation-tracked
// indicators are constructed with.
type OrderBlockRepository interface {
	FindActiveInPriceRange(ctx context.Context, exchange, symbol string, minPrice, maxPrice decimal.Decimal, timeframes []string) ([]*domain.OrderBlock, error)
	UpdateInstanceStatus(ctx context.Context, block *domain.OrderBlock) error
}
