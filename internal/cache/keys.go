package cache

import (
	"fmt"
	"time"
)

// Key templates shared by every service. Segments are lowercased
// identifiers; candle sets are sorted sets scored by epoch-ms.

// CandleSetKey builds the sorted-set key for a candle window.
// source is "historical" or "live".
func CandleSetKey(source, exchange, symbol, timeframe string) string {
	return fmt.Sprintf("%s:candle:%s:%s:%s", source, exchange, symbol, timeframe)
}

// LastUpdatedKey tracks the latest candle timestamp a consumer has processed
func LastUpdatedKey(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("candle:last_updated:%s:%s:%s", exchange, symbol, timeframe)
}

// PartialCandleKey holds an in-progress aggregate bucket, keyed by bucket end
func PartialCandleKey(exchange, symbol, timeframe string, barEnd time.Time) string {
	return fmt.Sprintf("partial:candle:%s:%s:%s:%s",
		exchange, symbol, timeframe, barEnd.UTC().Format(time.RFC3339))
}

// EmittedBucketKey marks an aggregate bucket as already published, keyed by
// bucket end. Bars redelivered after the emit hit the marker and are dropped.
func EmittedBucketKey(exchange, symbol, timeframe string, barEnd time.Time) string {
	return fmt.Sprintf("emitted:candle:%s:%s:%s:%s",
		exchange, symbol, timeframe, barEnd.UTC().Format(time.RFC3339))
}

// OrderBlockKey holds a single persisted order block view
func OrderBlockKey(exchange, symbol, timeframe, id string) string {
	return fmt.Sprintf("ob:%s:%s:%s:%s", exchange, symbol, timeframe, id)
}

// ActiveOrderBlocksKey is the hash of active order blocks per symbol
func ActiveOrderBlocksKey(exchange, symbol string) string {
	return fmt.Sprintf("ob:%s:%s:active", exchange, symbol)
}

// SignalKey holds a single signal view (TTL 7 d)
func SignalKey(exchange, symbol, id string) string {
	return fmt.Sprintf("signal:%s:%s:%s", exchange, symbol, id)
}

// ActiveSignalsKey is the hash of active signals per symbol
func ActiveSignalsKey(exchange, symbol string) string {
	return fmt.Sprintf("signals:%s:%s:active", exchange, symbol)
}

// OrderKey holds a single order view (TTL 30 d)
func OrderKey(exchange, symbol, id string) string {
	return fmt.Sprintf("order:%s:%s:%s", exchange, symbol, id)
}

// ActiveOrdersKey is the hash of open orders per symbol
func ActiveOrdersKey(exchange, symbol string) string {
	return fmt.Sprintf("orders:%s:%s:active", exchange, symbol)
}

// MarketStateKey holds the cached market context
func MarketStateKey(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("market:%s:%s:%s:state", exchange, symbol, timeframe)
}
