package bus

import (
	"fmt"
	"strings"
)

// Topic exchanges. Each maps to a durable JetStream stream capturing
// subjects under its name.
const (
	ExchangeMarketData = "market_data"
	ExchangeStrategy   = "strategy"
	ExchangeExecution  = "execution"
	ExchangeSystem     = "system"
)

// Durable queues. Each maps to a durable consumer on its bound exchange.
const (
	QueueExternalData    = "external_data"
	QueueCandlesData     = "candles_data"
	QueueDataEvents      = "data_events"
	QueueStrategySignals = "strategy_signals"
	QueueExecutionOrders = "execution_orders"
	QueueSystemEvents    = "system_events"
)

// Routing-key taxonomy. Segments are lowercased identifiers.

// ExternalCandleKey routes base bars from ingestion to the aggregator
func ExternalCandleKey(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("external.new.%s.%s.%s", seg(exchange), seg(symbol), seg(timeframe))
}

// CandleKey routes closed aggregate bars to strategy and the data persister
func CandleKey(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("candle.new.%s.%s.%s", seg(exchange), seg(symbol), seg(timeframe))
}

// SignalKey routes detected order-block signals to execution
func SignalKey(exchange, symbol, timeframe string) string {
	return fmt.Sprintf("signal.orderblock.detected.%s.%s.%s", seg(exchange), seg(symbol), seg(timeframe))
}

// OrderNewKey routes new-order events to monitoring
func OrderNewKey(exchange, symbol string) string {
	return fmt.Sprintf("order.new.%s.%s", seg(exchange), seg(symbol))
}

// OrderCancelledKey routes cancellation events to monitoring
func OrderCancelledKey(exchange, symbol string) string {
	return fmt.Sprintf("order.cancelled.%s.%s", seg(exchange), seg(symbol))
}

// OrderFailedKey routes failure events to monitoring
func OrderFailedKey(exchange, symbol string) string {
	return fmt.Sprintf("order.failed.%s.%s", seg(exchange), seg(symbol))
}

// ServiceEventKey routes service lifecycle events on the system exchange
func ServiceEventKey(service, event string) string {
	return fmt.Sprintf("service.%s.%s", seg(service), seg(event))
}

// Bind patterns used by the standard queues
const (
	PatternExternalCandles = "external.new.#"
	PatternCandles         = "candle.new.#"
	PatternSignals         = "signal.#"
	PatternOrders          = "order.#"
	PatternServiceEvents   = "service.#"
)

func seg(s string) string {
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, ".", "_")
}

// translatePattern converts the routing-key wildcard vocabulary to NATS
// subject wildcards: `#` (one-or-more segments) becomes `>`, `*` (exactly
// one segment) is shared.
func translatePattern(pattern string) string {
	parts := strings.Split(pattern, ".")
	for i, p := range parts {
		if p == "#" {
			parts[i] = ">"
		}
	}
	return strings.Join(parts, ".")
}

// subjectFor prefixes a routing key or pattern with its exchange
func subjectFor(exchange, routingKey string) string {
	return exchange + "." + routingKey
}

// routingKeyFrom strips the exchange prefix from a delivered subject
func routingKeyFrom(exchange, subject string) string {
	return strings.TrimPrefix(subject, exchange+".")
}
