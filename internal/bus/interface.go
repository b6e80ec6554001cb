package bus

import "context"

// Publisher is the publish side of the bus, consumed by pipeline components
// so that tests and the backtest runner can substitute an in-process fabric.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error
}
