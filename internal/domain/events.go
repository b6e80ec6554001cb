package domain

import "time"

// Candle event sources
const (
	SourceLive       = "live"
	SourceHistorical = "historical"
)

// CandleEvent is the bar-event payload published on the market_data exchange
type CandleEvent struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Candle    *Candle   `json:"candle,omitempty"`
}

// CandleWatermark is the value stored under the candle last-updated key
type CandleWatermark struct {
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// OrderEventType labels order lifecycle events on the execution exchange
type OrderEventType string

const (
	OrderEventNew       OrderEventType = "new"
	OrderEventCancelled OrderEventType = "cancelled"
	OrderEventFailed    OrderEventType = "failed"
)

// OrderEvent is the order lifecycle payload published on the execution exchange
type OrderEvent struct {
	EventID   string         `json:"event_id"`
	EventType OrderEventType `json:"event_type"`
	Exchange  string         `json:"exchange"`
	Symbol    string         `json:"symbol"`
	Order     *Order         `json:"order"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceEvent is published on the system exchange when a service starts
// or stops.
type ServiceEvent struct {
	Service   string    `json:"service"`
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
}

// Alert is the DTO handed to alert sinks by the monitoring service
type Alert struct {
	Type      string                 `json:"type"`
	Symbol    string                 `json:"symbol"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}
