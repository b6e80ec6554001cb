package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/domain"
)

// dedupeCapacity bounds the seen-event set; order events arrive at candle
// cadence so this covers days of traffic.
const dedupeCapacity = 4096

// Tracker consumes order lifecycle events, deduplicates redeliveries by
// event id and fans alerts out to the registered sinks.
type Tracker struct {
	logger  zerolog.Logger
	history *History

	mu    sync.Mutex
	sinks []AlertSink
	seen  map[string]struct{}
	order []string
}

// NewTracker creates an order event tracker
func NewTracker(history *History, logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger:  logger,
		history: history,
		seen:    make(map[string]struct{}, dedupeCapacity),
	}
}

// AddSink registers an alert sink
func (t *Tracker) AddSink(sink AlertSink) {
	t.mu.Lock()
	t.sinks = append(t.sinks, sink)
	t.mu.Unlock()
}

// History exposes the alert ring for the read API
func (t *Tracker) History() *History {
	return t.history
}

// HandleOrderEvent is the execution_orders queue handler for order.# keys.
// Malformed and duplicate events are dropped; sink failures are logged but
// never requeue the event.
func (t *Tracker) HandleOrderEvent(ctx context.Context, routingKey string, payload []byte) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("Dropping malformed order event")
		return nil
	}
	if event.EventID == "" || event.Order == nil {
		t.logger.Warn().Str("routing_key", routingKey).Msg("Dropping incomplete order event")
		return nil
	}

	if t.duplicate(event.EventID) {
		t.logger.Debug().Str("event_id", event.EventID).Msg("Duplicate order event ignored")
		return nil
	}

	alert := alertFromOrderEvent(&event)
	t.history.Add(alert)

	t.mu.Lock()
	sinks := make([]AlertSink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(ctx, alert); err != nil {
			t.logger.Warn().Err(err).Str("event_id", event.EventID).Msg("Alert delivery failed")
		}
	}
	return nil
}

// HandleServiceEvent is the system_events queue handler for service.# keys.
// Lifecycle events become alerts so operators see services come and go.
func (t *Tracker) HandleServiceEvent(ctx context.Context, routingKey string, payload []byte) error {
	var event domain.ServiceEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		t.logger.Warn().Err(err).Str("routing_key", routingKey).Msg("Dropping malformed service event")
		return nil
	}
	if event.Service == "" || event.Event == "" {
		t.logger.Warn().Str("routing_key", routingKey).Msg("Dropping incomplete service event")
		return nil
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	alert := domain.Alert{
		Type:      "service_" + event.Event,
		Message:   fmt.Sprintf("service %s %s", event.Service, event.Event),
		Timestamp: ts,
		Details:   map[string]interface{}{"service": event.Service},
	}
	t.history.Add(alert)

	t.mu.Lock()
	sinks := make([]AlertSink, len(t.sinks))
	copy(sinks, t.sinks)
	t.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.Send(ctx, alert); err != nil {
			t.logger.Warn().Err(err).Str("service", event.Service).Msg("Alert delivery failed")
		}
	}
	return nil
}

// duplicate records the event id and reports whether it was already seen
func (t *Tracker) duplicate(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.seen[eventID]; ok {
		return true
	}

	t.seen[eventID] = struct{}{}
	t.order = append(t.order, eventID)
	if len(t.order) > dedupeCapacity {
		delete(t.seen, t.order[0])
		t.order = t.order[1:]
	}
	return false
}

func alertFromOrderEvent(event *domain.OrderEvent) domain.Alert {
	o := event.Order

	var message string
	switch event.EventType {
	case domain.OrderEventNew:
		message = fmt.Sprintf("%s %s %s @ %s (%s)",
			o.Side, o.Size.String(), o.Symbol, o.Price.String(), o.Status)
	case domain.OrderEventCancelled:
		message = fmt.Sprintf("order %s on %s cancelled", o.ID, o.Symbol)
	case domain.OrderEventFailed:
		message = fmt.Sprintf("order submission for %s failed", o.Symbol)
		if cause, ok := o.Metadata["error"]; ok {
			message = fmt.Sprintf("%s: %v", message, cause)
		}
	default:
		message = fmt.Sprintf("order %s on %s is %s", o.ID, o.Symbol, o.Status)
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return domain.Alert{
		Type:      "order_" + string(event.EventType),
		Symbol:    o.Symbol,
		Message:   message,
		Timestamp: ts,
		Details: map[string]interface{}{
			"order_id": o.ID,
			"exchange": o.Exchange,
			"status":   string(o.Status),
		},
	}
}
