package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quantarc/blockflow/internal/metrics"
)

// Handler processes one delivered message. A nil return acknowledges the
// message; an error negative-acks it for redelivery, so handlers must be
// idempotent under at-least-once delivery.
type Handler func(ctx context.Context, routingKey string, payload []byte) error

// Config configures the message bus
type Config struct {
	URL            string
	Name           string // connection name, usually the service name
	PublishTimeout time.Duration
}

// DefaultConfig returns default bus configuration
func DefaultConfig() Config {
	return Config{
		URL:            "nats://localhost:4222",
		Name:           "blockflow",
		PublishTimeout: 5 * time.Second,
	}
}

type queueState struct {
	exchange   string
	patterns   []string
	subscribed bool
}

// Bus is a topic-routed broker over NATS JetStream. Exchanges are streams,
// queues are durable pull consumers, bindings are subject filters. Delivery
// is at-least-once with FIFO per routing key.
type Bus struct {
	nc             *nats.Conn
	js             nats.JetStreamContext
	publishTimeout time.Duration

	mu        sync.Mutex
	exchanges map[string]struct{}
	queues    map[string]*queueState
	wg        sync.WaitGroup
}

// Connect establishes the broker connection. Reconnection is automatic;
// owned exchanges, queues and bindings are re-declared after a reconnect.
func Connect(cfg Config) (*Bus, error) {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	b := &Bus{
		publishTimeout: cfg.PublishTimeout,
		exchanges:      make(map[string]struct{}),
		queues:         make(map[string]*queueState),
	}

	nc, err := nats.Connect(
		cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("Message bus disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("Message bus reconnected")
			if err := b.redeclare(); err != nil {
				log.Error().Err(err).Msg("Failed to re-declare bus topology after reconnect")
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream context: %w", err)
	}

	b.nc = nc
	b.js = js

	log.Info().Str("url", cfg.URL).Str("name", cfg.Name).Msg("Message bus connected")
	return b, nil
}

// DeclareExchange creates a durable topic stream. Idempotent.
func (b *Bus) DeclareExchange(name string) error {
	_, err := b.js.StreamInfo(name)
	if err == nil {
		b.track(name)
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up exchange %s: %w", name, err)
	}

	_, err = b.js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{name + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
	})
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}

	b.track(name)
	log.Info().Str("exchange", name).Msg("Exchange declared")
	return nil
}

func (b *Bus) track(exchange string) {
	b.mu.Lock()
	b.exchanges[exchange] = struct{}{}
	b.mu.Unlock()
}

// DeclareQueue registers a durable queue. The backing consumer is created
// on the first binding. Idempotent.
func (b *Bus) DeclareQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		b.queues[name] = &queueState{}
	}
	return nil
}

// BindQueue binds a queue to an exchange under a routing-key pattern.
// `#` matches one or more segments, `*` exactly one. A queue binds to a
// single exchange; additional calls add patterns. Idempotent.
func (b *Bus) BindQueue(exchange, queue, pattern string) error {
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		q = &queueState{}
		b.queues[queue] = q
	}
	if q.exchange != "" && q.exchange != exchange {
		b.mu.Unlock()
		return fmt.Errorf("queue %s already bound to exchange %s", queue, q.exchange)
	}
	q.exchange = exchange

	subject := subjectFor(exchange, translatePattern(pattern))
	for _, p := range q.patterns {
		if p == subject {
			b.mu.Unlock()
			return nil
		}
	}
	q.patterns = append(q.patterns, subject)
	filters := append([]string(nil), q.patterns...)
	b.mu.Unlock()

	if err := b.ensureConsumer(exchange, queue, filters); err != nil {
		return err
	}

	log.Info().
		Str("exchange", exchange).
		Str("queue", queue).
		Str("pattern", pattern).
		Str("subject", subject).
		Msg("Queue bound")
	return nil
}

func (b *Bus) ensureConsumer(exchange, queue string, filters []string) error {
	cfg := &nats.ConsumerConfig{
		Durable:       queue,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1,
		AckWait:       30 * time.Second,
	}
	if len(filters) == 1 {
		cfg.FilterSubject = filters[0]
	} else {
		cfg.FilterSubjects = filters
	}

	_, err := b.js.ConsumerInfo(exchange, queue)
	if err == nil {
		if _, err := b.js.UpdateConsumer(exchange, cfg); err != nil {
			return fmt.Errorf("failed to update queue %s: %w", queue, err)
		}
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return fmt.Errorf("failed to look up queue %s: %w", queue, err)
	}

	if _, err := b.js.AddConsumer(exchange, cfg); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	return nil
}

// redeclare re-establishes every exchange, queue and binding the bus owns
func (b *Bus) redeclare() error {
	b.mu.Lock()
	exchanges := make([]string, 0, len(b.exchanges))
	for e := range b.exchanges {
		exchanges = append(exchanges, e)
	}
	type qcopy struct {
		name     string
		exchange string
		filters  []string
	}
	queues := make([]qcopy, 0, len(b.queues))
	for name, q := range b.queues {
		if q.exchange == "" {
			continue
		}
		queues = append(queues, qcopy{name, q.exchange, append([]string(nil), q.patterns...)})
	}
	b.mu.Unlock()

	for _, e := range exchanges {
		if err := b.DeclareExchange(e); err != nil {
			return err
		}
	}
	for _, q := range queues {
		if err := b.ensureConsumer(q.exchange, q.name, q.filters); err != nil {
			return err
		}
	}
	return nil
}

// Publish JSON-serializes the payload and publishes it persistently under
// exchange.routingKey. On failure it waits for the reconnect and retries
// once, then fails the call.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", routingKey, err)
	}

	msg := &nats.Msg{
		Subject: subjectFor(exchange, routingKey),
		Data:    data,
		Header:  nats.Header{"Content-Type": []string{"application/json"}},
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.publishTimeout)
	defer cancel()

	_, err = b.js.PublishMsg(msg, nats.Context(pubCtx))
	if err == nil {
		metrics.MessagesPublished.WithLabelValues(exchange).Inc()
		log.Debug().
			Str("exchange", exchange).
			Str("routing_key", routingKey).
			Int("bytes", len(data)).
			Msg("Published message")
		return nil
	}

	log.Warn().
		Err(err).
		Str("exchange", exchange).
		Str("routing_key", routingKey).
		Msg("Publish failed, retrying after reconnect")

	if flushErr := b.nc.FlushTimeout(b.publishTimeout); flushErr != nil {
		log.Debug().Err(flushErr).Msg("Flush during publish retry failed")
	}

	retryCtx, retryCancel := context.WithTimeout(ctx, b.publishTimeout)
	defer retryCancel()

	if _, err = b.js.PublishMsg(msg, nats.Context(retryCtx)); err != nil {
		metrics.PublishErrors.WithLabelValues(exchange).Inc()
		return fmt.Errorf("failed to publish %s after retry: %w", routingKey, err)
	}
	metrics.MessagesPublished.WithLabelValues(exchange).Inc()
	return nil
}

// Subscribe attaches the single handler for a queue and starts its
// dispatcher worker. The worker fetches one message at a time, so handlers
// are single-threaded per queue; they run until ctx is cancelled. Messages
// are acked on nil handler error and negative-acked for redelivery on error.
func (b *Bus) Subscribe(ctx context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok || q.exchange == "" {
		b.mu.Unlock()
		return fmt.Errorf("queue %s is not bound", queue)
	}
	if q.subscribed {
		b.mu.Unlock()
		return fmt.Errorf("queue %s already has a subscriber", queue)
	}
	q.subscribed = true
	exchange := q.exchange
	b.mu.Unlock()

	sub, err := b.js.PullSubscribe("", queue, nats.Bind(exchange, queue))
	if err != nil {
		return fmt.Errorf("failed to subscribe to queue %s: %w", queue, err)
	}

	b.wg.Add(1)
	go b.dispatch(ctx, sub, exchange, queue, handler)

	log.Info().Str("queue", queue).Str("exchange", exchange).Msg("Subscribed to queue")
	return nil
}

func (b *Bus) dispatch(ctx context.Context, sub *nats.Subscription, exchange, queue string, handler Handler) {
	defer b.wg.Done()
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Debug().Err(err).Str("queue", queue).Msg("Unsubscribe failed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, nats.ErrConnectionClosed) {
				return
			}
			log.Warn().Err(err).Str("queue", queue).Msg("Fetch failed, backing off")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			routingKey := routingKeyFrom(exchange, msg.Subject)

			if err := handler(ctx, routingKey, msg.Data); err != nil {
				if ctx.Err() != nil {
					// Cancelled mid-handler; leave the message for redelivery
					return
				}
				log.Error().
					Err(err).
					Str("queue", queue).
					Str("routing_key", routingKey).
					Msg("Handler error, requeueing message")
				metrics.MessagesRedelivered.WithLabelValues(queue).Inc()
				if nakErr := msg.Nak(); nakErr != nil {
					log.Warn().Err(nakErr).Str("queue", queue).Msg("Nak failed")
				}
				continue
			}

			if ackErr := msg.Ack(); ackErr != nil {
				log.Warn().Err(ackErr).Str("queue", queue).Msg("Ack failed")
			}
		}
	}
}

// Connected reports broker connectivity
func (b *Bus) Connected() bool {
	return b.nc != nil && b.nc.IsConnected()
}

// Close stops dispatcher workers and closes the connection. Subscribe
// contexts must be cancelled by the caller before Close.
func (b *Bus) Close() {
	b.wg.Wait()
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Message bus closed")
	}
}
