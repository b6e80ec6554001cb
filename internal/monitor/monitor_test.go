package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/exchange"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []domain.Alert
	fail   bool
}

func (s *captureSink) Send(ctx context.Context, alert domain.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("sink unavailable")
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func orderEventPayload(t *testing.T, eventID string, eventType domain.OrderEventType) []byte {
	t.Helper()

	event := domain.OrderEvent{
		EventID:   eventID,
		EventType: eventType,
		Exchange:  "binance",
		Symbol:    "BTC-USD",
		Order: &domain.Order{
			ID:       "order-1",
			Exchange: "binance",
			Symbol:   "BTC-USD",
			Side:     domain.OrderSideBuy,
			Price:    decimal.NewFromInt(68000),
			Size:     decimal.NewFromFloat(0.005),
			Status:   domain.OrderStatusOpen,
		},
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return payload
}

func TestTrackerFansOutAndRecords(t *testing.T) {
	tracker := NewTracker(NewHistory(10), zerolog.Nop())
	sink := &captureSink{}
	tracker.AddSink(sink)

	err := tracker.HandleOrderEvent(context.Background(), "order.new.binance.btc-usd",
		orderEventPayload(t, "evt-1", domain.OrderEventNew))
	require.NoError(t, err)

	assert.Equal(t, 1, sink.count())
	recent := tracker.History().Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "order_new", recent[0].Type)
	assert.Equal(t, "BTC-USD", recent[0].Symbol)
	assert.Contains(t, recent[0].Message, "buy")
}

func TestTrackerServiceLifecycleAlerts(t *testing.T) {
	tracker := NewTracker(NewHistory(10), zerolog.Nop())
	sink := &captureSink{}
	tracker.AddSink(sink)
	ctx := context.Background()

	payload, err := json.Marshal(domain.ServiceEvent{
		Service:   "execution",
		Event:     "started",
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	require.NoError(t, tracker.HandleServiceEvent(ctx, "service.execution.started", payload))

	// Missing fields are dropped without requeueing
	empty, err := json.Marshal(domain.ServiceEvent{})
	require.NoError(t, err)
	require.NoError(t, tracker.HandleServiceEvent(ctx, "service.x.y", empty))
	require.NoError(t, tracker.HandleServiceEvent(ctx, "service.x.y", []byte("{oops")))

	assert.Equal(t, 1, sink.count())
	recent := tracker.History().Recent(0)
	require.Len(t, recent, 1)
	assert.Equal(t, "service_started", recent[0].Type)
	assert.Contains(t, recent[0].Message, "execution")
}

func TestTrackerDeduplicatesByEventID(t *testing.T) {
	tracker := NewTracker(NewHistory(10), zerolog.Nop())
	sink := &captureSink{}
	tracker.AddSink(sink)
	ctx := context.Background()

	payload := orderEventPayload(t, "evt-dup", domain.OrderEventNew)
	require.NoError(t, tracker.HandleOrderEvent(ctx, "order.new.binance.btc-usd", payload))
	require.NoError(t, tracker.HandleOrderEvent(ctx, "order.new.binance.btc-usd", payload))

	assert.Equal(t, 1, sink.count())
	assert.Equal(t, 1, tracker.History().Len())
}

func TestTrackerDropsMalformedAndIncomplete(t *testing.T) {
	tracker := NewTracker(NewHistory(10), zerolog.Nop())
	sink := &captureSink{}
	tracker.AddSink(sink)
	ctx := context.Background()

	require.NoError(t, tracker.HandleOrderEvent(ctx, "order.new.x", []byte("{broken")))

	noID := domain.OrderEvent{EventType: domain.OrderEventNew, Order: &domain.Order{ID: "o"}}
	payload, err := json.Marshal(noID)
	require.NoError(t, err)
	require.NoError(t, tracker.HandleOrderEvent(ctx, "order.new.x", payload))

	assert.Zero(t, sink.count())
}

func TestTrackerSinkFailureDoesNotRequeue(t *testing.T) {
	tracker := NewTracker(NewHistory(10), zerolog.Nop())
	tracker.AddSink(&captureSink{fail: true})

	err := tracker.HandleOrderEvent(context.Background(), "order.new.binance.btc-usd",
		orderEventPayload(t, "evt-2", domain.OrderEventNew))
	require.NoError(t, err)
	assert.Equal(t, 1, tracker.History().Len())
}

func TestHistoryRingEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Add(domain.Alert{Message: fmt.Sprintf("alert %d", i)})
	}

	assert.Equal(t, 3, h.Len())
	recent := h.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "alert 5", recent[0].Message)
	assert.Equal(t, "alert 4", recent[1].Message)
	assert.Equal(t, "alert 3", recent[2].Message)

	limited := h.Recent(1)
	require.Len(t, limited, 1)
	assert.Equal(t, "alert 5", limited[0].Message)
}

func newTestServer(t *testing.T) (*Server, *cache.Cache, *exchange.MockConnector, *Tracker) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	venue := exchange.NewMockConnector("binance", 1000)
	tracker := NewTracker(NewHistory(10), zerolog.Nop())

	srv := NewServer(ServerConfig{
		Host:      "127.0.0.1",
		Port:      0,
		Cache:     c,
		Connector: venue,
		Tracker:   tracker,
		Logger:    zerolog.Nop(),
	})
	return srv, c, venue, tracker
}

func TestServerActiveOrders(t *testing.T) {
	srv, c, _, _ := newTestServer(t)
	ctx := context.Background()

	order := domain.Order{
		ID:       "order-1",
		Exchange: "binance",
		Symbol:   "BTC-USD",
		Side:     domain.OrderSideBuy,
		Status:   domain.OrderStatusOpen,
		Price:    decimal.NewFromInt(68000),
		Size:     decimal.NewFromFloat(0.005),
	}
	require.NoError(t, c.HashSet(ctx, cache.ActiveOrdersKey("binance", "BTC-USD"), order.ID, order))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/active?symbol=BTC-USD", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Orders []domain.Order `json:"orders"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "order-1", body.Orders[0].ID)
}

func TestServerActiveOrdersRequiresSymbol(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/orders/active", nil)
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerActiveSignals(t *testing.T) {
	srv, c, _, _ := newTestServer(t)
	ctx := context.Background()

	sig := domain.Signal{
		ID:         uuid.New(),
		Exchange:   "binance",
		Symbol:     "BTC-USD",
		Direction:  domain.DirectionLong,
		SignalType: domain.SignalTypeEntry,
	}
	require.NoError(t, c.HashSet(ctx, cache.ActiveSignalsKey("binance", "BTC-USD"), sig.ID.String(), sig))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/signals/active?symbol=BTC-USD", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Signals []domain.Signal `json:"signals"`
		Count   int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, sig.ID, body.Signals[0].ID)
}

func TestServerPositions(t *testing.T) {
	srv, _, venue, _ := newTestServer(t)
	ctx := context.Background()

	venue.SetMarketPrice("BTC-USD", decimal.NewFromInt(68000))
	_, err := venue.CreateOrder(ctx, exchange.CreateOrderRequest{
		Symbol: "BTC-USD",
		Type:   domain.OrderTypeMarket,
		Side:   domain.OrderSideBuy,
		Amount: decimal.NewFromFloat(0.01),
	})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/positions?symbol=BTC-USD", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Positions []domain.Position `json:"positions"`
		Count     int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestServerAlerts(t *testing.T) {
	srv, _, _, tracker := newTestServer(t)

	require.NoError(t, tracker.HandleOrderEvent(context.Background(), "order.new.binance.btc-usd",
		orderEventPayload(t, "evt-api", domain.OrderEventNew)))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/alerts?limit=5", nil)
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Alerts []domain.Alert `json:"alerts"`
		Count  int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "order_new", body.Alerts[0].Type)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/alerts?limit=-1", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServerHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
