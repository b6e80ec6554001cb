// Package metrics defines the Prometheus instrumentation shared by all
// services and the HTTP server that exposes it.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values for venue errors. Raw error strings would blow up
// series cardinality.
const (
	VenueErrorTimeout    = "timeout"
	VenueErrorRateLimit  = "rate_limit"
	VenueErrorAuth       = "authentication"
	VenueErrorNetwork    = "network"
	VenueErrorInvalidReq = "invalid_request"
	VenueErrorServer     = "server_error"
	VenueErrorOther      = "other"
)

// NormalizeVenueError maps an arbitrary venue error to the bounded label set
func NormalizeVenueError(err error) string {
	if err == nil {
		return ""
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return VenueErrorTimeout
	case strings.Contains(errStr, "rate") || strings.Contains(errStr, "429") || strings.Contains(errStr, "-1003"):
		return VenueErrorRateLimit
	case strings.Contains(errStr, "auth") || strings.Contains(errStr, "401") || strings.Contains(errStr, "403"):
		return VenueErrorAuth
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "network"):
		return VenueErrorNetwork
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "400"):
		return VenueErrorInvalidReq
	case strings.Contains(errStr, "500") || strings.Contains(errStr, "502") || strings.Contains(errStr, "503"):
		return VenueErrorServer
	default:
		return VenueErrorOther
	}
}

// Data pipeline metrics
var (
	CandlesAggregated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_candles_aggregated_total",
		Help: "Base candles merged into higher-timeframe buckets",
	}, []string{"exchange", "symbol", "timeframe"})

	CandlesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_candles_published_total",
		Help: "Completed candles published to the market data exchange",
	}, []string{"exchange", "symbol", "timeframe"})

	CandlesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "blockflow_candles_persisted_total",
		Help: "Candles written to the database",
	})

	PartialBuckets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "blockflow_partial_buckets",
		Help: "In-progress aggregation buckets held in cache",
	})
)

// Strategy metrics
var (
	SignalsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_signals_generated_total",
		Help: "Signals produced by strategies before validation",
	}, []string{"strategy", "symbol"})

	SignalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_signals_rejected_total",
		Help: "Signals rejected by validation",
	}, []string{"strategy", "symbol"})

	SignalsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_signals_published_total",
		Help: "Validated signals published to the strategy exchange",
	}, []string{"strategy", "symbol"})

	BarProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockflow_bar_processing_seconds",
		Help:    "Time to run the full per-bar pipeline for one market",
		Buckets: prometheus.DefBuckets,
	}, []string{"symbol", "timeframe"})

	IndicatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_indicator_errors_total",
		Help: "Indicator calculations that returned an error",
	}, []string{"indicator"})

	BlocksMitigated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_blocks_mitigated_total",
		Help: "Order blocks transitioned to mitigated",
	}, []string{"symbol", "timeframe"})
)

// Execution metrics
var (
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_orders_submitted_total",
		Help: "Orders accepted by the venue",
	}, []string{"exchange", "symbol", "side"})

	OrdersFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_orders_failed_total",
		Help: "Order submissions rejected or failed at the venue",
	}, []string{"exchange", "symbol"})

	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_orders_cancelled_total",
		Help: "Orders cancelled",
	}, []string{"exchange", "symbol"})

	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_venue_errors_total",
		Help: "Venue API errors by normalized category",
	}, []string{"exchange", "category"})

	VenueRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "blockflow_venue_request_seconds",
		Help:    "Venue REST call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"exchange", "operation"})
)

// Bus metrics
var (
	MessagesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_messages_published_total",
		Help: "Messages published per exchange",
	}, []string{"exchange"})

	PublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_publish_errors_total",
		Help: "Failed publish attempts per exchange",
	}, []string{"exchange"})

	MessagesRedelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "blockflow_messages_redelivered_total",
		Help: "Messages negatively acknowledged and redelivered",
	}, []string{"queue"})
)
