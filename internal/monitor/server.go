package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/cache"
	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/exchange"
)

// Server is the read-only monitoring API. It serves live views straight
// from the cache and the venue; it never writes.
type Server struct {
	router    *gin.Engine
	cache     *cache.Cache
	connector exchange.Connector
	tracker   *Tracker
	logger    zerolog.Logger
	addr      string
	server    *http.Server
}

// ServerConfig contains monitoring API settings
type ServerConfig struct {
	Host      string
	Port      int
	Cache     *cache.Cache
	Connector exchange.Connector
	Tracker   *Tracker
	Logger    zerolog.Logger
}

// NewServer creates the monitoring API server
func NewServer(cfg ServerConfig) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	s := &Server{
		router:    router,
		cache:     cfg.Cache,
		connector: cfg.Connector,
		tracker:   cfg.Tracker,
		logger:    cfg.Logger,
		addr:      fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/orders/active", s.handleActiveOrders)
	s.router.GET("/signals/active", s.handleActiveSignals)
	s.router.GET("/positions", s.handlePositions)
	s.router.GET("/alerts", s.handleAlerts)
}

// Start runs the HTTP server until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("addr", s.addr).Msg("Starting monitoring API")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("monitoring api failed: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

// handleActiveOrders returns the cached open-order views for one market
func (s *Server) handleActiveOrders(c *gin.Context) {
	exchangeName := c.DefaultQuery("exchange", "binance")
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}

	raw, err := s.cache.HashGetAll(c.Request.Context(), cache.ActiveOrdersKey(exchangeName, symbol))
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to read active orders")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read active orders"})
		return
	}

	orders := make([]domain.Order, 0, len(raw))
	for id, v := range raw {
		var o domain.Order
		if err := json.Unmarshal([]byte(v), &o); err != nil {
			s.logger.Warn().Err(err).Str("order_id", id).Msg("Skipping unreadable cached order")
			continue
		}
		orders = append(orders, o)
	}

	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// handleActiveSignals returns the cached signal views for one market
func (s *Server) handleActiveSignals(c *gin.Context) {
	exchangeName := c.DefaultQuery("exchange", "binance")
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol query parameter is required"})
		return
	}

	raw, err := s.cache.HashGetAll(c.Request.Context(), cache.ActiveSignalsKey(exchangeName, symbol))
	if err != nil {
		s.logger.Error().Err(err).Str("symbol", symbol).Msg("Failed to read active signals")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read active signals"})
		return
	}

	signals := make([]domain.Signal, 0, len(raw))
	for id, v := range raw {
		var sig domain.Signal
		if err := json.Unmarshal([]byte(v), &sig); err != nil {
			s.logger.Warn().Err(err).Str("signal_id", id).Msg("Skipping unreadable cached signal")
			continue
		}
		signals = append(signals, sig)
	}

	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

// handlePositions proxies the venue's position view
func (s *Server) handlePositions(c *gin.Context) {
	if s.connector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no venue connector configured"})
		return
	}

	var symbols []string
	if symbol := c.Query("symbol"); symbol != "" {
		symbols = []string{symbol}
	}

	positions, err := s.connector.FetchPositions(c.Request.Context(), symbols)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch positions")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch positions"})
		return
	}
	if positions == nil {
		positions = []*domain.Position{}
	}

	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

// handleAlerts returns recent alerts, newest first
func (s *Server) handleAlerts(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	alerts := s.tracker.History().Recent(limit)
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
