package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/quantarc/blockflow/internal/config"
)

// Querier is the subset of the pool the repositories use. pgxpool.Pool
// satisfies it in production, pgxmock in unit tests.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB wraps the PostgreSQL connection pool
type DB struct {
	pool    Querier
	closeFn func()
}

// New creates a connection pool from database config and verifies it
func New(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Msg("Database connection pool created")

	return &DB{pool: pool, closeFn: pool.Close}, nil
}

// NewWithQuerier wraps an existing querier, used by unit tests
func NewWithQuerier(q Querier) *DB {
	return &DB{pool: q}
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.closeFn != nil {
		db.closeFn()
		log.Info().Msg("Database connection pool closed")
	}
}

// Candles returns the candle repository
func (db *DB) Candles() *CandleRepository {
	return &CandleRepository{db: db}
}

// Instances returns the indicator instance repository
func (db *DB) Instances() *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Signals returns the signal repository
func (db *DB) Signals() *SignalRepository {
	return &SignalRepository{db: db}
}

// Orders returns the order repository
func (db *DB) Orders() *OrderRepository {
	return &OrderRepository{db: db}
}
