package repo

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Migrate applies the schema. Statements are idempotent so services can run
// it on startup without coordination.
func (db *DB) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement %d failed: %w", i+1, err)
		}
	}

	log.Info().Int("statements", len(schemaStatements)).Msg("Database schema applied")
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		exchange    TEXT        NOT NULL,
		symbol      TEXT        NOT NULL,
		timeframe   TEXT        NOT NULL,
		ts          TIMESTAMPTZ NOT NULL,
		open        NUMERIC     NOT NULL,
		high        NUMERIC     NOT NULL,
		low         NUMERIC     NOT NULL,
		close       NUMERIC     NOT NULL,
		volume      NUMERIC     NOT NULL,
		is_closed   BOOLEAN     NOT NULL DEFAULT TRUE,
		PRIMARY KEY (exchange, symbol, timeframe, ts)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_candles_lookup
		ON candles (exchange, symbol, timeframe, ts DESC)`,

	`CREATE TABLE IF NOT EXISTS indicator_instances (
		id                    UUID        PRIMARY KEY,
		indicator_type        TEXT        NOT NULL,
		exchange              TEXT        NOT NULL,
		symbol                TEXT        NOT NULL,
		timeframe             TEXT        NOT NULL,
		ts                    TIMESTAMPTZ NOT NULL,
		status                TEXT        NOT NULL DEFAULT 'active',
		touched               BOOLEAN     NOT NULL DEFAULT FALSE,
		mitigation_percentage NUMERIC     NOT NULL DEFAULT 0,
		price_high            NUMERIC,
		price_low             NUMERIC,
		block_type            TEXT,
		strength              DOUBLE PRECISION NOT NULL DEFAULT 0,
		payload               JSONB,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		invalidated_at        TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_instances_active
		ON indicator_instances (exchange, symbol, indicator_type, status)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS idx_instances_identity
		ON indicator_instances (indicator_type, exchange, symbol, timeframe, ts)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id                UUID        PRIMARY KEY,
		strategy_name     TEXT        NOT NULL,
		exchange          TEXT        NOT NULL,
		symbol            TEXT        NOT NULL,
		timeframe         TEXT        NOT NULL,
		direction         TEXT        NOT NULL,
		signal_type       TEXT        NOT NULL,
		price_target      NUMERIC     NOT NULL,
		stop_loss         NUMERIC     NOT NULL,
		take_profit       NUMERIC     NOT NULL,
		risk_reward_ratio NUMERIC     NOT NULL,
		confidence_score  DOUBLE PRECISION NOT NULL,
		execution_status  TEXT        NOT NULL DEFAULT 'pending',
		indicator_id      UUID,
		metadata          JSONB,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_signals_symbol
		ON signals (exchange, symbol, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                 TEXT        PRIMARY KEY,
		signal_id          UUID,
		exchange           TEXT        NOT NULL,
		symbol             TEXT        NOT NULL,
		order_type         TEXT        NOT NULL,
		side               TEXT        NOT NULL,
		price              NUMERIC     NOT NULL,
		size               NUMERIC     NOT NULL,
		value              NUMERIC     NOT NULL,
		status             TEXT        NOT NULL,
		filled_size        NUMERIC     NOT NULL DEFAULT 0,
		average_fill_price NUMERIC     NOT NULL DEFAULT 0,
		fee                NUMERIC     NOT NULL DEFAULT 0,
		metadata           JSONB,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_orders_symbol
		ON orders (exchange, symbol, status)`,
}
