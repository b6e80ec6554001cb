package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quantarc/blockflow/internal/domain"
)

// CandleRepository persists closed candles
type CandleRepository struct {
	db *DB
}

// InsertCandle upserts a candle on its identity key. Replays of the same
// bar overwrite rather than duplicate.
func (r *CandleRepository) InsertCandle(ctx context.Context, c *domain.Candle) error {
	query := `
		INSERT INTO candles (exchange, symbol, timeframe, ts, open, high, low, close, volume, is_closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, symbol, timeframe, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			is_closed = EXCLUDED.is_closed
	`

	_, err := r.db.pool.Exec(ctx, query,
		c.Exchange, c.Symbol, c.Timeframe, c.Timestamp.UTC(),
		c.Open, c.High, c.Low, c.Close, c.Volume, c.IsClosed,
	)
	if err != nil {
		return fmt.Errorf("failed to insert candle %s: %w", c.Key(), err)
	}
	return nil
}

// FindCandles returns candles in [from, to) ascending, capped at limit
func (r *CandleRepository) FindCandles(ctx context.Context, exchange, symbol, timeframe string, from, to time.Time, limit int) ([]domain.Candle, error) {
	query := `
		SELECT exchange, symbol, timeframe, ts, open, high, low, close, volume, is_closed
		FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		  AND ts >= $4 AND ts < $5
		ORDER BY ts ASC
		LIMIT $6
	`

	rows, err := r.db.pool.Query(ctx, query, exchange, symbol, timeframe, from.UTC(), to.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles for %s/%s/%s: %w", exchange, symbol, timeframe, err)
	}
	defer rows.Close()

	var candles []domain.Candle
	for rows.Next() {
		var c domain.Candle
		if err := rows.Scan(&c.Exchange, &c.Symbol, &c.Timeframe, &c.Timestamp,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.IsClosed); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// GetLatestCandle returns the most recent candle, or nil when none exists
func (r *CandleRepository) GetLatestCandle(ctx context.Context, exchange, symbol, timeframe string) (*domain.Candle, error) {
	query := `
		SELECT exchange, symbol, timeframe, ts, open, high, low, close, volume, is_closed
		FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		ORDER BY ts DESC
		LIMIT 1
	`

	var c domain.Candle
	err := r.db.pool.QueryRow(ctx, query, exchange, symbol, timeframe).Scan(
		&c.Exchange, &c.Symbol, &c.Timeframe, &c.Timestamp,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.IsClosed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest candle for %s/%s/%s: %w", exchange, symbol, timeframe, err)
	}
	return &c, nil
}
