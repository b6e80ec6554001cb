package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// InstanceRepository persists indicator instances. Order blocks are the
// only type the mitigation engine reads back; the other detections are
// stored for analysis.
type InstanceRepository struct {
	db *DB
}

// blockPayload carries the order block's composing detections in JSONB
type blockPayload struct {
	Doji       *domain.Doji   `json:"doji,omitempty"`
	FVG        *domain.FVG    `json:"fvg,omitempty"`
	BOS        *domain.BOS    `json:"bos,omitempty"`
	CandleData *domain.Candle `json:"candle_data,omitempty"`
}

// InsertOrderBlock stores a newly detected order block. Re-detections of
// the same block conflict on identity and are dropped.
func (r *InstanceRepository) InsertOrderBlock(ctx context.Context, indicatorType string, ob *domain.OrderBlock) error {
	if ob.ID == uuid.Nil {
		ob.ID = uuid.New()
	}

	payload, err := json.Marshal(blockPayload{
		Doji:       ob.Doji,
		FVG:        ob.FVG,
		BOS:        ob.BOS,
		CandleData: ob.CandleData,
	})
	if err != nil {
		return fmt.Errorf("failed to encode order block payload: %w", err)
	}

	query := `
		INSERT INTO indicator_instances (
			id, indicator_type, exchange, symbol, timeframe, ts, status,
			touched, mitigation_percentage, price_high, price_low, block_type,
			strength, payload, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (indicator_type, exchange, symbol, timeframe, ts) DO NOTHING
	`

	now := time.Now().UTC()
	_, err = r.db.pool.Exec(ctx, query,
		ob.ID, indicatorType, ob.Exchange, ob.Symbol, ob.Timeframe, ob.Timestamp.UTC(),
		string(ob.Status), ob.Touched, ob.MitigationPercentage,
		ob.PriceHigh, ob.PriceLow, string(ob.BlockType),
		ob.Strength, payload, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order block %s: %w", ob.ID, err)
	}
	return nil
}

// FindActiveInPriceRange returns active order blocks whose price region
// overlaps [minPrice, maxPrice] on any of the given timeframes.
func (r *InstanceRepository) FindActiveInPriceRange(ctx context.Context, exchange, symbol string, minPrice, maxPrice decimal.Decimal, timeframes []string) ([]*domain.OrderBlock, error) {
	query := `
		SELECT id, exchange, symbol, timeframe, ts, status, touched,
		       mitigation_percentage, price_high, price_low, block_type,
		       strength, payload, created_at, updated_at, invalidated_at
		FROM indicator_instances
		WHERE exchange = $1 AND symbol = $2
		  AND indicator_type IN ('order_block', 'hidden_order_block')
		  AND status = 'active'
		  AND price_low <= $3 AND price_high >= $4
		  AND timeframe = ANY($5)
		ORDER BY ts DESC
	`

	rows, err := r.db.pool.Query(ctx, query, exchange, symbol, maxPrice, minPrice, timeframes)
	if err != nil {
		return nil, fmt.Errorf("failed to query active order blocks for %s/%s: %w", exchange, symbol, err)
	}
	defer rows.Close()

	var blocks []*domain.OrderBlock
	for rows.Next() {
		var (
			ob      domain.OrderBlock
			status  string
			blkType string
			raw     []byte
			invalid *time.Time
		)
		if err := rows.Scan(&ob.ID, &ob.Exchange, &ob.Symbol, &ob.Timeframe, &ob.Timestamp,
			&status, &ob.Touched, &ob.MitigationPercentage,
			&ob.PriceHigh, &ob.PriceLow, &blkType,
			&ob.Strength, &raw, &ob.CreatedAt, &ob.UpdatedAt, &invalid); err != nil {
			return nil, fmt.Errorf("failed to scan order block row: %w", err)
		}

		ob.Status = domain.InstanceStatus(status)
		ob.BlockType = domain.OrderBlockType(blkType)
		ob.InvalidatedAt = invalid

		if len(raw) > 0 {
			var payload blockPayload
			if err := json.Unmarshal(raw, &payload); err == nil {
				ob.Doji = payload.Doji
				ob.FVG = payload.FVG
				ob.BOS = payload.BOS
				ob.CandleData = payload.CandleData
			}
		}
		blocks = append(blocks, &ob)
	}
	return blocks, rows.Err()
}

// UpdateInstanceStatus writes back mitigation state for one block
func (r *InstanceRepository) UpdateInstanceStatus(ctx context.Context, ob *domain.OrderBlock) error {
	query := `
		UPDATE indicator_instances
		SET status = $2,
		    touched = $3,
		    mitigation_percentage = $4,
		    invalidated_at = $5,
		    updated_at = $6
		WHERE id = $1
	`

	tag, err := r.db.pool.Exec(ctx, query,
		ob.ID, string(ob.Status), ob.Touched, ob.MitigationPercentage,
		ob.InvalidatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update instance %s: %w", ob.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("instance %s not found", ob.ID)
	}
	return nil
}
