package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantarc/blockflow/internal/domain"
)

// SignalRepository persists strategy signals for later analysis
type SignalRepository struct {
	db *DB
}

// InsertSignal stores a signal. Replayed signals are ignored on conflict.
func (r *SignalRepository) InsertSignal(ctx context.Context, s *domain.Signal) error {
	var metadata []byte
	if s.Metadata != nil {
		var err error
		metadata, err = json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode signal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO signals (
			id, strategy_name, exchange, symbol, timeframe, direction,
			signal_type, price_target, stop_loss, take_profit,
			risk_reward_ratio, confidence_score, execution_status,
			indicator_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.pool.Exec(ctx, query,
		s.ID, s.StrategyName, s.Exchange, s.Symbol, s.Timeframe,
		string(s.Direction), string(s.SignalType),
		s.PriceTarget, s.StopLoss, s.TakeProfit,
		s.RiskRewardRatio, s.ConfidenceScore, string(s.ExecutionStatus),
		s.IndicatorID, metadata, s.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert signal %s: %w", s.ID, err)
	}
	return nil
}

// FindRecentSignals returns the latest signals for one market, newest first
func (r *SignalRepository) FindRecentSignals(ctx context.Context, exchange, symbol string, limit int) ([]domain.Signal, error) {
	query := `
		SELECT id, strategy_name, exchange, symbol, timeframe, direction,
		       signal_type, price_target, stop_loss, take_profit,
		       risk_reward_ratio, confidence_score, execution_status,
		       indicator_id, metadata, created_at
		FROM signals
		WHERE exchange = $1 AND symbol = $2
		ORDER BY created_at DESC
		LIMIT $3
	`

	rows, err := r.db.pool.Query(ctx, query, exchange, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query signals for %s/%s: %w", exchange, symbol, err)
	}
	defer rows.Close()

	var signals []domain.Signal
	for rows.Next() {
		var (
			s         domain.Signal
			direction string
			sigType   string
			status    string
			raw       []byte
		)
		if err := rows.Scan(&s.ID, &s.StrategyName, &s.Exchange, &s.Symbol, &s.Timeframe,
			&direction, &sigType, &s.PriceTarget, &s.StopLoss, &s.TakeProfit,
			&s.RiskRewardRatio, &s.ConfidenceScore, &status,
			&s.IndicatorID, &raw, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal row: %w", err)
		}

		s.Direction = domain.Direction(direction)
		s.SignalType = domain.SignalType(sigType)
		s.ExecutionStatus = domain.ExecutionStatus(status)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &s.Metadata)
		}
		signals = append(signals, s)
	}
	return signals, rows.Err()
}
