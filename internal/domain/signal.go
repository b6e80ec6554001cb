package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Direction represents trade direction
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// SignalType represents the intent of a signal
type SignalType string

const (
	SignalTypeEntry  SignalType = "entry"
	SignalTypeExit   SignalType = "exit"
	SignalTypeAdjust SignalType = "adjust"
)

// ExecutionStatus tracks a signal through the execution pipeline.
// Transitions are monotonic downstream.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusSubmitted ExecutionStatus = "submitted"
	ExecutionStatusRejected  ExecutionStatus = "rejected"
	ExecutionStatusFilled    ExecutionStatus = "filled"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Signal is a strategy's trade recommendation derived from indicator results
type Signal struct {
	ID              uuid.UUID              `json:"id"`
	StrategyName    string                 `json:"strategy_name"`
	Exchange        string                 `json:"exchange"`
	Symbol          string                 `json:"symbol"`
	Timeframe       string                 `json:"timeframe"`
	Direction       Direction              `json:"direction"`
	SignalType      SignalType             `json:"signal_type"`
	PriceTarget     decimal.Decimal        `json:"price_target"`
	StopLoss        decimal.Decimal        `json:"stop_loss"`
	TakeProfit      decimal.Decimal        `json:"take_profit"`
	RiskRewardRatio decimal.Decimal        `json:"risk_reward_ratio"`
	ConfidenceScore float64                `json:"confidence_score"`
	ExecutionStatus ExecutionStatus        `json:"execution_status"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	IndicatorID     *uuid.UUID             `json:"indicator_id,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// Risk returns the absolute entry-to-stop distance
func (s *Signal) Risk() decimal.Decimal {
	return s.PriceTarget.Sub(s.StopLoss).Abs()
}

// Reward returns the absolute entry-to-take-profit distance
func (s *Signal) Reward() decimal.Decimal {
	return s.TakeProfit.Sub(s.PriceTarget).Abs()
}

// ComputeRiskReward computes reward/risk. Returns an error when risk is zero.
func (s *Signal) ComputeRiskReward() (decimal.Decimal, error) {
	risk := s.Risk()
	if risk.IsZero() {
		return decimal.Zero, fmt.Errorf("signal %s has zero risk", s.ID)
	}
	return TruncatePercent(s.Reward().Div(risk)), nil
}
