package strategy

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

// Strategy turns indicator results into trade signals. Implementations
// declare a schema version; the runner refuses strategies outside its
// supported range at registration.
type Strategy interface {
	Name() string
	SchemaVersion() string
	Timeframes() []string
	RequiredIndicators() []indicator.Type
	Analyze(ctx context.Context, data *indicator.Data, results map[indicator.Type]indicator.Result) (*domain.Signal, error)
	Validate(signal *domain.Signal) error
}

// ValidateSignal checks a signal's required fields and recomputes the
// risk/reward ratio from its price levels; the stored ratio is overwritten
// with the recomputed value. A ratio below minRR rejects the signal.
func ValidateSignal(s *domain.Signal, minRR decimal.Decimal) error {
	if s == nil {
		return fmt.Errorf("nil signal")
	}
	if s.ID == uuid.Nil {
		return fmt.Errorf("signal missing id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("signal %s missing symbol", s.ID)
	}
	if s.Direction != domain.DirectionLong && s.Direction != domain.DirectionShort {
		return fmt.Errorf("signal %s has invalid direction %q", s.ID, s.Direction)
	}
	switch s.SignalType {
	case domain.SignalTypeEntry, domain.SignalTypeExit, domain.SignalTypeAdjust:
	default:
		return fmt.Errorf("signal %s has invalid type %q", s.ID, s.SignalType)
	}
	if s.PriceTarget.IsZero() || s.StopLoss.IsZero() || s.TakeProfit.IsZero() {
		return fmt.Errorf("signal %s missing price levels", s.ID)
	}

	rr, err := s.ComputeRiskReward()
	if err != nil {
		return err
	}
	if rr.LessThan(minRR) {
		return fmt.Errorf("signal %s risk/reward %s below minimum %s", s.ID, rr, minRR)
	}
	s.RiskRewardRatio = rr
	return nil
}
