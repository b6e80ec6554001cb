package mitigation

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
	"github.com/quantarc/blockflow/internal/indicator"
)

// BlockIndicator is the mitigation-side surface of indicators whose
// instances are tracked after creation.
type BlockIndicator interface {
	Type() indicator.Type
	Repository() indicator.OrderBlockRepository
	RelevantPriceRange(candles []domain.Candle) (decimal.Decimal, decimal.Decimal)
	ProcessExisting(instances []*domain.OrderBlock, candles []domain.Candle) (updated, stillValid []*domain.OrderBlock)
}

// WindowPolicy selects which part of the candle window mitigation replays.
// The default keeps the window as handed in by the runner.
type WindowPolicy func(candles []domain.Candle) []domain.Candle

// Report summarizes one indicator type's mitigation pass
type Report struct {
	Processed  int    `json:"processed"`
	Updated    int    `json:"updated"`
	Mitigated  int    `json:"mitigated"`
	StillValid int    `json:"still_valid"`
	Error      string `json:"error,omitempty"`
}

// Engine reconciles persisted active indicator instances against recent
// candles, refreshing touched and mitigation state.
type Engine struct {
	logger     zerolog.Logger
	window     WindowPolicy
	indicators []BlockIndicator
}

// NewEngine creates a mitigation engine. A nil policy keeps the full window.
func NewEngine(logger zerolog.Logger, window WindowPolicy) *Engine {
	if window == nil {
		window = func(candles []domain.Candle) []domain.Candle { return candles }
	}
	return &Engine{logger: logger, window: window}
}

// Register adds an indicator to the mitigation pass. Types that are not
// mitigation-tracked are rejected.
func (e *Engine) Register(ind BlockIndicator) error {
	if !ind.Type().RequiresMitigation() {
		return fmt.Errorf("indicator type %s is not mitigation-tracked", ind.Type())
	}
	e.indicators = append(e.indicators, ind)
	return nil
}

// Process runs one mitigation pass over every registered type. A failure in
// one type is captured in its report and does not abort the others.
func (e *Engine) Process(ctx context.Context, exchange, symbol, timeframe string, candles []domain.Candle) map[indicator.Type]Report {
	reports := make(map[indicator.Type]Report, len(e.indicators))
	window := e.window(candles)

	for _, ind := range e.indicators {
		report := e.processType(ctx, ind, exchange, symbol, timeframe, window)
		reports[ind.Type()] = report

		logEvent := e.logger.Debug()
		if report.Error != "" {
			logEvent = e.logger.Error()
		}
		logEvent.
			Str("indicator", string(ind.Type())).
			Str("symbol", symbol).
			Str("timeframe", timeframe).
			Int("processed", report.Processed).
			Int("updated", report.Updated).
			Int("mitigated", report.Mitigated).
			Int("still_valid", report.StillValid).
			Msg("Mitigation pass")
	}

	return reports
}

func (e *Engine) processType(ctx context.Context, ind BlockIndicator, exchange, symbol, timeframe string, candles []domain.Candle) Report {
	var report Report

	minPrice, maxPrice := ind.RelevantPriceRange(candles)
	if minPrice.IsZero() && maxPrice.IsZero() {
		return report
	}

	repo := ind.Repository()
	if repo == nil {
		report.Error = "indicator has no repository"
		return report
	}

	instances, err := repo.FindActiveInPriceRange(ctx, exchange, symbol, minPrice, maxPrice, []string{timeframe})
	if err != nil {
		report.Error = fmt.Sprintf("failed to load active instances: %v", err)
		return report
	}
	report.Processed = len(instances)
	if len(instances) == 0 {
		return report
	}

	updated, stillValid := ind.ProcessExisting(instances, candles)
	report.StillValid = len(stillValid)

	for _, block := range updated {
		if err := repo.UpdateInstanceStatus(ctx, block); err != nil {
			e.logger.Error().
				Err(err).
				Str("indicator", string(ind.Type())).
				Str("instance_id", block.ID.String()).
				Msg("Failed to persist mitigation update")
			continue
		}
		report.Updated++
		if block.Status == domain.InstanceStatusMitigated {
			report.Mitigated++
		}
	}

	return report
}
