package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantarc/blockflow/internal/domain"
)

// Trade is one completed round trip
type Trade struct {
	Symbol     string           `json:"symbol"`
	Direction  domain.Direction `json:"direction"`
	EntryTime  time.Time        `json:"entry_time"`
	ExitTime   time.Time        `json:"exit_time"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	ExitPrice  decimal.Decimal  `json:"exit_price"`
	Size       decimal.Decimal  `json:"size"`
	PnL        decimal.Decimal  `json:"pnl"`
	Commission decimal.Decimal  `json:"commission"`
	ExitReason string           `json:"exit_reason"`
}

// EquityPoint is portfolio equity after one bar
type EquityPoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Equity    decimal.Decimal `json:"equity"`
}

// Report summarizes a backtest run
type Report struct {
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	InitialCapital decimal.Decimal `json:"initial_capital"`
	FinalEquity    decimal.Decimal `json:"final_equity"`
	TotalReturnPct decimal.Decimal `json:"total_return_pct"`
	MaxDrawdownPct decimal.Decimal `json:"max_drawdown_pct"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	WinRate        decimal.Decimal `json:"win_rate"`
	TotalTrades    int             `json:"total_trades"`
	WinningTrades  int             `json:"winning_trades"`
	LosingTrades   int             `json:"losing_trades"`
	Trades         []Trade         `json:"trades"`
	EquityCurve    []EquityPoint   `json:"equity_curve"`
}

func buildReport(cfg Config, trades []Trade, equity []EquityPoint) *Report {
	initial := decimal.NewFromFloat(cfg.InitialCapital)
	report := &Report{
		Symbol:         cfg.Symbol,
		Timeframe:      cfg.Timeframe,
		InitialCapital: initial,
		FinalEquity:    initial,
		Trades:         trades,
		EquityCurve:    equity,
		TotalTrades:    len(trades),
	}

	var grossProfit, grossLoss decimal.Decimal
	for _, t := range trades {
		if t.PnL.GreaterThan(decimal.Zero) {
			report.WinningTrades++
			grossProfit = grossProfit.Add(t.PnL)
		} else {
			report.LosingTrades++
			grossLoss = grossLoss.Add(t.PnL.Abs())
		}
	}

	if len(equity) > 0 {
		report.FinalEquity = equity[len(equity)-1].Equity
	} else if len(trades) > 0 {
		final := initial
		for _, t := range trades {
			final = final.Add(t.PnL)
		}
		report.FinalEquity = final
	}

	hundred := decimal.NewFromInt(100)
	if initial.GreaterThan(decimal.Zero) {
		report.TotalReturnPct = report.FinalEquity.Sub(initial).Div(initial).Mul(hundred).Round(4)
	}
	if report.TotalTrades > 0 {
		report.WinRate = decimal.NewFromInt(int64(report.WinningTrades)).
			Div(decimal.NewFromInt(int64(report.TotalTrades))).Mul(hundred).Round(4)
	}
	if grossLoss.GreaterThan(decimal.Zero) {
		report.ProfitFactor = grossProfit.Div(grossLoss).Round(4)
	} else if grossProfit.GreaterThan(decimal.Zero) {
		report.ProfitFactor = grossProfit
	}

	report.MaxDrawdownPct = maxDrawdownPct(initial, equity).Round(4)
	return report
}

// maxDrawdownPct walks the equity curve tracking peak-to-trough loss
func maxDrawdownPct(initial decimal.Decimal, equity []EquityPoint) decimal.Decimal {
	peak := initial
	var worst decimal.Decimal

	for _, point := range equity {
		if point.Equity.GreaterThan(peak) {
			peak = point.Equity
		}
		if peak.GreaterThan(decimal.Zero) {
			dd := peak.Sub(point.Equity).Div(peak)
			if dd.GreaterThan(worst) {
				worst = dd
			}
		}
	}
	return worst.Mul(decimal.NewFromInt(100))
}
