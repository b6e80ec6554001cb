package exchange

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/quantarc/blockflow/internal/config"
)

// NewFromConfig returns the connector for the configured venue. Without API
// credentials a paper-trading mock seeded with equityUSD is returned so the
// pipeline runs end to end against simulated fills.
func NewFromConfig(cfg config.ExchangeConfig, equityUSD float64, logger zerolog.Logger) (Connector, error) {
	switch strings.ToLower(cfg.Name) {
	case "binance":
		if cfg.APIKey == "" || cfg.SecretKey == "" {
			logger.Warn().Str("exchange", cfg.Name).Msg("No API credentials configured, using paper trading connector")
			return NewMockConnector(cfg.Name, equityUSD), nil
		}
		return NewBinanceConnector(cfg), nil
	case "mock", "paper":
		return NewMockConnector(cfg.Name, equityUSD), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Name)
	}
}
