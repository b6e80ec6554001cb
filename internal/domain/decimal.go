package domain

import (
	"github.com/shopspring/decimal"
)

// Fixed-point precision used on the wire: 8 fractional digits for prices
// and sizes, 4 for percentages.
const (
	PricePrecision   = 8
	PercentPrecision = 4
)

func init() {
	// Decimals serialize as JSON numbers, not strings
	decimal.MarshalJSONWithoutQuotes = true
}

// Price builds a price/size decimal truncated to 8 fractional digits
func Price(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Truncate(PricePrecision)
}

// Percent builds a percentage decimal truncated to 4 fractional digits
func Percent(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Truncate(PercentPrecision)
}

// TruncatePrice truncates a decimal to wire price precision
func TruncatePrice(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PricePrecision)
}

// TruncatePercent truncates a decimal to wire percentage precision
func TruncatePercent(d decimal.Decimal) decimal.Decimal {
	return d.Truncate(PercentPrecision)
}
