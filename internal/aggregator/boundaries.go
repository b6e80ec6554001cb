package aggregator

import (
	"fmt"
	"time"

	"github.com/quantarc/blockflow/internal/domain"
)

// CalculateCandleBoundaries returns the half-open [start, end) bucket that
// contains ts for the given timeframe. Buckets are contiguous and aligned to
// the epoch, so the boundaries are a pure function of the timestamp.
func CalculateCandleBoundaries(ts time.Time, timeframe string) (time.Time, time.Time, error) {
	d, err := domain.TimeframeDuration(timeframe)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to compute boundaries: %w", err)
	}

	// Truncate aligns to the zero time, which for UTC wall clocks lines up
	// whole minutes, hours, days and Monday-start weeks.
	start := ts.UTC().Truncate(d)
	return start, start.Add(d), nil
}
