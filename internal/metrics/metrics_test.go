package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNormalizeVenueError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{errors.New("context deadline exceeded"), VenueErrorTimeout},
		{errors.New("<APIError> code=-1003, msg=Too many requests"), VenueErrorRateLimit},
		{errors.New("401 unauthorized"), VenueErrorAuth},
		{errors.New("connection refused"), VenueErrorNetwork},
		{errors.New("invalid symbol"), VenueErrorInvalidReq},
		{errors.New("502 bad gateway"), VenueErrorServer},
		{errors.New("something unexpected"), VenueErrorOther},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeVenueError(tt.err), "%v", tt.err)
	}
}

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("binance", "BTC-USD", "buy"))
	OrdersSubmitted.WithLabelValues("binance", "BTC-USD", "buy").Inc()
	after := testutil.ToFloat64(OrdersSubmitted.WithLabelValues("binance", "BTC-USD", "buy"))
	assert.Equal(t, before+1, after)

	before = testutil.ToFloat64(SignalsPublished.WithLabelValues("orderblock", "BTC-USD"))
	SignalsPublished.WithLabelValues("orderblock", "BTC-USD").Inc()
	after = testutil.ToFloat64(SignalsPublished.WithLabelValues("orderblock", "BTC-USD"))
	assert.Equal(t, before+1, after)
}

func TestPartialBucketsGauge(t *testing.T) {
	PartialBuckets.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(PartialBuckets))
	PartialBuckets.Dec()
	assert.Equal(t, float64(2), testutil.ToFloat64(PartialBuckets))
}
