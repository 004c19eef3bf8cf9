package refdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/models"
)

func TestFundingRatesParsesAndValidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/funding-rates", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"exchange":"Binance","symbol":"BTCUSDT","rate":"0.0001","interval_hours":8,"next_funding_time":1700000000000},
			{"exchange":"hyperliquid","symbol":"BTC","rate":"0.0000125","interval_hours":1},
			{"exchange":"bybit","symbol":"DOGEUSDT","rate":"0.5"}
		]`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, APIKey: "secret"})
	rates, err := c.FundingRates(context.Background())
	require.NoError(t, err)
	// the 50% DOGE rate is outside the ±1% hard bound and dropped
	require.Len(t, rates, 2)

	assert.Equal(t, "binance", rates[0].Exchange) // normalized to lowercase
	assert.Equal(t, "BTC", rates[0].Ticker)
	assert.Equal(t, models.SourceReference, rates[0].Source)
	assert.Equal(t, 8, rates[0].FundingIntervalHrs)
	assert.Equal(t, 1, rates[1].FundingIntervalHrs)
}

func TestFundingRatesSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.FundingRates(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
