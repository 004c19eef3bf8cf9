// Package refdata polls the reference market-data feed used as the secondary
// funding-rate source. The feed aggregates many venues behind one API, which
// makes it a good cross-check but never the venue of record: reconciliation
// always prefers direct exchange observations.
package refdata

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// Config tunes the reference feed client.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	Exchanges []string // venue slugs to request, empty means all supported
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
}

// Client fetches reference funding rates.
type Client struct {
	client    *resty.Client
	exchanges []string
}

// New builds a reference feed client.
func New(cfg Config) *Client {
	cfg.defaults()
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)
	if cfg.APIKey != "" {
		rc.SetHeader("X-API-Key", cfg.APIKey)
	}
	return &Client{client: rc, exchanges: cfg.Exchanges}
}

// rateRow is the feed's per-market funding rate record.
type rateRow struct {
	Exchange        string          `json:"exchange"`
	Symbol          string          `json:"symbol"`
	Rate            decimal.Decimal `json:"rate"`
	PredictedRate   decimal.Decimal `json:"predicted_rate"`
	IntervalHours   int             `json:"interval_hours"`
	NextFundingTime int64           `json:"next_funding_time"`
}

// FundingRates fetches the current funding rates across all requested
// venues. Rows failing validation are dropped with a warning rather than
// failing the batch.
func (c *Client) FundingRates(ctx context.Context) ([]models.FundingRate, error) {
	req := c.client.R().SetContext(ctx)
	if len(c.exchanges) > 0 {
		for _, ex := range c.exchanges {
			req.SetQueryParam("exchanges", ex)
		}
	}
	var rows []rateRow
	resp, err := req.SetResult(&rows).Get("/v1/funding-rates")
	if err != nil {
		return nil, fmt.Errorf("reference feed request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("reference feed returned http %d", resp.StatusCode())
	}

	out := make([]models.FundingRate, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		fr := models.NewFundingRate(row.Exchange, row.Symbol, row.Rate,
			row.IntervalHours, models.SourceReference)
		fr.PredictedRate = row.PredictedRate
		if row.NextFundingTime > 0 {
			fr.NextFundingTime = time.UnixMilli(row.NextFundingTime).UTC()
		}
		if err := fr.Validate(); err != nil {
			dropped++
			continue
		}
		out = append(out, fr)
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Int("kept", len(out)).
			Msg("reference feed rows failed validation")
	}
	return out, nil
}
