package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Spread is a pairwise funding-rate difference for one asset across two
// venues. LongExchange always carries the lower rate so a long there plus a
// short on ShortExchange collects the difference each period.
type Spread struct {
	Symbol        string          `json:"symbol" db:"symbol"`
	LongExchange  string          `json:"long_exchange" db:"long_exchange"`
	ShortExchange string          `json:"short_exchange" db:"short_exchange"`
	LongRate      decimal.Decimal `json:"long_rate" db:"long_rate"`
	ShortRate     decimal.Decimal `json:"short_rate" db:"short_rate"`
	Spread        decimal.Decimal `json:"spread" db:"spread"`
	SpreadPct     decimal.Decimal `json:"spread_pct" db:"spread_pct"`
	AnnualizedAPR decimal.Decimal `json:"annualized_apr" db:"annualized_apr"`
	ComputedAt    time.Time       `json:"computed_at" db:"computed_at"`
}

// NewSpread orders the two observations so the long side pays the lower rate,
// and annualizes using the shorter funding interval of the pair.
func NewSpread(symbol string, a, b FundingRate) Spread {
	low, high := a, b
	if b.Rate.LessThan(a.Rate) {
		low, high = b, a
	}
	interval := low.FundingIntervalHrs
	if high.FundingIntervalHrs > 0 && high.FundingIntervalHrs < interval {
		interval = high.FundingIntervalHrs
	}
	if interval <= 0 {
		interval = 8
	}
	spread := high.Rate.Sub(low.Rate)
	spreadPct := spread.Mul(decimal.NewFromInt(100))
	apr := spreadPct.
		Mul(decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(interval)))).
		Mul(decimal.NewFromInt(365))

	return Spread{
		Symbol:        symbol,
		LongExchange:  low.Exchange,
		ShortExchange: high.Exchange,
		LongRate:      low.Rate,
		ShortRate:     high.Rate,
		Spread:        spread,
		SpreadPct:     spreadPct,
		AnnualizedAPR: apr,
		ComputedAt:    time.Now().UTC(),
	}
}
