package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RateSource identifies where a funding rate observation came from.
type RateSource string

const (
	SourceExchangeAPI RateSource = "exchange_api"
	SourceReference   RateSource = "reference"
)

// Funding rate validation bounds. Rates beyond the hard bound are rejected
// outright; rates beyond the extreme bound are accepted but flagged.
var (
	FundingRateHardBound    = decimal.NewFromFloat(0.01)  // ±1%
	FundingRateExtremeBound = decimal.NewFromFloat(0.005) // ±0.5%
)

// FundingRateStaleAfter is the age past which a rate observation no longer
// participates in reconciliation.
const FundingRateStaleAfter = 5 * time.Minute

// FundingRate is a single funding rate observation for one perpetual on one
// venue. Rate is the fractional per-period rate (0.0001 = 1 bps).
type FundingRate struct {
	Exchange            string          `json:"exchange" db:"exchange"`
	Symbol              string          `json:"symbol" db:"symbol"`
	Ticker              string          `json:"ticker" db:"ticker"`
	Rate                decimal.Decimal `json:"rate" db:"rate"`
	PredictedRate       decimal.Decimal `json:"predicted_rate" db:"predicted_rate"`
	RateAnnualized      decimal.Decimal `json:"rate_annualized" db:"rate_annualized"`
	NextFundingTime     time.Time       `json:"next_funding_time" db:"next_funding_time"`
	FundingIntervalHrs  int             `json:"funding_interval_hours" db:"funding_interval_hours"`
	Source              RateSource      `json:"source" db:"source"`
	Timestamp           time.Time       `json:"timestamp" db:"timestamp"`
}

// NewFundingRate builds a normalized observation: the base ticker is derived
// from the venue symbol when absent, the interval defaults to 8h, and the
// annualized rate is stamped so it survives serialization.
func NewFundingRate(exchange, symbol string, rate decimal.Decimal, intervalHours int, source RateSource) FundingRate {
	if intervalHours != 1 && intervalHours != 8 {
		intervalHours = 8
	}
	fr := FundingRate{
		Exchange:           strings.ToLower(exchange),
		Symbol:             symbol,
		Ticker:             BaseTicker(symbol),
		Rate:               rate,
		FundingIntervalHrs: intervalHours,
		Source:             source,
		Timestamp:          time.Now().UTC(),
	}
	fr.RateAnnualized = fr.Annualize()
	return fr
}

// Annualize converts the per-period rate to an annual rate:
// rate × (24/interval) × 365.
func (f FundingRate) Annualize() decimal.Decimal {
	if f.FundingIntervalHrs <= 0 {
		return decimal.Zero
	}
	periodsPerDay := decimal.NewFromInt(24).Div(decimal.NewFromInt(int64(f.FundingIntervalHrs)))
	return f.Rate.Mul(periodsPerDay).Mul(decimal.NewFromInt(365))
}

// Validate rejects observations outside the ±1% hard bound or missing
// identity fields. The bound itself is inclusive.
func (f FundingRate) Validate() error {
	if f.Exchange == "" || f.Symbol == "" {
		return fmt.Errorf("funding rate missing exchange or symbol")
	}
	if f.Rate.Abs().GreaterThan(FundingRateHardBound) {
		return fmt.Errorf("funding rate %s for %s/%s outside ±1%% bound", f.Rate, f.Exchange, f.Symbol)
	}
	return nil
}

// IsExtreme reports whether |rate| exceeds the 0.5% flagging threshold.
func (f FundingRate) IsExtreme() bool {
	return f.Rate.Abs().GreaterThan(FundingRateExtremeBound)
}

// IsStale reports whether the observation is too old to use.
func (f FundingRate) IsStale(now time.Time) bool {
	return now.Sub(f.Timestamp) > FundingRateStaleAfter
}

// Key returns the (exchange, symbol) map key used by the aggregator.
func (f FundingRate) Key() string {
	return f.Exchange + ":" + f.Symbol
}

// BaseTicker strips common quote suffixes and separators from a venue symbol
// to recover the base asset: "BTCUSDT" -> "BTC", "BTC/USDT:USDT" -> "BTC",
// "BTC-USD" -> "BTC".
func BaseTicker(symbol string) string {
	s := strings.ToUpper(symbol)
	if i := strings.IndexAny(s, "/-:"); i > 0 {
		s = s[:i]
	}
	for _, quote := range []string{"USDT", "USDC", "USD", "PERP"} {
		s = strings.TrimSuffix(s, quote)
	}
	if s == "" {
		return strings.ToUpper(symbol)
	}
	return s
}

// UnifiedFundingSnapshot is the reconciled view of all venues, nested as
// ticker -> exchange -> best-source rate.
type UnifiedFundingSnapshot struct {
	Rates          map[string]map[string]FundingRate `json:"rates"`
	PrimaryCount   int                               `json:"primary_count"`
	ReferenceCount int                               `json:"reference_count"`
	ConflictCount  int                               `json:"conflict_count"`
	FetchedAt      time.Time                         `json:"fetched_at"`
}

// SymbolCount returns the number of distinct tickers in the snapshot.
func (s UnifiedFundingSnapshot) SymbolCount() int {
	return len(s.Rates)
}

// RateCount returns the total number of (ticker, exchange) entries.
func (s UnifiedFundingSnapshot) RateCount() int {
	n := 0
	for _, byExchange := range s.Rates {
		n += len(byExchange)
	}
	return n
}

// FundingPayment records one settled funding transfer on a position leg.
// Amount is signed: positive means the position received funding.
type FundingPayment struct {
	ID          int64           `json:"id" db:"id"`
	PositionID  string          `json:"position_id" db:"position_id"`
	LegID       int64           `json:"leg_id" db:"leg_id"`
	Exchange    string          `json:"exchange" db:"exchange"`
	Symbol      string          `json:"symbol" db:"symbol"`
	FundingRate decimal.Decimal `json:"funding_rate" db:"funding_rate"`
	Amount      decimal.Decimal `json:"payment_amount" db:"payment_amount"`
	PaidAt      time.Time       `json:"paid_at" db:"paid_at"`
}
