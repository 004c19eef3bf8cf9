package detector

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
)

// scoreInput carries everything the scorer can see about one candidate pair.
// Unknown optional inputs use the zero-ish sentinels documented per field.
type scoreInput struct {
	NetAPRPct decimal.Decimal

	LongTier  int // 1 = top tier, 2 = second tier, 0 = unknown
	ShortTier int
	LongDEX   bool
	ShortDEX  bool

	// SingleSource is true when the rates came only from the reference feed.
	SingleSource bool
	// Volatility is the relative stddev of recent funding rates, negative
	// when no history is available.
	Volatility float64

	LongLiquidity  *exchange.Liquidity // nil when unavailable
	ShortLiquidity *exchange.Liquidity
	LongReliability  float64 // 0..1, 1 when unknown
	ShortReliability float64

	// HoursToFunding is time until the earlier of the two settlements,
	// negative when unknown.
	HoursToFunding float64

	RecommendedSizeUSD decimal.Decimal
}

// scoreOpportunity computes the four-component composite. Component bands:
// return 0-30, risk 0-30, execution 0-25, timing 0-15.
func scoreOpportunity(in scoreInput) models.UOSBreakdown {
	return models.UOSBreakdown{
		ReturnScore:    returnScore(in.NetAPRPct),
		RiskScore:      riskScore(in),
		ExecutionScore: executionScore(in),
		TimingScore:    timingScore(in.HoursToFunding),
	}
}

// returnScore saturates toward 30 as the net APR grows: 10% APR scores around
// a third of the band, 50% around two thirds.
func returnScore(aprPct decimal.Decimal) float64 {
	apr, _ := aprPct.Float64()
	if apr <= 0 {
		return 0
	}
	return clamp(30*apr/(apr+20), 0, 30)
}

func riskScore(in scoreInput) float64 {
	score := venuePairBase(in)

	// recent funding volatility erodes confidence in the spread persisting
	switch {
	case in.Volatility >= 1:
		score -= 8
	case in.Volatility >= 0.5:
		score -= 4
	case in.Volatility >= 0.25:
		score -= 2
	}

	// without a direct venue observation the spread may simply be feed noise
	if in.SingleSource {
		score = math.Min(score, 12)
	}
	return clamp(score, 0, 30)
}

func venuePairBase(in scoreInput) float64 {
	if in.LongDEX || in.ShortDEX {
		return 14
	}
	switch {
	case in.LongTier == 1 && in.ShortTier == 1:
		return 26
	case in.LongTier == 1 || in.ShortTier == 1:
		return 20
	case in.LongTier == 2 && in.ShortTier == 2:
		return 16
	}
	return 12
}

func executionScore(in scoreInput) float64 {
	if in.LongLiquidity == nil && in.ShortLiquidity == nil {
		return 15 // neutral when the books are not observable
	}
	score := 25.0

	for _, liq := range []*exchange.Liquidity{in.LongLiquidity, in.ShortLiquidity} {
		if liq == nil {
			score -= 5
			continue
		}
		// wide books cost more to cross
		spreadBps, _ := liq.SpreadBps.Float64()
		score -= math.Min(5, spreadBps/10)
		// thin top-of-book for the recommended size risks partial fills
		if depthShort(liq, in.RecommendedSizeUSD) {
			score -= 8
		}
	}

	rel := math.Min(reliability(in.LongReliability), reliability(in.ShortReliability))
	score *= rel
	return clamp(score, 0, 25)
}

func depthShort(liq *exchange.Liquidity, sizeUSD decimal.Decimal) bool {
	if sizeUSD.IsZero() {
		return false
	}
	return liq.BidDepthUSD.LessThan(sizeUSD) || liq.AskDepthUSD.LessThan(sizeUSD)
}

func reliability(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// timingScore peaks in the 4-6h band before settlement: enough runway to
// fill both legs, close enough that the observed rate will likely hold.
func timingScore(hours float64) float64 {
	switch {
	case hours < 0:
		return 8 // unknown settlement time
	case hours < 0.5:
		return 3 // execution may miss the window
	case hours < 4:
		return 5 + (hours-0.5)/3.5*10
	case hours <= 6:
		return 15
	case hours <= 7:
		return 10
	}
	return 5
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
