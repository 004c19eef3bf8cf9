package detector

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/perparb/perparb/internal/exchange"
)

func TestReturnScoreMonotoneSaturating(t *testing.T) {
	low := returnScore(decimal.NewFromInt(10))
	mid := returnScore(decimal.NewFromInt(30))
	high := returnScore(decimal.NewFromInt(50))
	huge := returnScore(decimal.NewFromInt(500))

	assert.Less(t, low, mid)
	assert.Less(t, mid, high)
	assert.Less(t, high, huge)
	assert.LessOrEqual(t, huge, 30.0)
	assert.Equal(t, 0.0, returnScore(decimal.Zero))
	assert.Equal(t, 0.0, returnScore(decimal.NewFromInt(-5)))
}

func TestRiskScoreVenueTiers(t *testing.T) {
	both1 := riskScore(scoreInput{LongTier: 1, ShortTier: 1, Volatility: -1})
	mixed := riskScore(scoreInput{LongTier: 1, ShortTier: 2, Volatility: -1})
	dex := riskScore(scoreInput{LongTier: 1, ShortTier: 1, ShortDEX: true, Volatility: -1})

	assert.Greater(t, both1, mixed)
	assert.Greater(t, mixed, dex)
	assert.LessOrEqual(t, both1, 30.0)
}

func TestRiskScorePenalties(t *testing.T) {
	base := riskScore(scoreInput{LongTier: 1, ShortTier: 1, Volatility: -1})
	volatile := riskScore(scoreInput{LongTier: 1, ShortTier: 1, Volatility: 1.5})
	assert.Less(t, volatile, base)

	single := riskScore(scoreInput{LongTier: 1, ShortTier: 1, Volatility: -1, SingleSource: true})
	assert.LessOrEqual(t, single, 12.0)
}

func TestExecutionScoreDepthAndReliability(t *testing.T) {
	deep := &exchange.Liquidity{
		BidDepthUSD: decimal.NewFromInt(100000),
		AskDepthUSD: decimal.NewFromInt(100000),
		SpreadBps:   decimal.NewFromInt(2),
	}
	thin := &exchange.Liquidity{
		BidDepthUSD: decimal.NewFromInt(100),
		AskDepthUSD: decimal.NewFromInt(100),
		SpreadBps:   decimal.NewFromInt(2),
	}
	size := decimal.NewFromInt(1000)

	good := executionScore(scoreInput{
		LongLiquidity: deep, ShortLiquidity: deep,
		LongReliability: 1, ShortReliability: 1,
		RecommendedSizeUSD: size,
	})
	shallow := executionScore(scoreInput{
		LongLiquidity: deep, ShortLiquidity: thin,
		LongReliability: 1, ShortReliability: 1,
		RecommendedSizeUSD: size,
	})
	flaky := executionScore(scoreInput{
		LongLiquidity: deep, ShortLiquidity: deep,
		LongReliability: 1, ShortReliability: 0.5,
		RecommendedSizeUSD: size,
	})

	assert.Greater(t, good, shallow)
	assert.Greater(t, good, flaky)
	assert.LessOrEqual(t, good, 25.0)

	// no books observable at all: neutral midpoint
	assert.Equal(t, 15.0, executionScore(scoreInput{}))
}

func TestTimingScoreBands(t *testing.T) {
	assert.Equal(t, 15.0, timingScore(5))
	assert.Equal(t, 3.0, timingScore(0.2))
	assert.Equal(t, 5.0, timingScore(9))
	assert.Equal(t, 8.0, timingScore(-1))
	assert.Greater(t, timingScore(3), timingScore(1))
	assert.Greater(t, timingScore(5), timingScore(6.5))
}

func TestCompositeStaysInBand(t *testing.T) {
	b := scoreOpportunity(scoreInput{
		NetAPRPct: decimal.NewFromInt(1000),
		LongTier:  1, ShortTier: 1,
		Volatility:      -1,
		LongReliability: 1, ShortReliability: 1,
		HoursToFunding: 5,
	})
	total := b.Total()
	assert.GreaterOrEqual(t, total, 0.0)
	assert.LessOrEqual(t, total, 100.0)
	assert.LessOrEqual(t, b.ReturnScore, 30.0)
	assert.LessOrEqual(t, b.RiskScore, 30.0)
	assert.LessOrEqual(t, b.ExecutionScore, 25.0)
	assert.LessOrEqual(t, b.TimingScore, 15.0)
}
