package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/models"
)

func TestScenarioCatalogCoversAllTypes(t *testing.T) {
	types := make(map[models.StressScenarioType]int)
	for _, s := range Scenarios() {
		types[s.Type]++
	}
	assert.Equal(t, 4, types[models.ScenarioFlashCrash])
	assert.Equal(t, 3, types[models.ScenarioFundingFlip])
	assert.Equal(t, 2, types[models.ScenarioExchangeOutage])
	assert.Equal(t, 1, types[models.ScenarioLiquidityCrisis])
	assert.Equal(t, 1, types[models.ScenarioCorrelationBreakdown])
	assert.Equal(t, 1, types[models.ScenarioCombinedCrisis])
}

func TestFlashCrashSparesHedgedPositions(t *testing.T) {
	pos := hedged("p1", "BTC", 5000, "binance", "bybit")
	scenario := models.StressScenario{
		Type: models.ScenarioFlashCrash, Severity: "severe",
		PriceMovePct: decimal.NewFromInt(-20),
	}

	pr := stressPosition(scenario, &pos)
	assert.True(t, pr.ProjectedPnL.IsZero(), "delta-neutral position should net out, got %s", pr.ProjectedPnL)
}

func TestFlashCrashPunishesResidualDelta(t *testing.T) {
	pos := hedged("p1", "BTC", 5000, "binance", "bybit")
	pos.Legs[0].NotionalUSD = decimal.NewFromInt(6000) // 1000 long-heavy

	scenario := models.StressScenario{
		Type: models.ScenarioFlashCrash, Severity: "severe",
		PriceMovePct: decimal.NewFromInt(-20),
	}
	pr := stressPosition(scenario, &pos)
	assert.True(t, pr.ProjectedPnL.Equal(decimal.NewFromInt(-200)), "got %s", pr.ProjectedPnL)
}

func TestFundingFlipScalesWithNotionalAndPeriods(t *testing.T) {
	pos := hedged("p1", "BTC", 5000, "binance", "bybit")
	scenario := models.StressScenario{
		Type: models.ScenarioFundingFlip, Severity: "severe",
		SpreadChange: decimal.NewFromFloat(-0.001),
	}

	pr := stressPosition(scenario, &pos)
	// -0.001 x 5000 x 21 periods
	assert.True(t, pr.ProjectedPnL.Equal(decimal.NewFromInt(-105)), "got %s", pr.ProjectedPnL)
}

func TestOutageStrandsLegAndFlagsMarginRisk(t *testing.T) {
	pos := hedged("p1", "BTC", 5000, "binance", "bybit")
	scenario := models.StressScenario{
		Type: models.ScenarioExchangeOutage, Severity: "moderate",
		PriceMovePct:     decimal.NewFromInt(-5),
		OfflineExchanges: []string{"binance"},
	}

	pr := stressPosition(scenario, &pos)
	assert.True(t, pr.MarginCallRisk)
	// the surviving short leg is unhedged 5000 notional under a 5% move
	assert.True(t, pr.ProjectedPnL.Equal(decimal.NewFromInt(-250)), "got %s", pr.ProjectedPnL)
}

func TestRunStressReportsWorstCase(t *testing.T) {
	f := newFixture(t, 100000)
	f.positions.active = []models.Position{
		hedged("p1", "BTC", 20000, "binance", "bybit"),
		hedged("p2", "ETH", 10000, "okx", "gate"),
	}

	report, err := f.manager.RunStress(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Results, len(Scenarios()))
	assert.NotEmpty(t, report.WorstScenario)
	assert.True(t, report.WorstPnL.IsNegative())
	for _, result := range report.Results {
		assert.Len(t, result.Positions, 2)
		assert.True(t, result.MaxDrawdownPct.GreaterThanOrEqual(decimal.Zero))
		assert.Greater(t, result.EstimatedRecoveryHours, 0.0)
	}
}

func TestRecommendationsFireOnMarginRisk(t *testing.T) {
	f := newFixture(t, 100000)
	f.positions.active = []models.Position{
		hedged("p1", "BTC", 20000, "binance", "bybit"),
	}

	report, err := f.manager.RunStress(context.Background())
	require.NoError(t, err)

	for _, result := range report.Results {
		if result.Scenario.Type == models.ScenarioExchangeOutage {
			assert.NotEmpty(t, result.Recommendations)
		}
	}
}
