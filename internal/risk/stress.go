package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// expectedFlipPeriods is how many settlements a funding flip is assumed to
// persist before the position can exit: one week of 8h periods.
const expectedFlipPeriods = 21

// Scenarios returns the full stress catalog.
func Scenarios() []models.StressScenario {
	pct := func(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }
	return []models.StressScenario{
		{Name: "flash_crash_minor", Type: models.ScenarioFlashCrash, Severity: "minor",
			PriceMovePct: pct(-5), VolatilityMultiplier: pct(1.5)},
		{Name: "flash_crash_moderate", Type: models.ScenarioFlashCrash, Severity: "moderate",
			PriceMovePct: pct(-10), VolatilityMultiplier: pct(2)},
		{Name: "flash_crash_severe", Type: models.ScenarioFlashCrash, Severity: "severe",
			PriceMovePct: pct(-20), VolatilityMultiplier: pct(3)},
		{Name: "flash_crash_extreme", Type: models.ScenarioFlashCrash, Severity: "extreme",
			PriceMovePct: pct(-35), VolatilityMultiplier: pct(5)},

		{Name: "funding_flip_mild", Type: models.ScenarioFundingFlip, Severity: "minor",
			SpreadChange: pct(-0.0001)},
		{Name: "funding_flip_moderate", Type: models.ScenarioFundingFlip, Severity: "moderate",
			SpreadChange: pct(-0.0005)},
		{Name: "funding_flip_severe", Type: models.ScenarioFundingFlip, Severity: "severe",
			SpreadChange: pct(-0.001)},

		{Name: "exchange_outage_single", Type: models.ScenarioExchangeOutage, Severity: "moderate",
			PriceMovePct: pct(-5), OfflineExchanges: []string{"binance"}},
		{Name: "exchange_outage_multiple", Type: models.ScenarioExchangeOutage, Severity: "severe",
			PriceMovePct: pct(-8), OfflineExchanges: []string{"binance", "bybit"}},

		{Name: "liquidity_crisis", Type: models.ScenarioLiquidityCrisis, Severity: "severe",
			PriceMovePct: pct(-8), SpreadChange: pct(-0.0005), VolatilityMultiplier: pct(3)},
		{Name: "correlation_breakdown", Type: models.ScenarioCorrelationBreakdown, Severity: "severe",
			PriceMovePct: pct(-12), VolatilityMultiplier: pct(2)},
		{Name: "combined_crisis", Type: models.ScenarioCombinedCrisis, Severity: "extreme",
			PriceMovePct: pct(-25), SpreadChange: pct(-0.001), VolatilityMultiplier: pct(5),
			OfflineExchanges: []string{"binance"}},
	}
}

// RunStress projects every scenario over the active positions and reports
// the worst case.
func (r *Manager) RunStress(ctx context.Context) (*models.StressReport, error) {
	positions, err := r.store.Positions.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions for stress test: %w", err)
	}
	total := decimal.Zero
	if r.capital != nil {
		total = r.capital.State().TotalCapitalUSD
	}
	limits := r.limits(ctx)

	report := &models.StressReport{GeneratedAt: time.Now().UTC()}
	for _, scenario := range Scenarios() {
		result := evaluateScenario(scenario, positions, total, limits)
		report.Results = append(report.Results, result)
		if report.WorstScenario == "" || result.PortfolioPnL.LessThan(report.WorstPnL) {
			report.WorstScenario = scenario.Name
			report.WorstPnL = result.PortfolioPnL
		}
	}
	return report, nil
}

func evaluateScenario(scenario models.StressScenario, positions []models.Position,
	totalCapital decimal.Decimal, limits models.RiskLimits) models.ScenarioResult {

	result := models.ScenarioResult{Scenario: scenario}
	marginCalls := 0
	for i := range positions {
		pr := stressPosition(scenario, &positions[i])
		if pr.MarginCallRisk {
			marginCalls++
		}
		result.Positions = append(result.Positions, pr)
		result.PortfolioPnL = result.PortfolioPnL.Add(pr.ProjectedPnL)
	}

	if totalCapital.IsPositive() {
		result.PortfolioPnLPct = result.PortfolioPnL.Div(totalCapital).Mul(decimal.NewFromInt(100))
	}
	result.MaxDrawdownPct = result.PortfolioPnLPct.Abs()
	result.EstimatedRecoveryHours = recoveryHours(scenario.Severity, result.MaxDrawdownPct)
	result.Recommendations = recommend(result, marginCalls, limits)
	return result
}

// stressPosition projects one position under the scenario.
func stressPosition(scenario models.StressScenario, pos *models.Position) models.PositionStressResult {
	pr := models.PositionStressResult{PositionID: pos.ID, Symbol: pos.Symbol}
	move := scenario.PriceMovePct.Div(decimal.NewFromInt(100))

	switch scenario.Type {
	case models.ScenarioFlashCrash, models.ScenarioLiquidityCrisis:
		// hedged pairs net out; only the residual delta is exposed
		pr.ProjectedPnL = netNotional(pos, nil).Mul(move)
		if scenario.Type == models.ScenarioLiquidityCrisis {
			// forced exits eat the crisis spread on the full gross
			slippage := grossNotional(pos).Mul(move.Abs()).Mul(decimal.NewFromFloat(0.05))
			pr.ProjectedPnL = pr.ProjectedPnL.Sub(slippage)
			pr.Notes = "includes forced-exit slippage"
		}

	case models.ScenarioFundingFlip:
		exposed := decimal.Zero
		for _, leg := range pos.Legs {
			if leg.LegType == models.LegPrimary {
				exposed = leg.NotionalUSD.Abs()
			}
		}
		pr.ProjectedPnL = scenario.SpreadChange.Mul(exposed).
			Mul(decimal.NewFromInt(expectedFlipPeriods))

	case models.ScenarioExchangeOutage, models.ScenarioCombinedCrisis:
		offline := make(map[string]bool, len(scenario.OfflineExchanges))
		for _, venue := range scenario.OfflineExchanges {
			offline[venue] = true
		}
		for _, leg := range pos.Legs {
			if offline[leg.Exchange] {
				pr.MarginCallRisk = true
				pr.Notes = "leg stranded on offline venue"
			}
		}
		// legs on live venues become unhedged directional exposure
		pr.ProjectedPnL = netNotional(pos, offline).Mul(move).Abs().Neg()
		if scenario.Type == models.ScenarioCombinedCrisis {
			exposed := grossNotional(pos)
			flip := scenario.SpreadChange.Mul(exposed).Mul(decimal.NewFromInt(expectedFlipPeriods))
			pr.ProjectedPnL = pr.ProjectedPnL.Add(flip)
		}

	case models.ScenarioCorrelationBreakdown:
		// both legs move adversely at once; half the gross is assumed to
		// decorrelate
		pr.ProjectedPnL = grossNotional(pos).Mul(move.Abs()).
			Div(decimal.NewFromInt(2)).Neg()
	}
	return pr
}

// netNotional is Σ side×notional over legs not on an excluded venue.
func netNotional(pos *models.Position, excluded map[string]bool) decimal.Decimal {
	net := decimal.Zero
	for _, leg := range pos.Legs {
		if excluded != nil && excluded[leg.Exchange] {
			continue
		}
		net = net.Add(leg.NotionalUSD.Abs().Mul(leg.Side.Multiplier()))
	}
	return net
}

func grossNotional(pos *models.Position) decimal.Decimal {
	gross := decimal.Zero
	for _, leg := range pos.Legs {
		gross = gross.Add(leg.NotionalUSD.Abs())
	}
	return gross
}

// recoveryHours scales a severity baseline by the projected drawdown.
func recoveryHours(severity string, drawdownPct decimal.Decimal) float64 {
	base := map[string]float64{
		"minor":    6,
		"moderate": 24,
		"severe":   72,
		"extreme":  168,
	}[severity]
	if base == 0 {
		base = 24
	}
	dd, _ := drawdownPct.Float64()
	return base * (1 + dd/10)
}

func recommend(result models.ScenarioResult, marginCalls int, limits models.RiskLimits) []string {
	var out []string
	if result.MaxDrawdownPct.GreaterThan(limits.MaxDrawdownPct) {
		out = append(out, "projected drawdown exceeds the portfolio limit, reduce gross exposure")
	}
	if marginCalls > 0 {
		out = append(out, fmt.Sprintf("%d positions risk margin calls, spread legs across more venues", marginCalls))
	}
	if result.Scenario.Type == models.ScenarioFundingFlip &&
		result.PortfolioPnL.IsNegative() {
		out = append(out, "funding flip erodes carry, consider shorter hold periods")
	}
	return out
}
