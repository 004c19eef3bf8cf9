package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits is the active-row singleton of hard portfolio limits.
type RiskLimits struct {
	ID                    int64           `json:"id" db:"id"`
	MaxPositionSizeUSD    decimal.Decimal `json:"max_position_size_usd" db:"max_position_size_usd"`
	MaxPositionSizePct    decimal.Decimal `json:"max_position_size_pct" db:"max_position_size_pct"`
	MaxLeverage           decimal.Decimal `json:"max_leverage" db:"max_leverage"`
	MaxVenueExposurePct   decimal.Decimal `json:"max_venue_exposure_pct" db:"max_venue_exposure_pct"`
	MaxAssetExposurePct   decimal.Decimal `json:"max_asset_exposure_pct" db:"max_asset_exposure_pct"`
	MaxGrossExposurePct   decimal.Decimal `json:"max_gross_exposure_pct" db:"max_gross_exposure_pct"`
	MaxNetExposurePct     decimal.Decimal `json:"max_net_exposure_pct" db:"max_net_exposure_pct"`
	MaxDrawdownPct        decimal.Decimal `json:"max_drawdown_pct" db:"max_drawdown_pct"`
	MaxVaRPct             decimal.Decimal `json:"max_var_pct" db:"max_var_pct"`
	StopLossPct           decimal.Decimal `json:"stop_loss_pct" db:"stop_loss_pct"`
	MaxConsecutiveFailures int            `json:"max_consecutive_failures" db:"max_consecutive_failures"`
	IsActive              bool            `json:"is_active" db:"is_active"`
	UpdatedAt             time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultRiskLimits returns the limits applied before any operator tuning.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSizeUSD:     decimal.NewFromInt(10000),
		MaxPositionSizePct:     decimal.NewFromInt(20),
		MaxLeverage:            decimal.NewFromInt(5),
		MaxVenueExposurePct:    decimal.NewFromInt(50),
		MaxAssetExposurePct:    decimal.NewFromInt(30),
		MaxGrossExposurePct:    decimal.NewFromInt(300),
		MaxNetExposurePct:      decimal.NewFromInt(20),
		MaxDrawdownPct:         decimal.NewFromInt(15),
		MaxVaRPct:              decimal.NewFromInt(10),
		StopLossPct:            decimal.NewFromInt(5),
		MaxConsecutiveFailures: 3,
		IsActive:               true,
		UpdatedAt:              time.Now().UTC(),
	}
}

// TradeValidation is the outcome of pre-trade risk checks.
type TradeValidation struct {
	Accepted   bool      `json:"accepted"`
	Rejections []string  `json:"rejections,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}

// BlacklistEntry excludes a symbol from detection and execution.
type BlacklistEntry struct {
	Symbol        string    `json:"symbol" db:"symbol"`
	Reason        string    `json:"reason" db:"reason"`
	BlacklistedBy string    `json:"blacklisted_by" db:"blacklisted_by"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// StressScenarioType enumerates offline stress-test scenarios.
type StressScenarioType string

const (
	ScenarioFlashCrash           StressScenarioType = "flash_crash"
	ScenarioFundingFlip          StressScenarioType = "funding_flip"
	ScenarioExchangeOutage       StressScenarioType = "exchange_outage"
	ScenarioLiquidityCrisis      StressScenarioType = "liquidity_crisis"
	ScenarioCorrelationBreakdown StressScenarioType = "correlation_breakdown"
	ScenarioCombinedCrisis       StressScenarioType = "combined_crisis"
)

// StressScenario parameterizes one hypothetical shock.
type StressScenario struct {
	Name                 string             `json:"name"`
	Type                 StressScenarioType `json:"type"`
	Severity             string             `json:"severity"`
	PriceMovePct         decimal.Decimal    `json:"price_move_pct"`
	SpreadChange         decimal.Decimal    `json:"spread_change"`
	VolatilityMultiplier decimal.Decimal    `json:"volatility_multiplier"`
	OfflineExchanges     []string           `json:"offline_exchanges,omitempty"`
}

// PositionStressResult is one position's projected outcome under a scenario.
type PositionStressResult struct {
	PositionID     string          `json:"position_id"`
	Symbol         string          `json:"symbol"`
	ProjectedPnL   decimal.Decimal `json:"projected_pnl"`
	MarginCallRisk bool            `json:"margin_call_risk"`
	Notes          string          `json:"notes,omitempty"`
}

// ScenarioResult aggregates a scenario across the portfolio.
type ScenarioResult struct {
	Scenario               StressScenario         `json:"scenario"`
	Positions              []PositionStressResult `json:"positions"`
	PortfolioPnL           decimal.Decimal        `json:"portfolio_pnl"`
	PortfolioPnLPct        decimal.Decimal        `json:"portfolio_pnl_pct"`
	MaxDrawdownPct         decimal.Decimal        `json:"max_drawdown_pct"`
	EstimatedRecoveryHours float64                `json:"estimated_recovery_hours"`
	Recommendations        []string               `json:"recommendations,omitempty"`
}

// StressReport is the full run: every scenario plus the worst case.
type StressReport struct {
	Results       []ScenarioResult `json:"results"`
	WorstScenario string           `json:"worst_scenario"`
	WorstPnL      decimal.Decimal  `json:"worst_pnl"`
	GeneratedAt   time.Time        `json:"generated_at"`
}
