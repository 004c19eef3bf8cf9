package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradingMode gates what the system may do on its own.
type TradingMode string

const (
	ModeDiscovery TradingMode = "discovery" // detect and score only
	ModeLive      TradingMode = "live"      // auto-execution permitted
)

// StrategyParameters is the operator-tunable singleton persisted in
// config.strategy_parameters. Percent fields are whole percents.
type StrategyParameters struct {
	ID                   int64           `json:"id" db:"id"`
	Mode                 TradingMode     `json:"mode" db:"mode"`
	AutoExecute          bool            `json:"auto_execute" db:"auto_execute"`
	OnlyExecutable       bool            `json:"only_executable" db:"only_executable"`
	MinSpreadPct         decimal.Decimal `json:"min_spread_pct" db:"min_spread_pct"`
	MinUOSScore          float64         `json:"min_uos_score" db:"min_uos_score"`
	MinUOSAutoExecute    float64         `json:"min_uos_auto_execute" db:"min_uos_auto_execute"`
	MaxPositionSizeUSD   decimal.Decimal `json:"max_position_size_usd" db:"max_position_size_usd"`
	DefaultLeverage      decimal.Decimal `json:"default_leverage" db:"default_leverage"`
	DeltaTolerancePct    decimal.Decimal `json:"delta_tolerance_pct" db:"delta_tolerance_pct"`
	StopLossPct          decimal.Decimal `json:"stop_loss_pct" db:"stop_loss_pct"`
	TakeProfitPct        decimal.Decimal `json:"take_profit_pct" db:"take_profit_pct"`
	MaxHoldPeriods       int             `json:"max_hold_periods" db:"max_hold_periods"`
	TargetFundingRateMin decimal.Decimal `json:"target_funding_rate_min" db:"target_funding_rate_min"`
	MaxConcurrentCoins   int             `json:"max_concurrent_coins" db:"max_concurrent_coins"`
	ReserveTargetPct     decimal.Decimal `json:"reserve_target_pct" db:"reserve_target_pct"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// DefaultStrategyParameters returns the factory settings.
func DefaultStrategyParameters() StrategyParameters {
	return StrategyParameters{
		Mode:                 ModeDiscovery,
		AutoExecute:          false,
		OnlyExecutable:       true,
		MinSpreadPct:         decimal.NewFromFloat(0.01),
		MinUOSScore:          40,
		MinUOSAutoExecute:    75,
		MaxPositionSizeUSD:   decimal.NewFromInt(1000),
		DefaultLeverage:      decimal.NewFromInt(3),
		DeltaTolerancePct:    decimal.NewFromInt(2),
		StopLossPct:          decimal.NewFromInt(5),
		TakeProfitPct:        decimal.Zero, // disabled unless set
		MaxHoldPeriods:       90,
		TargetFundingRateMin: decimal.NewFromFloat(0.00003),
		MaxConcurrentCoins:   5,
		ReserveTargetPct:     decimal.NewFromInt(20),
		UpdatedAt:            time.Now().UTC(),
	}
}

// RecommendedSize maps a UOS score to the position size budget:
// >=80 full size, >=70 half, >=60 a fifth, else a tenth.
func RecommendedSize(score float64, maxSizeUSD decimal.Decimal) decimal.Decimal {
	switch {
	case score >= 80:
		return maxSizeUSD
	case score >= 70:
		return maxSizeUSD.Mul(decimal.NewFromFloat(0.5))
	case score >= 60:
		return maxSizeUSD.Mul(decimal.NewFromFloat(0.2))
	default:
		return maxSizeUSD.Mul(decimal.NewFromFloat(0.1))
	}
}

// ExchangeConfig is one venue's persisted configuration. Credential fields
// hold AES-GCM ciphertext, decrypted on demand.
type ExchangeConfig struct {
	Slug                string    `json:"slug" db:"slug"`
	DisplayName         string    `json:"display_name" db:"display_name"`
	Enabled             bool      `json:"enabled" db:"enabled"`
	Testnet             bool      `json:"testnet" db:"testnet"`
	Tier                int       `json:"tier" db:"tier"`
	IsDEX               bool      `json:"is_dex" db:"is_dex"`
	EncryptedAPIKey     string    `json:"-" db:"encrypted_api_key"`
	EncryptedAPISecret  string    `json:"-" db:"encrypted_api_secret"`
	EncryptedPassphrase string    `json:"-" db:"encrypted_passphrase"`
	UpdatedAt           time.Time `json:"updated_at" db:"updated_at"`
}

// HasCredentials reports whether the venue can be traded.
func (e ExchangeConfig) HasCredentials() bool {
	return e.EncryptedAPIKey != "" && e.EncryptedAPISecret != ""
}
