package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a hedged position.
type PositionStatus string

const (
	PosPending        PositionStatus = "pending"
	PosOpening        PositionStatus = "opening"
	PosActive         PositionStatus = "active"
	PosClosing        PositionStatus = "closing"
	PosClosed         PositionStatus = "closed"
	PosFailed         PositionStatus = "failed"
	PosEmergencyClose PositionStatus = "emergency_close"
	PosCancelled      PositionStatus = "cancelled"
)

// IsTerminal reports whether the position can no longer change state.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case PosClosed, PosFailed, PosCancelled:
		return true
	}
	return false
}

var posTransitions = map[PositionStatus][]PositionStatus{
	PosOpening:        {PosPending},
	PosActive:         {PosPending, PosOpening},
	PosClosing:        {PosActive, PosEmergencyClose},
	PosClosed:         {PosActive, PosClosing, PosEmergencyClose},
	PosFailed:         {PosPending, PosOpening, PosClosing},
	PosEmergencyClose: {PosActive, PosClosing},
	PosCancelled:      {PosPending, PosOpening},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func (s PositionStatus) CanTransition(to PositionStatus) bool {
	for _, from := range posTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// HealthStatus grades an active position from best to worst.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthAttention HealthStatus = "attention"
	HealthWarning   HealthStatus = "warning"
	HealthCritical  HealthStatus = "critical"
)

// PositionSide is the direction of a single leg.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// Multiplier returns +1 for long, -1 for short.
func (s PositionSide) Multiplier() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other side, used when rolling back or closing.
func (s PositionSide) Opposite() PositionSide {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// LegType distinguishes the leg placed first from its hedge.
type LegType string

const (
	LegPrimary LegType = "primary"
	LegHedge   LegType = "hedge"
)

// Leg is one side of a hedged position on a single venue.
type Leg struct {
	ID               int64           `json:"id" db:"id"`
	PositionID       string          `json:"position_id" db:"position_id"`
	LegType          LegType         `json:"leg_type" db:"leg_type"`
	Exchange         string          `json:"exchange" db:"exchange"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             PositionSide    `json:"side" db:"side"`
	Quantity         decimal.Decimal `json:"quantity" db:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price" db:"current_price"`
	NotionalUSD      decimal.Decimal `json:"notional_usd" db:"notional_usd"`
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	FundingPnL       decimal.Decimal `json:"funding_pnl" db:"funding_pnl"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	MarginUtilization decimal.Decimal `json:"margin_utilization" db:"margin_utilization"`
	EntryOrderIDs    []string        `json:"entry_order_ids" db:"entry_order_ids"`
	ExitOrderIDs     []string        `json:"exit_order_ids" db:"exit_order_ids"`
}

// SignedQuantity is quantity with the side multiplier applied.
func (l Leg) SignedQuantity() decimal.Decimal {
	return l.Quantity.Mul(l.Side.Multiplier())
}

// LiquidationDistancePct is the relative distance from current price to the
// liquidation price, in percent. Returns false when no liq price is known.
func (l Leg) LiquidationDistancePct() (decimal.Decimal, bool) {
	if l.LiquidationPrice.IsZero() || l.CurrentPrice.IsZero() {
		return decimal.Zero, false
	}
	dist := l.CurrentPrice.Sub(l.LiquidationPrice).Abs().
		Div(l.CurrentPrice).Mul(decimal.NewFromInt(100))
	return dist, true
}

// Position is a two-leg delta-neutral holding tracked from open to exit.
type Position struct {
	ID                      string          `json:"id" db:"id"`
	OpportunityID           string          `json:"opportunity_id" db:"opportunity_id"`
	Symbol                  string          `json:"symbol" db:"symbol"`
	PositionType            string          `json:"position_type" db:"position_type"`
	Status                  PositionStatus  `json:"status" db:"status"`
	HealthStatus            HealthStatus    `json:"health_status" db:"health_status"`
	TotalCapitalDeployed    decimal.Decimal `json:"total_capital_deployed" db:"total_capital_deployed"`
	FundingReceived         decimal.Decimal `json:"funding_received" db:"funding_received"`
	FundingPaid             decimal.Decimal `json:"funding_paid" db:"funding_paid"`
	EntryCosts              decimal.Decimal `json:"entry_costs" db:"entry_costs"`
	ExitCosts               decimal.Decimal `json:"exit_costs" db:"exit_costs"`
	RealizedPnLFunding      decimal.Decimal `json:"realized_pnl_funding" db:"realized_pnl_funding"`
	RealizedPnLPrice        decimal.Decimal `json:"realized_pnl_price" db:"realized_pnl_price"`
	FundingPeriodsCollected int             `json:"funding_periods_collected" db:"funding_periods_collected"`
	OpenedAt                time.Time       `json:"opened_at" db:"opened_at"`
	ClosedAt                *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
	ExitReason              string          `json:"exit_reason,omitempty" db:"exit_reason"`
	Legs                    []Leg           `json:"legs,omitempty"`
}

// SetStatus performs a guarded lifecycle transition.
func (p *Position) SetStatus(to PositionStatus) error {
	if !p.Status.CanTransition(to) {
		return fmt.Errorf("position %s: illegal transition %s -> %s", p.ID, p.Status, to)
	}
	p.Status = to
	if to == PosClosed {
		now := time.Now().UTC()
		p.ClosedAt = &now
	}
	return nil
}

// NetFundingPnL is funding received minus funding paid.
func (p *Position) NetFundingPnL() decimal.Decimal {
	return p.FundingReceived.Sub(p.FundingPaid)
}

// TotalNotional sums |notional| across legs.
func (p *Position) TotalNotional() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.Legs {
		total = total.Add(leg.NotionalUSD.Abs())
	}
	return total
}

// DeltaExposurePct is |Σ qty×side×notional-weight| over total notional, in
// percent. Zero-notional positions report zero delta.
func (p *Position) DeltaExposurePct() decimal.Decimal {
	total := p.TotalNotional()
	if total.IsZero() {
		return decimal.Zero
	}
	net := decimal.Zero
	for _, leg := range p.Legs {
		net = net.Add(leg.NotionalUSD.Abs().Mul(leg.Side.Multiplier()))
	}
	return net.Abs().Div(total).Mul(decimal.NewFromInt(100))
}

// ReturnPct is total realized+unrealized pnl relative to deployed capital,
// in percent.
func (p *Position) ReturnPct() decimal.Decimal {
	if p.TotalCapitalDeployed.IsZero() {
		return decimal.Zero
	}
	pnl := p.NetFundingPnL().Add(p.RealizedPnLPrice)
	for _, leg := range p.Legs {
		pnl = pnl.Add(leg.UnrealizedPnL)
	}
	return pnl.Div(p.TotalCapitalDeployed).Mul(decimal.NewFromInt(100))
}

// HoursOpen is the age of the position in hours.
func (p *Position) HoursOpen(now time.Time) float64 {
	end := now
	if p.ClosedAt != nil {
		end = *p.ClosedAt
	}
	return end.Sub(p.OpenedAt).Hours()
}

// ExchangePosition mirrors what a venue reports for one symbol. It is
// independent truth, upserted by the sync loop and compared against legs
// during reconciliation.
type ExchangePosition struct {
	Exchange         string          `json:"exchange" db:"exchange"`
	Symbol           string          `json:"symbol" db:"symbol"`
	Side             PositionSide    `json:"side" db:"side"`
	Size             decimal.Decimal `json:"size" db:"size"`
	NotionalUSD      decimal.Decimal `json:"notional_usd" db:"notional_usd"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	MarkPrice        decimal.Decimal `json:"mark_price" db:"mark_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Leverage         decimal.Decimal `json:"leverage" db:"leverage"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	MarginMode       string          `json:"margin_mode" db:"margin_mode"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// ExchangeOrder mirrors an open order on a venue.
type ExchangeOrder struct {
	Exchange        string          `json:"exchange" db:"exchange"`
	ExchangeOrderID string          `json:"exchange_order_id" db:"exchange_order_id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Side            PositionSide    `json:"side" db:"side"`
	OrderType       string          `json:"order_type" db:"order_type"`
	Quantity        decimal.Decimal `json:"quantity" db:"quantity"`
	Price           decimal.Decimal `json:"price" db:"price"`
	Status          string          `json:"status" db:"status"`
	ReduceOnly      bool            `json:"reduce_only" db:"reduce_only"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}
