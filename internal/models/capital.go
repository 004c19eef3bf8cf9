package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AllocationStatus is the lifecycle state of a capital allocation.
type AllocationStatus string

const (
	AllocReserved  AllocationStatus = "reserved"
	AllocDeployed  AllocationStatus = "deployed"
	AllocReleasing AllocationStatus = "releasing"
	AllocReleased  AllocationStatus = "released"
)

// Allocation ties reserved or deployed capital to an opportunity or position.
// Allocations reference entities by id, they do not own them.
type Allocation struct {
	ID                 string           `json:"id" db:"id"`
	OpportunityID      string           `json:"opportunity_id,omitempty" db:"opportunity_id"`
	PositionID         string           `json:"position_id,omitempty" db:"position_id"`
	Symbol             string           `json:"symbol" db:"symbol"`
	Venue              string           `json:"venue" db:"venue"`
	AmountUSD          decimal.Decimal  `json:"amount_usd" db:"amount_usd"`
	Status             AllocationStatus `json:"status" db:"status"`
	AllocatedAt        time.Time        `json:"allocated_at" db:"allocated_at"`
	DeployedAt         *time.Time       `json:"deployed_at,omitempty" db:"deployed_at"`
	ReleasedAt         *time.Time       `json:"released_at,omitempty" db:"released_at"`
	ExpiresAt          *time.Time       `json:"expires_at,omitempty" db:"expires_at"`
	RealizedFundingPnL decimal.Decimal  `json:"realized_funding_pnl" db:"realized_funding_pnl"`
	UnrealizedPnL      decimal.Decimal  `json:"unrealized_pnl" db:"unrealized_pnl"`
}

// IsTerminal reports whether the allocation no longer holds capital.
func (s AllocationStatus) IsTerminal() bool {
	return s == AllocReleased
}

// CapitalPool is one of the four capital buckets, with a per-venue split.
type CapitalPool struct {
	TotalValueUSD decimal.Decimal            `json:"total_value_usd"`
	ByVenue       map[string]decimal.Decimal `json:"by_venue"`
}

// NewCapitalPool returns an empty pool.
func NewCapitalPool() CapitalPool {
	return CapitalPool{TotalValueUSD: decimal.Zero, ByVenue: make(map[string]decimal.Decimal)}
}

// Add credits amount to the pool for a venue.
func (p *CapitalPool) Add(venue string, amount decimal.Decimal) {
	if p.ByVenue == nil {
		p.ByVenue = make(map[string]decimal.Decimal)
	}
	p.ByVenue[venue] = p.ByVenue[venue].Add(amount)
	p.TotalValueUSD = p.TotalValueUSD.Add(amount)
}

// Sub debits amount from the pool for a venue.
func (p *CapitalPool) Sub(venue string, amount decimal.Decimal) {
	p.Add(venue, amount.Neg())
}

// CapitalHealth grades the reserve pool against its target.
type CapitalHealth string

const (
	CapitalHealthy  CapitalHealth = "healthy"
	CapitalLow      CapitalHealth = "low"
	CapitalCritical CapitalHealth = "critical"
)

// CapitalState is the allocator's view of all capital: four pools plus raw
// venue balances. Pools conserve mass: Σ pools = total.
type CapitalState struct {
	TotalCapitalUSD decimal.Decimal            `json:"total_capital_usd"`
	Reserve         CapitalPool                `json:"reserve_pool"`
	Active          CapitalPool                `json:"active_pool"`
	Pending         CapitalPool                `json:"pending_pool"`
	Transit         CapitalPool                `json:"transit_pool"`
	VenueBalances   map[string]decimal.Decimal `json:"venue_balances"`
	Health          CapitalHealth              `json:"health"`
	UpdatedAt       time.Time                  `json:"updated_at"`
}

// PoolSum is the mass-conservation check value: Σ pool totals.
func (c CapitalState) PoolSum() decimal.Decimal {
	return c.Reserve.TotalValueUSD.
		Add(c.Active.TotalValueUSD).
		Add(c.Pending.TotalValueUSD).
		Add(c.Transit.TotalValueUSD)
}

// AvailableUSD is capital in reserve beyond what must be held back.
func (c CapitalState) AvailableUSD(reserveTargetPct decimal.Decimal) decimal.Decimal {
	target := c.TotalCapitalUSD.Mul(reserveTargetPct).Div(decimal.NewFromInt(100))
	avail := c.Reserve.TotalValueUSD.Sub(target)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// VenueBalance is a persisted per-venue balance row.
type VenueBalance struct {
	Venue     string          `json:"venue" db:"venue"`
	TotalUSD  decimal.Decimal `json:"total_usd" db:"total_usd"`
	FreeUSD   decimal.Decimal `json:"free_usd" db:"free_usd"`
	UsedUSD   decimal.Decimal `json:"used_usd" db:"used_usd"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}
