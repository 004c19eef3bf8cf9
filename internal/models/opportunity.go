package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpportunityStatus is the lifecycle state of a detected spread opportunity.
type OpportunityStatus string

const (
	OppDetected  OpportunityStatus = "detected"
	OppValidated OpportunityStatus = "validated"
	OppScored    OpportunityStatus = "scored"
	OppAllocated OpportunityStatus = "allocated"
	OppExecuting OpportunityStatus = "executing"
	OppExecuted  OpportunityStatus = "executed"
	OppClosed    OpportunityStatus = "closed"
	OppExpired   OpportunityStatus = "expired"
	OppRejected  OpportunityStatus = "rejected"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OpportunityStatus) IsTerminal() bool {
	switch s {
	case OppClosed, OppExpired, OppRejected:
		return true
	}
	return false
}

// oppTransitions is the allowed-predecessor set per target status.
var oppTransitions = map[OpportunityStatus][]OpportunityStatus{
	OppValidated: {OppDetected},
	OppScored:    {OppDetected, OppValidated},
	OppAllocated: {OppDetected, OppValidated, OppScored},
	OppExecuting: {OppDetected, OppValidated, OppScored, OppAllocated},
	OppExecuted:  {OppExecuting},
	OppClosed:    {OppExecuted},
	OppExpired:   {OppDetected, OppValidated, OppScored, OppAllocated},
	OppRejected:  {OppDetected, OppValidated, OppScored, OppAllocated, OppExecuting},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
// Re-entering executing from executing is allowed for retries.
func (s OpportunityStatus) CanTransition(to OpportunityStatus) bool {
	if s == OppExecuting && to == OppExecuting {
		return true
	}
	for _, from := range oppTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// OpportunityTTL is how long an opportunity stays actionable without refresh.
const OpportunityTTL = 30 * time.Minute

// OpportunityLeg describes one side of the prospective position.
type OpportunityLeg struct {
	Exchange           string          `json:"exchange" db:"exchange"`
	Rate               decimal.Decimal `json:"rate" db:"rate"`
	FundingIntervalHrs int             `json:"funding_interval_hours" db:"funding_interval_hours"`
	Side               PositionSide    `json:"side" db:"side"`
}

// Opportunity is a scored, executable funding spread between two venues.
type Opportunity struct {
	ID                 string            `json:"id" db:"id"`
	Symbol             string            `json:"symbol" db:"symbol"`
	LongLeg            OpportunityLeg    `json:"long_leg"`
	ShortLeg           OpportunityLeg    `json:"short_leg"`
	FundingSpread      decimal.Decimal   `json:"funding_spread" db:"funding_spread"`
	FundingSpreadPct   decimal.Decimal   `json:"funding_spread_pct" db:"funding_spread_pct"`
	EstimatedNetAPR    decimal.Decimal   `json:"estimated_net_apr" db:"estimated_net_apr"`
	UOSScore           float64           `json:"uos_score" db:"uos_score"`
	UOSBreakdown       UOSBreakdown      `json:"uos_breakdown"`
	RecommendedSizeUSD decimal.Decimal   `json:"recommended_size_usd" db:"recommended_size_usd"`
	DataSource         RateSource        `json:"data_source" db:"data_source"`
	Status             OpportunityStatus `json:"status" db:"status"`
	StatusReason       string            `json:"status_reason,omitempty" db:"status_reason"`
	DetectedAt         time.Time         `json:"detected_at" db:"detected_at"`
	UpdatedAt          time.Time         `json:"updated_at" db:"updated_at"`
	ExpiresAt          time.Time         `json:"expires_at" db:"expires_at"`
}

// NewOpportunity creates a detected opportunity from a spread with a fresh id
// and the standard TTL.
func NewOpportunity(sp Spread) *Opportunity {
	now := time.Now().UTC()
	return &Opportunity{
		ID:     uuid.New().String(),
		Symbol: sp.Symbol,
		LongLeg: OpportunityLeg{
			Exchange:           sp.LongExchange,
			Rate:               sp.LongRate,
			FundingIntervalHrs: 8,
			Side:               SideLong,
		},
		ShortLeg: OpportunityLeg{
			Exchange:           sp.ShortExchange,
			Rate:               sp.ShortRate,
			FundingIntervalHrs: 8,
			Side:               SideShort,
		},
		FundingSpread:    sp.Spread,
		FundingSpreadPct: sp.SpreadPct,
		EstimatedNetAPR:  sp.AnnualizedAPR,
		Status:           OppDetected,
		DetectedAt:       now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(OpportunityTTL),
	}
}

// IdentityKey is the uniqueness key among non-terminal opportunities:
// detection is idempotent over (symbol, long_exchange, short_exchange).
func (o *Opportunity) IdentityKey() string {
	return OpportunityIdentityKey(o.Symbol, o.LongLeg.Exchange, o.ShortLeg.Exchange)
}

// OpportunityIdentityKey builds the identity key without an Opportunity value.
func OpportunityIdentityKey(symbol, longExchange, shortExchange string) string {
	return symbol + "|" + longExchange + "|" + shortExchange
}

// SetStatus performs a guarded lifecycle transition, stamping UpdatedAt.
func (o *Opportunity) SetStatus(to OpportunityStatus, reason string) error {
	if !o.Status.CanTransition(to) {
		return fmt.Errorf("opportunity %s: illegal transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	o.StatusReason = reason
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// IsExpired reports whether the opportunity is past its TTL.
func (o *Opportunity) IsExpired(now time.Time) bool {
	return now.After(o.ExpiresAt)
}

// Refresh extends the TTL after a scoring update.
func (o *Opportunity) Refresh(now time.Time) {
	o.ExpiresAt = now.Add(OpportunityTTL)
	o.UpdatedAt = now
}

// UOSBreakdown is the Unified Opportunity Score decomposition. Component
// bands: return 0-30, risk 0-30, execution 0-25, timing 0-15.
type UOSBreakdown struct {
	ReturnScore    float64 `json:"return_score"`
	RiskScore      float64 `json:"risk_score"`
	ExecutionScore float64 `json:"execution_score"`
	TimingScore    float64 `json:"timing_score"`
}

// Total sums the four components into the 0-100 composite.
func (u UOSBreakdown) Total() float64 {
	return u.ReturnScore + u.RiskScore + u.ExecutionScore + u.TimingScore
}

// Quality maps the composite score to a label.
func (u UOSBreakdown) Quality() string {
	switch total := u.Total(); {
	case total >= 80:
		return "exceptional"
	case total >= 60:
		return "strong"
	case total >= 40:
		return "moderate"
	case total >= 20:
		return "weak"
	default:
		return "poor"
	}
}
