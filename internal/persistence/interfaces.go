// Package persistence defines the repository interfaces over the durable
// store. Postgres implementations live in the postgres subpackage.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// OpportunityFilter narrows opportunity listings for the API.
type OpportunityFilter struct {
	MinScore  float64
	Symbol    string
	Exchange  string
	Status    string
	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// OpportunityRepo persists detected opportunities. Upsert is keyed on id;
// detection idempotence over the identity key is the detector's job.
type OpportunityRepo interface {
	Upsert(ctx context.Context, opp *models.Opportunity) error
	Get(ctx context.Context, id string) (*models.Opportunity, error)
	List(ctx context.Context, filter OpportunityFilter) ([]models.Opportunity, error)
	// ListActive returns non-terminal opportunities with expires_at > now,
	// used to rebuild detector state on startup.
	ListActive(ctx context.Context, now time.Time) ([]models.Opportunity, error)
	// SetStatus transitions status only when the stored status is in
	// allowedFrom, making the store the transition serializer. Returns
	// whether the row was updated.
	SetStatus(ctx context.Context, id string, allowedFrom []models.OpportunityStatus, to models.OpportunityStatus, reason string) (bool, error)
}

// PositionFilter narrows position listings.
type PositionFilter struct {
	Status string
	Symbol string
	Limit  int
	Offset int
}

// PositionRepo persists positions and their legs. Legs are owned: deleting a
// position deletes its legs.
type PositionRepo interface {
	// CreateWithLegs writes the position, its legs, and the executed stamp
	// on the source opportunity in one transaction.
	CreateWithLegs(ctx context.Context, pos *models.Position, legs []models.Leg) error
	Get(ctx context.Context, id string) (*models.Position, error)
	List(ctx context.Context, filter PositionFilter) ([]models.Position, error)
	ListActive(ctx context.Context) ([]models.Position, error)
	Update(ctx context.Context, pos *models.Position) error
	UpdateLeg(ctx context.Context, leg *models.Leg) error
	// Close stamps terminal state and realized pnl in one transaction.
	Close(ctx context.Context, pos *models.Position) error
	CountActiveSymbols(ctx context.Context) (int, error)
	ActiveSymbols(ctx context.Context) ([]string, error)
}

// ExchangeStateRepo mirrors venue truth.
type ExchangeStateRepo interface {
	UpsertPositions(ctx context.Context, positions []models.ExchangePosition) error
	// DeleteMissing removes mirror rows for an exchange not present in the
	// latest sync.
	DeleteMissing(ctx context.Context, exchange string, keepSymbols []string) error
	ListPositions(ctx context.Context) ([]models.ExchangePosition, error)
	UpsertOrders(ctx context.Context, orders []models.ExchangeOrder) error
}

// FundingRepo persists rate observations, spread history, and funding
// payments.
type FundingRepo interface {
	InsertRates(ctx context.Context, rates []models.FundingRate) error
	ListRateHistory(ctx context.Context, ticker string, since time.Time) ([]models.FundingRate, error)
	InsertSpreadHistory(ctx context.Context, spreads []models.Spread, source string) error
	CleanupSpreadHistory(ctx context.Context, olderThan time.Time) (int64, error)
	InsertFundingPayment(ctx context.Context, payment *models.FundingPayment) error
}

// AllocationRepo persists capital allocations and venue balances.
type AllocationRepo interface {
	Insert(ctx context.Context, alloc *models.Allocation) error
	Update(ctx context.Context, alloc *models.Allocation) error
	Get(ctx context.Context, id string) (*models.Allocation, error)
	ListByStatus(ctx context.Context, statuses ...models.AllocationStatus) ([]models.Allocation, error)
	// ListExpired returns reserved allocations past their expiry.
	ListExpired(ctx context.Context, now time.Time) ([]models.Allocation, error)
	UpsertVenueBalance(ctx context.Context, balance *models.VenueBalance) error
	ListVenueBalances(ctx context.Context) ([]models.VenueBalance, error)
}

// ConfigRepo persists operator-tunable configuration.
type ConfigRepo interface {
	GetStrategy(ctx context.Context) (*models.StrategyParameters, error)
	SaveStrategy(ctx context.Context, params *models.StrategyParameters) error
	ResetStrategy(ctx context.Context) (*models.StrategyParameters, error)
	GetRiskLimits(ctx context.Context) (*models.RiskLimits, error)
	SaveRiskLimits(ctx context.Context, limits *models.RiskLimits) error
	ListExchanges(ctx context.Context) ([]models.ExchangeConfig, error)
	GetExchange(ctx context.Context, slug string) (*models.ExchangeConfig, error)
	SaveExchange(ctx context.Context, ex *models.ExchangeConfig) error
	ListBlacklist(ctx context.Context) ([]models.BlacklistEntry, error)
	AddBlacklist(ctx context.Context, entry *models.BlacklistEntry) error
	RemoveBlacklist(ctx context.Context, symbol string) error
}

// AuditRepo is the append-only trail behind the activity stream and the
// per-opportunity execution log.
type AuditRepo interface {
	InsertActivity(ctx context.Context, event *models.ActivityEvent) error
	ListActivity(ctx context.Context, limit int) ([]models.ActivityEvent, error)
	InsertExecutionLog(ctx context.Context, entry *models.ExecutionLogEntry) error
	ListExecutionLog(ctx context.Context, opportunityID string) ([]models.ExecutionLogEntry, error)
}

// DailyAnalytics is one day of aggregated closed-position performance.
type DailyAnalytics struct {
	Day             time.Time       `json:"day" db:"day"`
	PositionsClosed int             `json:"positions_closed" db:"positions_closed"`
	FundingPnL      decimal.Decimal `json:"funding_pnl" db:"funding_pnl"`
	PricePnL        decimal.Decimal `json:"price_pnl" db:"price_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl" db:"total_pnl"`
}

// AttributionRow attributes realized pnl to a symbol.
type AttributionRow struct {
	Symbol     string          `json:"symbol" db:"symbol"`
	Positions  int             `json:"positions" db:"positions"`
	FundingPnL decimal.Decimal `json:"funding_pnl" db:"funding_pnl"`
	PricePnL   decimal.Decimal `json:"price_pnl" db:"price_pnl"`
}

// SummaryAnalytics aggregates lifetime performance.
type SummaryAnalytics struct {
	PositionsTotal int             `json:"positions_total" db:"positions_total"`
	PositionsOpen  int             `json:"positions_open" db:"positions_open"`
	FundingPnL     decimal.Decimal `json:"funding_pnl" db:"funding_pnl"`
	PricePnL       decimal.Decimal `json:"price_pnl" db:"price_pnl"`
	AvgHoldHours   float64         `json:"avg_hold_hours" db:"avg_hold_hours"`
	WinRatePct     float64         `json:"win_rate_pct" db:"win_rate_pct"`
}

// AnalyticsRepo runs the reporting aggregations over closed positions.
type AnalyticsRepo interface {
	Daily(ctx context.Context, days int) ([]DailyAnalytics, error)
	Summary(ctx context.Context) (*SummaryAnalytics, error)
	Attribution(ctx context.Context) ([]AttributionRow, error)
}

// Store aggregates all repositories.
type Store struct {
	Opportunities OpportunityRepo
	Positions     PositionRepo
	ExchangeState ExchangeStateRepo
	Funding       FundingRepo
	Allocations   AllocationRepo
	Config        ConfigRepo
	Audit         AuditRepo
	Analytics     AnalyticsRepo
}
