package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event topics. Components publish typed payloads on these and subscribe to
// what they consume; handlers are idempotent on (entity id, timestamp).
const (
	TopicFundingRate        = "market_data.funding_rate"
	TopicUnifiedSnapshot    = "market_data.unified_snapshot"
	TopicOpportunityDetected = "opportunity.detected"
	TopicOpportunityUpdated  = "opportunity.updated"
	TopicOpportunityExpired  = "opportunity.expired"
	TopicExecutionRequest    = "execution.request"
	TopicExecutionApproved   = "execution.approved"
	TopicExecutionFailed     = "execution.failed"
	TopicPositionOpened      = "position.opened"
	TopicPositionClosed      = "position.closed"
	TopicBalanceUpdate       = "capital.balance_update"
	TopicRiskLimitsUpdated   = "config.risk_limits_updated"
	TopicBlacklistChanged    = "config.blacklist_changed"
	TopicAggregatorHealth    = "system.aggregator_health"
	TopicReconciliationAlert = "system.reconciliation_alert"
	TopicSyncComplete        = "position.sync_complete"
	TopicActivity            = "activity"
)

// Cache keys for values shared through the K/V store.
const (
	CacheKeySpreads              = "cache.funding_spreads"
	CacheKeySnapshot             = "cache.unified_snapshot"
	CacheKeyReconciliationReport = "cache.reconciliation_report"
)

// OpportunityEvent is the lightweight reference published on the
// opportunity.* topics.
type OpportunityEvent struct {
	OpportunityID string          `json:"opportunity_id"`
	Symbol        string          `json:"symbol"`
	LongExchange  string          `json:"long_exchange"`
	ShortExchange string          `json:"short_exchange"`
	UOSScore      float64         `json:"uos_score"`
	SpreadPct     decimal.Decimal `json:"spread_pct"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ExecutionRequest asks the execution engine to open both legs.
type ExecutionRequest struct {
	OpportunityID   string          `json:"opportunity_id"`
	Symbol          string          `json:"symbol"`
	PositionSizeUSD decimal.Decimal `json:"position_size_usd"`
	LongExchange    string          `json:"long_exchange"`
	ShortExchange   string          `json:"short_exchange"`
	UOSScore        float64         `json:"uos_score"`
	AutoExecuted    bool            `json:"auto_executed"`
	Timestamp       time.Time       `json:"timestamp"`
}

// PositionEvent is published when a position opens or closes.
type PositionEvent struct {
	PositionID    string          `json:"position_id"`
	OpportunityID string          `json:"opportunity_id,omitempty"`
	Symbol        string          `json:"symbol"`
	CapitalUSD    decimal.Decimal `json:"capital_usd"`
	LongExchange  string          `json:"long_exchange"`
	ShortExchange string          `json:"short_exchange"`
	ExitReason    string          `json:"exit_reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// BlacklistEvent signals a symbol entering or leaving the blacklist.
type BlacklistEvent struct {
	Symbol    string    `json:"symbol"`
	Added     bool      `json:"added"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// SourceHealthEvent reports an aggregator source transition.
type SourceHealthEvent struct {
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen"`
	Timestamp time.Time `json:"timestamp"`
}

// ActivityEvent is a human-readable narrative record for the UI stream and
// the audit.activity_events table.
type ActivityEvent struct {
	ID        int64          `json:"id" db:"id"`
	Category  string         `json:"category" db:"category"`
	EntityID  string         `json:"entity_id,omitempty" db:"entity_id"`
	Worker    string         `json:"worker" db:"worker"`
	Decision  string         `json:"decision,omitempty" db:"decision"`
	Narrative string         `json:"narrative" db:"narrative"`
	Metrics   map[string]any `json:"metrics,omitempty" db:"metrics"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// ExecutionLogEntry is one step of the append-only per-opportunity execution
// trail consumed by the UI and post-mortems.
type ExecutionLogEntry struct {
	ID            int64          `json:"id" db:"id"`
	OpportunityID string         `json:"opportunity_id" db:"opportunity_id"`
	Step          string         `json:"step" db:"step"`
	Status        string         `json:"status" db:"status"`
	Detail        string         `json:"detail,omitempty" db:"detail"`
	Payload       map[string]any `json:"payload,omitempty" db:"payload"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}
