// Package risk guards the portfolio: pre-trade validation against hard
// limits, a circuit breaker with manual and automatic trips, and an offline
// stress tester.
package risk

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

// CapitalView exposes the allocator's capital state. Satisfied by
// capital.Allocator.
type CapitalView interface {
	State() models.CapitalState
}

// OutageReporter names venues currently failing health checks. Satisfied by
// the exchange registry wrapper; nil disables the outage trip.
type OutageReporter interface {
	OfflineVenues() []string
}

// Validation rule names, used as rejection reasons and metric labels.
const (
	RuleBreakerActive   = "circuit_breaker_active"
	RuleSizeMaxUSD      = "size_exceeds_max_usd"
	RuleSizeMaxPct      = "size_exceeds_max_pct"
	RuleVenueExposure   = "venue_exposure_exceeded"
	RuleAssetExposure   = "asset_exposure_exceeded"
	RuleGrossExposure   = "gross_exposure_exceeded"
	RuleNetExposure     = "net_exposure_exceeded"
	RuleLeverageMax     = "leverage_exceeds_max"
)

// outageCapitalTripPct is the share of total capital on offline venues that
// trips the breaker.
const outageCapitalTripPct = 50

// Config tunes the automatic breaker checks.
type Config struct {
	CheckInterval time.Duration
}

func (c *Config) defaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
}

// Manager runs pre-trade validation and owns the circuit breaker.
type Manager struct {
	cfg     Config
	store   *persistence.Store
	bus     bus.Bus
	metrics *telemetry.Metrics
	capital CapitalView
	outages OutageReporter
	breaker *Breaker
}

// New builds a risk manager. capital may be nil in tests; outages may be nil
// to disable the outage trip.
func New(cfg Config, store *persistence.Store, b bus.Bus, m *telemetry.Metrics,
	capital CapitalView, outages OutageReporter) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		store:   store,
		bus:     b,
		metrics: m,
		capital: capital,
		outages: outages,
		breaker: NewBreaker(m),
	}
}

// Breaker exposes the circuit breaker for wiring and the API.
func (r *Manager) Breaker() *Breaker { return r.breaker }

// Run watches execution outcomes and evaluates the automatic trip
// conditions until ctx ends.
func (r *Manager) Run(ctx context.Context) error {
	r.bus.Subscribe(models.TopicExecutionFailed, func(ctx context.Context, payload []byte) {
		limits := r.limits(ctx)
		if r.breaker.RecordFailure(limits.MaxConsecutiveFailures) {
			r.recordActivity(ctx, "", "breaker_tripped",
				"circuit breaker tripped on consecutive execution failures", nil)
		}
	})
	r.bus.Subscribe(models.TopicPositionOpened, func(ctx context.Context, payload []byte) {
		r.breaker.RecordSuccess()
	})
	r.bus.Subscribe(models.TopicRiskLimitsUpdated, func(ctx context.Context, payload []byte) {
		var limits models.RiskLimits
		if err := json.Unmarshal(payload, &limits); err != nil {
			log.Warn().Err(err).Msg("malformed risk limits event")
		}
	})

	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.checkAutoTrips(ctx)
		}
	}
}

// ValidateTrade runs every pre-trade check and returns the verdict with all
// failed rules, not just the first.
func (r *Manager) ValidateTrade(ctx context.Context, opportunityID string, sizeUSD decimal.Decimal, longExchange, shortExchange string) (*models.TradeValidation, error) {
	limits := r.limits(ctx)
	verdict := &models.TradeValidation{Accepted: true, CheckedAt: time.Now().UTC()}
	fail := func(rule string) {
		verdict.Accepted = false
		verdict.Rejections = append(verdict.Rejections, rule)
		r.metrics.TradeRejections.WithLabelValues(rule).Inc()
	}

	if r.breaker.Active() {
		fail(RuleBreakerActive)
	}

	if limits.MaxPositionSizeUSD.IsPositive() && sizeUSD.GreaterThan(limits.MaxPositionSizeUSD) {
		fail(RuleSizeMaxUSD)
	}

	total := decimal.Zero
	if r.capital != nil {
		total = r.capital.State().TotalCapitalUSD
	}
	if total.IsPositive() && limits.MaxPositionSizePct.IsPositive() {
		limit := total.Mul(limits.MaxPositionSizePct).Div(decimal.NewFromInt(100))
		if sizeUSD.GreaterThan(limit) {
			fail(RuleSizeMaxPct)
		}
	}

	symbol := ""
	if opp, err := r.store.Opportunities.Get(ctx, opportunityID); err == nil && opp != nil {
		symbol = opp.Symbol
	}

	exp, err := r.exposures(ctx)
	if err != nil {
		return nil, err
	}

	if total.IsPositive() {
		if limits.MaxVenueExposurePct.IsPositive() {
			limit := total.Mul(limits.MaxVenueExposurePct).Div(decimal.NewFromInt(100))
			if exp.venue[longExchange].Add(sizeUSD).GreaterThan(limit) ||
				exp.venue[shortExchange].Add(sizeUSD).GreaterThan(limit) {
				fail(RuleVenueExposure)
			}
		}
		if symbol != "" && limits.MaxAssetExposurePct.IsPositive() {
			limit := total.Mul(limits.MaxAssetExposurePct).Div(decimal.NewFromInt(100))
			if exp.asset[symbol].Add(sizeUSD.Mul(decimal.NewFromInt(2))).GreaterThan(limit) {
				fail(RuleAssetExposure)
			}
		}
		if limits.MaxGrossExposurePct.IsPositive() {
			limit := total.Mul(limits.MaxGrossExposurePct).Div(decimal.NewFromInt(100))
			if exp.gross.Add(sizeUSD.Mul(decimal.NewFromInt(2))).GreaterThan(limit) {
				fail(RuleGrossExposure)
			}
		}
		if limits.MaxNetExposurePct.IsPositive() {
			// both legs enter together, so the candidate adds no net delta
			limit := total.Mul(limits.MaxNetExposurePct).Div(decimal.NewFromInt(100))
			if exp.net.Abs().GreaterThan(limit) {
				fail(RuleNetExposure)
			}
		}
	}

	if limits.MaxLeverage.IsPositive() {
		if params, err := r.store.Config.GetStrategy(ctx); err == nil {
			if params.DefaultLeverage.GreaterThan(limits.MaxLeverage) {
				fail(RuleLeverageMax)
			}
		}
	}

	if !verdict.Accepted {
		r.recordActivity(ctx, opportunityID, "trade_rejected",
			symbol+" failed pre-trade validation",
			map[string]any{"rejections": verdict.Rejections, "size_usd": sizeUSD.String()})
	}
	return verdict, nil
}

// exposure aggregates over active positions.
type exposure struct {
	venue map[string]decimal.Decimal
	asset map[string]decimal.Decimal
	gross decimal.Decimal
	net   decimal.Decimal
}

func (r *Manager) exposures(ctx context.Context) (*exposure, error) {
	active, err := r.store.Positions.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	exp := &exposure{
		venue: make(map[string]decimal.Decimal),
		asset: make(map[string]decimal.Decimal),
	}
	for _, pos := range active {
		for _, leg := range pos.Legs {
			notional := leg.NotionalUSD.Abs()
			exp.venue[leg.Exchange] = exp.venue[leg.Exchange].Add(notional)
			exp.asset[pos.Symbol] = exp.asset[pos.Symbol].Add(notional)
			exp.gross = exp.gross.Add(notional)
			exp.net = exp.net.Add(notional.Mul(leg.Side.Multiplier()))
		}
	}
	return exp, nil
}

// checkAutoTrips evaluates the drawdown and outage conditions.
func (r *Manager) checkAutoTrips(ctx context.Context) {
	if r.breaker.Active() {
		return
	}
	limits := r.limits(ctx)

	active, err := r.store.Positions.ListActive(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("drawdown check failed to list positions")
		return
	}
	pnl := decimal.Zero
	deployed := decimal.Zero
	for _, pos := range active {
		pnl = pnl.Add(pos.NetFundingPnL())
		for _, leg := range pos.Legs {
			pnl = pnl.Add(leg.UnrealizedPnL)
		}
		deployed = deployed.Add(pos.TotalCapitalDeployed)
	}
	if deployed.IsPositive() && limits.MaxDrawdownPct.IsPositive() {
		drawdown := pnl.Neg().Div(deployed).Mul(decimal.NewFromInt(100))
		if drawdown.GreaterThan(limits.MaxDrawdownPct) {
			r.breaker.Activate("portfolio drawdown " + drawdown.StringFixed(1) + "% exceeds limit")
			r.recordActivity(ctx, "", "breaker_tripped",
				"circuit breaker tripped on portfolio drawdown",
				map[string]any{"drawdown_pct": drawdown.String()})
			return
		}
	}

	if r.outages != nil && r.capital != nil {
		offline := r.outages.OfflineVenues()
		if len(offline) > 0 {
			state := r.capital.State()
			if state.TotalCapitalUSD.IsPositive() {
				affected := decimal.Zero
				for _, venue := range offline {
					affected = affected.Add(state.VenueBalances[venue])
				}
				pct := affected.Div(state.TotalCapitalUSD).Mul(decimal.NewFromInt(100))
				if pct.GreaterThan(decimal.NewFromInt(outageCapitalTripPct)) {
					r.breaker.Activate("exchange outage affecting " + pct.StringFixed(0) + "% of capital")
					r.recordActivity(ctx, "", "breaker_tripped",
						"circuit breaker tripped on exchange outage",
						map[string]any{"offline": offline, "capital_pct": pct.String()})
				}
			}
		}
	}
}

func (r *Manager) limits(ctx context.Context) models.RiskLimits {
	limits, err := r.store.Config.GetRiskLimits(ctx)
	if err != nil || limits == nil {
		return models.DefaultRiskLimits()
	}
	return *limits
}

func (r *Manager) recordActivity(ctx context.Context, entityID, decision, narrative string, metrics map[string]any) {
	if r.store.Audit == nil {
		return
	}
	err := r.store.Audit.InsertActivity(ctx, &models.ActivityEvent{
		Category:  "risk",
		EntityID:  entityID,
		Worker:    "risk_manager",
		Decision:  decision,
		Narrative: narrative,
		Metrics:   metrics,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record risk activity")
	}
}
