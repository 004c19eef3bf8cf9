// Package executor opens two-leg hedged positions. The legs live on
// independent venues so there is no transactional atomicity; a failed hedge
// triggers a reduce-only rollback of the primary leg, and a failed rollback
// escalates to manual intervention.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

// Error kinds surfaced to callers and the execution log.
const (
	KindInvalidState       = "invalid_state"
	KindMissingCredentials = "missing_credentials"
	KindConnectionFailed   = "connection_failed"
	KindOrderFailed        = "order_failed"
	KindManualIntervention = "requires_manual_intervention"
)

// Error is a classified execution failure.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return e.Kind + ": " + e.Message }

func execErr(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Connector yields initialized adapters for configured venues. Satisfied by
// exchange.Registry.
type Connector interface {
	Connect(ctx context.Context, cfg models.ExchangeConfig) (exchange.Adapter, error)
}

// Config tunes sizing.
type Config struct {
	DefaultCapitalUSD decimal.Decimal
	MinNotionalUSD    decimal.Decimal
	DefaultLeverage   decimal.Decimal
}

func (c *Config) defaults() {
	if c.DefaultCapitalUSD.IsZero() {
		c.DefaultCapitalUSD = decimal.NewFromInt(100)
	}
	if c.MinNotionalUSD.IsZero() {
		c.MinNotionalUSD = decimal.NewFromInt(6)
	}
	if c.DefaultLeverage.IsZero() {
		c.DefaultLeverage = decimal.NewFromInt(3)
	}
}

// Executor turns scored opportunities into open positions.
type Executor struct {
	cfg     Config
	store   *persistence.Store
	bus     bus.Bus
	metrics *telemetry.Metrics
	conn    Connector

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds an executor.
func New(cfg Config, store *persistence.Store, b bus.Bus, m *telemetry.Metrics, conn Connector) *Executor {
	cfg.defaults()
	return &Executor{
		cfg:     cfg,
		store:   store,
		bus:     b,
		metrics: m,
		conn:    conn,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Run subscribes to approved execution requests until ctx ends. Requests
// reach this topic only after the capital allocator has reserved funds and
// risk checks have passed.
func (e *Executor) Run(ctx context.Context) error {
	e.bus.Subscribe(models.TopicExecutionApproved, func(ctx context.Context, payload []byte) {
		var req models.ExecutionRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Warn().Err(err).Msg("malformed execution request")
			return
		}
		if _, err := e.Execute(ctx, req.OpportunityID, req.PositionSizeUSD, decimal.Zero); err != nil {
			log.Error().Err(err).Str("opportunity", req.OpportunityID).Msg("execution request failed")
		}
	})
	<-ctx.Done()
	return ctx.Err()
}

// executableFrom are the statuses execute_opportunity accepts. Executing is
// included so a retry of a stuck execution is possible.
var executableFrom = []models.OpportunityStatus{
	models.OppDetected, models.OppValidated, models.OppScored,
	models.OppAllocated, models.OppExecuting,
}

// Execute opens both legs for the opportunity. sizeUSD and leverage fall
// back to the opportunity's recommendation and the platform defaults when
// zero.
func (e *Executor) Execute(ctx context.Context, opportunityID string, sizeUSD, leverage decimal.Decimal) (*models.Position, error) {
	lock := e.lockFor(opportunityID)
	lock.Lock()
	defer lock.Unlock()

	started := time.Now()
	pos, err := e.execute(ctx, opportunityID, sizeUSD, leverage)
	e.metrics.ExecutionLatency.Observe(time.Since(started).Seconds())
	if err != nil {
		kind := KindOrderFailed
		if ee, ok := err.(*Error); ok {
			kind = ee.Kind
		}
		e.metrics.ExecutionsTotal.WithLabelValues(kind).Inc()
		return nil, err
	}
	e.metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	return pos, nil
}

func (e *Executor) execute(ctx context.Context, opportunityID string, sizeUSD, leverage decimal.Decimal) (*models.Position, error) {
	opp, err := e.store.Opportunities.Get(ctx, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load opportunity: %w", err)
	}
	if opp == nil {
		return nil, execErr(KindInvalidState, "opportunity %s not found", opportunityID)
	}

	now := time.Now().UTC()
	if !statusIn(opp.Status, executableFrom) || opp.IsExpired(now) {
		err := execErr(KindInvalidState, "opportunity %s is %s (expired=%t)", opp.ID, opp.Status, opp.IsExpired(now))
		e.logStep(ctx, opp.ID, "preflight", "failed", err.Message, nil)
		return nil, err
	}

	longSlug := CanonicalSlug(opp.LongLeg.Exchange)
	shortSlug := CanonicalSlug(opp.ShortLeg.Exchange)
	longCfg, err := e.venueConfig(ctx, longSlug)
	if err == nil && longCfg == nil {
		err = fmt.Errorf("venue %s not configured", longSlug)
	}
	var shortCfg *models.ExchangeConfig
	if err == nil {
		shortCfg, err = e.venueConfig(ctx, shortSlug)
		if err == nil && shortCfg == nil {
			err = fmt.Errorf("venue %s not configured", shortSlug)
		}
	}
	if err == nil && (!longCfg.HasCredentials() || !shortCfg.HasCredentials()) {
		err = fmt.Errorf("credentials missing for %s or %s", longSlug, shortSlug)
	}
	if err != nil {
		e.reject(ctx, opp.ID, KindMissingCredentials, err.Error())
		return nil, execErr(KindMissingCredentials, "%s", err.Error())
	}

	capital := sizeUSD
	if capital.IsZero() {
		capital = opp.RecommendedSizeUSD
	}
	if capital.IsZero() {
		capital = e.cfg.DefaultCapitalUSD
	}
	if leverage.IsZero() {
		leverage = e.cfg.DefaultLeverage
	}
	e.logStep(ctx, opp.ID, "preflight", "ok", "", map[string]any{
		"capital_usd": capital.String(),
		"leverage":    leverage.String(),
		"long":        longSlug,
		"short":       shortSlug,
	})

	moved, err := e.store.Opportunities.SetStatus(ctx, opp.ID, executableFrom, models.OppExecuting, "")
	if err != nil {
		return nil, fmt.Errorf("failed to mark opportunity executing: %w", err)
	}
	if !moved {
		return nil, execErr(KindInvalidState, "opportunity %s changed state concurrently", opp.ID)
	}

	longAdapter, err := e.conn.Connect(ctx, *longCfg)
	var shortAdapter exchange.Adapter
	if err == nil {
		shortAdapter, err = e.conn.Connect(ctx, *shortCfg)
	}
	if err != nil {
		e.reject(ctx, opp.ID, KindConnectionFailed, err.Error())
		return nil, execErr(KindConnectionFailed, "%s", err.Error())
	}

	return e.openLegs(ctx, opp, longAdapter, shortAdapter, capital, leverage)
}

func (e *Executor) openLegs(ctx context.Context, opp *models.Opportunity,
	longAdapter, shortAdapter exchange.Adapter, capital, leverage decimal.Decimal) (*models.Position, error) {

	longSymbol, err := resolveSymbol(ctx, longAdapter, opp.Symbol)
	if err != nil {
		e.reject(ctx, opp.ID, KindConnectionFailed, err.Error())
		return nil, execErr(KindConnectionFailed, "%s", err.Error())
	}
	shortSymbol, err := resolveSymbol(ctx, shortAdapter, opp.Symbol)
	if err != nil {
		e.reject(ctx, opp.ID, KindConnectionFailed, err.Error())
		return nil, execErr(KindConnectionFailed, "%s", err.Error())
	}

	ticker, err := longAdapter.GetTicker(ctx, longSymbol)
	if err != nil {
		e.reject(ctx, opp.ID, KindConnectionFailed, "ticker fetch failed: "+err.Error())
		return nil, execErr(KindConnectionFailed, "ticker fetch failed: %s", err.Error())
	}
	price := ticker.Last
	if price.IsZero() {
		e.reject(ctx, opp.ID, KindInvalidState, "zero price for "+longSymbol)
		return nil, execErr(KindInvalidState, "zero price for %s", longSymbol)
	}

	quantity := e.sizeQuantity(ctx, capital, leverage, price,
		longAdapter, longSymbol, shortAdapter, shortSymbol)

	// primary leg: long side on the lower-rate venue
	e.logStep(ctx, opp.ID, "placing_primary_order", "info", "", map[string]any{
		"exchange": longAdapter.Name(), "symbol": longSymbol,
		"side": string(models.SideLong), "quantity": quantity.String(),
	})
	primaryRes, err := longAdapter.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   longSymbol,
		Side:     models.SideLong,
		Type:     exchange.OrderMarket,
		Quantity: quantity,
		ClientID: clientID(opp.ID, "p"),
	})
	if err != nil {
		e.logStep(ctx, opp.ID, "primary_order_result", "failed", err.Error(), nil)
		e.reject(ctx, opp.ID, KindOrderFailed, "primary leg failed: "+err.Error())
		return nil, execErr(KindOrderFailed, "primary leg failed: %s", err.Error())
	}
	e.logStep(ctx, opp.ID, "primary_order_result", "ok", "", map[string]any{
		"order_id": primaryRes.OrderID, "filled": primaryRes.FilledQuantity.String(),
	})

	// hedge leg
	e.logStep(ctx, opp.ID, "placing_hedge_order", "info", "", map[string]any{
		"exchange": shortAdapter.Name(), "symbol": shortSymbol,
		"side": string(models.SideShort), "quantity": quantity.String(),
	})
	hedgeRes, err := shortAdapter.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:   shortSymbol,
		Side:     models.SideShort,
		Type:     exchange.OrderMarket,
		Quantity: quantity,
		ClientID: clientID(opp.ID, "h"),
	})
	if err != nil {
		e.logStep(ctx, opp.ID, "hedge_order_result", "failed", err.Error(), nil)
		return nil, e.rollback(ctx, opp, longAdapter, longSymbol, quantity, err)
	}
	e.logStep(ctx, opp.ID, "hedge_order_result", "ok", "", map[string]any{
		"order_id": hedgeRes.OrderID, "filled": hedgeRes.FilledQuantity.String(),
	})

	return e.persistPosition(ctx, opp, longSymbol, shortSymbol, quantity, price,
		capital, leverage, primaryRes, hedgeRes)
}

// sizeQuantity converts capital and leverage to a base quantity, clamped up
// so the notional clears the platform floor and both venue minimums.
func (e *Executor) sizeQuantity(ctx context.Context, capital, leverage, price decimal.Decimal,
	longAdapter exchange.Adapter, longSymbol string,
	shortAdapter exchange.Adapter, shortSymbol string) decimal.Decimal {

	quantity := capital.Mul(leverage).Div(price)
	if quantity.Mul(price).LessThan(e.cfg.MinNotionalUSD) {
		quantity = e.cfg.MinNotionalUSD.Div(price)
	}
	for _, side := range []struct {
		adapter exchange.Adapter
		symbol  string
	}{{longAdapter, longSymbol}, {shortAdapter, shortSymbol}} {
		if min, err := side.adapter.MinOrderSize(ctx, side.symbol); err == nil && quantity.LessThan(min) {
			quantity = min
		}
	}
	return quantity
}

// rollback closes the already-filled primary leg after a hedge failure.
func (e *Executor) rollback(ctx context.Context, opp *models.Opportunity,
	longAdapter exchange.Adapter, longSymbol string, quantity decimal.Decimal, hedgeErr error) error {

	e.logStep(ctx, opp.ID, "rollback_started", "info", "closing primary leg after hedge failure", nil)
	_, err := longAdapter.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     longSymbol,
		Side:       models.SideShort,
		Type:       exchange.OrderMarket,
		Quantity:   quantity,
		ReduceOnly: true,
		ClientID:   clientID(opp.ID, "r"),
	})
	if err != nil {
		e.metrics.RollbacksTotal.WithLabelValues("failed").Inc()
		e.logStep(ctx, opp.ID, "rollback_result", "failed", err.Error(), nil)
		e.reject(ctx, opp.ID, KindManualIntervention,
			"hedge failed and rollback failed, primary leg is naked")
		log.Error().Str("opportunity", opp.ID).Str("exchange", longAdapter.Name()).
			Err(err).Msg("rollback failed, manual intervention required")
		return execErr(KindManualIntervention,
			"hedge failed (%s) and rollback failed (%s) on %s", hedgeErr, err, longAdapter.Name())
	}

	e.metrics.RollbacksTotal.WithLabelValues("success").Inc()
	e.logStep(ctx, opp.ID, "rollback_result", "ok", "", nil)
	e.reject(ctx, opp.ID, KindOrderFailed, "hedge leg failed, primary rolled back")
	return execErr(KindOrderFailed, "hedge leg failed: %s (primary rolled back)", hedgeErr)
}

func (e *Executor) persistPosition(ctx context.Context, opp *models.Opportunity,
	longSymbol, shortSymbol string, quantity, price, capital, leverage decimal.Decimal,
	primaryRes, hedgeRes *exchange.OrderResult) (*models.Position, error) {

	entryLong := primaryRes.AvgFillPrice
	if entryLong.IsZero() {
		entryLong = price
	}
	entryShort := hedgeRes.AvgFillPrice
	if entryShort.IsZero() {
		entryShort = price
	}

	now := time.Now().UTC()
	pos := &models.Position{
		ID:                   uuid.New().String(),
		OpportunityID:        opp.ID,
		Symbol:               opp.Symbol,
		PositionType:         "arbitrage",
		Status:               models.PosActive,
		HealthStatus:         models.HealthHealthy,
		TotalCapitalDeployed: capital.Mul(decimal.NewFromInt(2)),
		OpenedAt:             now,
	}
	legs := []models.Leg{
		{
			PositionID:    pos.ID,
			LegType:       models.LegPrimary,
			Exchange:      opp.LongLeg.Exchange,
			Symbol:        longSymbol,
			Side:          models.SideLong,
			Quantity:      quantity,
			EntryPrice:    entryLong,
			CurrentPrice:  entryLong,
			NotionalUSD:   quantity.Mul(entryLong),
			Leverage:      leverage,
			EntryOrderIDs: []string{primaryRes.OrderID},
		},
		{
			PositionID:    pos.ID,
			LegType:       models.LegHedge,
			Exchange:      opp.ShortLeg.Exchange,
			Symbol:        shortSymbol,
			Side:          models.SideShort,
			Quantity:      quantity,
			EntryPrice:    entryShort,
			CurrentPrice:  entryShort,
			NotionalUSD:   quantity.Mul(entryShort),
			Leverage:      leverage,
			EntryOrderIDs: []string{hedgeRes.OrderID},
		},
	}

	if err := e.store.Positions.CreateWithLegs(ctx, pos, legs); err != nil {
		e.logStep(ctx, opp.ID, "position_created", "failed", err.Error(), nil)
		return nil, fmt.Errorf("both legs filled but position persist failed: %w", err)
	}
	pos.Legs = legs

	e.logStep(ctx, opp.ID, "position_created", "ok", "", map[string]any{
		"position_id": pos.ID, "quantity": quantity.String(),
	})
	e.recordActivity(ctx, pos, opp)
	e.metrics.PositionsOpen.Inc()

	e.bus.Publish(ctx, models.TopicPositionOpened, models.PositionEvent{
		PositionID:    pos.ID,
		OpportunityID: opp.ID,
		Symbol:        pos.Symbol,
		CapitalUSD:    pos.TotalCapitalDeployed,
		LongExchange:  opp.LongLeg.Exchange,
		ShortExchange: opp.ShortLeg.Exchange,
		Timestamp:     now,
	})
	log.Info().Str("position", pos.ID).Str("symbol", pos.Symbol).
		Str("quantity", quantity.String()).Msg("position opened")
	return pos, nil
}

// reject moves the opportunity to rejected with a classified reason, best
// effort.
func (e *Executor) reject(ctx context.Context, opportunityID, kind, detail string) {
	if _, err := e.store.Opportunities.SetStatus(ctx, opportunityID, executableFrom,
		models.OppRejected, kind); err != nil {
		log.Error().Err(err).Str("opportunity", opportunityID).Msg("failed to reject opportunity")
	}
	e.logStep(ctx, opportunityID, "rejected", "failed", detail, map[string]any{"kind": kind})
	e.bus.Publish(ctx, models.TopicExecutionFailed, models.OpportunityEvent{
		OpportunityID: opportunityID,
		Status:        string(models.OppRejected),
		Reason:        kind,
		Timestamp:     time.Now().UTC(),
	})
}

func (e *Executor) logStep(ctx context.Context, opportunityID, step, status, detail string, payload map[string]any) {
	if e.store.Audit == nil {
		return
	}
	err := e.store.Audit.InsertExecutionLog(ctx, &models.ExecutionLogEntry{
		OpportunityID: opportunityID,
		Step:          step,
		Status:        status,
		Detail:        detail,
		Payload:       payload,
	})
	if err != nil {
		log.Warn().Err(err).Str("step", step).Msg("failed to write execution log")
	}
}

func (e *Executor) recordActivity(ctx context.Context, pos *models.Position, opp *models.Opportunity) {
	if e.store.Audit == nil {
		return
	}
	err := e.store.Audit.InsertActivity(ctx, &models.ActivityEvent{
		Category:  "execution",
		EntityID:  pos.ID,
		Worker:    "executor",
		Decision:  "position_opened",
		Narrative: fmt.Sprintf("opened %s long %s / short %s", pos.Symbol, opp.LongLeg.Exchange, opp.ShortLeg.Exchange),
		Metrics: map[string]any{
			"capital_usd": pos.TotalCapitalDeployed.String(),
			"uos_score":   opp.UOSScore,
		},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record execution activity")
	}
}

func (e *Executor) venueConfig(ctx context.Context, slug string) (*models.ExchangeConfig, error) {
	return e.store.Config.GetExchange(ctx, slug)
}

func (e *Executor) lockFor(opportunityID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[opportunityID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[opportunityID] = lock
	}
	return lock
}

// resolveSymbol finds the venue's market symbol for a base ticker by scanning
// its funding-rate listing, falling back to the common USDT-margined form.
func resolveSymbol(ctx context.Context, adapter exchange.Adapter, ticker string) (string, error) {
	rates, err := adapter.FundingRates(ctx)
	if err != nil {
		return "", fmt.Errorf("symbol lookup on %s failed: %w", adapter.Name(), err)
	}
	for _, fr := range rates {
		if fr.Ticker == ticker {
			return fr.Symbol, nil
		}
	}
	return ticker + "USDT", nil
}

func clientID(opportunityID, suffix string) string {
	id := opportunityID
	if len(id) > 8 {
		id = id[:8]
	}
	return "pp-" + id + "-" + suffix
}

func statusIn(s models.OpportunityStatus, set []models.OpportunityStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

// slugAliases maps venue spellings seen in external feeds to canonical slugs.
var slugAliases = map[string]string{
	"binanceusdm":    "binance",
	"binancefutures": "binance",
	"bybitfutures":   "bybit",
	"okex":           "okx",
	"gateio":         "gate",
	"gate.io":        "gate",
	"kucoinfutures":  "kucoin",
	"hl":             "hyperliquid",
	"hyper":          "hyperliquid",
	"dydxv4":         "dydx",
}

// CanonicalSlug normalizes a venue name to its configuration slug.
func CanonicalSlug(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := slugAliases[slug]; ok {
		return canonical
	}
	return slug
}
