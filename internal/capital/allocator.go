// Package capital owns the allocation ledger and the four capital pools.
// Reserve moves funds into pending, confirm into active, release back into
// reserve; the pools are rebuilt from venue balances and the non-terminal
// allocations on every refresh so they cannot drift from the ledger.
package capital

import (
	"context"
	"fmt"
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

// Connector yields initialized adapters for configured venues. Satisfied by
// exchange.Registry.
type Connector interface {
	Connect(ctx context.Context, cfg models.ExchangeConfig) (exchange.Adapter, error)
}

// TradeValidator runs pre-trade risk checks. Satisfied by risk.Manager.
type TradeValidator interface {
	ValidateTrade(ctx context.Context, opportunityID string, sizeUSD decimal.Decimal, longExchange, shortExchange string) (*models.TradeValidation, error)
}

// Unwinder closes a position on command. Satisfied by position.Manager.
type Unwinder interface {
	ClosePosition(ctx context.Context, pos *models.Position, reason string) error
}

// ErrInsufficientCapital is returned when a reservation exceeds available
// reserve capital.
var ErrInsufficientCapital = fmt.Errorf("insufficient available capital")

// Config tunes the allocator loops.
type Config struct {
	BalanceRefreshInterval time.Duration
	CleanupInterval        time.Duration
	ReservationTTL         time.Duration
	ConfirmTimeout         time.Duration
}

func (c *Config) defaults() {
	if c.BalanceRefreshInterval <= 0 {
		c.BalanceRefreshInterval = time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 5 * time.Minute
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 2 * time.Minute
	}
}

// pendingConfirm tracks a reservation waiting for its position to open.
type pendingConfirm struct {
	allocationID string
	deadline     time.Time
}

// Allocator holds the in-memory capital state and the allocation ledger.
// All state behind mu is owned by the allocator; readers get copies.
type Allocator struct {
	cfg       Config
	store     *persistence.Store
	bus       bus.Bus
	metrics   *telemetry.Metrics
	conn      Connector
	validator TradeValidator
	unwinder  Unwinder

	mu          sync.Mutex
	state       models.CapitalState
	allocations map[string]*models.Allocation
	pending     map[string]pendingConfirm // keyed by opportunity id
}

// New builds an allocator. The validator and unwinder may be nil in tests.
func New(cfg Config, store *persistence.Store, b bus.Bus, m *telemetry.Metrics,
	conn Connector, validator TradeValidator, unwinder Unwinder) *Allocator {
	cfg.defaults()
	return &Allocator{
		cfg:       cfg,
		store:     store,
		bus:       b,
		metrics:   m,
		conn:      conn,
		validator: validator,
		unwinder:  unwinder,
		state: models.CapitalState{
			Reserve:       models.NewCapitalPool(),
			Active:        models.NewCapitalPool(),
			Pending:       models.NewCapitalPool(),
			Transit:       models.NewCapitalPool(),
			VenueBalances: make(map[string]decimal.Decimal),
			Health:        models.CapitalHealthy,
		},
		allocations: make(map[string]*models.Allocation),
		pending:     make(map[string]pendingConfirm),
	}
}

// Run drives the allocator until ctx ends.
func (a *Allocator) Run(ctx context.Context) error {
	if err := a.loadState(ctx); err != nil {
		return err
	}
	if err := a.RefreshBalances(ctx); err != nil {
		log.Warn().Err(err).Msg("initial balance refresh failed")
	}
	a.EnforceCoinCap(ctx)

	a.bus.Subscribe(models.TopicExecutionRequest, a.onExecutionRequest)
	a.bus.Subscribe(models.TopicPositionOpened, a.onPositionOpened)
	a.bus.Subscribe(models.TopicPositionClosed, a.onPositionClosed)

	refresh := time.NewTicker(a.cfg.BalanceRefreshInterval)
	cleanup := time.NewTicker(a.cfg.CleanupInterval)
	defer refresh.Stop()
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			if err := a.RefreshBalances(ctx); err != nil {
				log.Warn().Err(err).Msg("balance refresh failed")
			}
			a.EnforceCoinCap(ctx)
		case <-cleanup.C:
			a.CleanupExpired(ctx)
			a.expireConfirms(ctx, time.Now().UTC())
		}
	}
}

// loadState rebuilds the in-memory ledger from non-terminal allocations.
func (a *Allocator) loadState(ctx context.Context) error {
	allocs, err := a.store.Allocations.ListByStatus(ctx,
		models.AllocReserved, models.AllocDeployed, models.AllocReleasing)
	if err != nil {
		return fmt.Errorf("failed to load allocations: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range allocs {
		alloc := allocs[i]
		a.allocations[alloc.ID] = &alloc
	}
	log.Info().Int("allocations", len(allocs)).Msg("allocation ledger loaded")
	return nil
}

// Reserve moves amount from the reserve pool into pending and records a
// reserved allocation that expires unless confirmed.
func (a *Allocator) Reserve(ctx context.Context, opportunityID, symbol, venue string, amount decimal.Decimal) (*models.Allocation, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("reservation amount must be positive")
	}
	params, err := a.store.Config.GetStrategy(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load strategy parameters: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	available := a.state.AvailableUSD(params.ReserveTargetPct)
	if amount.GreaterThan(available) {
		return nil, fmt.Errorf("%w: requested %s, available %s",
			ErrInsufficientCapital, amount.StringFixed(2), available.StringFixed(2))
	}

	now := time.Now().UTC()
	expires := now.Add(a.cfg.ReservationTTL)
	alloc := &models.Allocation{
		ID:            uuid.New().String(),
		OpportunityID: opportunityID,
		Symbol:        symbol,
		Venue:         venue,
		AmountUSD:     amount,
		Status:        models.AllocReserved,
		AllocatedAt:   now,
		ExpiresAt:     &expires,
	}
	if err := a.store.Allocations.Insert(ctx, alloc); err != nil {
		return nil, fmt.Errorf("failed to persist allocation: %w", err)
	}

	a.state.Reserve.Sub(venue, amount)
	a.state.Pending.Add(venue, amount)
	a.allocations[alloc.ID] = alloc
	a.publishPoolGauges()

	log.Info().Str("allocation", alloc.ID).Str("symbol", symbol).
		Str("amount", amount.StringFixed(2)).Msg("capital reserved")
	return alloc, nil
}

// Confirm moves a reserved allocation to deployed and its capital from
// pending to active, tying it to the opened position.
func (a *Allocator) Confirm(ctx context.Context, allocationID, positionID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	alloc, ok := a.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s not tracked", allocationID)
	}
	if alloc.Status != models.AllocReserved {
		return fmt.Errorf("allocation %s is %s, not reserved", allocationID, alloc.Status)
	}

	now := time.Now().UTC()
	alloc.Status = models.AllocDeployed
	alloc.PositionID = positionID
	alloc.DeployedAt = &now
	alloc.ExpiresAt = nil
	if err := a.store.Allocations.Update(ctx, alloc); err != nil {
		return fmt.Errorf("failed to persist confirm: %w", err)
	}

	a.state.Pending.Sub(alloc.Venue, alloc.AmountUSD)
	a.state.Active.Add(alloc.Venue, alloc.AmountUSD)
	a.publishPoolGauges()

	log.Info().Str("allocation", allocationID).Str("position", positionID).
		Msg("allocation deployed")
	return nil
}

// Release returns a reserved or deployed allocation's capital to the
// reserve pool.
func (a *Allocator) Release(ctx context.Context, allocationID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(ctx, allocationID)
}

func (a *Allocator) releaseLocked(ctx context.Context, allocationID string) error {
	alloc, ok := a.allocations[allocationID]
	if !ok {
		return fmt.Errorf("allocation %s not tracked", allocationID)
	}

	switch alloc.Status {
	case models.AllocReserved:
		a.state.Pending.Sub(alloc.Venue, alloc.AmountUSD)
	case models.AllocDeployed, models.AllocReleasing:
		a.state.Active.Sub(alloc.Venue, alloc.AmountUSD)
	default:
		return fmt.Errorf("allocation %s is already %s", allocationID, alloc.Status)
	}
	a.state.Reserve.Add(alloc.Venue, alloc.AmountUSD)

	now := time.Now().UTC()
	alloc.Status = models.AllocReleased
	alloc.ReleasedAt = &now
	if err := a.store.Allocations.Update(ctx, alloc); err != nil {
		return fmt.Errorf("failed to persist release: %w", err)
	}
	delete(a.allocations, allocationID)
	a.publishPoolGauges()

	log.Info().Str("allocation", allocationID).Msg("allocation released")
	return nil
}

// CleanupExpired releases reserved allocations past their expiry and
// returns how many were released.
func (a *Allocator) CleanupExpired(ctx context.Context) int {
	expired, err := a.store.Allocations.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("failed to list expired allocations")
		return 0
	}
	released := 0
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alloc := range expired {
		if _, ok := a.allocations[alloc.ID]; !ok {
			continue
		}
		if err := a.releaseLocked(ctx, alloc.ID); err != nil {
			log.Warn().Err(err).Str("allocation", alloc.ID).Msg("expiry release failed")
			continue
		}
		released++
	}
	if released > 0 {
		log.Info().Int("released", released).Msg("expired reservations released")
	}
	return released
}

// RefreshBalances pulls per-venue balances from the adapters and rebuilds
// the pools: pending and active from the ledger, reserve is the remainder.
func (a *Allocator) RefreshBalances(ctx context.Context) error {
	venues, err := a.store.Config.ListExchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list venues: %w", err)
	}

	balances := make(map[string]decimal.Decimal)
	for _, cfg := range venues {
		if !cfg.Enabled || !cfg.HasCredentials() {
			continue
		}
		adapter, err := a.conn.Connect(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("balance connect failed")
			continue
		}
		bal, err := adapter.GetBalance(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("balance fetch failed")
			continue
		}
		balances[cfg.Slug] = bal.TotalUSD
		row := &models.VenueBalance{
			Venue:     cfg.Slug,
			TotalUSD:  bal.TotalUSD,
			FreeUSD:   bal.FreeUSD,
			UsedUSD:   bal.UsedUSD,
			UpdatedAt: time.Now().UTC(),
		}
		if err := a.store.Allocations.UpsertVenueBalance(ctx, row); err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("balance persist failed")
		}
	}

	params, err := a.store.Config.GetStrategy(ctx)
	if err != nil {
		return fmt.Errorf("failed to load strategy parameters: %w", err)
	}

	a.mu.Lock()
	a.rebuildPoolsLocked(balances, params.ReserveTargetPct)
	state := a.copyStateLocked()
	a.mu.Unlock()

	a.bus.Publish(ctx, models.TopicBalanceUpdate, state)
	return nil
}

// rebuildPoolsLocked recomputes the pools from venue balances and the
// ledger. Mass is conserved: reserve absorbs whatever pending and active do
// not claim.
func (a *Allocator) rebuildPoolsLocked(balances map[string]decimal.Decimal, reserveTargetPct decimal.Decimal) {
	total := decimal.Zero
	for _, amount := range balances {
		total = total.Add(amount)
	}

	pending := models.NewCapitalPool()
	active := models.NewCapitalPool()
	for _, alloc := range a.allocations {
		switch alloc.Status {
		case models.AllocReserved:
			pending.Add(alloc.Venue, alloc.AmountUSD)
		case models.AllocDeployed, models.AllocReleasing:
			active.Add(alloc.Venue, alloc.AmountUSD)
		}
	}

	reserve := models.NewCapitalPool()
	for venue, amount := range balances {
		free := amount.Sub(pending.ByVenue[venue]).Sub(active.ByVenue[venue])
		if free.IsNegative() {
			free = decimal.Zero
		}
		reserve.Add(venue, free)
	}

	a.state.TotalCapitalUSD = total
	a.state.Reserve = reserve
	a.state.Pending = pending
	a.state.Active = active
	a.state.Transit = models.NewCapitalPool()
	a.state.VenueBalances = balances
	a.state.UpdatedAt = time.Now().UTC()

	target := total.Mul(reserveTargetPct).Div(decimal.NewFromInt(100))
	switch {
	case reserve.TotalValueUSD.GreaterThanOrEqual(target):
		a.state.Health = models.CapitalHealthy
	case reserve.TotalValueUSD.GreaterThanOrEqual(target.Div(decimal.NewFromInt(2))):
		a.state.Health = models.CapitalLow
	default:
		a.state.Health = models.CapitalCritical
	}
	a.publishPoolGauges()
}

// State returns a copy of the current capital state.
func (a *Allocator) State() models.CapitalState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.copyStateLocked()
}

// Allocations returns a copy of the non-terminal ledger.
func (a *Allocator) Allocations() []models.Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]models.Allocation, 0, len(a.allocations))
	for _, alloc := range a.allocations {
		out = append(out, *alloc)
	}
	return out
}

func (a *Allocator) copyStateLocked() models.CapitalState {
	state := a.state
	state.Reserve = copyPool(a.state.Reserve)
	state.Active = copyPool(a.state.Active)
	state.Pending = copyPool(a.state.Pending)
	state.Transit = copyPool(a.state.Transit)
	state.VenueBalances = make(map[string]decimal.Decimal, len(a.state.VenueBalances))
	for venue, amount := range a.state.VenueBalances {
		state.VenueBalances[venue] = amount
	}
	return state
}

func copyPool(p models.CapitalPool) models.CapitalPool {
	out := models.CapitalPool{TotalValueUSD: p.TotalValueUSD, ByVenue: make(map[string]decimal.Decimal, len(p.ByVenue))}
	for venue, amount := range p.ByVenue {
		out.ByVenue[venue] = amount
	}
	return out
}

func (a *Allocator) publishPoolGauges() {
	set := func(pool string, v decimal.Decimal) {
		f, _ := v.Float64()
		a.metrics.PoolBalance.WithLabelValues(pool).Set(f)
	}
	set("reserve", a.state.Reserve.TotalValueUSD)
	set("pending", a.state.Pending.TotalValueUSD)
	set("active", a.state.Active.TotalValueUSD)
	set("transit", a.state.Transit.TotalValueUSD)
}

func (a *Allocator) recordActivity(ctx context.Context, entityID, decision, narrative string, metrics map[string]any) {
	if a.store.Audit == nil {
		return
	}
	err := a.store.Audit.InsertActivity(ctx, &models.ActivityEvent{
		Category:  "capital",
		EntityID:  entityID,
		Worker:    "allocator",
		Decision:  decision,
		Narrative: narrative,
		Metrics:   metrics,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record capital activity")
	}
}
