// Package position keeps tracked positions honest against venue truth: it
// mirrors exchange state, adopts orphans, reconciles differences, grades
// health, and closes positions whose exit conditions fire.
package position

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
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

// dustNotionalUSD is the size below which an untracked exchange position is
// ignored rather than adopted.
var dustNotionalUSD = decimal.NewFromInt(1)

// Config tunes the manager loops.
type Config struct {
	SyncInterval      time.Duration
	SyncInitialDelay  time.Duration
	ReconcileInterval time.Duration
	AutoAdoptOrphans  bool
	SizeTolerancePct  float64
	PriceTolerancePct float64
}

func (c *Config) defaults() {
	if c.SyncInterval <= 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.SyncInitialDelay <= 0 {
		c.SyncInitialDelay = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 5 * time.Minute
	}
	if c.SizeTolerancePct <= 0 {
		c.SizeTolerancePct = 1
	}
	if c.PriceTolerancePct <= 0 {
		c.PriceTolerancePct = 2
	}
}

// Manager runs the sync, reconciliation, and lifecycle loops.
type Manager struct {
	cfg     Config
	store   *persistence.Store
	bus     bus.Bus
	cache   cache.Cache
	metrics *telemetry.Metrics
	conn    Connector
}

// New builds a position manager.
func New(cfg Config, store *persistence.Store, b bus.Bus, c cache.Cache,
	m *telemetry.Metrics, conn Connector) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg, store: store, bus: b, cache: c, metrics: m, conn: conn}
}

// Run drives the loops until ctx ends. The first sync waits for the initial
// delay so venue adapters settle after startup.
func (m *Manager) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.cfg.SyncInitialDelay):
	}

	m.tick(ctx)
	if _, err := m.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconciliation failed")
	}

	sync := time.NewTicker(m.cfg.SyncInterval)
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer sync.Stop()
	defer reconcile.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sync.C:
			m.tick(ctx)
		case <-reconcile.C:
			if _, err := m.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("reconciliation failed")
			}
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	if err := m.SyncOnce(ctx); err != nil {
		log.Error().Err(err).Msg("position sync failed")
	}
	if m.cfg.AutoAdoptOrphans {
		if err := m.AdoptOrphans(ctx); err != nil {
			log.Error().Err(err).Msg("orphan adoption failed")
		}
	}
	m.evaluatePositions(ctx)
}

// SyncOnce mirrors open positions and orders from every tradable venue into
// the exchange-state tables.
func (m *Manager) SyncOnce(ctx context.Context) error {
	venues, err := m.store.Config.ListExchanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to list venues: %w", err)
	}

	synced := 0
	for _, cfg := range venues {
		if !cfg.Enabled || !cfg.HasCredentials() {
			continue
		}
		adapter, err := m.conn.Connect(ctx, cfg)
		if err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("sync connect failed")
			continue
		}
		positions, err := adapter.GetPositions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("position fetch failed")
			continue
		}
		if err := m.store.ExchangeState.UpsertPositions(ctx, positions); err != nil {
			log.Error().Err(err).Str("exchange", cfg.Slug).Msg("position upsert failed")
			continue
		}
		keep := make([]string, 0, len(positions))
		for _, p := range positions {
			keep = append(keep, p.Symbol)
		}
		if err := m.store.ExchangeState.DeleteMissing(ctx, cfg.Slug, keep); err != nil {
			log.Error().Err(err).Str("exchange", cfg.Slug).Msg("stale mirror cleanup failed")
		}

		orders, err := adapter.GetOpenOrders(ctx)
		if err != nil {
			log.Warn().Err(err).Str("exchange", cfg.Slug).Msg("open order fetch failed")
		} else if err := m.store.ExchangeState.UpsertOrders(ctx, orders); err != nil {
			log.Error().Err(err).Str("exchange", cfg.Slug).Msg("order upsert failed")
		}
		synced++
	}

	m.bus.Publish(ctx, models.TopicSyncComplete, map[string]any{
		"exchanges": synced,
		"timestamp": time.Now().UTC(),
	})
	return nil
}

// AdoptOrphans pairs untracked exchange positions into synthetic tracked
// positions: longs against shorts per symbol FIFO, leftovers become
// single-leg positions flagged for attention.
func (m *Manager) AdoptOrphans(ctx context.Context) error {
	orphans, err := m.untracked(ctx)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		return nil
	}

	bySymbol := make(map[string][]models.ExchangePosition)
	for _, p := range orphans {
		bySymbol[p.Symbol] = append(bySymbol[p.Symbol], p)
	}
	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	adopted := 0
	for _, symbol := range symbols {
		var longs, shorts []models.ExchangePosition
		for _, p := range bySymbol[symbol] {
			if p.Side == models.SideLong {
				longs = append(longs, p)
			} else {
				shorts = append(shorts, p)
			}
		}
		for len(longs) > 0 && len(shorts) > 0 {
			if err := m.adoptPair(ctx, longs[0], shorts[0]); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("pair adoption failed")
			} else {
				adopted += 2
			}
			longs, shorts = longs[1:], shorts[1:]
		}
		for _, leftover := range append(longs, shorts...) {
			if err := m.adoptSingle(ctx, leftover); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("single-leg adoption failed")
			} else {
				adopted++
			}
		}
	}

	if adopted > 0 {
		m.metrics.OrphansAdopted.Add(float64(adopted))
		m.recordActivity(ctx, "", "orphans_adopted",
			fmt.Sprintf("adopted %d untracked exchange positions across %d symbols", adopted, len(symbols)),
			map[string]any{"legs": adopted})
	}
	return nil
}

// untracked returns mirror rows above dust with no corresponding leg.
func (m *Manager) untracked(ctx context.Context) ([]models.ExchangePosition, error) {
	mirror, err := m.store.ExchangeState.ListPositions(ctx)
	if err != nil {
		return nil, err
	}
	active, err := m.store.Positions.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	tracked := make(map[string]struct{})
	for _, pos := range active {
		for _, leg := range pos.Legs {
			tracked[leg.Exchange+":"+leg.Symbol] = struct{}{}
		}
	}
	var out []models.ExchangePosition
	for _, p := range mirror {
		if p.NotionalUSD.Abs().LessThan(dustNotionalUSD) {
			continue
		}
		if _, ok := tracked[p.Exchange+":"+p.Symbol]; ok {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Manager) adoptPair(ctx context.Context, long, short models.ExchangePosition) error {
	pos := newAdoptedPosition(long.Symbol, models.HealthAttention, "arbitrage")
	legs := []models.Leg{
		legFromExchange(pos.ID, models.LegPrimary, long),
		legFromExchange(pos.ID, models.LegHedge, short),
	}
	pos.TotalCapitalDeployed = marginEstimate(long).Add(marginEstimate(short))
	return m.store.Positions.CreateWithLegs(ctx, pos, legs)
}

func (m *Manager) adoptSingle(ctx context.Context, p models.ExchangePosition) error {
	pos := newAdoptedPosition(p.Symbol, models.HealthWarning, "single_leg")
	pos.TotalCapitalDeployed = marginEstimate(p)
	return m.store.Positions.CreateWithLegs(ctx, pos, []models.Leg{
		legFromExchange(pos.ID, models.LegPrimary, p),
	})
}

func newPositionID() string { return uuid.New().String() }

func newAdoptedPosition(symbol string, health models.HealthStatus, posType string) *models.Position {
	return &models.Position{
		ID:           newPositionID(),
		Symbol:       symbol,
		PositionType: posType,
		Status:       models.PosActive,
		HealthStatus: health,
		OpenedAt:     time.Now().UTC(),
	}
}

func legFromExchange(positionID string, legType models.LegType, p models.ExchangePosition) models.Leg {
	return models.Leg{
		PositionID:       positionID,
		LegType:          legType,
		Exchange:         p.Exchange,
		Symbol:           p.Symbol,
		Side:             p.Side,
		Quantity:         p.Size.Abs(),
		EntryPrice:       p.EntryPrice,
		CurrentPrice:     p.MarkPrice,
		NotionalUSD:      p.NotionalUSD.Abs(),
		Leverage:         p.Leverage,
		UnrealizedPnL:    p.UnrealizedPnL,
		LiquidationPrice: p.LiquidationPrice,
	}
}

func marginEstimate(p models.ExchangePosition) decimal.Decimal {
	if p.Leverage.IsZero() {
		return p.NotionalUSD.Abs()
	}
	return p.NotionalUSD.Abs().Div(p.Leverage)
}

func (m *Manager) recordActivity(ctx context.Context, entityID, decision, narrative string, metrics map[string]any) {
	if m.store.Audit == nil {
		return
	}
	err := m.store.Audit.InsertActivity(ctx, &models.ActivityEvent{
		Category:  "positions",
		EntityID:  entityID,
		Worker:    "position_manager",
		Decision:  decision,
		Narrative: narrative,
		Metrics:   metrics,
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record position activity")
	}
}
