package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

// fakeAdapter is a scriptable venue.
type fakeAdapter struct {
	name       string
	price      decimal.Decimal
	minSize    decimal.Decimal
	failOrders map[int]error // 1-based order index -> error
	mu         sync.Mutex
	orders     []exchange.OrderRequest
}

func newFakeAdapter(name string, price float64) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		price:      decimal.NewFromFloat(price),
		failOrders: make(map[int]error),
	}
}

func (f *fakeAdapter) Name() string                       { return f.name }
func (f *fakeAdapter) Initialize(context.Context) error   { return nil }
func (f *fakeAdapter) Close() error                       { return nil }

func (f *fakeAdapter) FundingRates(context.Context) ([]models.FundingRate, error) {
	return []models.FundingRate{
		models.NewFundingRate(f.name, "BTCUSDT", decimal.NewFromFloat(0.0001), 8, models.SourceExchangeAPI),
	}, nil
}

func (f *fakeAdapter) Prices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}

func (f *fakeAdapter) GetTicker(_ context.Context, symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: f.price}, nil
}

func (f *fakeAdapter) GetLiquidity(context.Context, string) (*exchange.Liquidity, error) {
	return nil, nil
}

func (f *fakeAdapter) MinOrderSize(context.Context, string) (decimal.Decimal, error) {
	return f.minSize, nil
}

func (f *fakeAdapter) GetBalance(context.Context) (*exchange.Balance, error) { return nil, nil }
func (f *fakeAdapter) GetPositions(context.Context) ([]models.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOpenOrders(context.Context) ([]models.ExchangeOrder, error) {
	return nil, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, req)
	if err, ok := f.failOrders[len(f.orders)]; ok {
		return nil, err
	}
	return &exchange.OrderResult{
		OrderID:        f.name + "-order-1",
		Status:         "filled",
		FilledQuantity: req.Quantity,
		AvgFillPrice:   f.price,
		PlacedAt:       time.Now().UTC(),
	}, nil
}

func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }

func (f *fakeAdapter) placed() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]exchange.OrderRequest, len(f.orders))
	copy(out, f.orders)
	return out
}

// fakeConnector maps slugs to fake adapters.
type fakeConnector struct {
	adapters map[string]exchange.Adapter
	err      error
}

func (f *fakeConnector) Connect(_ context.Context, cfg models.ExchangeConfig) (exchange.Adapter, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adapters[cfg.Slug], nil
}

// stubOpps is a map-backed OpportunityRepo.
type stubOpps struct {
	mu   sync.Mutex
	rows map[string]models.Opportunity
}

func (s *stubOpps) Upsert(_ context.Context, opp *models.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[opp.ID] = *opp
	return nil
}

func (s *stubOpps) Get(_ context.Context, id string) (*models.Opportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opp, ok := s.rows[id]; ok {
		return &opp, nil
	}
	return nil, nil
}

func (s *stubOpps) List(context.Context, persistence.OpportunityFilter) ([]models.Opportunity, error) {
	return nil, nil
}
func (s *stubOpps) ListActive(context.Context, time.Time) ([]models.Opportunity, error) {
	return nil, nil
}

func (s *stubOpps) SetStatus(_ context.Context, id string, allowedFrom []models.OpportunityStatus,
	to models.OpportunityStatus, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	for _, from := range allowedFrom {
		if opp.Status == from {
			opp.Status = to
			opp.StatusReason = reason
			s.rows[id] = opp
			return true, nil
		}
	}
	return false, nil
}

// stubPositions records CreateWithLegs calls. Like the real repository it
// stamps the source opportunity executed in the same call.
type stubPositions struct {
	mu        sync.Mutex
	opps      *stubOpps
	positions []models.Position
	legs      [][]models.Leg
	err       error
}

func (s *stubPositions) CreateWithLegs(ctx context.Context, pos *models.Position, legs []models.Leg) error {
	s.mu.Lock()
	if s.err != nil {
		s.mu.Unlock()
		return s.err
	}
	s.positions = append(s.positions, *pos)
	s.legs = append(s.legs, legs)
	s.mu.Unlock()
	if s.opps != nil && pos.OpportunityID != "" {
		_, _ = s.opps.SetStatus(ctx, pos.OpportunityID,
			[]models.OpportunityStatus{models.OppExecuting}, models.OppExecuted, "position_opened")
	}
	return nil
}

func (s *stubPositions) Get(context.Context, string) (*models.Position, error) { return nil, nil }
func (s *stubPositions) List(context.Context, persistence.PositionFilter) ([]models.Position, error) {
	return nil, nil
}
func (s *stubPositions) ListActive(context.Context) ([]models.Position, error) { return nil, nil }
func (s *stubPositions) Update(context.Context, *models.Position) error        { return nil }
func (s *stubPositions) UpdateLeg(context.Context, *models.Leg) error          { return nil }
func (s *stubPositions) Close(context.Context, *models.Position) error         { return nil }
func (s *stubPositions) CountActiveSymbols(context.Context) (int, error)       { return 0, nil }
func (s *stubPositions) ActiveSymbols(context.Context) ([]string, error)       { return nil, nil }

// stubConfig serves venue configs.
type stubConfig struct {
	venues map[string]models.ExchangeConfig
}

func (s *stubConfig) GetStrategy(context.Context) (*models.StrategyParameters, error) {
	return nil, nil
}
func (s *stubConfig) SaveStrategy(context.Context, *models.StrategyParameters) error { return nil }
func (s *stubConfig) ResetStrategy(context.Context) (*models.StrategyParameters, error) {
	return nil, nil
}
func (s *stubConfig) GetRiskLimits(context.Context) (*models.RiskLimits, error) { return nil, nil }
func (s *stubConfig) SaveRiskLimits(context.Context, *models.RiskLimits) error  { return nil }
func (s *stubConfig) ListExchanges(context.Context) ([]models.ExchangeConfig, error) {
	return nil, nil
}
func (s *stubConfig) GetExchange(_ context.Context, slug string) (*models.ExchangeConfig, error) {
	if cfg, ok := s.venues[slug]; ok {
		return &cfg, nil
	}
	return nil, nil
}
func (s *stubConfig) SaveExchange(context.Context, *models.ExchangeConfig) error { return nil }
func (s *stubConfig) ListBlacklist(context.Context) ([]models.BlacklistEntry, error) {
	return nil, nil
}
func (s *stubConfig) AddBlacklist(context.Context, *models.BlacklistEntry) error { return nil }
func (s *stubConfig) RemoveBlacklist(context.Context, string) error              { return nil }

// stubAudit collects execution log steps.
type stubAudit struct {
	mu    sync.Mutex
	steps []models.ExecutionLogEntry
}

func (s *stubAudit) InsertActivity(context.Context, *models.ActivityEvent) error { return nil }
func (s *stubAudit) ListActivity(context.Context, int) ([]models.ActivityEvent, error) {
	return nil, nil
}

func (s *stubAudit) InsertExecutionLog(_ context.Context, entry *models.ExecutionLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, *entry)
	return nil
}

func (s *stubAudit) ListExecutionLog(context.Context, string) ([]models.ExecutionLogEntry, error) {
	return nil, nil
}

func (s *stubAudit) stepNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.steps))
	for i, st := range s.steps {
		out[i] = st.Step
	}
	return out
}

type fixture struct {
	executor  *Executor
	bus       *bus.MemoryBus
	opps      *stubOpps
	positions *stubPositions
	audit     *stubAudit
	long      *fakeAdapter
	short     *fakeAdapter
}

func credentialed(slug string) models.ExchangeConfig {
	return models.ExchangeConfig{
		Slug:               slug,
		Enabled:            true,
		EncryptedAPIKey:    "key",
		EncryptedAPISecret: "secret",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:   bus.NewMemoryBus(),
		opps:  &stubOpps{rows: make(map[string]models.Opportunity)},
		audit: &stubAudit{},
		long:  newFakeAdapter("binance", 50000),
		short: newFakeAdapter("bybit", 50000),
	}
	f.positions = &stubPositions{opps: f.opps}
	store := &persistence.Store{
		Opportunities: f.opps,
		Positions:     f.positions,
		Config: &stubConfig{venues: map[string]models.ExchangeConfig{
			"binance": credentialed("binance"),
			"bybit":   credentialed("bybit"),
		}},
		Audit: f.audit,
	}
	conn := &fakeConnector{adapters: map[string]exchange.Adapter{
		"binance": f.long,
		"bybit":   f.short,
	}}
	f.executor = New(Config{}, store, f.bus, telemetry.NewTestMetrics(), conn)
	return f
}

func seedOpportunity(f *fixture, status models.OpportunityStatus) *models.Opportunity {
	opp := models.NewOpportunity(models.NewSpread("BTC",
		models.NewFundingRate("binance", "BTCUSDT", decimal.NewFromFloat(0.0001), 8, models.SourceExchangeAPI),
		models.NewFundingRate("bybit", "BTCUSDT", decimal.NewFromFloat(0.0005), 8, models.SourceExchangeAPI)))
	opp.Status = status
	opp.RecommendedSizeUSD = decimal.NewFromInt(1000)
	f.opps.rows[opp.ID] = *opp
	return opp
}

func TestExecuteOpensBothLegs(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)

	pos, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	require.NotNil(t, pos)

	assert.Equal(t, models.PosActive, pos.Status)
	assert.Equal(t, models.HealthHealthy, pos.HealthStatus)
	require.Len(t, pos.Legs, 2)
	assert.Equal(t, models.LegPrimary, pos.Legs[0].LegType)
	assert.Equal(t, models.SideLong, pos.Legs[0].Side)
	assert.Equal(t, "binance", pos.Legs[0].Exchange)
	assert.Equal(t, models.LegHedge, pos.Legs[1].LegType)
	assert.Equal(t, models.SideShort, pos.Legs[1].Side)
	assert.True(t, pos.Legs[0].Quantity.Equal(pos.Legs[1].Quantity))

	// quantity = capital x leverage / price = 1000 x 3 / 50000
	assert.True(t, pos.Legs[0].Quantity.Equal(decimal.NewFromFloat(0.06)),
		"got %s", pos.Legs[0].Quantity)

	stored, err := f.opps.Get(context.Background(), opp.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OppExecuted, stored.Status)

	assert.Len(t, f.bus.Published[models.TopicPositionOpened], 1)
	assert.Contains(t, f.audit.stepNames(), "placing_primary_order")
	assert.Contains(t, f.audit.stepNames(), "hedge_order_result")
	assert.Contains(t, f.audit.stepNames(), "position_created")
}

func TestExecuteRejectsTerminalOpportunity(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppClosed)

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, err.(*Error).Kind)
	assert.Empty(t, f.long.placed())
}

func TestExecuteRejectsExpiredOpportunity(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	stale := f.opps.rows[opp.ID]
	stale.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	f.opps.rows[opp.ID] = stale

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindInvalidState, err.(*Error).Kind)
}

func TestExecuteRejectsMissingCredentials(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	store := f.executor.store
	store.Config = &stubConfig{venues: map[string]models.ExchangeConfig{
		"binance": credentialed("binance"),
		"bybit":   {Slug: "bybit", Enabled: true}, // no keys
	}}

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindMissingCredentials, err.(*Error).Kind)

	stored, _ := f.opps.Get(context.Background(), opp.ID)
	assert.Equal(t, models.OppRejected, stored.Status)
}

func TestPrimaryFailureRejectsWithoutHedge(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	f.long.failOrders[1] = assert.AnError

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindOrderFailed, err.(*Error).Kind)
	assert.Empty(t, f.short.placed())

	stored, _ := f.opps.Get(context.Background(), opp.ID)
	assert.Equal(t, models.OppRejected, stored.Status)
	assert.Empty(t, f.positions.positions)
}

func TestHedgeFailureRollsBackPrimary(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	f.short.failOrders[1] = assert.AnError

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindOrderFailed, err.(*Error).Kind)

	orders := f.long.placed()
	require.Len(t, orders, 2)
	assert.Equal(t, models.SideLong, orders[0].Side)
	assert.Equal(t, models.SideShort, orders[1].Side)
	assert.True(t, orders[1].ReduceOnly)
	assert.True(t, orders[0].Quantity.Equal(orders[1].Quantity))

	assert.Contains(t, f.audit.stepNames(), "rollback_started")
	assert.Contains(t, f.audit.stepNames(), "rollback_result")
	assert.Empty(t, f.positions.positions)
}

func TestRollbackFailureEscalates(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	f.short.failOrders[1] = assert.AnError // hedge fails
	f.long.failOrders[2] = assert.AnError  // rollback fails too

	_, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, KindManualIntervention, err.(*Error).Kind)

	stored, _ := f.opps.Get(context.Background(), opp.ID)
	assert.Equal(t, models.OppRejected, stored.Status)
	assert.Equal(t, KindManualIntervention, stored.StatusReason)
}

func TestQuantityClampedToMinNotional(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)

	// $1 at 3x on a $50k asset is far below the $6 notional floor
	pos, err := f.executor.Execute(context.Background(), opp.ID, decimal.NewFromInt(1), decimal.Zero)
	require.NoError(t, err)
	notional := pos.Legs[0].Quantity.Mul(decimal.NewFromInt(50000))
	assert.True(t, notional.GreaterThanOrEqual(decimal.NewFromInt(6)), "notional %s", notional)
}

func TestQuantityClampedToVenueMinimum(t *testing.T) {
	f := newFixture(t)
	opp := seedOpportunity(f, models.OppScored)
	f.short.minSize = decimal.NewFromFloat(0.1) // above the computed 0.06

	pos, err := f.executor.Execute(context.Background(), opp.ID, decimal.Zero, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, pos.Legs[0].Quantity.Equal(decimal.NewFromFloat(0.1)))
}

func TestCanonicalSlugAliases(t *testing.T) {
	assert.Equal(t, "binance", CanonicalSlug("BinanceUSDM"))
	assert.Equal(t, "gate", CanonicalSlug("gate.io"))
	assert.Equal(t, "hyperliquid", CanonicalSlug("HL"))
	assert.Equal(t, "okx", CanonicalSlug("okex"))
	assert.Equal(t, "bybit", CanonicalSlug(" bybit "))
}
