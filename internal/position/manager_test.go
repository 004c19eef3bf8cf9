package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

type stubPositions struct {
	mu     sync.Mutex
	active []models.Position
	closed []models.Position
}

func (s *stubPositions) CreateWithLegs(_ context.Context, pos *models.Position, legs []models.Leg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := *pos
	p.Legs = legs
	s.active = append(s.active, p)
	return nil
}

func (s *stubPositions) Get(context.Context, string) (*models.Position, error) { return nil, nil }
func (s *stubPositions) List(context.Context, persistence.PositionFilter) ([]models.Position, error) {
	return nil, nil
}

func (s *stubPositions) ListActive(context.Context) ([]models.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Position, len(s.active))
	copy(out, s.active)
	return out, nil
}

func (s *stubPositions) Update(_ context.Context, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.active {
		if s.active[i].ID == pos.ID {
			legs := s.active[i].Legs
			s.active[i] = *pos
			if pos.Legs == nil {
				s.active[i].Legs = legs
			}
		}
	}
	return nil
}

func (s *stubPositions) UpdateLeg(context.Context, *models.Leg) error { return nil }

func (s *stubPositions) Close(_ context.Context, pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, *pos)
	for i := range s.active {
		if s.active[i].ID == pos.ID {
			s.active = append(s.active[:i], s.active[i+1:]...)
			break
		}
	}
	return nil
}

func (s *stubPositions) CountActiveSymbols(context.Context) (int, error) { return 0, nil }
func (s *stubPositions) ActiveSymbols(context.Context) ([]string, error) { return nil, nil }

type stubExchangeState struct {
	mu        sync.Mutex
	mirror    []models.ExchangePosition
	orders    []models.ExchangeOrder
	deletions []string
}

func (s *stubExchangeState) UpsertPositions(_ context.Context, positions []models.ExchangePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mirror = append(s.mirror, positions...)
	return nil
}

func (s *stubExchangeState) DeleteMissing(_ context.Context, exchange string, _ []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletions = append(s.deletions, exchange)
	return nil
}

func (s *stubExchangeState) ListPositions(context.Context) ([]models.ExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ExchangePosition, len(s.mirror))
	copy(out, s.mirror)
	return out, nil
}

func (s *stubExchangeState) UpsertOrders(_ context.Context, orders []models.ExchangeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = append(s.orders, orders...)
	return nil
}

type stubConfig struct {
	venues []models.ExchangeConfig
	params models.StrategyParameters
}

func (s *stubConfig) GetStrategy(context.Context) (*models.StrategyParameters, error) {
	p := s.params
	return &p, nil
}
func (s *stubConfig) SaveStrategy(context.Context, *models.StrategyParameters) error { return nil }
func (s *stubConfig) ResetStrategy(context.Context) (*models.StrategyParameters, error) {
	return nil, nil
}
func (s *stubConfig) GetRiskLimits(context.Context) (*models.RiskLimits, error) { return nil, nil }
func (s *stubConfig) SaveRiskLimits(context.Context, *models.RiskLimits) error  { return nil }
func (s *stubConfig) ListExchanges(context.Context) ([]models.ExchangeConfig, error) {
	return s.venues, nil
}
func (s *stubConfig) GetExchange(context.Context, string) (*models.ExchangeConfig, error) {
	return nil, nil
}
func (s *stubConfig) SaveExchange(context.Context, *models.ExchangeConfig) error { return nil }
func (s *stubConfig) ListBlacklist(context.Context) ([]models.BlacklistEntry, error) {
	return nil, nil
}
func (s *stubConfig) AddBlacklist(context.Context, *models.BlacklistEntry) error { return nil }
func (s *stubConfig) RemoveBlacklist(context.Context, string) error              { return nil }

type stubFunding struct {
	mu       sync.Mutex
	payments []models.FundingPayment
}

func (s *stubFunding) InsertRates(context.Context, []models.FundingRate) error { return nil }
func (s *stubFunding) ListRateHistory(context.Context, string, time.Time) ([]models.FundingRate, error) {
	return nil, nil
}
func (s *stubFunding) InsertSpreadHistory(context.Context, []models.Spread, string) error { return nil }
func (s *stubFunding) CleanupSpreadHistory(context.Context, time.Time) (int64, error)     { return 0, nil }

func (s *stubFunding) InsertFundingPayment(_ context.Context, p *models.FundingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payments = append(s.payments, *p)
	return nil
}

type stubAudit struct{}

func (stubAudit) InsertActivity(context.Context, *models.ActivityEvent) error { return nil }
func (stubAudit) ListActivity(context.Context, int) ([]models.ActivityEvent, error) {
	return nil, nil
}
func (stubAudit) InsertExecutionLog(context.Context, *models.ExecutionLogEntry) error { return nil }
func (stubAudit) ListExecutionLog(context.Context, string) ([]models.ExecutionLogEntry, error) {
	return nil, nil
}

type fakeAdapter struct {
	name      string
	positions []models.ExchangePosition
	orders    []models.ExchangeOrder
	mu        sync.Mutex
	placed    []exchange.OrderRequest
	orderErr  error
}

func (f *fakeAdapter) Name() string                     { return f.name }
func (f *fakeAdapter) Initialize(context.Context) error { return nil }
func (f *fakeAdapter) Close() error                     { return nil }
func (f *fakeAdapter) FundingRates(context.Context) ([]models.FundingRate, error) {
	return nil, nil
}
func (f *fakeAdapter) Prices(context.Context, []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (f *fakeAdapter) GetTicker(context.Context, string) (*exchange.Ticker, error) {
	return &exchange.Ticker{}, nil
}
func (f *fakeAdapter) GetLiquidity(context.Context, string) (*exchange.Liquidity, error) {
	return nil, nil
}
func (f *fakeAdapter) MinOrderSize(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetBalance(context.Context) (*exchange.Balance, error) { return nil, nil }

func (f *fakeAdapter) GetPositions(context.Context) ([]models.ExchangePosition, error) {
	return f.positions, nil
}

func (f *fakeAdapter) GetOpenOrders(context.Context) ([]models.ExchangeOrder, error) {
	return f.orders, nil
}

func (f *fakeAdapter) PlaceOrder(_ context.Context, req exchange.OrderRequest) (*exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.orderErr != nil {
		return nil, f.orderErr
	}
	f.placed = append(f.placed, req)
	return &exchange.OrderResult{OrderID: "x", Status: "filled"}, nil
}

func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }

type fakeConnector struct {
	adapters map[string]exchange.Adapter
}

func (f *fakeConnector) Connect(_ context.Context, cfg models.ExchangeConfig) (exchange.Adapter, error) {
	return f.adapters[cfg.Slug], nil
}

func credentialed(slug string) models.ExchangeConfig {
	return models.ExchangeConfig{
		Slug: slug, Enabled: true,
		EncryptedAPIKey: "k", EncryptedAPISecret: "s",
	}
}

type fixture struct {
	manager   *Manager
	bus       *bus.MemoryBus
	cache     *cache.MemoryCache
	positions *stubPositions
	mirror    *stubExchangeState
	funding   *stubFunding
	binance   *fakeAdapter
	bybit     *fakeAdapter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		bus:       bus.NewMemoryBus(),
		cache:     cache.NewMemoryCache(),
		positions: &stubPositions{},
		mirror:    &stubExchangeState{},
		funding:   &stubFunding{},
		binance:   &fakeAdapter{name: "binance"},
		bybit:     &fakeAdapter{name: "bybit"},
	}
	store := &persistence.Store{
		Positions:     f.positions,
		ExchangeState: f.mirror,
		Funding:       f.funding,
		Config: &stubConfig{
			venues: []models.ExchangeConfig{credentialed("binance"), credentialed("bybit")},
			params: models.DefaultStrategyParameters(),
		},
		Audit: stubAudit{},
	}
	conn := &fakeConnector{adapters: map[string]exchange.Adapter{
		"binance": f.binance, "bybit": f.bybit,
	}}
	f.manager = New(cfg, store, f.bus, f.cache, telemetry.NewTestMetrics(), conn)
	return f
}

func exchangePos(ex, symbol string, side models.PositionSide, size, notional float64) models.ExchangePosition {
	return models.ExchangePosition{
		Exchange:    ex,
		Symbol:      symbol,
		Side:        side,
		Size:        decimal.NewFromFloat(size),
		NotionalUSD: decimal.NewFromFloat(notional),
		EntryPrice:  decimal.NewFromInt(50000),
		MarkPrice:   decimal.NewFromInt(50000),
		Leverage:    decimal.NewFromInt(3),
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestSyncOnceMirrorsVenueState(t *testing.T) {
	f := newFixture(t, Config{})
	f.binance.positions = []models.ExchangePosition{
		exchangePos("binance", "BTCUSDT", models.SideLong, 0.1, 5000),
	}
	f.binance.orders = []models.ExchangeOrder{
		{Exchange: "binance", ExchangeOrderID: "1", Symbol: "BTCUSDT", Side: models.SideLong},
	}

	require.NoError(t, f.manager.SyncOnce(context.Background()))

	assert.Len(t, f.mirror.mirror, 1)
	assert.Len(t, f.mirror.orders, 1)
	assert.Contains(t, f.mirror.deletions, "binance")
	assert.Contains(t, f.mirror.deletions, "bybit")
	assert.Len(t, f.bus.Published[models.TopicSyncComplete], 1)
}

func TestAdoptOrphansPairsLongsWithShorts(t *testing.T) {
	f := newFixture(t, Config{AutoAdoptOrphans: true})
	f.mirror.mirror = []models.ExchangePosition{
		exchangePos("binance", "BTCUSDT", models.SideLong, 0.1, 5000),
		exchangePos("bybit", "BTCUSDT", models.SideShort, 0.1, 5000),
		exchangePos("okx", "ETH-USDT", models.SideLong, 1, 3000),
	}

	require.NoError(t, f.manager.AdoptOrphans(context.Background()))

	active, _ := f.positions.ListActive(context.Background())
	require.Len(t, active, 2)

	var paired, single *models.Position
	for i := range active {
		if active[i].Symbol == "BTCUSDT" {
			paired = &active[i]
		} else {
			single = &active[i]
		}
	}
	require.NotNil(t, paired)
	require.Len(t, paired.Legs, 2)
	assert.Equal(t, models.HealthAttention, paired.HealthStatus)
	assert.Equal(t, "arbitrage", paired.PositionType)

	require.NotNil(t, single)
	require.Len(t, single.Legs, 1)
	assert.Equal(t, models.HealthWarning, single.HealthStatus)
	assert.Equal(t, "single_leg", single.PositionType)
}

func TestAdoptOrphansSkipsDustAndTracked(t *testing.T) {
	f := newFixture(t, Config{AutoAdoptOrphans: true})
	f.positions.active = []models.Position{{
		ID: "p1", Symbol: "BTCUSDT", Status: models.PosActive,
		Legs: []models.Leg{{Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideLong}},
	}}
	f.mirror.mirror = []models.ExchangePosition{
		exchangePos("binance", "BTCUSDT", models.SideLong, 0.1, 5000), // tracked
		exchangePos("bybit", "DOGEUSDT", models.SideLong, 1, 0.5),     // dust
	}

	require.NoError(t, f.manager.AdoptOrphans(context.Background()))
	active, _ := f.positions.ListActive(context.Background())
	assert.Len(t, active, 1) // only the pre-existing position
}

func TestReconcileCorrectsSmallSizeMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	f.positions.active = []models.Position{{
		ID: "p1", Symbol: "BTC", Status: models.PosActive,
		Legs: []models.Leg{
			{PositionID: "p1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideLong,
				Quantity: decimal.NewFromFloat(0.100), EntryPrice: decimal.NewFromInt(50000)},
			{PositionID: "p1", Exchange: "bybit", Symbol: "BTCUSDT", Side: models.SideShort,
				Quantity: decimal.NewFromFloat(0.103), EntryPrice: decimal.NewFromInt(50000)},
		},
	}}
	f.mirror.mirror = []models.ExchangePosition{
		exchangePos("binance", "BTCUSDT", models.SideLong, 0.1, 5000),
		exchangePos("bybit", "BTCUSDT", models.SideShort, -0.1, 5000),
	}

	report, err := f.manager.Reconcile(context.Background())
	require.NoError(t, err)

	// the 3% drift on the bybit leg is corrected from the exchange
	assert.Equal(t, 1, report.Found)
	assert.Equal(t, 1, report.Resolved)
	assert.Equal(t, 0, report.RequiresReview)
	require.Len(t, report.Differences, 1)
	assert.Equal(t, DiffSizeMismatch, report.Differences[0].Kind)
	assert.True(t, report.Differences[0].Resolved)

	// report is cached for the API
	var cached Report
	_, found, err := f.cache.Get(context.Background(), models.CacheKeyReconciliationReport, &cached)
	require.NoError(t, err)
	assert.True(t, found)
}

func TestReconcileClosesMissingPosition(t *testing.T) {
	f := newFixture(t, Config{})
	f.positions.active = []models.Position{{
		ID: "p1", Symbol: "BTC", Status: models.PosActive,
		Legs: []models.Leg{
			{PositionID: "p1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideLong,
				Quantity: decimal.NewFromFloat(0.1)},
		},
	}}

	report, err := f.manager.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, f.positions.closed, 1)
	assert.Equal(t, "missing_on_exchange", f.positions.closed[0].ExitReason)
	assert.Equal(t, models.PosClosed, f.positions.closed[0].Status)
	assert.Equal(t, 1, report.Resolved)
}

func TestReconcileFlagsOrphanAndAlerts(t *testing.T) {
	f := newFixture(t, Config{})
	f.mirror.mirror = []models.ExchangePosition{
		exchangePos("okx", "SOL-USDT", models.SideShort, -10, 1500),
	}

	report, err := f.manager.Reconcile(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Differences, 1)
	assert.Equal(t, DiffOrphanOnExchange, report.Differences[0].Kind)
	assert.False(t, report.Differences[0].Resolved)
	assert.Equal(t, 1, report.RequiresReview)
	assert.Len(t, f.bus.Published[models.TopicReconciliationAlert], 1)
}

func TestEvaluateHealthMapping(t *testing.T) {
	leg := func(notional float64, side models.PositionSide, margin float64) models.Leg {
		return models.Leg{
			Side:              side,
			NotionalUSD:       decimal.NewFromFloat(notional),
			MarginUtilization: decimal.NewFromFloat(margin),
		}
	}

	balanced := &models.Position{Legs: []models.Leg{
		leg(5000, models.SideLong, 30), leg(5000, models.SideShort, 30),
	}}
	assert.Equal(t, models.HealthHealthy, EvaluateHealth(balanced))

	slightDelta := &models.Position{Legs: []models.Leg{
		leg(5200, models.SideLong, 30), leg(5000, models.SideShort, 30),
	}}
	assert.Equal(t, models.HealthAttention, EvaluateHealth(slightDelta))

	highMargin := &models.Position{Legs: []models.Leg{
		leg(5000, models.SideLong, 75), leg(5000, models.SideShort, 30),
	}}
	assert.Equal(t, models.HealthWarning, EvaluateHealth(highMargin))

	critical := &models.Position{Legs: []models.Leg{
		leg(5000, models.SideLong, 90), leg(5000, models.SideShort, 30),
	}}
	assert.Equal(t, models.HealthCritical, EvaluateHealth(critical))

	nearLiq := &models.Position{Legs: []models.Leg{
		{Side: models.SideLong, NotionalUSD: decimal.NewFromInt(5000),
			CurrentPrice: decimal.NewFromInt(50000), LiquidationPrice: decimal.NewFromInt(47000)},
		leg(5000, models.SideShort, 30),
	}}
	assert.Equal(t, models.HealthCritical, EvaluateHealth(nearLiq))
}

func TestExitReasons(t *testing.T) {
	f := newFixture(t, Config{})
	params := models.DefaultStrategyParameters()

	critical := &models.Position{HealthStatus: models.HealthCritical}
	assert.Equal(t, ExitCriticalHealth, f.manager.exitReason(critical, &params))

	maxHold := &models.Position{
		HealthStatus:            models.HealthHealthy,
		FundingPeriodsCollected: params.MaxHoldPeriods,
		FundingReceived:         decimal.NewFromInt(1000),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(100)}},
	}
	assert.Equal(t, ExitMaxHoldTime, f.manager.exitReason(maxHold, &params))

	stopLoss := &models.Position{
		HealthStatus:         models.HealthHealthy,
		TotalCapitalDeployed: decimal.NewFromInt(1000),
		RealizedPnLPrice:     decimal.NewFromInt(-100), // -10% with 5% stop
	}
	assert.Equal(t, ExitStopLoss, f.manager.exitReason(stopLoss, &params))

	poorFunding := &models.Position{
		HealthStatus:            models.HealthHealthy,
		FundingPeriodsCollected: 4,
		FundingReceived:         decimal.NewFromFloat(0.0001),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	assert.Equal(t, ExitFundingBelowThreshold, f.manager.exitReason(poorFunding, &params))

	healthy := &models.Position{
		HealthStatus:            models.HealthHealthy,
		TotalCapitalDeployed:    decimal.NewFromInt(1000),
		FundingPeriodsCollected: 4,
		FundingReceived:         decimal.NewFromInt(10),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	assert.Equal(t, "", f.manager.exitReason(healthy, &params))
}

func TestClosePositionUnwindsBothLegs(t *testing.T) {
	f := newFixture(t, Config{})
	pos := &models.Position{
		ID: "p1", Symbol: "BTC", Status: models.PosActive,
		TotalCapitalDeployed: decimal.NewFromInt(2000),
		FundingReceived:      decimal.NewFromInt(15),
		FundingPaid:          decimal.NewFromInt(5),
		Legs: []models.Leg{
			{PositionID: "p1", Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideLong,
				Quantity: decimal.NewFromFloat(0.1), UnrealizedPnL: decimal.NewFromInt(3)},
			{PositionID: "p1", Exchange: "bybit", Symbol: "BTCUSDT", Side: models.SideShort,
				Quantity: decimal.NewFromFloat(0.1), UnrealizedPnL: decimal.NewFromInt(-1)},
		},
	}
	f.positions.active = []models.Position{*pos}

	require.NoError(t, f.manager.ClosePosition(context.Background(), pos, ExitManual))

	require.Len(t, f.binance.placed, 1)
	assert.Equal(t, models.SideShort, f.binance.placed[0].Side)
	assert.True(t, f.binance.placed[0].ReduceOnly)
	require.Len(t, f.bybit.placed, 1)
	assert.Equal(t, models.SideLong, f.bybit.placed[0].Side)

	require.Len(t, f.positions.closed, 1)
	closed := f.positions.closed[0]
	assert.Equal(t, ExitManual, closed.ExitReason)
	assert.True(t, closed.RealizedPnLFunding.Equal(decimal.NewFromInt(10)))
	assert.True(t, closed.RealizedPnLPrice.Equal(decimal.NewFromInt(2)))
	assert.Len(t, f.bus.Published[models.TopicPositionClosed], 1)
}

func TestClosePositionStopsOnOrderFailure(t *testing.T) {
	f := newFixture(t, Config{})
	f.bybit.orderErr = assert.AnError
	pos := &models.Position{
		ID: "p1", Symbol: "BTC", Status: models.PosActive,
		Legs: []models.Leg{
			{Exchange: "binance", Symbol: "BTCUSDT", Side: models.SideLong, Quantity: decimal.NewFromFloat(0.1)},
			{Exchange: "bybit", Symbol: "BTCUSDT", Side: models.SideShort, Quantity: decimal.NewFromFloat(0.1)},
		},
	}
	f.positions.active = []models.Position{*pos}

	err := f.manager.ClosePosition(context.Background(), pos, ExitManual)
	require.Error(t, err)
	assert.Equal(t, models.PosClosing, pos.Status)
	assert.Empty(t, f.positions.closed)
}

func TestAccrueFundingRecordsPayments(t *testing.T) {
	f := newFixture(t, Config{})
	opened := time.Now().UTC().Add(-17 * time.Hour) // two 8h settlements elapsed
	pos := &models.Position{
		ID: "p1", Symbol: "BTC", Status: models.PosActive,
		OpenedAt: opened,
		Legs: []models.Leg{
			{ID: 1, PositionID: "p1", Exchange: "binance", Symbol: "BTCUSDT",
				Side: models.SideLong, NotionalUSD: decimal.NewFromInt(5000)},
			{ID: 2, PositionID: "p1", Exchange: "bybit", Symbol: "BTCUSDT",
				Side: models.SideShort, NotionalUSD: decimal.NewFromInt(5000)},
		},
	}
	f.positions.active = []models.Position{*pos}

	snap := models.UnifiedFundingSnapshot{
		Rates: map[string]map[string]models.FundingRate{
			"BTC": {
				"binance": models.NewFundingRate("binance", "BTCUSDT", decimal.NewFromFloat(0.0001), 8, models.SourceExchangeAPI),
				"bybit":   models.NewFundingRate("bybit", "BTCUSDT", decimal.NewFromFloat(0.0005), 8, models.SourceExchangeAPI),
			},
		},
	}

	f.manager.accrueFunding(context.Background(), pos, snap)

	// two periods x two legs
	require.Len(t, f.funding.payments, 4)
	assert.Equal(t, 2, pos.FundingPeriodsCollected)

	// long on binance pays 0.0001 x 5000 = 0.5/period; short on bybit
	// collects 0.0005 x 5000 = 2.5/period
	assert.True(t, pos.FundingPaid.Equal(decimal.NewFromInt(1)), "paid %s", pos.FundingPaid)
	assert.True(t, pos.FundingReceived.Equal(decimal.NewFromInt(5)), "received %s", pos.FundingReceived)

	// idempotent: nothing new until another period elapses
	f.manager.accrueFunding(context.Background(), pos, snap)
	assert.Len(t, f.funding.payments, 4)
}
