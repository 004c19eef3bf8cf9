package capital

import (
	"context"
	"encoding/json"
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

type stubAllocations struct {
	mu      sync.Mutex
	rows    map[string]models.Allocation
	expired []models.Allocation
}

func newStubAllocations() *stubAllocations {
	return &stubAllocations{rows: make(map[string]models.Allocation)}
}

func (s *stubAllocations) Insert(_ context.Context, alloc *models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[alloc.ID] = *alloc
	return nil
}

func (s *stubAllocations) Update(_ context.Context, alloc *models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[alloc.ID] = *alloc
	return nil
}

func (s *stubAllocations) Get(_ context.Context, id string) (*models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[id]; ok {
		return &row, nil
	}
	return nil, nil
}

func (s *stubAllocations) ListByStatus(_ context.Context, statuses ...models.AllocationStatus) ([]models.Allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Allocation
	for _, row := range s.rows {
		for _, status := range statuses {
			if row.Status == status {
				out = append(out, row)
				break
			}
		}
	}
	return out, nil
}

func (s *stubAllocations) ListExpired(context.Context, time.Time) ([]models.Allocation, error) {
	return s.expired, nil
}

func (s *stubAllocations) UpsertVenueBalance(context.Context, *models.VenueBalance) error {
	return nil
}
func (s *stubAllocations) ListVenueBalances(context.Context) ([]models.VenueBalance, error) {
	return nil, nil
}

type stubPositions struct {
	mu     sync.Mutex
	active []models.Position
	closed []string
}

func (s *stubPositions) CreateWithLegs(context.Context, *models.Position, []models.Leg) error {
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

func (s *stubPositions) Update(context.Context, *models.Position) error  { return nil }
func (s *stubPositions) UpdateLeg(context.Context, *models.Leg) error    { return nil }
func (s *stubPositions) Close(context.Context, *models.Position) error   { return nil }
func (s *stubPositions) CountActiveSymbols(ctx context.Context) (int, error) {
	symbols, err := s.ActiveSymbols(ctx)
	return len(symbols), err
}

func (s *stubPositions) ActiveSymbols(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, pos := range s.active {
		if _, ok := seen[pos.Symbol]; !ok {
			seen[pos.Symbol] = struct{}{}
			out = append(out, pos.Symbol)
		}
	}
	return out, nil
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

type stubAudit struct {
	mu     sync.Mutex
	events []models.ActivityEvent
}

func (s *stubAudit) InsertActivity(_ context.Context, event *models.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, *event)
	return nil
}

func (s *stubAudit) ListActivity(context.Context, int) ([]models.ActivityEvent, error) {
	return nil, nil
}
func (s *stubAudit) InsertExecutionLog(context.Context, *models.ExecutionLogEntry) error {
	return nil
}
func (s *stubAudit) ListExecutionLog(context.Context, string) ([]models.ExecutionLogEntry, error) {
	return nil, nil
}

func (s *stubAudit) decisions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Decision)
	}
	return out
}

type fakeAdapter struct {
	name    string
	balance decimal.Decimal
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

func (f *fakeAdapter) GetBalance(context.Context) (*exchange.Balance, error) {
	return &exchange.Balance{
		Venue:    f.name,
		TotalUSD: f.balance,
		FreeUSD:  f.balance,
	}, nil
}

func (f *fakeAdapter) GetPositions(context.Context) ([]models.ExchangePosition, error) {
	return nil, nil
}
func (f *fakeAdapter) GetOpenOrders(context.Context) ([]models.ExchangeOrder, error) {
	return nil, nil
}
func (f *fakeAdapter) PlaceOrder(context.Context, exchange.OrderRequest) (*exchange.OrderResult, error) {
	return &exchange.OrderResult{}, nil
}
func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }

type fakeConnector struct {
	adapters map[string]exchange.Adapter
}

func (f *fakeConnector) Connect(_ context.Context, cfg models.ExchangeConfig) (exchange.Adapter, error) {
	return f.adapters[cfg.Slug], nil
}

type fakeValidator struct {
	accepted   bool
	rejections []string
	calls      int
}

func (f *fakeValidator) ValidateTrade(context.Context, string, decimal.Decimal, string, string) (*models.TradeValidation, error) {
	f.calls++
	return &models.TradeValidation{Accepted: f.accepted, Rejections: f.rejections}, nil
}

type fakeUnwinder struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeUnwinder) ClosePosition(_ context.Context, pos *models.Position, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, pos.ID)
	return nil
}

func credentialed(slug string) models.ExchangeConfig {
	return models.ExchangeConfig{
		Slug: slug, Enabled: true,
		EncryptedAPIKey: "k", EncryptedAPISecret: "s",
	}
}

type fixture struct {
	alloc     *Allocator
	bus       *bus.MemoryBus
	allocRepo *stubAllocations
	positions *stubPositions
	config    *stubConfig
	audit     *stubAudit
	validator *fakeValidator
	unwinder  *fakeUnwinder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		bus:       bus.NewMemoryBus(),
		allocRepo: newStubAllocations(),
		positions: &stubPositions{},
		audit:     &stubAudit{},
		validator: &fakeValidator{accepted: true},
		unwinder:  &fakeUnwinder{},
	}
	f.config = &stubConfig{
		venues: []models.ExchangeConfig{credentialed("binance"), credentialed("bybit")},
		params: models.DefaultStrategyParameters(),
	}
	store := &persistence.Store{
		Allocations: f.allocRepo,
		Positions:   f.positions,
		Config:      f.config,
		Audit:       f.audit,
	}
	conn := &fakeConnector{adapters: map[string]exchange.Adapter{
		"binance": &fakeAdapter{name: "binance", balance: decimal.NewFromInt(6000)},
		"bybit":   &fakeAdapter{name: "bybit", balance: decimal.NewFromInt(4000)},
	}}
	f.alloc = New(Config{}, store, f.bus, telemetry.NewTestMetrics(), conn, f.validator, f.unwinder)
	return f
}

func refreshed(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	require.NoError(t, f.alloc.RefreshBalances(context.Background()))
	return f
}

func request(symbol string, size int64) []byte {
	payload, _ := json.Marshal(models.ExecutionRequest{
		OpportunityID:   "opp-" + symbol,
		Symbol:          symbol,
		PositionSizeUSD: decimal.NewFromInt(size),
		LongExchange:    "binance",
		ShortExchange:   "bybit",
	})
	return payload
}

func TestRefreshBalancesBuildsPools(t *testing.T) {
	f := refreshed(t)

	state := f.alloc.State()
	assert.True(t, state.TotalCapitalUSD.Equal(decimal.NewFromInt(10000)))
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
	assert.True(t, state.PoolSum().Equal(state.TotalCapitalUSD))
	assert.Equal(t, models.CapitalHealthy, state.Health)
	assert.Len(t, f.bus.Published[models.TopicBalanceUpdate], 1)
}

func TestReserveConfirmReleaseConservesMass(t *testing.T) {
	f := refreshed(t)
	ctx := context.Background()

	alloc, err := f.alloc.Reserve(ctx, "opp-1", "BTC", "binance", decimal.NewFromInt(1000))
	require.NoError(t, err)
	state := f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.Equal(decimal.NewFromInt(1000)))
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(9000)))
	assert.True(t, state.PoolSum().Equal(state.TotalCapitalUSD))

	require.NoError(t, f.alloc.Confirm(ctx, alloc.ID, "pos-1"))
	state = f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.IsZero())
	assert.True(t, state.Active.TotalValueUSD.Equal(decimal.NewFromInt(1000)))
	row, _ := f.allocRepo.Get(ctx, alloc.ID)
	assert.Equal(t, models.AllocDeployed, row.Status)
	assert.Equal(t, "pos-1", row.PositionID)

	require.NoError(t, f.alloc.Release(ctx, alloc.ID))
	state = f.alloc.State()
	assert.True(t, state.Active.TotalValueUSD.IsZero())
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
	assert.True(t, state.PoolSum().Equal(state.TotalCapitalUSD))
	row, _ = f.allocRepo.Get(ctx, alloc.ID)
	assert.Equal(t, models.AllocReleased, row.Status)
}

func TestReserveRespectsReserveTarget(t *testing.T) {
	f := refreshed(t)
	ctx := context.Background()

	// 20% reserve target on 10k leaves 8k available
	_, err := f.alloc.Reserve(ctx, "opp-1", "BTC", "binance", decimal.NewFromInt(8001))
	require.ErrorIs(t, err, ErrInsufficientCapital)

	_, err = f.alloc.Reserve(ctx, "opp-2", "BTC", "binance", decimal.NewFromInt(8000))
	require.NoError(t, err)

	_, err = f.alloc.Reserve(ctx, "opp-3", "ETH", "bybit", decimal.NewFromInt(1))
	require.ErrorIs(t, err, ErrInsufficientCapital)
}

func TestCleanupExpiredReleasesStaleReservations(t *testing.T) {
	f := refreshed(t)
	ctx := context.Background()

	alloc, err := f.alloc.Reserve(ctx, "opp-1", "BTC", "binance", decimal.NewFromInt(500))
	require.NoError(t, err)
	f.allocRepo.expired = []models.Allocation{*alloc}

	assert.Equal(t, 1, f.alloc.CleanupExpired(ctx))
	state := f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.IsZero())
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
}

func TestExecutionRequestReservesValidatesAndForwards(t *testing.T) {
	f := refreshed(t)
	ctx := context.Background()

	f.alloc.onExecutionRequest(ctx, request("BTC", 1000))

	require.Len(t, f.bus.Published[models.TopicExecutionApproved], 1)
	assert.Equal(t, 1, f.validator.calls)
	assert.True(t, f.alloc.State().Pending.TotalValueUSD.Equal(decimal.NewFromInt(1000)))
	assert.Contains(t, f.audit.decisions(), "execution_approved")

	// position opens, reservation confirms
	payload, _ := json.Marshal(models.PositionEvent{
		PositionID: "pos-1", OpportunityID: "opp-BTC", Symbol: "BTC",
	})
	f.alloc.onPositionOpened(ctx, payload)
	state := f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.IsZero())
	assert.True(t, state.Active.TotalValueUSD.Equal(decimal.NewFromInt(1000)))

	// position closes, capital returns to reserve
	f.alloc.onPositionClosed(ctx, payload)
	state = f.alloc.State()
	assert.True(t, state.Active.TotalValueUSD.IsZero())
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
}

func TestExecutionRequestSkipsActiveSymbol(t *testing.T) {
	f := refreshed(t)
	f.positions.active = []models.Position{{ID: "p1", Symbol: "BTC", Status: models.PosActive}}

	f.alloc.onExecutionRequest(context.Background(), request("BTC", 1000))

	assert.Empty(t, f.bus.Published[models.TopicExecutionApproved])
	assert.Contains(t, f.audit.decisions(), "skipped_symbol_active")
}

func TestExecutionRequestSkipsAtCoinCap(t *testing.T) {
	f := refreshed(t)
	f.config.params.MaxConcurrentCoins = 2
	f.positions.active = []models.Position{
		{ID: "p1", Symbol: "ETH", Status: models.PosActive},
		{ID: "p2", Symbol: "SOL", Status: models.PosActive},
	}

	f.alloc.onExecutionRequest(context.Background(), request("BTC", 1000))

	assert.Empty(t, f.bus.Published[models.TopicExecutionApproved])
	assert.Contains(t, f.audit.decisions(), "skipped_at_coin_cap")
}

func TestRiskRejectionReleasesReservation(t *testing.T) {
	f := refreshed(t)
	f.validator.accepted = false
	f.validator.rejections = []string{"size_exceeds_max"}

	f.alloc.onExecutionRequest(context.Background(), request("BTC", 1000))

	assert.Empty(t, f.bus.Published[models.TopicExecutionApproved])
	assert.Contains(t, f.audit.decisions(), "risk_rejected")
	state := f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.IsZero())
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
}

func TestConfirmTimeoutReleasesReservation(t *testing.T) {
	f := refreshed(t)
	ctx := context.Background()

	f.alloc.onExecutionRequest(ctx, request("BTC", 1000))
	require.True(t, f.alloc.State().Pending.TotalValueUSD.Equal(decimal.NewFromInt(1000)))

	f.alloc.expireConfirms(ctx, time.Now().UTC().Add(10*time.Minute))

	state := f.alloc.State()
	assert.True(t, state.Pending.TotalValueUSD.IsZero())
	assert.True(t, state.Reserve.TotalValueUSD.Equal(decimal.NewFromInt(10000)))
	assert.Contains(t, f.audit.decisions(), "confirm_timeout")

	// a late position_opened finds nothing to confirm
	payload, _ := json.Marshal(models.PositionEvent{PositionID: "pos-1", OpportunityID: "opp-BTC"})
	f.alloc.onPositionOpened(ctx, payload)
	assert.True(t, f.alloc.State().Active.TotalValueUSD.IsZero())
}

func TestEnforceCoinCapClosesWeakest(t *testing.T) {
	f := refreshed(t)
	f.config.params.MaxConcurrentCoins = 1

	strong := models.Position{
		ID: "strong", Symbol: "BTC", Status: models.PosActive,
		FundingReceived:         decimal.NewFromInt(50),
		FundingPeriodsCollected: 5,
		OpenedAt:                time.Now().UTC().Add(-10 * time.Hour),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	weak := models.Position{
		ID: "weak", Symbol: "DOGE", Status: models.PosActive,
		FundingPaid:             decimal.NewFromInt(20),
		FundingPeriodsCollected: 5,
		OpenedAt:                time.Now().UTC().Add(-48 * time.Hour),
		TotalCapitalDeployed:    decimal.NewFromInt(1000),
		Legs: []models.Leg{{
			LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000),
			UnrealizedPnL: decimal.NewFromInt(-40),
		}},
	}
	f.positions.active = []models.Position{strong, weak}

	f.alloc.EnforceCoinCap(context.Background())

	require.Len(t, f.unwinder.closed, 1)
	assert.Equal(t, "weak", f.unwinder.closed[0])
	assert.Contains(t, f.audit.decisions(), "auto_unwind")
}

func TestEnforceCoinCapUnwindsWholeSymbol(t *testing.T) {
	f := refreshed(t)
	f.config.params.MaxConcurrentCoins = 1

	strong := models.Position{
		ID: "strong", Symbol: "BTC", Status: models.PosActive,
		FundingReceived:         decimal.NewFromInt(50),
		FundingPeriodsCollected: 5,
		OpenedAt:                time.Now().UTC().Add(-10 * time.Hour),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	weakA := models.Position{
		ID: "weak-a", Symbol: "DOGE", Status: models.PosActive,
		FundingPaid:             decimal.NewFromInt(20),
		FundingPeriodsCollected: 5,
		OpenedAt:                time.Now().UTC().Add(-48 * time.Hour),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	weakB := weakA
	weakB.ID = "weak-b"
	f.positions.active = []models.Position{strong, weakA, weakB}

	f.alloc.EnforceCoinCap(context.Background())

	// One symbol over the cap, and the weak symbol holds two positions:
	// both close so the slot actually frees, and BTC is untouched.
	require.Len(t, f.unwinder.closed, 2)
	assert.ElementsMatch(t, []string{"weak-a", "weak-b"}, f.unwinder.closed)
}

func TestEnforceCoinCapUnderLimitDoesNothing(t *testing.T) {
	f := refreshed(t)
	f.positions.active = []models.Position{{ID: "p1", Symbol: "BTC", Status: models.PosActive}}

	f.alloc.EnforceCoinCap(context.Background())
	assert.Empty(t, f.unwinder.closed)
}

func TestWeaknessScoreOrdering(t *testing.T) {
	params := models.DefaultStrategyParameters()
	now := time.Now().UTC()

	profitable := &models.Position{
		FundingReceived:         decimal.NewFromInt(100),
		FundingPeriodsCollected: 10,
		OpenedAt:                now.Add(-24 * time.Hour),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}
	bleeding := &models.Position{
		FundingPaid:             decimal.NewFromInt(100),
		FundingPeriodsCollected: 10,
		OpenedAt:                now.Add(-24 * time.Hour),
		Legs: []models.Leg{{LegType: models.LegPrimary, NotionalUSD: decimal.NewFromInt(5000)}},
	}

	assert.Greater(t, weaknessScore(bleeding, &params, now), weaknessScore(profitable, &params, now))
}
