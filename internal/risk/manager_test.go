package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/telemetry"
)

type stubOpps struct {
	opps map[string]*models.Opportunity
}

func (s *stubOpps) Upsert(context.Context, *models.Opportunity) error { return nil }
func (s *stubOpps) Get(_ context.Context, id string) (*models.Opportunity, error) {
	return s.opps[id], nil
}
func (s *stubOpps) List(context.Context, persistence.OpportunityFilter) ([]models.Opportunity, error) {
	return nil, nil
}
func (s *stubOpps) ListActive(context.Context, time.Time) ([]models.Opportunity, error) {
	return nil, nil
}
func (s *stubOpps) SetStatus(context.Context, string, []models.OpportunityStatus, models.OpportunityStatus, string) (bool, error) {
	return true, nil
}

type stubPositions struct {
	active []models.Position
}

func (s *stubPositions) CreateWithLegs(context.Context, *models.Position, []models.Leg) error {
	return nil
}
func (s *stubPositions) Get(context.Context, string) (*models.Position, error) { return nil, nil }
func (s *stubPositions) List(context.Context, persistence.PositionFilter) ([]models.Position, error) {
	return nil, nil
}
func (s *stubPositions) ListActive(context.Context) ([]models.Position, error) {
	return s.active, nil
}
func (s *stubPositions) Update(context.Context, *models.Position) error { return nil }
func (s *stubPositions) UpdateLeg(context.Context, *models.Leg) error   { return nil }
func (s *stubPositions) Close(context.Context, *models.Position) error  { return nil }
func (s *stubPositions) CountActiveSymbols(context.Context) (int, error) {
	return len(s.active), nil
}
func (s *stubPositions) ActiveSymbols(context.Context) ([]string, error) { return nil, nil }

type stubConfig struct {
	limits models.RiskLimits
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
func (s *stubConfig) GetRiskLimits(context.Context) (*models.RiskLimits, error) {
	l := s.limits
	return &l, nil
}
func (s *stubConfig) SaveRiskLimits(context.Context, *models.RiskLimits) error { return nil }
func (s *stubConfig) ListExchanges(context.Context) ([]models.ExchangeConfig, error) {
	return nil, nil
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

type fakeCapital struct {
	state models.CapitalState
}

func (f *fakeCapital) State() models.CapitalState { return f.state }

type fakeOutages struct {
	offline []string
}

func (f *fakeOutages) OfflineVenues() []string { return f.offline }

type fixture struct {
	manager   *Manager
	positions *stubPositions
	config    *stubConfig
	capital   *fakeCapital
	outages   *fakeOutages
	audit     *stubAudit
}

func newFixture(t *testing.T, totalCapital int64) *fixture {
	t.Helper()
	f := &fixture{
		positions: &stubPositions{},
		config: &stubConfig{
			limits: models.DefaultRiskLimits(),
			params: models.DefaultStrategyParameters(),
		},
		capital: &fakeCapital{state: models.CapitalState{
			TotalCapitalUSD: decimal.NewFromInt(totalCapital),
			VenueBalances:   map[string]decimal.Decimal{},
		}},
		outages: &fakeOutages{},
		audit:   &stubAudit{},
	}
	store := &persistence.Store{
		Opportunities: &stubOpps{opps: map[string]*models.Opportunity{
			"opp-1": {ID: "opp-1", Symbol: "BTC"},
		}},
		Positions: f.positions,
		Config:    f.config,
		Audit:     f.audit,
	}
	f.manager = New(Config{}, store, bus.NewMemoryBus(), telemetry.NewTestMetrics(), f.capital, f.outages)
	return f
}

func hedged(id, symbol string, notional int64, longVenue, shortVenue string) models.Position {
	return models.Position{
		ID: id, Symbol: symbol, Status: models.PosActive,
		TotalCapitalDeployed: decimal.NewFromInt(notional * 2 / 3),
		Legs: []models.Leg{
			{LegType: models.LegPrimary, Exchange: longVenue, Symbol: symbol + "USDT",
				Side: models.SideLong, NotionalUSD: decimal.NewFromInt(notional)},
			{LegType: models.LegHedge, Exchange: shortVenue, Symbol: symbol + "USDT",
				Side: models.SideShort, NotionalUSD: decimal.NewFromInt(notional)},
		},
	}
}

func TestValidateTradeAcceptsWithinLimits(t *testing.T) {
	f := newFixture(t, 100000)

	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(1000), "binance", "bybit")
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
	assert.Empty(t, verdict.Rejections)
}

func TestValidateTradeSizeRules(t *testing.T) {
	f := newFixture(t, 100000)

	// over the absolute cap
	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(20000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleSizeMaxUSD)

	// within the absolute cap but over 20% of a small book
	f.capital.state.TotalCapitalUSD = decimal.NewFromInt(10000)
	verdict, err = f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(5000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleSizeMaxPct)
}

func TestValidateTradeVenueExposure(t *testing.T) {
	f := newFixture(t, 100000)
	// binance already carries 48k of a 50k venue cap
	f.positions.active = []models.Position{
		hedged("p1", "ETH", 48000, "binance", "okx"),
	}

	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(5000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleVenueExposure)
}

func TestValidateTradeAssetExposure(t *testing.T) {
	f := newFixture(t, 100000)
	// BTC already at 28k of a 30k asset cap; the new pair adds 2x size
	f.positions.active = []models.Position{
		hedged("p1", "BTC", 14000, "okx", "gate"),
	}

	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(2000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleAssetExposure)
}

func TestValidateTradeLeverageCap(t *testing.T) {
	f := newFixture(t, 100000)
	f.config.limits.MaxLeverage = decimal.NewFromInt(2) // strategy default is 3x

	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(1000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleLeverageMax)
}

func TestValidateTradeBreakerRejects(t *testing.T) {
	f := newFixture(t, 100000)
	f.manager.Breaker().Activate("manual")

	verdict, err := f.manager.ValidateTrade(context.Background(), "opp-1",
		decimal.NewFromInt(1000), "binance", "bybit")
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Contains(t, verdict.Rejections, RuleBreakerActive)
}

func TestBreakerManualLifecycle(t *testing.T) {
	b := NewBreaker(telemetry.NewTestMetrics())
	assert.False(t, b.Active())

	b.Activate("manual intervention")
	assert.True(t, b.Active())
	status := b.Status()
	assert.Equal(t, "manual intervention", status.Reason)
	assert.False(t, status.ActivatedAt.IsZero())

	// second activate does not overwrite the reason
	b.Activate("other")
	assert.Equal(t, "manual intervention", b.Status().Reason)

	b.Deactivate()
	assert.False(t, b.Active())
	assert.Zero(t, b.Status().ConsecutiveFailures)
}

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	b := NewBreaker(telemetry.NewTestMetrics())

	assert.False(t, b.RecordFailure(3))
	assert.False(t, b.RecordFailure(3))
	assert.False(t, b.RecordFailure(3))
	assert.True(t, b.RecordFailure(3))
	assert.True(t, b.Active())

	b.Deactivate()
	b.RecordFailure(3)
	b.RecordSuccess() // a success resets the streak
	assert.False(t, b.RecordFailure(3))
	assert.False(t, b.Active())
}

func TestAutoTripOnDrawdown(t *testing.T) {
	f := newFixture(t, 100000)
	pos := hedged("p1", "BTC", 5000, "binance", "bybit")
	pos.TotalCapitalDeployed = decimal.NewFromInt(1000)
	pos.Legs[0].UnrealizedPnL = decimal.NewFromInt(-200) // -20% vs 15% limit
	f.positions.active = []models.Position{pos}

	f.manager.checkAutoTrips(context.Background())
	assert.True(t, f.manager.Breaker().Active())
}

func TestAutoTripOnOutage(t *testing.T) {
	f := newFixture(t, 0)
	f.capital.state.TotalCapitalUSD = decimal.NewFromInt(10000)
	f.capital.state.VenueBalances = map[string]decimal.Decimal{
		"binance": decimal.NewFromInt(6000),
		"bybit":   decimal.NewFromInt(4000),
	}
	f.outages.offline = []string{"binance"}

	f.manager.checkAutoTrips(context.Background())
	assert.True(t, f.manager.Breaker().Active())
	assert.Contains(t, f.manager.Breaker().Status().Reason, "outage")
}

func TestNoTripWhenHealthy(t *testing.T) {
	f := newFixture(t, 100000)
	f.positions.active = []models.Position{hedged("p1", "BTC", 5000, "binance", "bybit")}

	f.manager.checkAutoTrips(context.Background())
	assert.False(t, f.manager.Breaker().Active())
}
