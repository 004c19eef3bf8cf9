package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perparb/perparb/internal/aggregator"
	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/position"
	"github.com/perparb/perparb/internal/risk"
	"github.com/perparb/perparb/internal/secrets"
	"github.com/perparb/perparb/internal/telemetry"
)

type stubOpps struct {
	opps       map[string]*models.Opportunity
	lastFilter persistence.OpportunityFilter
}

func (s *stubOpps) Upsert(context.Context, *models.Opportunity) error { return nil }
func (s *stubOpps) Get(_ context.Context, id string) (*models.Opportunity, error) {
	return s.opps[id], nil
}
func (s *stubOpps) List(_ context.Context, f persistence.OpportunityFilter) ([]models.Opportunity, error) {
	s.lastFilter = f
	out := make([]models.Opportunity, 0, len(s.opps))
	for _, o := range s.opps {
		out = append(out, *o)
	}
	return out, nil
}
func (s *stubOpps) ListActive(context.Context, time.Time) ([]models.Opportunity, error) {
	return nil, nil
}
func (s *stubOpps) SetStatus(context.Context, string, []models.OpportunityStatus, models.OpportunityStatus, string) (bool, error) {
	return true, nil
}

type stubPositions struct {
	rows       map[string]*models.Position
	active     []models.Position
	lastFilter persistence.PositionFilter
}

func (s *stubPositions) CreateWithLegs(context.Context, *models.Position, []models.Leg) error {
	return nil
}
func (s *stubPositions) Get(_ context.Context, id string) (*models.Position, error) {
	return s.rows[id], nil
}
func (s *stubPositions) List(_ context.Context, filter persistence.PositionFilter) ([]models.Position, error) {
	s.lastFilter = filter
	return s.active, nil
}
func (s *stubPositions) ListActive(context.Context) ([]models.Position, error) {
	return s.active, nil
}
func (s *stubPositions) Update(context.Context, *models.Position) error  { return nil }
func (s *stubPositions) UpdateLeg(context.Context, *models.Leg) error    { return nil }
func (s *stubPositions) Close(context.Context, *models.Position) error   { return nil }
func (s *stubPositions) CountActiveSymbols(context.Context) (int, error) { return 0, nil }
func (s *stubPositions) ActiveSymbols(context.Context) ([]string, error) { return nil, nil }

type stubConfig struct {
	params    models.StrategyParameters
	limits    models.RiskLimits
	exchanges map[string]*models.ExchangeConfig
	saved     *models.ExchangeConfig
	blacklist []models.BlacklistEntry
	removed   []string
}

func (s *stubConfig) GetStrategy(context.Context) (*models.StrategyParameters, error) {
	p := s.params
	return &p, nil
}
func (s *stubConfig) SaveStrategy(_ context.Context, p *models.StrategyParameters) error {
	s.params = *p
	return nil
}
func (s *stubConfig) ResetStrategy(context.Context) (*models.StrategyParameters, error) {
	s.params = models.DefaultStrategyParameters()
	p := s.params
	return &p, nil
}
func (s *stubConfig) GetRiskLimits(context.Context) (*models.RiskLimits, error) {
	l := s.limits
	return &l, nil
}
func (s *stubConfig) SaveRiskLimits(_ context.Context, l *models.RiskLimits) error {
	s.limits = *l
	return nil
}
func (s *stubConfig) ListExchanges(context.Context) ([]models.ExchangeConfig, error) {
	out := make([]models.ExchangeConfig, 0, len(s.exchanges))
	for _, ex := range s.exchanges {
		out = append(out, *ex)
	}
	return out, nil
}
func (s *stubConfig) GetExchange(_ context.Context, slug string) (*models.ExchangeConfig, error) {
	return s.exchanges[slug], nil
}
func (s *stubConfig) SaveExchange(_ context.Context, ex *models.ExchangeConfig) error {
	s.saved = ex
	return nil
}
func (s *stubConfig) ListBlacklist(context.Context) ([]models.BlacklistEntry, error) {
	return s.blacklist, nil
}
func (s *stubConfig) AddBlacklist(_ context.Context, entry *models.BlacklistEntry) error {
	s.blacklist = append(s.blacklist, *entry)
	return nil
}
func (s *stubConfig) RemoveBlacklist(_ context.Context, symbol string) error {
	s.removed = append(s.removed, symbol)
	return nil
}

type stubAudit struct {
	activity []models.ActivityEvent
	logs     map[string][]models.ExecutionLogEntry
}

func (s *stubAudit) InsertActivity(_ context.Context, e *models.ActivityEvent) error {
	s.activity = append(s.activity, *e)
	return nil
}
func (s *stubAudit) ListActivity(_ context.Context, limit int) ([]models.ActivityEvent, error) {
	if len(s.activity) > limit {
		return s.activity[:limit], nil
	}
	return s.activity, nil
}
func (s *stubAudit) InsertExecutionLog(context.Context, *models.ExecutionLogEntry) error {
	return nil
}
func (s *stubAudit) ListExecutionLog(_ context.Context, id string) ([]models.ExecutionLogEntry, error) {
	return s.logs[id], nil
}

type stubAnalytics struct{}

func (stubAnalytics) Daily(_ context.Context, days int) ([]persistence.DailyAnalytics, error) {
	return []persistence.DailyAnalytics{{PositionsClosed: 2}}, nil
}
func (stubAnalytics) Summary(context.Context) (*persistence.SummaryAnalytics, error) {
	return &persistence.SummaryAnalytics{PositionsTotal: 5, WinRatePct: 80}, nil
}
func (stubAnalytics) Attribution(context.Context) ([]persistence.AttributionRow, error) {
	return []persistence.AttributionRow{{Symbol: "BTC", Positions: 3}}, nil
}

type stubFunding struct {
	history []models.FundingRate
}

func (s *stubFunding) InsertRates(context.Context, []models.FundingRate) error { return nil }
func (s *stubFunding) ListRateHistory(context.Context, string, time.Time) ([]models.FundingRate, error) {
	return s.history, nil
}
func (s *stubFunding) InsertSpreadHistory(context.Context, []models.Spread, string) error {
	return nil
}
func (s *stubFunding) CleanupSpreadHistory(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (s *stubFunding) InsertFundingPayment(context.Context, *models.FundingPayment) error {
	return nil
}

type fakeMarket struct {
	statuses map[string]aggregator.SourceStatus
	spreads  []models.Spread
}

func (f *fakeMarket) SourceStatuses() map[string]aggregator.SourceStatus { return f.statuses }
func (f *fakeMarket) CalculateSpreads(context.Context, decimal.Decimal, int) []models.Spread {
	return f.spreads
}

type fakeDetector struct {
	opps []models.Opportunity
}

func (f *fakeDetector) Opportunities() []models.Opportunity { return f.opps }

type fakeExecutor struct {
	lastID string
	size   decimal.Decimal
	err    error
}

func (f *fakeExecutor) Execute(_ context.Context, id string, sizeUSD, _ decimal.Decimal) (*models.Position, error) {
	f.lastID = id
	f.size = sizeUSD
	if f.err != nil {
		return nil, f.err
	}
	return &models.Position{ID: "pos-1", OpportunityID: id, Status: models.PosActive}, nil
}

type fakePositionService struct {
	closedID     string
	closedReason string
	report       *position.Report
}

func (f *fakePositionService) ClosePosition(_ context.Context, pos *models.Position, reason string) error {
	f.closedID = pos.ID
	f.closedReason = reason
	return nil
}
func (f *fakePositionService) Reconcile(context.Context) (*position.Report, error) {
	return f.report, nil
}

type fakeCapital struct {
	state       models.CapitalState
	allocations []models.Allocation
}

func (f *fakeCapital) State() models.CapitalState      { return f.state }
func (f *fakeCapital) Allocations() []models.Allocation { return f.allocations }

type fakeRisk struct {
	breaker *risk.Breaker
	verdict *models.TradeValidation
	lastID  string
}

func (f *fakeRisk) ValidateTrade(_ context.Context, id string, _ decimal.Decimal, _, _ string) (*models.TradeValidation, error) {
	f.lastID = id
	return f.verdict, nil
}
func (f *fakeRisk) RunStress(context.Context) (*models.StressReport, error) {
	return &models.StressReport{WorstScenario: "combined_crisis", GeneratedAt: time.Now().UTC()}, nil
}
func (f *fakeRisk) Breaker() *risk.Breaker { return f.breaker }

type fixture struct {
	server    *Server
	bus       *bus.MemoryBus
	cache     *cache.MemoryCache
	opps      *stubOpps
	positions *stubPositions
	config    *stubConfig
	audit     *stubAudit
	executor  *fakeExecutor
	posSvc    *fakePositionService
	risk      *fakeRisk
	detector  *fakeDetector
	market    *fakeMarket
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cipher, err := secrets.NewCipher(strings.Repeat("k", 32))
	require.NoError(t, err)

	f := &fixture{
		bus:   bus.NewMemoryBus(),
		cache: cache.NewMemoryCache(),
		opps: &stubOpps{opps: map[string]*models.Opportunity{
			"opp-1": {ID: "opp-1", Symbol: "BTC", UOSScore: 82},
		}},
		positions: &stubPositions{rows: map[string]*models.Position{
			"pos-1": {ID: "pos-1", Symbol: "BTC", Status: models.PosActive},
		}},
		config: &stubConfig{
			params: models.DefaultStrategyParameters(),
			limits: models.DefaultRiskLimits(),
			exchanges: map[string]*models.ExchangeConfig{
				"binance": {Slug: "binance", DisplayName: "Binance", Enabled: true},
			},
		},
		audit:    &stubAudit{logs: map[string][]models.ExecutionLogEntry{}},
		executor: &fakeExecutor{},
		posSvc:   &fakePositionService{report: &position.Report{Checked: 1}},
		risk: &fakeRisk{
			breaker: risk.NewBreaker(telemetry.NewTestMetrics()),
			verdict: &models.TradeValidation{Accepted: true},
		},
		detector: &fakeDetector{},
		market: &fakeMarket{statuses: map[string]aggregator.SourceStatus{
			"exchange_api": "healthy",
		}},
	}
	store := &persistence.Store{
		Opportunities: f.opps,
		Positions:     f.positions,
		Funding:       &stubFunding{},
		Config:        f.config,
		Audit:         f.audit,
		Analytics:     stubAnalytics{},
	}
	f.server = New(Config{}, Deps{
		Store:     store,
		Cache:     f.cache,
		Bus:       f.bus,
		Cipher:    cipher,
		Market:    f.market,
		Detector:  f.detector,
		Executor:  f.executor,
		Positions: f.posSvc,
		Capital:   &fakeCapital{state: models.CapitalState{TotalCapitalUSD: decimal.NewFromInt(10000)}},
		Risk:      f.risk,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env), "body: %s", rec.Body.String())
	return rec, env
}

func TestHealthEnvelope(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.False(t, env.Meta.Timestamp.IsZero())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestListOpportunitiesAppliesFilters(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/opportunities?min_score=60&symbol=BTC&limit=5&sort_by=uos_score", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	require.NotNil(t, env.Meta.Count)
	assert.Equal(t, 1, *env.Meta.Count)
	assert.Equal(t, 60.0, f.opps.lastFilter.MinScore)
	assert.Equal(t, "BTC", f.opps.lastFilter.Symbol)
	assert.Equal(t, 5, f.opps.lastFilter.Limit)
	assert.Equal(t, "uos_score", f.opps.lastFilter.SortBy)
}

func TestGetOpportunityNotFound(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/opportunities/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Error)
}

func TestTopOpportunitiesSortsByScore(t *testing.T) {
	f := newFixture(t)
	f.detector.opps = []models.Opportunity{
		{ID: "a", UOSScore: 50},
		{ID: "b", UOSScore: 90},
		{ID: "c", UOSScore: 70},
	}
	rec, env := f.do(t, http.MethodGet, "/opportunities/top/2", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var opps []models.Opportunity
	require.NoError(t, json.Unmarshal(raw, &opps))
	require.Len(t, opps, 2)
	assert.Equal(t, "b", opps[0].ID)
	assert.Equal(t, "c", opps[1].ID)
}

func TestExecuteOpportunity(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/opportunities/opp-1/execute",
		map[string]any{"capital_usd": "500", "leverage": "3"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "opp-1", f.executor.lastID)
	assert.True(t, f.executor.size.Equal(decimal.NewFromInt(500)))
}

func TestClosePositionDefaultsToManual(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/positions/pos-1/close", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "pos-1", f.posSvc.closedID)
	assert.Equal(t, position.ExitManual, f.posSvc.closedReason)
}

func TestClosePositionRejectsNonActive(t *testing.T) {
	f := newFixture(t)
	f.positions.rows["pos-1"].Status = models.PosClosed

	rec, env := f.do(t, http.MethodPost, "/positions/pos-1/close", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)
	assert.Empty(t, f.posSvc.closedID)
}

func TestFundingSpreadsServedFromCache(t *testing.T) {
	f := newFixture(t)
	cached := []models.Spread{
		{Symbol: "BTC", SpreadPct: decimal.NewFromFloat(0.05)},
		{Symbol: "DOGE", SpreadPct: decimal.NewFromFloat(0.005)},
	}
	require.NoError(t, f.cache.Set(context.Background(), models.CacheKeySpreads, cached, time.Minute))

	rec, env := f.do(t, http.MethodGet, "/funding/spreads?min_spread=0.01", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Meta.Count)
	assert.Equal(t, 1, *env.Meta.Count)
}

func TestFundingMatrixFiltersBySource(t *testing.T) {
	f := newFixture(t)
	snap := models.UnifiedFundingSnapshot{
		Rates: map[string]map[string]models.FundingRate{
			"BTC": {
				"binance": {Exchange: "binance", Rate: decimal.NewFromFloat(0.0001), Source: models.SourceExchangeAPI},
				"bybit":   {Exchange: "bybit", Rate: decimal.NewFromFloat(0.0005), Source: models.SourceReference},
			},
		},
		FetchedAt: time.Now().UTC(),
	}
	require.NoError(t, f.cache.Set(context.Background(), models.CacheKeySnapshot, snap, time.Minute))

	rec, env := f.do(t, http.MethodGet, "/funding/matrix?source=exchange_api", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var data struct {
		Matrix map[string]map[string]decimal.Decimal `json:"matrix"`
	}
	require.NoError(t, json.Unmarshal(raw, &data))
	require.Contains(t, data.Matrix, "BTC")
	assert.Contains(t, data.Matrix["BTC"], "binance")
	assert.NotContains(t, data.Matrix["BTC"], "bybit")
}

func TestFundingRatesUnavailableWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/funding/rates", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
}

func TestPutRiskLimitsPublishesUpdate(t *testing.T) {
	f := newFixture(t)
	limits := models.DefaultRiskLimits()
	limits.MaxLeverage = decimal.NewFromInt(4)

	rec, env := f.do(t, http.MethodPut, "/risk/limits", limits)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.True(t, f.config.limits.MaxLeverage.Equal(decimal.NewFromInt(4)))
	assert.Len(t, f.bus.Published[models.TopicRiskLimitsUpdated], 1)
}

func TestValidateTradeRequiresFields(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPost, "/risk/validate", map[string]any{"opportunity_id": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	rec, env = f.do(t, http.MethodPost, "/risk/validate", map[string]any{
		"opportunity_id": "opp-1", "size_usd": "1000",
		"long_exchange": "binance", "short_exchange": "bybit",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "opp-1", f.risk.lastID)
}

func TestBreakerEndpoints(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/risk/circuit-breaker/activate", map[string]any{"reason": "incident"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.risk.breaker.Active())
	assert.Equal(t, "incident", f.risk.breaker.Status().Reason)

	rec, _ = f.do(t, http.MethodPost, "/risk/circuit-breaker/deactivate", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.risk.breaker.Active())
}

func TestPatchExchangeEncryptsCredentials(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodPatch, "/config/exchanges/binance", map[string]any{
		"api_key": "the-key", "api_secret": "the-secret",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	require.NotNil(t, f.config.saved)
	assert.NotEmpty(t, f.config.saved.EncryptedAPIKey)
	assert.NotEqual(t, "the-key", f.config.saved.EncryptedAPIKey)

	// ciphertext never appears in the response
	assert.NotContains(t, rec.Body.String(), f.config.saved.EncryptedAPIKey)
	assert.NotContains(t, rec.Body.String(), "the-key")
}

func TestBlacklistLifecyclePublishesEvents(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodPost, "/blacklist", map[string]any{"symbol": "doge", "reason": "illiquid"})
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.config.blacklist, 1)
	assert.Equal(t, "DOGE", f.config.blacklist[0].Symbol)

	rec, _ = f.do(t, http.MethodDelete, "/blacklist/DOGE", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"DOGE"}, f.config.removed)
	assert.Len(t, f.bus.Published[models.TopicBlacklistChanged], 2)

	var event models.BlacklistEvent
	require.NoError(t, json.Unmarshal(f.bus.Published[models.TopicBlacklistChanged][1], &event))
	assert.False(t, event.Added)
}

func TestStrategyRoundTripAndReset(t *testing.T) {
	f := newFixture(t)
	params := models.DefaultStrategyParameters()
	params.Mode = models.ModeLive
	params.AutoExecute = true

	rec, _ := f.do(t, http.MethodPut, "/config/strategy", params)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ModeLive, f.config.params.Mode)

	rec, _ = f.do(t, http.MethodPost, "/config/settings/factory-reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ModeDiscovery, f.config.params.Mode)
	assert.False(t, f.config.params.AutoExecute)
}

func TestAnalyticsEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/analytics/daily", "/analytics/summary", "/analytics/attribution"} {
		rec, env := f.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.True(t, env.Success, path)
	}
}

func TestReconciliationReportPrefersCache(t *testing.T) {
	f := newFixture(t)
	cached := position.Report{Checked: 7}
	require.NoError(t, f.cache.Set(context.Background(), models.CacheKeyReconciliationReport, cached, time.Minute))

	_, env := f.do(t, http.MethodGet, "/positions/reconciliation", nil)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var report position.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.Equal(t, 7, report.Checked)
}

func TestLiveStreamBroadcastsOpportunityEvents(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/opportunities/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the hub registers synchronously during the upgrade handshake
	require.Eventually(t, func() bool { return f.server.hub.clientCount() == 1 },
		time.Second, 10*time.Millisecond)

	event, err := json.Marshal(models.OpportunityEvent{OpportunityID: "opp-9", Symbol: "SOL"})
	require.NoError(t, err)
	f.server.hub.broadcast(models.TopicOpportunityDetected, event)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg liveMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	assert.Equal(t, models.TopicOpportunityDetected, msg.Topic)

	var got models.OpportunityEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &got))
	assert.Equal(t, "opp-9", got.OpportunityID)
}

func TestAnalyticsRealtimeAggregatesActivePositions(t *testing.T) {
	f := newFixture(t)
	f.positions.active = []models.Position{
		{
			ID:                   "pos-1",
			Status:               models.PosActive,
			TotalCapitalDeployed: decimal.NewFromInt(1000),
			FundingReceived:      decimal.NewFromInt(30),
			FundingPaid:          decimal.NewFromInt(10),
			Legs: []models.Leg{
				{UnrealizedPnL: decimal.NewFromInt(5)},
				{UnrealizedPnL: decimal.NewFromInt(-2)},
			},
		},
	}

	rec, env := f.do(t, http.MethodGet, "/analytics/realtime", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var out realtimeAnalytics
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 1, out.ActivePositions)
	assert.True(t, out.CapitalDeployed.Equal(decimal.NewFromInt(1000)))
	assert.True(t, out.NetFundingPnL.Equal(decimal.NewFromInt(20)))
	assert.True(t, out.UnrealizedPnL.Equal(decimal.NewFromInt(3)))
	require.NotNil(t, out.Capital)
	assert.True(t, out.Capital.TotalCapitalUSD.Equal(decimal.NewFromInt(10000)))
}

func TestAnalyticsTradesListsClosedPositions(t *testing.T) {
	f := newFixture(t)
	f.positions.active = []models.Position{{ID: "pos-9", Status: models.PosClosed}}

	rec, env := f.do(t, http.MethodGet, "/analytics/trades?limit=10", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Meta.Count)
	assert.Equal(t, 1, *env.Meta.Count)
	assert.Equal(t, string(models.PosClosed), f.positions.lastFilter.Status)
	assert.Equal(t, 10, f.positions.lastFilter.Limit)
}

func TestGetExchangeBySlug(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/config/exchanges/binance", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var ex models.ExchangeConfig
	require.NoError(t, json.Unmarshal(raw, &ex))
	assert.Equal(t, "binance", ex.Slug)

	rec, env = f.do(t, http.MethodGet, "/config/exchanges/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)
}
