// Package httpapi is the operator surface: thin JSON handlers over the
// component operations, a websocket stream of opportunity events, /health
// and /metrics.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/aggregator"
	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/position"
	"github.com/perparb/perparb/internal/risk"
	"github.com/perparb/perparb/internal/secrets"
)

// MarketData is the aggregator surface the API reads.
type MarketData interface {
	SourceStatuses() map[string]aggregator.SourceStatus
	CalculateSpreads(ctx context.Context, minSpread decimal.Decimal, limit int) []models.Spread
}

// OpportunitySource yields the detector's in-memory view.
type OpportunitySource interface {
	Opportunities() []models.Opportunity
}

// TradeExecutor opens both legs of an opportunity.
type TradeExecutor interface {
	Execute(ctx context.Context, opportunityID string, sizeUSD, leverage decimal.Decimal) (*models.Position, error)
}

// PositionService closes positions and runs reconciliation on demand.
type PositionService interface {
	ClosePosition(ctx context.Context, pos *models.Position, reason string) error
	Reconcile(ctx context.Context) (*position.Report, error)
}

// CapitalService exposes the allocator's state.
type CapitalService interface {
	State() models.CapitalState
	Allocations() []models.Allocation
}

// RiskService runs validations and owns the breaker.
type RiskService interface {
	ValidateTrade(ctx context.Context, opportunityID string, sizeUSD decimal.Decimal, longExchange, shortExchange string) (*models.TradeValidation, error)
	RunStress(ctx context.Context) (*models.StressReport, error)
	Breaker() *risk.Breaker
}

// Deps wires the API to the running components. Optional fields may be nil;
// their endpoints then return 503.
type Deps struct {
	Store     *persistence.Store
	Cache     cache.Cache
	Bus       bus.Bus
	Cipher    *secrets.Cipher
	Gatherer  prometheus.Gatherer
	Market    MarketData
	Detector  OpportunitySource
	Executor  TradeExecutor
	Positions PositionService
	Capital   CapitalService
	Risk      RiskService
}

// Config holds the bind address and timeouts.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 15 * time.Second
	}
}

// Server is the HTTP server plus the websocket hub.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	server *http.Server
	hub    *liveHub
}

// New builds the server and registers all routes.
func New(cfg Config, deps Deps) *Server {
	cfg.defaults()
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		hub:    newLiveHub(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx ends, subscribing the websocket hub to the
// opportunity topics first.
func (s *Server) Run(ctx context.Context) error {
	if s.deps.Bus != nil {
		for _, topic := range []string{
			models.TopicOpportunityDetected,
			models.TopicOpportunityUpdated,
			models.TopicOpportunityExpired,
		} {
			topic := topic
			s.deps.Bus.Subscribe(topic, func(_ context.Context, payload []byte) {
				s.hub.broadcast(topic, payload)
			})
		}
	}
	go s.hub.run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("http api listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/opportunities", s.handleListOpportunities).Methods(http.MethodGet)
	r.HandleFunc("/opportunities/live", s.handleLive).Methods(http.MethodGet)
	r.HandleFunc("/opportunities/top/{n}", s.handleTopOpportunities).Methods(http.MethodGet)
	r.HandleFunc("/opportunities/{id}", s.handleGetOpportunity).Methods(http.MethodGet)
	r.HandleFunc("/opportunities/{id}/execute", s.handleExecute).Methods(http.MethodPost)

	r.HandleFunc("/positions", s.handleListPositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/active", s.handleActivePositions).Methods(http.MethodGet)
	r.HandleFunc("/positions/reconciliation", s.handleReconciliationReport).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}", s.handleGetPosition).Methods(http.MethodGet)
	r.HandleFunc("/positions/{id}/close", s.handleClosePosition).Methods(http.MethodPost)

	r.HandleFunc("/funding/rates", s.handleFundingRates).Methods(http.MethodGet)
	r.HandleFunc("/funding/matrix", s.handleFundingMatrix).Methods(http.MethodGet)
	r.HandleFunc("/funding/history/{symbol}", s.handleFundingHistory).Methods(http.MethodGet)
	r.HandleFunc("/funding/spreads", s.handleFundingSpreads).Methods(http.MethodGet)

	r.HandleFunc("/capital", s.handleCapitalState).Methods(http.MethodGet)
	r.HandleFunc("/capital/allocations", s.handleAllocations).Methods(http.MethodGet)

	r.HandleFunc("/risk/state", s.handleRiskState).Methods(http.MethodGet)
	r.HandleFunc("/risk/limits", s.handleGetRiskLimits).Methods(http.MethodGet)
	r.HandleFunc("/risk/limits", s.handlePutRiskLimits).Methods(http.MethodPut)
	r.HandleFunc("/risk/validate", s.handleValidateTrade).Methods(http.MethodPost)
	r.HandleFunc("/risk/circuit-breaker/activate", s.handleBreakerActivate).Methods(http.MethodPost)
	r.HandleFunc("/risk/circuit-breaker/deactivate", s.handleBreakerDeactivate).Methods(http.MethodPost)
	r.HandleFunc("/risk/stress", s.handleStress).Methods(http.MethodPost)

	r.HandleFunc("/config/strategy", s.handleGetStrategy).Methods(http.MethodGet)
	r.HandleFunc("/config/strategy", s.handlePutStrategy).Methods(http.MethodPut)
	r.HandleFunc("/config/settings/factory-reset", s.handleFactoryReset).Methods(http.MethodPost)
	r.HandleFunc("/config/exchanges", s.handleListExchanges).Methods(http.MethodGet)
	r.HandleFunc("/config/exchanges/{slug}", s.handleGetExchange).Methods(http.MethodGet)
	r.HandleFunc("/config/exchanges/{slug}", s.handlePatchExchange).Methods(http.MethodPatch)

	r.HandleFunc("/blacklist", s.handleListBlacklist).Methods(http.MethodGet)
	r.HandleFunc("/blacklist", s.handleAddBlacklist).Methods(http.MethodPost)
	r.HandleFunc("/blacklist/{symbol}", s.handleRemoveBlacklist).Methods(http.MethodDelete)

	r.HandleFunc("/analytics/daily", s.handleAnalyticsDaily).Methods(http.MethodGet)
	r.HandleFunc("/analytics/summary", s.handleAnalyticsSummary).Methods(http.MethodGet)
	r.HandleFunc("/analytics/attribution", s.handleAnalyticsAttribution).Methods(http.MethodGet)
	r.HandleFunc("/analytics/realtime", s.handleAnalyticsRealtime).Methods(http.MethodGet)
	r.HandleFunc("/analytics/trades", s.handleAnalyticsTrades).Methods(http.MethodGet)

	r.HandleFunc("/activity", s.handleActivity).Methods(http.MethodGet)
	r.HandleFunc("/execution-log/{id}", s.handleExecutionLog).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		respondError(w, http.StatusNotFound, "not found")
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, req)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, req)
		log.Debug().Str("method", req.Method).Str("path", req.URL.Path).
			Dur("elapsed", time.Since(start)).Msg("request")
	})
}

// handleHealth reports source and component status without touching venues.
func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	status := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.deps.Market != nil {
		sources := make(map[string]string)
		for name, st := range s.deps.Market.SourceStatuses() {
			sources[name] = string(st)
		}
		status["sources"] = sources
	}
	if s.deps.Risk != nil {
		status["circuit_breaker"] = s.deps.Risk.Breaker().Status()
	}
	respondOK(w, status)
}
