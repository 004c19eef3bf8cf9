package httpapi

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

func (s *Server) handleRiskState(w http.ResponseWriter, req *http.Request) {
	if s.deps.Risk == nil {
		respondError(w, http.StatusServiceUnavailable, "risk manager not running")
		return
	}
	limits, err := s.deps.Store.Config.GetRiskLimits(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	state := map[string]any{
		"circuit_breaker": s.deps.Risk.Breaker().Status(),
		"limits":          limits,
	}
	if s.deps.Capital != nil {
		state["capital"] = s.deps.Capital.State()
	}
	respondOK(w, state)
}

func (s *Server) handleGetRiskLimits(w http.ResponseWriter, req *http.Request) {
	limits, err := s.deps.Store.Config.GetRiskLimits(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, limits)
}

func (s *Server) handlePutRiskLimits(w http.ResponseWriter, req *http.Request) {
	var limits models.RiskLimits
	if !decodeBody(w, req, &limits) {
		return
	}
	if limits.MaxPositionSizeUSD.LessThanOrEqual(decimal.Zero) ||
		limits.MaxLeverage.LessThanOrEqual(decimal.Zero) {
		respondError(w, http.StatusBadRequest, "position size and leverage limits must be positive")
		return
	}
	limits.IsActive = true
	limits.UpdatedAt = time.Now().UTC()
	if err := s.deps.Store.Config.SaveRiskLimits(req.Context(), &limits); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.deps.Bus != nil {
		_ = s.deps.Bus.Publish(req.Context(), models.TopicRiskLimitsUpdated, limits)
	}
	respondOK(w, limits)
}

type validateRequest struct {
	OpportunityID string          `json:"opportunity_id"`
	SizeUSD       decimal.Decimal `json:"size_usd"`
	LongExchange  string          `json:"long_exchange"`
	ShortExchange string          `json:"short_exchange"`
}

func (s *Server) handleValidateTrade(w http.ResponseWriter, req *http.Request) {
	if s.deps.Risk == nil {
		respondError(w, http.StatusServiceUnavailable, "risk manager not running")
		return
	}
	var body validateRequest
	if !decodeBody(w, req, &body) {
		return
	}
	if body.OpportunityID == "" || body.SizeUSD.LessThanOrEqual(decimal.Zero) {
		respondError(w, http.StatusBadRequest, "opportunity_id and a positive size_usd are required")
		return
	}
	verdict, err := s.deps.Risk.ValidateTrade(req.Context(), body.OpportunityID,
		body.SizeUSD, body.LongExchange, body.ShortExchange)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, verdict)
}

type breakerRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleBreakerActivate(w http.ResponseWriter, req *http.Request) {
	if s.deps.Risk == nil {
		respondError(w, http.StatusServiceUnavailable, "risk manager not running")
		return
	}
	var body breakerRequest
	if req.ContentLength > 0 && !decodeBody(w, req, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "manual"
	}
	s.deps.Risk.Breaker().Activate(body.Reason)
	respondOK(w, s.deps.Risk.Breaker().Status())
}

func (s *Server) handleBreakerDeactivate(w http.ResponseWriter, req *http.Request) {
	if s.deps.Risk == nil {
		respondError(w, http.StatusServiceUnavailable, "risk manager not running")
		return
	}
	s.deps.Risk.Breaker().Deactivate()
	respondOK(w, s.deps.Risk.Breaker().Status())
}

func (s *Server) handleStress(w http.ResponseWriter, req *http.Request) {
	if s.deps.Risk == nil {
		respondError(w, http.StatusServiceUnavailable, "risk manager not running")
		return
	}
	report, err := s.deps.Risk.RunStress(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, report)
}
