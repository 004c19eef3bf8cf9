package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
	"github.com/perparb/perparb/internal/position"
)

func (s *Server) handleListPositions(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := persistence.PositionFilter{
		Status: q.Get("status"),
		Symbol: q.Get("symbol"),
		Limit:  queryInt(req, "limit", 50),
		Offset: queryInt(req, "offset", 0),
	}
	positions, err := s.deps.Store.Positions.List(req.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, positions, len(positions))
}

func (s *Server) handleActivePositions(w http.ResponseWriter, req *http.Request) {
	positions, err := s.deps.Store.Positions.ListActive(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, positions, len(positions))
}

func (s *Server) handleGetPosition(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	pos, err := s.deps.Store.Positions.Get(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		respondError(w, http.StatusNotFound, "position not found")
		return
	}
	respondOK(w, pos)
}

type closeRequest struct {
	Reason string `json:"reason"`
}

// handleClosePosition unwinds both legs on operator demand.
func (s *Server) handleClosePosition(w http.ResponseWriter, req *http.Request) {
	if s.deps.Positions == nil {
		respondError(w, http.StatusServiceUnavailable, "position manager not running")
		return
	}
	id := mux.Vars(req)["id"]
	pos, err := s.deps.Store.Positions.Get(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if pos == nil {
		respondError(w, http.StatusNotFound, "position not found")
		return
	}
	if pos.Status != models.PosActive {
		respondError(w, http.StatusConflict, "position is not open")
		return
	}

	var body closeRequest
	if req.ContentLength > 0 && !decodeBody(w, req, &body) {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = position.ExitManual
	}
	if err := s.deps.Positions.ClosePosition(req.Context(), pos, reason); err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondOK(w, pos)
}

// handleReconciliationReport serves the cached latest run, triggering a
// fresh one only when nothing is cached yet.
func (s *Server) handleReconciliationReport(w http.ResponseWriter, req *http.Request) {
	var report position.Report
	if s.deps.Cache != nil {
		if _, ok, err := s.deps.Cache.Get(req.Context(), models.CacheKeyReconciliationReport, &report); err == nil && ok {
			respondOK(w, report)
			return
		}
	}
	if s.deps.Positions == nil {
		respondError(w, http.StatusServiceUnavailable, "position manager not running")
		return
	}
	fresh, err := s.deps.Positions.Reconcile(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, fresh)
}
