package httpapi

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/persistence"
)

func (s *Server) handleListOpportunities(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	filter := persistence.OpportunityFilter{
		MinScore:  queryFloat(req, "min_score", 0),
		Symbol:    q.Get("symbol"),
		Exchange:  q.Get("exchange"),
		Status:    q.Get("status"),
		SortBy:    q.Get("sort_by"),
		SortOrder: q.Get("sort_order"),
		Limit:     queryInt(req, "limit", 50),
		Offset:    queryInt(req, "offset", 0),
	}
	opps, err := s.deps.Store.Opportunities.List(req.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, opps, len(opps))
}

func (s *Server) handleGetOpportunity(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	opp, err := s.deps.Store.Opportunities.Get(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if opp == nil {
		respondError(w, http.StatusNotFound, "opportunity not found")
		return
	}
	respondOK(w, opp)
}

// handleTopOpportunities serves the detector's live in-memory view ranked by
// score, bypassing the store.
func (s *Server) handleTopOpportunities(w http.ResponseWriter, req *http.Request) {
	if s.deps.Detector == nil {
		respondError(w, http.StatusServiceUnavailable, "detector not running")
		return
	}
	n, err := strconv.Atoi(mux.Vars(req)["n"])
	if err != nil || n <= 0 {
		respondError(w, http.StatusBadRequest, "n must be positive")
		return
	}

	opps := s.deps.Detector.Opportunities()
	sort.Slice(opps, func(i, j int) bool { return opps[i].UOSScore > opps[j].UOSScore })
	if len(opps) > n {
		opps = opps[:n]
	}
	respondList(w, opps, len(opps))
}

type executeRequest struct {
	CapitalUSD decimal.Decimal `json:"capital_usd"`
	Leverage   decimal.Decimal `json:"leverage"`
}

// handleExecute opens both legs of an opportunity on operator demand. The
// executor enforces state transitions, so a double-submit fails cleanly.
func (s *Server) handleExecute(w http.ResponseWriter, req *http.Request) {
	if s.deps.Executor == nil {
		respondError(w, http.StatusServiceUnavailable, "executor not running")
		return
	}
	id := mux.Vars(req)["id"]

	var body executeRequest
	if req.ContentLength > 0 && !decodeBody(w, req, &body) {
		return
	}
	pos, err := s.deps.Executor.Execute(req.Context(), id, body.CapitalUSD, body.Leverage)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	respondOK(w, pos)
}
