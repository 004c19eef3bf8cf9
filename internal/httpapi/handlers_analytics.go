package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/persistence"
)

func (s *Server) handleAnalyticsDaily(w http.ResponseWriter, req *http.Request) {
	days := queryInt(req, "days", 30)
	if days <= 0 || days > 365 {
		respondError(w, http.StatusBadRequest, "days must be between 1 and 365")
		return
	}
	rows, err := s.deps.Store.Analytics.Daily(req.Context(), days)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, rows, len(rows))
}

func (s *Server) handleAnalyticsSummary(w http.ResponseWriter, req *http.Request) {
	summary, err := s.deps.Store.Analytics.Summary(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondOK(w, summary)
}

func (s *Server) handleAnalyticsAttribution(w http.ResponseWriter, req *http.Request) {
	rows, err := s.deps.Store.Analytics.Attribution(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, rows, len(rows))
}

// realtimeAnalytics is the live aggregate over currently active positions,
// computed on request rather than from the analytics views.
type realtimeAnalytics struct {
	ActivePositions int                  `json:"active_positions"`
	CapitalDeployed decimal.Decimal      `json:"capital_deployed"`
	UnrealizedPnL   decimal.Decimal      `json:"unrealized_pnl"`
	NetFundingPnL   decimal.Decimal      `json:"net_funding_pnl"`
	Capital         *models.CapitalState `json:"capital,omitempty"`
	AsOf            time.Time            `json:"as_of"`
}

func (s *Server) handleAnalyticsRealtime(w http.ResponseWriter, req *http.Request) {
	positions, err := s.deps.Store.Positions.ListActive(req.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := realtimeAnalytics{
		ActivePositions: len(positions),
		CapitalDeployed: decimal.Zero,
		UnrealizedPnL:   decimal.Zero,
		NetFundingPnL:   decimal.Zero,
		AsOf:            time.Now().UTC(),
	}
	for _, pos := range positions {
		out.CapitalDeployed = out.CapitalDeployed.Add(pos.TotalCapitalDeployed)
		out.NetFundingPnL = out.NetFundingPnL.Add(pos.NetFundingPnL())
		for _, leg := range pos.Legs {
			out.UnrealizedPnL = out.UnrealizedPnL.Add(leg.UnrealizedPnL)
		}
	}
	if s.deps.Capital != nil {
		state := s.deps.Capital.State()
		out.Capital = &state
	}
	respondOK(w, out)
}

// handleAnalyticsTrades lists closed positions, newest first.
func (s *Server) handleAnalyticsTrades(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.deps.Store.Positions.List(req.Context(), persistence.PositionFilter{
		Status: string(models.PosClosed),
		Limit:  limit,
		Offset: queryInt(req, "offset", 0),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, rows, len(rows))
}

func (s *Server) handleActivity(w http.ResponseWriter, req *http.Request) {
	limit := queryInt(req, "limit", 100)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	events, err := s.deps.Store.Audit.ListActivity(req.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, events, len(events))
}

func (s *Server) handleExecutionLog(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	entries, err := s.deps.Store.Audit.ListExecutionLog(req.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, entries, len(entries))
}
