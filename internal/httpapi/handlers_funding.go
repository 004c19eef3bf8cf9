package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/models"
)

// snapshot fetches the latest unified snapshot from the shared cache.
func (s *Server) snapshot(req *http.Request) (*models.UnifiedFundingSnapshot, bool) {
	if s.deps.Cache == nil {
		return nil, false
	}
	var snap models.UnifiedFundingSnapshot
	_, ok, err := s.deps.Cache.Get(req.Context(), models.CacheKeySnapshot, &snap)
	if err != nil || !ok {
		return nil, false
	}
	return &snap, true
}

func (s *Server) handleFundingRates(w http.ResponseWriter, req *http.Request) {
	snap, ok := s.snapshot(req)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no funding snapshot available yet")
		return
	}
	respondOK(w, snap)
}

// handleFundingMatrix flattens the snapshot into ticker -> exchange -> rate,
// optionally filtered by observation source.
func (s *Server) handleFundingMatrix(w http.ResponseWriter, req *http.Request) {
	snap, ok := s.snapshot(req)
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "no funding snapshot available yet")
		return
	}
	source := req.URL.Query().Get("source")

	matrix := make(map[string]map[string]decimal.Decimal, len(snap.Rates))
	for ticker, byExchange := range snap.Rates {
		row := make(map[string]decimal.Decimal, len(byExchange))
		for exchange, rate := range byExchange {
			if source != "" && string(rate.Source) != source {
				continue
			}
			row[exchange] = rate.Rate
		}
		if len(row) > 0 {
			matrix[ticker] = row
		}
	}
	respondOK(w, map[string]any{
		"matrix":     matrix,
		"fetched_at": snap.FetchedAt,
	})
}

func (s *Server) handleFundingHistory(w http.ResponseWriter, req *http.Request) {
	ticker := mux.Vars(req)["symbol"]
	hours := queryInt(req, "hours", 24)
	if hours <= 0 || hours > 24*30 {
		respondError(w, http.StatusBadRequest, "hours must be between 1 and 720")
		return
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	rates, err := s.deps.Store.Funding.ListRateHistory(req.Context(), ticker, since)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondList(w, rates, len(rates))
}

// handleFundingSpreads serves the cached spread table, recomputing from the
// live aggregator when the cache is cold.
func (s *Server) handleFundingSpreads(w http.ResponseWriter, req *http.Request) {
	minSpread := queryDecimal(req, "min_spread", decimal.Zero)
	limit := queryInt(req, "limit", 50)

	if s.deps.Cache != nil {
		var spreads []models.Spread
		if _, ok, err := s.deps.Cache.Get(req.Context(), models.CacheKeySpreads, &spreads); err == nil && ok {
			filtered := spreads[:0]
			for _, sp := range spreads {
				if sp.SpreadPct.GreaterThanOrEqual(minSpread) {
					filtered = append(filtered, sp)
				}
			}
			if len(filtered) > limit {
				filtered = filtered[:limit]
			}
			respondList(w, filtered, len(filtered))
			return
		}
	}
	if s.deps.Market == nil {
		respondError(w, http.StatusServiceUnavailable, "aggregator not running")
		return
	}
	spreads := s.deps.Market.CalculateSpreads(req.Context(), minSpread, limit)
	respondList(w, spreads, len(spreads))
}
