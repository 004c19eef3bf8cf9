package httpapi

import (
	"net/http"
)

func (s *Server) handleCapitalState(w http.ResponseWriter, req *http.Request) {
	if s.deps.Capital == nil {
		respondError(w, http.StatusServiceUnavailable, "capital allocator not running")
		return
	}
	respondOK(w, s.deps.Capital.State())
}

func (s *Server) handleAllocations(w http.ResponseWriter, req *http.Request) {
	if s.deps.Capital == nil {
		respondError(w, http.StatusServiceUnavailable, "capital allocator not running")
		return
	}
	allocations := s.deps.Capital.Allocations()
	respondList(w, allocations, len(allocations))
}
