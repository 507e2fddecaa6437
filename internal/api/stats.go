package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total        int            `json:"total"`
	ByState      map[string]int `json:"by_state"`
	ByTier       map[string]int `json:"by_tier"`
	AvgCompileMS float64        `json:"avg_compile_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetCompileStats(r.Context())
	if err != nil {
		s.logger.Error("get compile stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:        stats.Total,
		ByState:      stats.CountByState,
		ByTier:       stats.CountByTier,
		AvgCompileMS: stats.AvgCompileMS,
	})
}

func (s *Server) handleListCompilers(w http.ResponseWriter, _ *http.Request) {
	compilers := s.compilers.List()
	s.writeJSON(w, http.StatusOK, compilers)
}
