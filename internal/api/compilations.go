package api

import (
	"net/http"

	"github.com/kilnvm/kiln/internal/model"
)

// listCompilationsResponse wraps the paginated history list.
type listCompilationsResponse struct {
	Compilations []*model.Compilation `json:"compilations"`
	Total        int                  `json:"total"`
	Limit        int                  `json:"limit"`
	Offset       int                  `json:"offset"`
}

func (s *Server) handleListCompilations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	compilations, total, err := s.store.ListCompilations(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list compilations", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list compilations")
		return
	}

	if compilations == nil {
		compilations = []*model.Compilation{}
	}

	s.writeJSON(w, http.StatusOK, listCompilationsResponse{
		Compilations: compilations,
		Total:        total,
		Limit:        limit,
		Offset:       offset,
	})
}
