package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ByType    map[string]int `json:"by_type"`
	ByMachine map[string]int `json:"machines_by_status"`
	Providers int            `json:"providers"`
	Scheduler string         `json:"scheduler"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRequestStats(r.Context())
	if err != nil {
		s.logger.Error("get request stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:     stats.Total,
		ByStatus:  stats.CountByStatus,
		ByType:    stats.CountByType,
		ByMachine: stats.MachinesByState,
		Providers: len(s.registry.Enabled()),
		Scheduler: s.mapper.Name(),
	})
}
