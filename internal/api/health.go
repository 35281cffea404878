package api

import "net/http"

type healthResponse struct {
	Status    string `json:"status"`
	Providers int    `json:"providers"`
	Templates int    `json:"templates"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Providers: len(s.registry.Enabled()),
		Templates: len(s.templates.List()),
	})
}
