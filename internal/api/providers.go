package api

import (
	"net/http"

	"github.com/seantiz/fleetbroker/internal/model"
)

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}

// listTemplatesResponse is the JSON response for GET /v1/templates.
type listTemplatesResponse struct {
	Templates []*model.Template `json:"templates"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, _ *http.Request) {
	templates := s.templates.List()
	if templates == nil {
		templates = []*model.Template{}
	}
	s.writeJSON(w, http.StatusOK, listTemplatesResponse{Templates: templates})
}
