package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/fleetbroker/internal/catalog"
	"github.com/seantiz/fleetbroker/internal/engine"
	"github.com/seantiz/fleetbroker/internal/mapping"
	"github.com/seantiz/fleetbroker/internal/model"
	"github.com/seantiz/fleetbroker/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// listRequestsResponse wraps the paginated list response.
type listRequestsResponse struct {
	Requests []*model.Request `json:"requests"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	in, err := s.mapper.DecodeAcquire(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.TemplateID == "" {
		s.writeError(w, http.StatusBadRequest, "template id is required")
		return
	}

	req, err := s.engine.Acquire(r.Context(), in.TemplateID, in.Count)
	switch {
	case errors.Is(err, catalog.ErrTemplateNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, engine.ErrInvalidCount):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("acquire", "template_id", in.TemplateID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create request")
		return
	}

	s.writeJSON(w, http.StatusAccepted, s.mapper.EncodeRequest(req, nil))
}

func (s *Server) handleCreateReturn(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	ids, err := s.mapper.DecodeReturn(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one machine id is required")
		return
	}

	req, err := s.engine.Return(r.Context(), ids)
	if err != nil {
		s.logger.Error("return", "machines", len(ids), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create return request")
		return
	}
	s.writeRequest(w, r, http.StatusAccepted, req)
}

// handleGetRequest syncs the request against its provider before answering,
// so callers that poll this endpoint see fresh state between poller ticks.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := s.engine.Sync(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		s.logger.Error("sync request", "request_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get request")
		return
	}
	s.writeRequest(w, r, http.StatusOK, req)
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	requests, total, err := s.store.ListRequests(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list requests", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list requests")
		return
	}

	if requests == nil {
		requests = []*model.Request{}
	}

	s.writeJSON(w, http.StatusOK, listRequestsResponse{
		Requests: requests,
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	})
}

// writeRequest encodes a request and its machines in the scheduler's format.
func (s *Server) writeRequest(w http.ResponseWriter, r *http.Request, status int, req *model.Request) {
	machines, err := s.engine.Machines(r.Context(), req)
	if err != nil {
		s.logger.Error("list machines", "request_id", req.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list machines")
		return
	}
	s.writeJSON(w, status, s.mapper.EncodeRequest(req, machines))
}

// readBody reads a size-limited request body, writing the error response
// itself when it fails.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, mapping.ErrInvalidBody.Error())
		return nil, false
	}
	return body, true
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
