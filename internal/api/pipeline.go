package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type runRequest struct {
	Trigger string `json:"trigger"`
	Limit   int    `json:"limit"`
}

func (s *Server) handleRunLead(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Trigger == "" {
		req.Trigger = "api"
	}
	res, err := s.runner.RunIfEligible(r.Context(), chi.URLParam(r, "id"), req.Trigger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunEligible(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.PipelineBatchSize
	}
	if req.Trigger == "" {
		req.Trigger = "api"
	}
	batch, err := s.runner.RunEligible(r.Context(), req.Limit, req.Trigger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleLeadRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.runner.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
