package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"client-engine/internal/models"
)

type limitRequest struct {
	Limit int `json:"limit"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.DispatchBatchSize
	}
	res, err := s.notifier.DispatchPending(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	if req.Limit <= 0 {
		req.Limit = s.cfg.EscalationBatchSize
	}
	res, err := s.notifier.EvaluateEscalationRules(r.Context(), req.Limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type raiseRequest struct {
	EventKey  string         `json:"event_key"`
	DedupeKey string         `json:"dedupe_key"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Payload   map[string]any `json:"payload"`
}

func (s *Server) handleRaise(w http.ResponseWriter, r *http.Request) {
	var req raiseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	ev, existing, err := s.notifier.Raise(r.Context(), models.NewEvent{
		EventKey:  req.EventKey,
		DedupeKey: req.DedupeKey,
		Severity:  req.Severity,
		Title:     req.Title,
		Body:      req.Body,
		Payload:   req.Payload,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if existing {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"event": ev, "existing": existing})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	open, _ := strconv.ParseBool(q.Get("open"))
	events, err := s.notifier.ListEvents(r.Context(), models.EventFilter{
		Status:    q.Get("status"),
		KeyPrefix: q.Get("prefix"),
		OpenOnly:  open,
		Limit:     queryInt(r, "limit", 0),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	ev, deliveries, err := s.notifier.Event(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": ev, "deliveries": deliveries})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	ev, err := s.notifier.ResolveEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.notifier.RetryDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}
