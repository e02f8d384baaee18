package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/zapflow/internal/control"
	"github.com/foxzi/zapflow/internal/models"
	"github.com/foxzi/zapflow/internal/queue"
)

const (
	defaultPageSize = 100
	maxPageSize     = 1000
	maxRequestBytes = 1 << 20
)

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string                      `json:"status"`
	Version string                      `json:"version"`
	Uptime  string                      `json:"uptime"`
	Queue   map[string]queue.TopicStats `json:"queue,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// ListResponse wraps a page of results
type ListResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// StartRequest is the optional body of POST /campaigns/{id}/start
type StartRequest struct {
	StartedBy string `json:"started_by"`
}

// RequeueResponse is the response for POST /campaigns/{id}/requeue-failed
type RequeueResponse struct {
	Requeued int64 `json:"requeued"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: s.deps.Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.deps.Queue != nil {
		stats, err := s.deps.Queue.Stats(r.Context())
		if err != nil {
			s.logger.Error("failed to get queue stats", "error", err)
		}
		resp.Queue = stats
	}
	sendJSON(w, http.StatusOK, resp)
}

// handleCreate handles POST /campaigns
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req control.CreateRequest
	if !decode(w, r, &req) {
		return
	}

	c, err := s.deps.Control.Create(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		s.sendCommandError(w, r, "create", err)
		return
	}
	sendJSON(w, http.StatusCreated, c)
}

// handleList handles GET /campaigns
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	filter := models.CampaignFilter{
		Status: models.CampaignStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	campaigns, err := s.deps.Control.List(r.Context(), tenantFrom(r.Context()), filter)
	if err != nil {
		s.sendCommandError(w, r, "list", err)
		return
	}
	if campaigns == nil {
		campaigns = []models.Campaign{}
	}
	sendJSON(w, http.StatusOK, ListResponse[models.Campaign]{Items: campaigns, Limit: limit, Offset: offset})
}

// handleGet handles GET /campaigns/{id}
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Control.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "get", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleDelete handles DELETE /campaigns/{id}
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Control.Delete(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id")); err != nil {
		s.sendCommandError(w, r, "delete", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStatus handles GET /campaigns/{id}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Control.Status(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "status", err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

// handleRecipients handles GET /campaigns/{id}/recipients
func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	limit, offset, ok := page(w, r)
	if !ok {
		return
	}
	filter := models.RecipientFilter{
		Status: models.ContactStatus(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	}

	recipients, err := s.deps.Control.Recipients(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), filter)
	if err != nil {
		s.sendCommandError(w, r, "recipients", err)
		return
	}
	if recipients == nil {
		recipients = []models.CampaignContact{}
	}
	sendJSON(w, http.StatusOK, ListResponse[models.CampaignContact]{Items: recipients, Limit: limit, Offset: offset})
}

// handleLogs handles GET /campaigns/{id}/logs
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := page(w, r)
	if !ok {
		return
	}
	logs, err := s.deps.Control.Logs(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendCommandError(w, r, "logs", err)
		return
	}
	if logs == nil {
		logs = []models.CampaignLog{}
	}
	sendJSON(w, http.StatusOK, ListResponse[models.CampaignLog]{Items: logs, Limit: limit})
}

// handleNotifications handles GET /campaigns/{id}/notifications
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	limit, _, ok := page(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Control.Notifications(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.sendCommandError(w, r, "notifications", err)
		return
	}
	if items == nil {
		items = []models.CampaignNotification{}
	}
	sendJSON(w, http.StatusOK, ListResponse[models.CampaignNotification]{Items: items, Limit: limit})
}

// handleStart handles POST /campaigns/{id}/start
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	c, err := s.deps.Control.Start(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"), req.StartedBy)
	if err != nil {
		s.sendCommandError(w, r, "start", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handlePause handles POST /campaigns/{id}/pause
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Control.Pause(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "pause", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleResume handles POST /campaigns/{id}/resume
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Control.Resume(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "resume", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleStop handles POST /campaigns/{id}/stop
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Control.Stop(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "stop", err)
		return
	}
	sendJSON(w, http.StatusOK, c)
}

// handleDuplicate handles POST /campaigns/{id}/duplicate
func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Control.Duplicate(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "duplicate", err)
		return
	}
	sendJSON(w, http.StatusCreated, c)
}

// handleRequeueFailed handles POST /campaigns/{id}/requeue-failed
func (s *Server) handleRequeueFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Control.RequeueFailed(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.sendCommandError(w, r, "requeue", err)
		return
	}
	sendJSON(w, http.StatusOK, RequeueResponse{Requeued: n})
}

// handleCampaignEvents handles GET /campaigns/{id}/events
func (s *Server) handleCampaignEvents(w http.ResponseWriter, r *http.Request) {
	tenantID, id := tenantFrom(r.Context()), chi.URLParam(r, "id")
	if _, err := s.deps.Control.Get(r.Context(), tenantID, id); err != nil {
		s.sendCommandError(w, r, "subscribe", err)
		return
	}
	s.deps.Hub.ServeSSE(w, r, tenantID, id)
}

// handleCampaignWS handles GET /campaigns/{id}/ws
func (s *Server) handleCampaignWS(w http.ResponseWriter, r *http.Request) {
	tenantID, id := tenantFrom(r.Context()), chi.URLParam(r, "id")
	if _, err := s.deps.Control.Get(r.Context(), tenantID, id); err != nil {
		s.sendCommandError(w, r, "subscribe", err)
		return
	}
	s.deps.Hub.ServeWS(w, r, tenantID, id)
}

// handleTenantEvents handles GET /events
func (s *Server) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	s.deps.Hub.ServeSSE(w, r, tenantFrom(r.Context()), "")
}

// sendCommandError maps domain errors to status codes
func (s *Server) sendCommandError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation failed", Fields: verr.Fields})
	case errors.Is(err, models.ErrNotFound):
		sendError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, models.ErrInvalidStateTransition):
		sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrTenantLimit):
		sendError(w, http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error("campaign command failed",
			"op", op,
			"tenant_id", tenantFrom(r.Context()),
			"campaign_id", chi.URLParam(r, "id"),
			"error", err,
		)
		sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a JSON body, rejecting unknown fields
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

// page parses limit and offset query parameters
func page(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	limit, offset = defaultPageSize, 0
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageSize {
			sendError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return 0, 0, false
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			sendError(w, http.StatusBadRequest, "offset must not be negative")
			return 0, 0, false
		}
		offset = n
	}
	return limit, offset, true
}

// sendJSON sends a JSON response
func sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func sendError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, ErrorResponse{Error: message})
}
