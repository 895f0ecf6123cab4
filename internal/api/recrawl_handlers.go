package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

const (
	maxBodyBytes    = 1 << 20
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type submitRequest struct {
	URL         string `json:"url"`
	Priority    string `json:"priority"`
	CallbackURL string `json:"callback_url"`
	Force       bool   `json:"force"`
}

type submitResponse struct {
	JobID               string            `json:"job_id"`
	Status              recrawl.JobStatus `json:"status"`
	URL                 string            `json:"url"`
	Priority            recrawl.Priority  `json:"priority"`
	SLADeadline         time.Time         `json:"sla_deadline"`
	EstimatedCompletion time.Time         `json:"estimated_completion"`
	CreatedAt           time.Time         `json:"created_at"`
	CallbackURL         *string           `json:"callback_url,omitempty"`
	StatusURL           string            `json:"status_url"`
}

type jobStatusResponse struct {
	JobID       string                   `json:"job_id"`
	Status      recrawl.JobStatus        `json:"status"`
	URL         string                   `json:"url"`
	Priority    recrawl.Priority         `json:"priority"`
	SLADeadline time.Time                `json:"sla_deadline"`
	SLAMet      *bool                    `json:"sla_met"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at"`
	CancelledAt *time.Time               `json:"cancelled_at,omitempty"`
	Result      json.RawMessage          `json:"result"`
	Webhook     *recrawl.WebhookDelivery `json:"webhook,omitempty"`
	Degraded    bool                     `json:"degraded"`
	Stale       bool                     `json:"stale"`
}

// unknownJobResponse answers for jobs neither the store nor the runner can
// describe.
type unknownJobResponse struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Degraded bool   `json:"degraded"`
	Error    string `json:"error"`
}

func (s *Server) submitRecrawl(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rec, err := s.deps.Recrawl.Submit(r.Context(), recrawl.SubmitRequest{
		URL:         req.URL,
		Priority:    recrawl.Priority(req.Priority),
		CallbackURL: req.CallbackURL,
		Force:       req.Force,
	})
	switch {
	case err == nil:
	case errors.Is(err, recrawl.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, recrawl.ErrDispatchFailed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":  "task runner unavailable",
			"job_id": rec.ID,
			"status": string(rec.Status),
		})
		return
	default:
		s.logger.Error("submit recrawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	writeJSON(w, http.StatusAccepted, toSubmitResponse(rec))
}

func (s *Server) getRecrawl(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	view, err := s.deps.Recrawl.Status(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toStatusResponse(view))
	case errors.Is(err, recrawl.ErrJobNotFound):
		writeJSON(w, http.StatusNotFound, unknownJobResponse{JobID: jobID, Status: "unknown", Degraded: true, Error: "job not found"})
	case errors.Is(err, recrawl.ErrRunnerUnreachable):
		writeJSON(w, http.StatusServiceUnavailable, unknownJobResponse{JobID: jobID, Status: "unknown", Degraded: true, Error: "task runner unreachable"})
	default:
		s.logger.Error("get recrawl failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
	}
}

func (s *Server) cancelRecrawl(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	rec, err := s.deps.Recrawl.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toStatusResponse(recrawl.JobView{Record: rec, SLAMet: rec.SLAMet()}))
	case errors.Is(err, recrawl.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, recrawl.ErrAlreadyTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job already in a terminal state",
			"job_id": jobID,
			"status": string(rec.Status),
		})
	default:
		s.logger.Error("cancel recrawl failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
	}
}

func (s *Server) listRecrawls(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := recrawl.ListFilter{Limit: limit, Offset: offset}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := recrawl.JobStatus(strings.ToLower(raw))
		if !status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		filter.Status = &status
	}
	views, err := s.deps.Recrawl.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list recrawls failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	out := make([]jobStatusResponse, 0, len(views))
	for _, v := range views {
		out = append(out, toStatusResponse(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func toSubmitResponse(rec recrawl.JobRecord) submitResponse {
	resp := submitResponse{
		JobID:               rec.ID,
		Status:              rec.Status,
		URL:                 rec.URL,
		Priority:            rec.Priority,
		SLADeadline:         rec.SLADeadline,
		EstimatedCompletion: rec.CreatedAt.Add(recrawl.EstimatedCompletion),
		CreatedAt:           rec.CreatedAt,
		StatusURL:           "/recrawl/" + rec.ID,
	}
	if rec.CallbackURL != "" {
		cb := rec.CallbackURL
		resp.CallbackURL = &cb
	}
	return resp
}

func toStatusResponse(v recrawl.JobView) jobStatusResponse {
	rec := v.Record
	return jobStatusResponse{
		JobID:       rec.ID,
		Status:      rec.Status,
		URL:         rec.URL,
		Priority:    rec.Priority,
		SLADeadline: rec.SLADeadline,
		SLAMet:      v.SLAMet,
		CreatedAt:   rec.CreatedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		CancelledAt: rec.CancelledAt,
		Result:      rec.Result,
		Webhook:     rec.Webhook,
		Degraded:    v.Degraded,
		Stale:       v.Stale,
	}
}
