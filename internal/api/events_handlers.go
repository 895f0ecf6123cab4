package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
	eventsTimeout     = 3 * time.Second
)

// listJobEvents handles GET /recrawl/{job_id}/events?limit=&offset=. It returns
// {"job_id": ..., "events": [...]} oldest first, 400 for invalid paging, 503
// when no audit store is configured, or 500 for repository errors.
func (s *Server) listJobEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event repository unavailable")
		return
	}
	jobID := strings.TrimSpace(chi.URLParam(r, "job_id"))
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultEventLimit, maxEventLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), eventsTimeout)
	defer cancel()

	rows, err := s.deps.Events.ListEvents(ctx, jobID, limit, offset)
	if err != nil {
		s.logger.Error("list job events failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list job events")
		return
	}
	if rows == nil {
		rows = []store.EventRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": jobID,
		"events": rows,
	})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}
