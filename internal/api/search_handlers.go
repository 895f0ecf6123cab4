package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/search"
)

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	if s.deps.Search == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}
	if s.deps.Limiter != nil {
		d := s.deps.Limiter.Allow(rateLimitKey(r))
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		if !d.Allowed {
			retry := max(int(time.Until(d.Reset).Seconds()), 1)
			h.Set("Retry-After", strconv.Itoa(retry))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	q := r.URL.Query()
	filters, err := parseSearchFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page, hit, err := s.deps.Search.Search(r.Context(), q.Get("q"), filters)
	if err != nil {
		if errors.Is(err, search.ErrInvalidQuery) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("search failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "search backend failed")
		return
	}
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, page)
}

func parseSearchFilters(r *http.Request) (search.Filters, error) {
	q := r.URL.Query()
	f := search.Filters{
		Language: q.Get("language"),
		DateFrom: q.Get("date_from"),
		DateTo:   q.Get("date_to"),
		Sort:     search.SortOrder(q.Get("sort")),
		Fields:   q.Get("fields"),
	}
	var err error
	if f.Page, err = intParam(q.Get("page"), "page"); err != nil {
		return f, err
	}
	if f.PerPage, err = intParam(q.Get("per_page"), "per_page"); err != nil {
		return f, err
	}
	if raw := q.Get("safe_search"); raw != "" {
		v, perr := strconv.ParseBool(raw)
		if perr != nil {
			return f, errors.New("invalid safe_search")
		}
		f.SafeSearch = v
	}
	return f, nil
}

// intParam parses an optional positive integer; absent yields 0 so defaults
// apply downstream.
func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("invalid " + name)
	}
	return v, nil
}
