package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
	"github.com/JakeFAU/websearch-control-plane/internal/policy/ratelimit"
	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/search"
	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
	readyTimeout          = 2 * time.Second
)

// RecrawlService is the lifecycle manager surface used by the handlers.
type RecrawlService interface {
	Submit(ctx context.Context, req recrawl.SubmitRequest) (recrawl.JobRecord, error)
	Status(ctx context.Context, jobID string) (recrawl.JobView, error)
	Cancel(ctx context.Context, jobID string) (recrawl.JobRecord, error)
	List(ctx context.Context, filter recrawl.ListFilter) ([]recrawl.JobView, error)
}

// SearchService answers search queries.
type SearchService interface {
	Search(ctx context.Context, query string, f search.Filters) (search.Page, bool, error)
}

// RateLimiter decides per API key.
type RateLimiter interface {
	Allow(key string) ratelimit.Decision
}

// EventLister reads a job's audit trail.
type EventLister interface {
	ListEvents(ctx context.Context, jobID string, limit, offset int) ([]store.EventRow, error)
}

// ReadyCheck reports whether a dependency can serve traffic.
type ReadyCheck func(ctx context.Context) error

// Deps are the services behind the routes. Search, Limiter and Events may be
// nil, in which case their routes answer 503 or skip limiting.
type Deps struct {
	Recrawl RecrawlService
	Search  SearchService
	Limiter RateLimiter
	Events  EventLister
}

// Options tune the HTTP surface.
type Options struct {
	AuthEnabled    bool
	APIKeys        []string
	RequestTimeout time.Duration
	ReadyChecks    map[string]ReadyCheck
}

// Server wires HTTP handlers to the lifecycle manager and search service.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(opts.RequestTimeout))
		if opts.AuthEnabled {
			r.Use(apiKeyMiddleware(opts.APIKeys))
		}
		r.Get("/search", s.search)
		r.Route("/recrawl", func(r chi.Router) {
			r.Post("/", s.submitRecrawl)
			r.Get("/", s.listRecrawls)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getRecrawl)
				r.Delete("/", s.cancelRecrawl)
				r.Get("/events", s.listJobEvents)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.opts.ReadyChecks))
	for name := range s.opts.ReadyChecks {
		names = append(names, name)
	}
	sort.Strings(names)

	failures := map[string]string{}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		err := s.opts.ReadyChecks[name](ctx)
		cancel()
		if err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.logger.Warn("readiness check failed", zap.Any("checks", failures))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
