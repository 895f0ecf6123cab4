package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/metrics"
)

const defaultCacheTTL = time.Hour

// Cache stores encoded pages.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Hasher derives cache keys.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Service answers searches from the cache or the engine.
type Service struct {
	engine Engine
	cache  Cache
	hasher Hasher
	ttl    time.Duration
	logger *zap.Logger
}

// NewService wires a Service. cache may be nil to disable caching.
func NewService(engine Engine, cache Cache, hasher Hasher, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{engine: engine, cache: cache, hasher: hasher, ttl: ttl, logger: logger}
}

// Search validates the request and returns a page. The bool reports a
// cache hit. Cache failures are logged and bypassed.
func (s *Service) Search(ctx context.Context, query string, f Filters) (Page, bool, error) {
	query, f, err := Normalize(query, f)
	if err != nil {
		return Page{}, false, err
	}
	key, err := s.cacheKey(query, f)
	if err != nil {
		return Page{}, false, err
	}

	if s.cache != nil {
		if page, ok := s.lookup(ctx, key); ok {
			metrics.ObserveCacheLookup(true)
			return page, true, nil
		}
		metrics.ObserveCacheLookup(false)
	}

	resp, err := s.engine.Search(ctx, query, f)
	if err != nil {
		return Page{}, false, fmt.Errorf("search: %w", err)
	}
	page := BuildPage(query, f, resp)

	if s.cache != nil {
		s.store(ctx, key, page)
	}
	return page, false, nil
}

func (s *Service) lookup(ctx context.Context, key string) (Page, bool) {
	raw, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("search cache get failed", zap.Error(err))
		return Page{}, false
	}
	if !ok {
		return Page{}, false
	}
	var page Page
	if err := json.Unmarshal(raw, &page); err != nil {
		s.logger.Warn("discarding corrupt cache entry", zap.String("key", key), zap.Error(err))
		return Page{}, false
	}
	return page, true
}

func (s *Service) store(ctx context.Context, key string, page Page) {
	raw, err := json.Marshal(page)
	if err != nil {
		s.logger.Warn("encode search page", zap.Error(err))
		return
	}
	if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
		s.logger.Warn("search cache set failed", zap.Error(err))
	}
}

// cacheKey hashes the normalized query and filters; struct field order makes
// the encoding stable.
func (s *Service) cacheKey(query string, f Filters) (string, error) {
	raw, err := json.Marshal(struct {
		Query   string  `json:"q"`
		Filters Filters `json:"filters"`
	}{query, f})
	if err != nil {
		return "", fmt.Errorf("encode cache key: %w", err)
	}
	sum, err := s.hasher.Hash(raw)
	if err != nil {
		return "", fmt.Errorf("hash cache key: %w", err)
	}
	return "search:" + sum, nil
}

// BuildPage wraps an engine response with page counts and links.
func BuildPage(query string, f Filters, resp Response) Page {
	totalPages := (resp.Total + f.PerPage - 1) / f.PerPage
	results := resp.Results
	if results == nil {
		results = []Result{}
	}
	page := Page{
		Query:        query,
		TotalResults: resp.Total,
		Page:         f.Page,
		PerPage:      f.PerPage,
		TotalPages:   totalPages,
		SearchTimeMs: resp.SearchTimeMs,
		Results:      results,
		Pagination: Pagination{
			First: pageLink(query, 1, f.PerPage),
			Last:  pageLink(query, max(totalPages, 1), f.PerPage),
		},
	}
	if f.Page < totalPages {
		next := pageLink(query, f.Page+1, f.PerPage)
		page.Pagination.Next = &next
	}
	if f.Page > 1 {
		prev := pageLink(query, f.Page-1, f.PerPage)
		page.Pagination.Previous = &prev
	}
	return page
}

func pageLink(query string, page, perPage int) string {
	v := url.Values{}
	v.Set("q", query)
	v.Set("page", strconv.Itoa(page))
	v.Set("per_page", strconv.Itoa(perPage))
	return "/search?" + v.Encode()
}
