// Package search serves ranked, paginated results from a sharded search
// engine behind a TTL cache.
package search

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidQuery is returned for malformed queries or filters.
var ErrInvalidQuery = errors.New("invalid search query")

// SortOrder selects the ranking applied to merged shard results.
type SortOrder string

// Supported sort orders.
const (
	SortRelevance  SortOrder = "relevance"
	SortDate       SortOrder = "date"
	SortPopularity SortOrder = "popularity"
)

const (
	// MaxQueryLength bounds q in characters.
	MaxQueryLength = 500
	// DefaultPerPage applies when per_page is not given.
	DefaultPerPage = 10
	// MaxPerPage bounds per_page.
	MaxPerPage = 100
)

// Filters narrow and shape a search.
type Filters struct {
	Page       int       `json:"page"`
	PerPage    int       `json:"per_page"`
	Language   string    `json:"language,omitempty"`
	DateFrom   string    `json:"date_from,omitempty"`
	DateTo     string    `json:"date_to,omitempty"`
	Sort       SortOrder `json:"sort"`
	SafeSearch bool      `json:"safe_search"`
	Fields     string    `json:"fields,omitempty"`
}

// Normalize fills defaults and validates the query and filters.
func Normalize(query string, f Filters) (string, Filters, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", f, fmt.Errorf("%w: q is required", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return "", f, fmt.Errorf("%w: q exceeds %d characters", ErrInvalidQuery, MaxQueryLength)
	}
	if f.Page == 0 {
		f.Page = 1
	}
	if f.Page < 1 {
		return "", f, fmt.Errorf("%w: page must be >= 1", ErrInvalidQuery)
	}
	if f.PerPage == 0 {
		f.PerPage = DefaultPerPage
	}
	if f.PerPage < 1 || f.PerPage > MaxPerPage {
		return "", f, fmt.Errorf("%w: per_page must be between 1 and %d", ErrInvalidQuery, MaxPerPage)
	}
	if f.Sort == "" {
		f.Sort = SortRelevance
	}
	switch f.Sort {
	case SortRelevance, SortDate, SortPopularity:
	default:
		return "", f, fmt.Errorf("%w: unknown sort %q", ErrInvalidQuery, f.Sort)
	}
	f.Language = strings.ToLower(strings.TrimSpace(f.Language))
	from, err := parseDate(f.DateFrom)
	if err != nil {
		return "", f, fmt.Errorf("%w: date_from: %w", ErrInvalidQuery, err)
	}
	to, err := parseDate(f.DateTo)
	if err != nil {
		return "", f, fmt.Errorf("%w: date_to: %w", ErrInvalidQuery, err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return "", f, fmt.Errorf("%w: date_to precedes date_from", ErrInvalidQuery)
	}
	return query, f, nil
}

// DateRange returns the parsed date bounds. Zero means unbounded.
func (f Filters) DateRange() (from, to time.Time) {
	from, _ = parseDate(f.DateFrom)
	to, _ = parseDate(f.DateTo)
	if !to.IsZero() && len(strings.TrimSpace(f.DateTo)) == len(time.DateOnly) {
		to = to.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to
}

func parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("want YYYY-MM-DD or RFC 3339, got %q", raw)
	}
	return t.UTC(), nil
}

// Result is one ranked document.
type Result struct {
	ID           string         `json:"id"`
	URL          string         `json:"url"`
	Title        string         `json:"title"`
	Snippet      string         `json:"snippet"`
	CrawledAt    time.Time      `json:"crawled_at"`
	LastModified time.Time      `json:"last_modified"`
	Language     string         `json:"language"`
	Score        float64        `json:"score"`
	Popularity   int64          `json:"popularity,omitempty"`
	Metadata     map[string]any `json:"metadata"`
}

// Response is the merged engine answer for one page.
type Response struct {
	Results      []Result
	Total        int
	SearchTimeMs int64
}

// Pagination holds navigation links for a page.
type Pagination struct {
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	First    string  `json:"first"`
	Last     string  `json:"last"`
}

// Page is the cached, client-facing search answer.
type Page struct {
	Query        string     `json:"query"`
	TotalResults int        `json:"total_results"`
	Page         int        `json:"page"`
	PerPage      int        `json:"per_page"`
	TotalPages   int        `json:"total_pages"`
	SearchTimeMs int64      `json:"search_time_ms"`
	Results      []Result   `json:"results"`
	Pagination   Pagination `json:"pagination"`
}
