package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// MemoryShard is an in-process document shard. It matches documents whose
// title, snippet or URL contain every query term.
type MemoryShard struct {
	mu   sync.RWMutex
	docs []Result
}

// NewMemoryShards spreads docs round-robin over n shards.
func NewMemoryShards(n int, docs ...Result) []Shard {
	if n <= 0 {
		n = 1
	}
	shards := make([]*MemoryShard, n)
	for i := range shards {
		shards[i] = &MemoryShard{}
	}
	for i, doc := range docs {
		shards[i%n].Add(doc)
	}
	out := make([]Shard, n)
	for i, s := range shards {
		out[i] = s
	}
	return out
}

// Add indexes a document.
func (s *MemoryShard) Add(doc Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
}

// Query implements Shard. Each matched term occurrence adds one to the
// document's base score.
func (s *MemoryShard) Query(ctx context.Context, query string, f Filters) ([]Result, error) {
	terms := strings.Fields(strings.ToLower(query))
	from, to := f.DateRange()

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Result
	for _, doc := range s.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if f.Language != "" && !strings.EqualFold(doc.Language, f.Language) {
			continue
		}
		if !from.IsZero() && doc.LastModified.Before(from) {
			continue
		}
		if !to.IsZero() && doc.LastModified.After(to) {
			continue
		}
		if f.SafeSearch && flagged(doc) {
			continue
		}
		hits, ok := matchTerms(doc, terms)
		if !ok {
			continue
		}
		match := doc
		match.Score = doc.Score + float64(hits)
		out = append(out, match)
	}
	return out, nil
}

func matchTerms(doc Result, terms []string) (int, bool) {
	haystack := strings.ToLower(doc.Title + " " + doc.Snippet + " " + doc.URL)
	hits := 0
	for _, term := range terms {
		n := strings.Count(haystack, term)
		if n == 0 {
			return 0, false
		}
		hits += n
	}
	return hits, true
}

func flagged(doc Result) bool {
	adult, _ := doc.Metadata["adult"].(bool)
	return adult
}

// LoadDocuments decodes a JSON array of documents. Documents without an id
// are keyed by their URL; documents without a URL are rejected.
func LoadDocuments(r io.Reader) ([]Result, error) {
	var docs []Result
	if err := json.NewDecoder(r).Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	for i := range docs {
		if strings.TrimSpace(docs[i].URL) == "" {
			return nil, fmt.Errorf("document %d: url is required", i)
		}
		if docs[i].ID == "" {
			docs[i].ID = docs[i].URL
		}
	}
	return docs, nil
}
