package search

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
)

// Engine answers one page of a search.
type Engine interface {
	Search(ctx context.Context, query string, f Filters) (Response, error)
}

// Shard returns every match it holds for a query; ranking and paging happen
// after the merge.
type Shard interface {
	Query(ctx context.Context, query string, f Filters) ([]Result, error)
}

// ShardedEngine fans a query out to all shards concurrently and merges the
// answers.
type ShardedEngine struct {
	shards  []Shard
	timeout time.Duration
	now     func() time.Time
}

// NewShardedEngine builds an engine. A zero timeout disables the per-query
// deadline.
func NewShardedEngine(timeout time.Duration, shards ...Shard) *ShardedEngine {
	return &ShardedEngine{shards: shards, timeout: timeout, now: time.Now}
}

// Search implements Engine. Any shard error fails the whole query.
func (e *ShardedEngine) Search(ctx context.Context, query string, f Filters) (Response, error) {
	start := e.now()
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	perShard := make([][]Result, len(e.shards))
	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range e.shards {
		g.Go(func() error {
			res, err := shard.Query(gctx, query, f)
			if err != nil {
				return fmt.Errorf("query shard %d: %w", i, err)
			}
			perShard[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Response{}, err
	}

	var merged []Result
	for _, res := range perShard {
		merged = append(merged, res...)
	}
	rank(merged, f.Sort)

	return Response{
		Results:      paginate(merged, f.Page, f.PerPage),
		Total:        len(merged),
		SearchTimeMs: e.now().Sub(start).Milliseconds(),
	}, nil
}

// rank orders results in place. Ties fall back to id so pages are stable.
func rank(results []Result, order SortOrder) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch order {
		case SortDate:
			if !a.LastModified.Equal(b.LastModified) {
				return a.LastModified.After(b.LastModified)
			}
		case SortPopularity:
			if a.Popularity != b.Popularity {
				return a.Popularity > b.Popularity
			}
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	})
}

func paginate(results []Result, page, perPage int) []Result {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start >= len(results) {
		return []Result{}
	}
	end := min(start+perPage, len(results))
	out := make([]Result, end-start)
	copy(out, results[start:end])
	return out
}
