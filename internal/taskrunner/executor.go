package taskrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

// Executor performs one re-crawl and returns its JSON result.
type Executor interface {
	Execute(ctx context.Context, req recrawl.TaskRequest) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req recrawl.TaskRequest) (json.RawMessage, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req recrawl.TaskRequest) (json.RawMessage, error) {
	return f(ctx, req)
}

// crawlResult is the payload reported for a finished re-crawl.
type crawlResult struct {
	URL       string    `json:"url"`
	Status    string    `json:"status"`
	CrawledAt time.Time `json:"crawled_at"`
}

// SimulatedExecutor stands in for the crawl fleet: it waits Delay and then
// reports the URL as crawled.
type SimulatedExecutor struct {
	Delay time.Duration
	Now   func() time.Time
}

// Execute implements Executor.
func (e SimulatedExecutor) Execute(ctx context.Context, req recrawl.TaskRequest) (json.RawMessage, error) {
	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("crawl %s: %w", req.URL, ctx.Err())
		case <-timer.C:
		}
	}
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	data, err := json.Marshal(crawlResult{
		URL:       req.URL,
		Status:    "completed",
		CrawledAt: now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode crawl result: %w", err)
	}
	return data, nil
}
