// Package memory provides in-process JobStore storage for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

// JobStore provides an in-memory implementation for development/testing.
// Records are copied on the way in and out so callers never share state.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]recrawl.JobRecord
	order []string
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]recrawl.JobRecord),
	}
}

// Put stores a new record.
func (s *JobStore) Put(_ context.Context, record recrawl.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[record.ID]; exists {
		return fmt.Errorf("%w: %s", recrawl.ErrDuplicateJob, record.ID)
	}
	s.jobs[record.ID] = record.Clone()
	s.order = append(s.order, record.ID)
	return nil
}

// Get fetches a record by ID.
func (s *JobStore) Get(_ context.Context, jobID string) (recrawl.JobRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return recrawl.JobRecord{}, false, nil
	}
	return record.Clone(), true, nil
}

// Update applies mutate under the write lock and commits the result only
// when mutate succeeds.
func (s *JobStore) Update(
	_ context.Context,
	jobID string,
	mutate func(*recrawl.JobRecord) error,
) (recrawl.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.jobs[jobID]
	if !ok {
		return recrawl.JobRecord{}, fmt.Errorf("%w: %s", recrawl.ErrJobNotFound, jobID)
	}
	working := current.Clone()
	if err := mutate(&working); err != nil {
		return current.Clone(), err
	}
	working.ID = current.ID
	s.jobs[jobID] = working.Clone()
	return working, nil
}

// List returns records in submission order.
func (s *JobStore) List(_ context.Context, filter recrawl.ListFilter) ([]recrawl.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recrawl.JobRecord, 0, len(s.order))
	skipped := 0
	for _, id := range s.order {
		record := s.jobs[id]
		if filter.Status != nil && record.Status != *filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		out = append(out, record.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
