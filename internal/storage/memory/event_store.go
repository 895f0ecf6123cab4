package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

type eventKey struct {
	stage string
	ts    time.Time
}

// EventStore keeps the lifecycle audit trail in process.
type EventStore struct {
	mu   sync.RWMutex
	rows map[string][]store.EventRow
	seen map[string]map[eventKey]struct{}
}

// NewEventStore constructs an EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		rows: make(map[string][]store.EventRow),
		seen: make(map[string]map[eventKey]struct{}),
	}
}

// AppendEvents records rows, skipping duplicates of (job_id, stage, ts).
func (s *EventStore) AppendEvents(_ context.Context, rows []store.EventRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		seen, ok := s.seen[row.JobID]
		if !ok {
			seen = make(map[eventKey]struct{})
			s.seen[row.JobID] = seen
		}
		key := eventKey{stage: row.Stage, ts: row.TS}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		s.rows[row.JobID] = append(s.rows[row.JobID], row)
	}
	return nil
}

// ListEvents returns a copy of the rows recorded for jobID.
func (s *EventStore) ListEvents(_ context.Context, jobID string, limit, offset int) ([]store.EventRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[jobID]
	if offset >= len(rows) {
		return []store.EventRow{}, nil
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	out := make([]store.EventRow, len(rows))
	copy(out, rows)
	return out, nil
}
