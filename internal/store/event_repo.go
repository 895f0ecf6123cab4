package store

import (
	"context"
	"time"
)

// EventRow models one row of the job_events audit table.
type EventRow struct {
	// JobID is the re-crawl job the event belongs to.
	JobID string `json:"job_id"`
	// Stage is the lifecycle milestone name.
	Stage string `json:"stage"`
	// TS is when the milestone was observed.
	TS time.Time `json:"ts"`
	// SLAMet is present for completed and failed jobs.
	SLAMet *bool `json:"sla_met,omitempty"`
	// DurationMS is the submission-to-event time for terminal stages.
	DurationMS int64 `json:"duration_ms,omitempty"`
	// Attempts is set for webhook outcomes.
	Attempts int `json:"attempts,omitempty"`
	// Note carries error text or other low-volume context.
	Note string `json:"note,omitempty"`
}

// EventRepository persists the lifecycle audit trail.
type EventRepository interface {
	// AppendEvents inserts rows in order. Implementations must be idempotent
	// per (job_id, stage, ts).
	AppendEvents(ctx context.Context, rows []EventRow) error
	// ListEvents returns a job's rows oldest first.
	ListEvents(ctx context.Context, jobID string, limit, offset int) ([]EventRow, error)
}
