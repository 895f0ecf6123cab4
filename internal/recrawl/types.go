// Package recrawl defines the re-crawl job model and the lifecycle manager
// that moves jobs between states.
package recrawl

import (
	"encoding/json"
	"time"
)

// JobStatus represents the lifecycle state of a re-crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Priority is informational; it is preserved and surfaced but does not
// change dispatch order.
type Priority string

// Supported priorities.
const (
	PriorityStandard Priority = "standard"
	PriorityHigh     Priority = "high"
	PriorityUrgent   Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityStandard, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

const (
	// SLAWindow is the fixed window between submission and the SLA deadline.
	SLAWindow = time.Hour
	// EstimatedCompletion is the completion estimate returned on submission.
	EstimatedCompletion = 45 * time.Minute
	// DefaultPriority applies when the caller does not send one.
	DefaultPriority = PriorityHigh
	// StoredPrecision is the finest timestamp resolution a JobStore keeps
	// (Postgres TIMESTAMPTZ holds microseconds).
	StoredPrecision = time.Microsecond
	// JobIDPrefix prefixes every generated job identifier.
	JobIDPrefix = "recrawl_"
)

// WebhookState tracks completion-webhook signaling for a job.
type WebhookState string

// Webhook signaling states.
const (
	WebhookPending   WebhookState = "pending"
	WebhookDelivered WebhookState = "delivered"
	WebhookFailed    WebhookState = "failed"
)

// WebhookDelivery records the outcome of the completion webhook.
type WebhookDelivery struct {
	State       WebhookState `json:"state"`
	Event       string       `json:"event,omitempty"`
	Attempts    int          `json:"attempts"`
	LastError   string       `json:"last_error,omitempty"`
	ClaimedAt   time.Time    `json:"claimed_at"`
	DeliveredAt *time.Time   `json:"delivered_at,omitempty"`
}

// JobRecord is the state persisted for each submitted re-crawl request.
type JobRecord struct {
	ID           string           `json:"job_id"`
	TaskID       string           `json:"task_id,omitempty"`
	Status       JobStatus        `json:"status"`
	URL          string           `json:"url"`
	Priority     Priority         `json:"priority"`
	Force        bool             `json:"force"`
	CreatedAt    time.Time        `json:"created_at"`
	SLADeadline  time.Time        `json:"sla_deadline"`
	StartedAt    *time.Time       `json:"started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	CancelledAt  *time.Time       `json:"cancelled_at,omitempty"`
	CallbackURL  string           `json:"callback_url,omitempty"`
	Result       json.RawMessage  `json:"result,omitempty"`
	LastSyncedAt *time.Time       `json:"last_synced_at,omitempty"`
	Webhook      *WebhookDelivery `json:"webhook,omitempty"`
}

// Clone returns a deep copy so stores never hand out shared mutable state.
func (r JobRecord) Clone() JobRecord {
	cp := r
	cp.StartedAt = cloneTime(r.StartedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	cp.LastSyncedAt = cloneTime(r.LastSyncedAt)
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	if r.Webhook != nil {
		wh := *r.Webhook
		wh.DeliveredAt = cloneTime(r.Webhook.DeliveredAt)
		cp.Webhook = &wh
	}
	return cp
}

// RunnerTaskID returns the identifier used against the Task Runner.
func (r JobRecord) RunnerTaskID() string {
	if r.TaskID != "" {
		return r.TaskID
	}
	return r.ID
}

// SLAMet is derived, never stored: nil until the record reaches a terminal
// state with a completion timestamp.
func (r JobRecord) SLAMet() *bool {
	if !r.Status.Terminal() || r.CompletedAt == nil {
		return nil
	}
	met := !r.CompletedAt.After(r.SLADeadline)
	return &met
}

// ListFilter narrows JobStore listings.
type ListFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}

// SubmitRequest is the caller input for a new re-crawl job.
type SubmitRequest struct {
	URL         string
	Priority    Priority
	CallbackURL string
	Force       bool
}

// JobView is a JobRecord as answered to callers, with derived fields.
type JobView struct {
	Record   JobRecord
	SLAMet   *bool
	Degraded bool
	Stale    bool
}

// TaskState is the coarse status reported by the Task Runner.
type TaskState string

// Task Runner states.
const (
	TaskPending TaskState = "PENDING"
	TaskRunning TaskState = "RUNNING"
	TaskSuccess TaskState = "SUCCESS"
	TaskFailure TaskState = "FAILURE"
)

// Terminal reports whether the runner has finished with the task.
func (s TaskState) Terminal() bool {
	return s == TaskSuccess || s == TaskFailure
}

// TaskRequest is handed to the Task Runner on dispatch.
type TaskRequest struct {
	JobID    string   `json:"job_id"`
	URL      string   `json:"url"`
	Priority Priority `json:"priority"`
	Force    bool     `json:"force"`
}

// TaskReport is one observation of a task from the Task Runner.
type TaskReport struct {
	State      TaskState       `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
