package events

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageSubmitted        Stage = "JOB_SUBMITTED"
	StageStarted          Stage = "JOB_STARTED"
	StageCompleted        Stage = "JOB_COMPLETED"
	StageFailed           Stage = "JOB_FAILED"
	StageCancelled        Stage = "JOB_CANCELLED"
	StageWebhookDelivered Stage = "WEBHOOK_DELIVERED"
	StageWebhookFailed    Stage = "WEBHOOK_FAILED"
)

// Terminal reports whether the stage closes a job's lifecycle.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed || s == StageCancelled
}

// Event captures a single job lifecycle milestone.
type Event struct {
	// JobID identifies the re-crawl job.
	JobID string `json:"job_id"`
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time `json:"ts"`
	// Stage denotes which milestone occurred.
	Stage Stage `json:"stage"`
	// URL is the re-crawl target.
	URL string `json:"url,omitempty"`
	// Priority is the caller-supplied priority.
	Priority string `json:"priority,omitempty"`
	// SLAMet is set on completed and failed jobs only.
	SLAMet *bool `json:"sla_met,omitempty"`
	// Dur is the wall time between submission and TS for terminal stages.
	Dur time.Duration `json:"duration_ns,omitempty"`
	// Attempts counts webhook delivery attempts.
	Attempts int `json:"attempts,omitempty"`
	// Note carries low-volume context such as error text.
	Note string `json:"note,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageSubmitted, StageStarted, StageCompleted, StageFailed, StageCancelled:
	case StageWebhookDelivered, StageWebhookFailed:
		if e.Attempts <= 0 {
			return errors.New("webhook events require attempts")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Attributes returns broker routing attributes for the event.
func (e Event) Attributes() map[string]string {
	return map[string]string{
		"job_id": e.JobID,
		"stage":  string(e.Stage),
	}
}
