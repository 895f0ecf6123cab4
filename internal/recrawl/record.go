package recrawl

import (
	"encoding/json"
	"time"
)

// applyReport merges one Task Runner observation into the record. It never
// touches submission-owned fields and discards observations once the record
// is terminal. It reports whether the status changed.
func applyReport(rec *JobRecord, report TaskReport, now time.Time) bool {
	synced := now
	rec.LastSyncedAt = &synced
	if rec.Status.Terminal() {
		return false
	}
	before := rec.Status
	switch report.State {
	case TaskPending:
		rec.Status = StatusProcessing
	case TaskRunning:
		rec.Status = StatusProcessing
		if rec.StartedAt == nil {
			rec.StartedAt = pointerTime(firstTime(report.StartedAt, now))
		}
	case TaskSuccess:
		rec.Status = StatusCompleted
		if len(report.Result) > 0 {
			rec.Result = append(json.RawMessage(nil), report.Result...)
		}
		markCompleted(rec, report, now)
	case TaskFailure:
		rec.Status = StatusFailed
		if len(report.Result) > 0 {
			rec.Result = append(json.RawMessage(nil), report.Result...)
		} else if report.Error != "" && rec.Result == nil {
			rec.Result = errorResult(report.Error)
		}
		markCompleted(rec, report, now)
	}
	return rec.Status != before
}

// cancel moves a non-terminal record to CANCELLED.
func cancel(rec *JobRecord, now time.Time) error {
	if rec.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	rec.Status = StatusCancelled
	rec.CancelledAt = pointerTime(now)
	return nil
}

// failDispatch marks a record that never reached the Task Runner.
func failDispatch(rec *JobRecord, reason string, now time.Time) {
	if rec.Status.Terminal() {
		return
	}
	rec.Status = StatusFailed
	rec.Result = errorResult(reason)
	if rec.CompletedAt == nil {
		rec.CompletedAt = pointerTime(now)
	}
}

func markCompleted(rec *JobRecord, report TaskReport, now time.Time) {
	if rec.CompletedAt != nil {
		return
	}
	rec.CompletedAt = pointerTime(firstTime(report.FinishedAt, now))
}

func firstTime(candidate *time.Time, fallback time.Time) time.Time {
	if candidate != nil && !candidate.IsZero() {
		return candidate.UTC().Truncate(StoredPrecision)
	}
	return fallback
}

func errorResult(reason string) json.RawMessage {
	data, err := json.Marshal(map[string]string{"error": reason})
	if err != nil {
		return nil
	}
	return data
}

// degradedRecord rebuilds a best-effort record when only the Task Runner
// knows the job: url comes from the result payload when present, priority
// falls back to DefaultPriority and the SLA clock starts at now.
func degradedRecord(jobID string, report TaskReport, now time.Time) JobRecord {
	rec := JobRecord{
		ID:           jobID,
		TaskID:       jobID,
		Status:       StatusProcessing,
		URL:          resultURL(report.Result),
		Priority:     DefaultPriority,
		CreatedAt:    now,
		SLADeadline:  now.Add(SLAWindow),
		LastSyncedAt: pointerTime(now),
	}
	switch report.State {
	case TaskSuccess:
		rec.Status = StatusCompleted
		rec.CompletedAt = pointerTime(now)
	case TaskFailure:
		rec.Status = StatusFailed
		rec.CompletedAt = pointerTime(now)
	}
	if report.State.Terminal() && len(report.Result) > 0 {
		rec.Result = append(json.RawMessage(nil), report.Result...)
	}
	if report.State == TaskRunning && report.StartedAt != nil {
		rec.StartedAt = cloneTime(report.StartedAt)
	}
	return rec
}

func resultURL(result json.RawMessage) string {
	if len(result) == 0 {
		return ""
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return ""
	}
	return payload.URL
}
