package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

const defaultJobsTable = "recrawl_jobs"

const jobColumns = `job_id, task_id, status, url, priority, force, created_at, sla_deadline,
	started_at, completed_at, cancelled_at, callback_url, result, last_synced_at, webhook`

// JobStore persists recrawl.JobRecord rows. Update runs inside a transaction
// holding a row lock so concurrent mutations of one job serialize.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore builds a JobStore on an open pool.
func NewJobStore(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, defaultJobsTable)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: table}, nil
}

// EnsureSchema creates the jobs table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq            BIGSERIAL,
	job_id         TEXT PRIMARY KEY,
	task_id        TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	url            TEXT NOT NULL,
	priority       TEXT NOT NULL,
	force          BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	sla_deadline   TIMESTAMPTZ NOT NULL,
	started_at     TIMESTAMPTZ,
	completed_at   TIMESTAMPTZ,
	cancelled_at   TIMESTAMPTZ,
	callback_url   TEXT NOT NULL DEFAULT '',
	result         JSONB,
	last_synced_at TIMESTAMPTZ,
	webhook        JSONB
);
CREATE INDEX IF NOT EXISTS %[1]s_status_seq_idx ON %[1]s (status, seq);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Put inserts a new record; an existing job_id yields ErrDuplicateJob.
func (s *JobStore) Put(ctx context.Context, record recrawl.JobRecord) error {
	args, err := recordArgs(record)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (job_id) DO NOTHING`, s.table, jobColumns)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", recrawl.ErrDuplicateJob, record.ID)
	}
	return nil
}

// Get loads one record.
func (s *JobStore) Get(ctx context.Context, jobID string) (recrawl.JobRecord, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, jobColumns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return recrawl.JobRecord{}, false, nil
	}
	if err != nil {
		return recrawl.JobRecord{}, false, fmt.Errorf("get job: %w", err)
	}
	return rec, true, nil
}

// Update locks the row, applies mutate and writes the result back.
func (s *JobStore) Update(
	ctx context.Context,
	jobID string,
	mutate func(*recrawl.JobRecord) error,
) (recrawl.JobRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return recrawl.JobRecord{}, fmt.Errorf("begin update: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1 FOR UPDATE`, jobColumns, s.table)
	current, err := scanRecord(tx.QueryRow(ctx, query, jobID))
	if err != nil {
		rollback(ctx, tx)
		if errors.Is(err, pgx.ErrNoRows) {
			return recrawl.JobRecord{}, fmt.Errorf("%w: %s", recrawl.ErrJobNotFound, jobID)
		}
		return recrawl.JobRecord{}, fmt.Errorf("lock job: %w", err)
	}
	working := current.Clone()
	if err := mutate(&working); err != nil {
		rollback(ctx, tx)
		return current, err
	}
	working.ID = current.ID
	args, err := recordArgs(working)
	if err != nil {
		rollback(ctx, tx)
		return current, err
	}
	update := fmt.Sprintf(`UPDATE %s SET
	task_id = $2, status = $3, url = $4, priority = $5, force = $6, created_at = $7,
	sla_deadline = $8, started_at = $9, completed_at = $10, cancelled_at = $11,
	callback_url = $12, result = $13, last_synced_at = $14, webhook = $15
WHERE job_id = $1`, s.table)
	if _, err := tx.Exec(ctx, update, args...); err != nil {
		rollback(ctx, tx)
		return current, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return current, fmt.Errorf("commit update: %w", err)
	}
	return working, nil
}

// List returns records in submission order.
func (s *JobStore) List(ctx context.Context, filter recrawl.ListFilter) ([]recrawl.JobRecord, error) {
	var status *string
	if filter.Status != nil {
		v := string(*filter.Status)
		status = &v
	}
	var limit *int
	if filter.Limit > 0 {
		limit = &filter.Limit
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY seq
LIMIT $2 OFFSET $3`, jobColumns, s.table)
	rows, err := s.pool.Query(ctx, query, status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []recrawl.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return out, nil
}

func recordArgs(rec recrawl.JobRecord) ([]any, error) {
	if rec.ID == "" {
		return nil, errors.New("job id is required")
	}
	var result []byte
	if len(rec.Result) > 0 {
		result = []byte(rec.Result)
	}
	var webhook []byte
	if rec.Webhook != nil {
		data, err := json.Marshal(rec.Webhook)
		if err != nil {
			return nil, fmt.Errorf("marshal webhook state: %w", err)
		}
		webhook = data
	}
	return []any{
		rec.ID,
		rec.TaskID,
		string(rec.Status),
		rec.URL,
		string(rec.Priority),
		rec.Force,
		rec.CreatedAt,
		rec.SLADeadline,
		rec.StartedAt,
		rec.CompletedAt,
		rec.CancelledAt,
		rec.CallbackURL,
		result,
		rec.LastSyncedAt,
		webhook,
	}, nil
}

func scanRecord(row pgx.Row) (recrawl.JobRecord, error) {
	var (
		rec      recrawl.JobRecord
		status   string
		priority string
		result   []byte
		webhook  []byte
		started  *time.Time
		done     *time.Time
		stopped  *time.Time
		synced   *time.Time
	)
	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&status,
		&rec.URL,
		&priority,
		&rec.Force,
		&rec.CreatedAt,
		&rec.SLADeadline,
		&started,
		&done,
		&stopped,
		&rec.CallbackURL,
		&result,
		&synced,
		&webhook,
	)
	if err != nil {
		return recrawl.JobRecord{}, err
	}
	rec.Status = recrawl.JobStatus(status)
	rec.Priority = recrawl.Priority(priority)
	rec.StartedAt = utcPtr(started)
	rec.CompletedAt = utcPtr(done)
	rec.CancelledAt = utcPtr(stopped)
	rec.LastSyncedAt = utcPtr(synced)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.SLADeadline = rec.SLADeadline.UTC()
	if len(result) > 0 {
		rec.Result = json.RawMessage(result)
	}
	if len(webhook) > 0 {
		var wh recrawl.WebhookDelivery
		if err := json.Unmarshal(webhook, &wh); err != nil {
			return recrawl.JobRecord{}, fmt.Errorf("decode webhook state: %w", err)
		}
		rec.Webhook = &wh
	}
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := t.UTC()
	return &ts
}
