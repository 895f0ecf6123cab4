package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

const defaultEventsTable = "recrawl_job_events"

// EventStore implements store.EventRepository using Postgres.
type EventStore struct {
	pool  pool
	table string
}

// NewEventStore builds an EventStore on an open pool.
func NewEventStore(p pool, table string) (*EventStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	table, err := checkTable(table, defaultEventsTable)
	if err != nil {
		return nil, err
	}
	return &EventStore{pool: p, table: table}, nil
}

// EnsureSchema creates the events table when it does not exist.
func (s *EventStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT NOT NULL,
	stage       TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	sla_met     BOOLEAN,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	note        TEXT NOT NULL DEFAULT '',
	UNIQUE (job_id, stage, ts)
);`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// AppendEvents inserts rows in one transaction; replays are ignored.
func (s *EventStore) AppendEvents(ctx context.Context, rows []store.EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (job_id, stage, ts, sla_met, duration_ms, attempts, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_id, stage, ts) DO NOTHING;
	`, s.table)
	for _, row := range rows {
		_, err := tx.Exec(ctx, query, row.JobID, row.Stage, row.TS, row.SLAMet, row.DurationMS, row.Attempts, row.Note)
		if err != nil {
			rollback(ctx, tx)
			return fmt.Errorf("failed to insert job event: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ListEvents retrieves a job's audit trail, oldest first.
func (s *EventStore) ListEvents(ctx context.Context, jobID string, limit, offset int) ([]store.EventRow, error) {
	query := fmt.Sprintf(`
		SELECT job_id, stage, ts, sla_met, duration_ms, attempts, note
		FROM %s
		WHERE job_id = $1
		ORDER BY ts, id
		LIMIT $2 OFFSET $3;
	`, s.table)
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}
	defer rows.Close()

	out := []store.EventRow{}
	for rows.Next() {
		var row store.EventRow
		err := rows.Scan(
			&row.JobID,
			&row.Stage,
			&row.TS,
			&row.SLAMet,
			&row.DurationMS,
			&row.Attempts,
			&row.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job event row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job event rows: %w", err)
	}
	return out, nil
}
