package recrawl

import (
	"context"
	"errors"
	"time"
)

// Errors returned by the lifecycle manager and its collaborators.
var (
	ErrDuplicateJob      = errors.New("job already exists")
	ErrJobNotFound       = errors.New("job not found")
	ErrAlreadyTerminal   = errors.New("job already in a terminal state")
	ErrRunnerUnreachable = errors.New("task runner unreachable")
	ErrTaskUnknown       = errors.New("task unknown to runner")
	ErrDispatchFailed    = errors.New("task dispatch failed")
	ErrInvalidRequest    = errors.New("invalid recrawl request")
)

// JobStore persists job records. Update is the only mutation path for
// existing records and must be atomic per job: mutate runs against the
// current record and its result is committed only when it returns nil.
// When mutate fails, Update returns the unchanged record with that error.
// Put returns ErrDuplicateJob for a known id; Update returns ErrJobNotFound
// for an unknown one.
type JobStore interface {
	Put(ctx context.Context, record JobRecord) error
	Get(ctx context.Context, jobID string) (JobRecord, bool, error)
	Update(ctx context.Context, jobID string, mutate func(*JobRecord) error) (JobRecord, error)
	List(ctx context.Context, filter ListFilter) ([]JobRecord, error)
}

// TaskRunner executes re-crawls out of process.
type TaskRunner interface {
	Submit(ctx context.Context, req TaskRequest) (string, error)
	Status(ctx context.Context, taskID string) (TaskReport, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// MonitorStarter launches completion monitors for callback-bearing jobs.
type MonitorStarter interface {
	Start(jobID string, callbackURL string)
	Stop(jobID string)
}
