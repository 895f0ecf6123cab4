package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/webhook"
)

type fakeJobs struct {
	mu       sync.Mutex
	statuses []recrawl.JobStatus
	polls    int
	pollErr  error
	panicky  bool
	lose     bool
	claims   []string
	outcomes []recrawl.DeliveryOutcome
	pending  []recrawl.JobRecord
}

func (f *fakeJobs) Poll(_ context.Context, jobID string) (recrawl.JobRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicky {
		panic("store exploded")
	}
	idx := f.polls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.polls++
	rec := recrawl.JobRecord{ID: jobID, Status: f.statuses[idx], CallbackURL: "https://hooks.example.com"}
	return rec, f.pollErr
}

func (f *fakeJobs) ClaimWebhook(_ context.Context, jobID string, event string) (recrawl.JobRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims = append(f.claims, event)
	if f.lose {
		return recrawl.JobRecord{}, false, nil
	}
	return recrawl.JobRecord{ID: jobID, Status: recrawl.StatusCompleted}, true, nil
}

func (f *fakeJobs) RecordDelivery(_ context.Context, _ string, outcome recrawl.DeliveryOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeJobs) PendingMonitors(context.Context) ([]recrawl.JobRecord, error) {
	return f.pending, nil
}

func (f *fakeJobs) snapshot() (polls int, claims []string, outcomes []recrawl.DeliveryOutcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls, append([]string(nil), f.claims...), append([]recrawl.DeliveryOutcome(nil), f.outcomes...)
}

type fakeDeliverer struct {
	mu     sync.Mutex
	events []string
	result webhook.Result
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ recrawl.JobRecord, event string) webhook.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.result
}

func (f *fakeDeliverer) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newTestSupervisor(t *testing.T, jobs *fakeJobs, d *fakeDeliverer, cfg Config) *Supervisor {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Millisecond
	}
	s := NewSupervisor(jobs, d, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return s
}

func waitIdle(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Active() == 0 }, time.Second, time.Millisecond)
}

func TestMonitorDeliversOnceOnCompletion(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusQueued, recrawl.StatusProcessing, recrawl.StatusCompleted}}
	d := &fakeDeliverer{result: webhook.Result{Delivered: true, Attempts: 2}}
	s := newTestSupervisor(t, jobs, d, Config{})

	s.Start("job-1", "https://hooks.example.com")
	waitIdle(t, s)

	polls, claims, outcomes := jobs.snapshot()
	require.Equal(t, 3, polls)
	require.Equal(t, []string{webhook.EventSuccess}, claims)
	require.Equal(t, []string{webhook.EventSuccess}, d.calls())
	require.Equal(t, []recrawl.DeliveryOutcome{{Delivered: true, Attempts: 2}}, outcomes)
}

func TestMonitorRecordsFailedDelivery(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusFailed}}
	d := &fakeDeliverer{result: webhook.Result{Attempts: 5, Err: errors.New("callback returned status 503")}}
	s := newTestSupervisor(t, jobs, d, Config{})

	s.Start("job-2", "https://hooks.example.com")
	waitIdle(t, s)

	_, claims, outcomes := jobs.snapshot()
	require.Equal(t, []string{webhook.EventFailure}, claims)
	require.Equal(t, []recrawl.DeliveryOutcome{{Attempts: 5, Err: "callback returned status 503"}}, outcomes)
}

func TestMonitorSkipsCancelledJobs(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing, recrawl.StatusCancelled}}
	d := &fakeDeliverer{}
	s := newTestSupervisor(t, jobs, d, Config{})

	s.Start("job-3", "https://hooks.example.com")
	waitIdle(t, s)

	_, claims, outcomes := jobs.snapshot()
	require.Empty(t, claims)
	require.Empty(t, outcomes)
	require.Empty(t, d.calls())
}

func TestMonitorLostClaimDoesNotDeliver(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusCompleted}, lose: true}
	d := &fakeDeliverer{}
	s := newTestSupervisor(t, jobs, d, Config{})

	s.Start("job-4", "https://hooks.example.com")
	waitIdle(t, s)

	_, claims, outcomes := jobs.snapshot()
	require.Len(t, claims, 1)
	require.Empty(t, outcomes)
	require.Empty(t, d.calls())
}

func TestMonitorKeepsPollingThroughRunnerErrors(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing}, pollErr: recrawl.ErrRunnerUnreachable}
	s := newTestSupervisor(t, jobs, &fakeDeliverer{}, Config{})

	s.Start("job-5", "https://hooks.example.com")
	require.Eventually(t, func() bool {
		polls, _, _ := jobs.snapshot()
		return polls >= 5
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, s.Active())

	s.Stop("job-5")
	waitIdle(t, s)
}

func TestMonitorStartIsIdempotent(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing}}
	s := newTestSupervisor(t, jobs, &fakeDeliverer{}, Config{PollInterval: 10 * time.Millisecond})

	s.Start("job-6", "https://hooks.example.com")
	s.Start("job-6", "https://hooks.example.com")
	require.Equal(t, 1, s.Active())
}

func TestMonitorMaxDuration(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing}}
	d := &fakeDeliverer{}
	s := newTestSupervisor(t, jobs, d, Config{MaxDuration: 20 * time.Millisecond})

	s.Start("job-7", "https://hooks.example.com")
	waitIdle(t, s)
	require.Empty(t, d.calls())
}

// slowDeliverer fails its first attempt and waits out a backoff on ctx
// before succeeding.
type slowDeliverer struct {
	backoff time.Duration
}

func (d slowDeliverer) Deliver(ctx context.Context, _ recrawl.JobRecord, _ string) webhook.Result {
	select {
	case <-ctx.Done():
		return webhook.Result{Attempts: 1, Err: ctx.Err()}
	case <-time.After(d.backoff):
		return webhook.Result{Delivered: true, Attempts: 2}
	}
}

func TestMonitorDeliveryOutlivesMaxDuration(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing, recrawl.StatusCompleted}}
	s := NewSupervisor(jobs, slowDeliverer{backoff: 80 * time.Millisecond},
		Config{PollInterval: 5 * time.Millisecond, MaxDuration: 30 * time.Millisecond}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})

	s.Start("job-10", "https://hooks.example.com")
	waitIdle(t, s)

	_, claims, outcomes := jobs.snapshot()
	require.Equal(t, []string{webhook.EventSuccess}, claims)
	require.Equal(t, []recrawl.DeliveryOutcome{{Delivered: true, Attempts: 2}}, outcomes)
}

func TestMonitorStopInterruptsDelivery(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusCompleted}}
	s := NewSupervisor(jobs, slowDeliverer{backoff: time.Minute}, Config{PollInterval: time.Millisecond}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})

	s.Start("job-11", "https://hooks.example.com")
	require.Eventually(t, func() bool {
		_, claims, _ := jobs.snapshot()
		return len(claims) == 1
	}, time.Second, time.Millisecond)
	s.Stop("job-11")
	waitIdle(t, s)

	// The claim stays pending for a resumed monitor to take over.
	_, _, outcomes := jobs.snapshot()
	require.Empty(t, outcomes)
}

func TestMonitorRecoversPanics(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{panicky: true}
	s := newTestSupervisor(t, jobs, &fakeDeliverer{}, Config{})

	s.Start("job-8", "https://hooks.example.com")
	waitIdle(t, s)

	// The supervisor keeps working after a monitor panics.
	jobs.mu.Lock()
	jobs.panicky = false
	jobs.statuses = []recrawl.JobStatus{recrawl.StatusCancelled}
	jobs.mu.Unlock()
	s.Start("job-9", "https://hooks.example.com")
	waitIdle(t, s)
}

func TestSupervisorResume(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{
		statuses: []recrawl.JobStatus{recrawl.StatusProcessing},
		pending: []recrawl.JobRecord{
			{ID: "job-a", CallbackURL: "https://hooks.example.com/a"},
			{ID: "job-b", CallbackURL: "https://hooks.example.com/b"},
		},
	}
	s := newTestSupervisor(t, jobs, &fakeDeliverer{}, Config{PollInterval: 10 * time.Millisecond})

	n, err := s.Resume(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, 2, s.Active())
}

func TestSupervisorCloseStopsMonitors(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{statuses: []recrawl.JobStatus{recrawl.StatusProcessing}}
	s := NewSupervisor(jobs, &fakeDeliverer{}, Config{PollInterval: time.Millisecond}, nil)
	s.Start("job-c", "https://hooks.example.com")
	s.Start("job-d", "https://hooks.example.com")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.Zero(t, s.Active())

	s.Start("job-e", "https://hooks.example.com")
	require.Zero(t, s.Active(), "closed supervisor starts nothing")
}
