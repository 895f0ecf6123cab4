package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/retry"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string][]byte
	ttls   map[string]time.Duration
	getErr error
	setErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(v), nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, ttl time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	switch v := value.(type) {
	case []byte:
		f.data[key] = append([]byte(nil), v...)
	case string:
		f.data[key] = []byte(v)
	default:
		f.data[key] = []byte(fmt.Sprint(v))
	}
	f.ttls[key] = ttl
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) report(t *testing.T, key string) (recrawl.TaskReport, bool) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return recrawl.TaskReport{}, false
	}
	var rep recrawl.TaskReport
	require.NoError(t, json.Unmarshal(raw, &rep))
	return rep, true
}

func TestRunnerSubmitPublishesTask(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	store := newFakeRedis()
	r := newRunner(writer, store, fixedClock{}, Config{})

	req := recrawl.TaskRequest{JobID: "recrawl_1", URL: "https://example.com", Priority: recrawl.PriorityUrgent, Force: true}
	taskID, err := r.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "recrawl_1", taskID)

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	require.Equal(t, []byte("recrawl_1"), msg.Key)
	require.Equal(t, fixedNow, msg.Time)
	var decoded recrawl.TaskRequest
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	require.Equal(t, req, decoded)

	report, err := r.Status(context.Background(), taskID)
	require.NoError(t, err)
	require.Equal(t, recrawl.TaskPending, report.State)
	require.Equal(t, defaultResultTTL, store.ttls[defaultKeyPrefix+"recrawl_1"])

	require.NoError(t, r.Close())
	require.True(t, writer.closed)
}

func TestRunnerSubmitErrors(t *testing.T) {
	t.Parallel()

	r := newRunner(&fakeWriter{}, newFakeRedis(), fixedClock{}, Config{})
	_, err := r.Submit(context.Background(), recrawl.TaskRequest{URL: "https://example.com"})
	require.Error(t, err)

	broken := newFakeRedis()
	broken.setErr = errors.New("connection refused")
	r = newRunner(&fakeWriter{}, broken, fixedClock{}, Config{})
	_, err = r.Submit(context.Background(), recrawl.TaskRequest{JobID: "recrawl_2"})
	require.ErrorIs(t, err, recrawl.ErrRunnerUnreachable)

	r = newRunner(&fakeWriter{err: errors.New("leader not available")}, newFakeRedis(), fixedClock{}, Config{})
	_, err = r.Submit(context.Background(), recrawl.TaskRequest{JobID: "recrawl_3"})
	require.ErrorContains(t, err, "leader not available")
}

func TestRunnerStatusErrors(t *testing.T) {
	t.Parallel()

	store := newFakeRedis()
	r := newRunner(&fakeWriter{}, store, fixedClock{}, Config{KeyPrefix: "t:"})

	_, err := r.Status(context.Background(), "missing")
	require.ErrorIs(t, err, recrawl.ErrTaskUnknown)

	store.data["t:garbled"] = []byte("{not json")
	_, err = r.Status(context.Background(), "garbled")
	require.Error(t, err)
	require.NotErrorIs(t, err, recrawl.ErrTaskUnknown)

	store.getErr = errors.New("i/o timeout")
	_, err = r.Status(context.Background(), "missing")
	require.ErrorIs(t, err, recrawl.ErrRunnerUnreachable)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Topic: "recrawl", RedisAddr: "localhost:6379"}, fixedClock{})
	require.ErrorContains(t, err, "broker")
	_, err = New(Config{Brokers: []string{"localhost:9092"}, RedisAddr: "localhost:6379"}, fixedClock{})
	require.ErrorContains(t, err, "topic")
	_, err = New(Config{Brokers: []string{"localhost:9092"}, Topic: "recrawl"}, fixedClock{})
	require.ErrorContains(t, err, "redis")

	r, err := New(Config{Brokers: []string{"localhost:9092"}, Topic: "recrawl", RedisAddr: "localhost:6379"}, fixedClock{})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed []kafka.Message
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	ch := make(chan kafka.Message, len(msgs))
	for _, m := range msgs {
		ch <- m
	}
	return &fakeReader{msgs: ch}
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-f.msgs:
		return m, nil
	}
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.committed)
}

func taskMessage(t *testing.T, req recrawl.TaskRequest) kafka.Message {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return kafka.Message{Key: []byte(req.JobID), Value: data}
}

func runWorker(t *testing.T, w *Worker) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func TestWorkerReportsSuccess(t *testing.T) {
	t.Parallel()

	reader := newFakeReader(
		taskMessage(t, recrawl.TaskRequest{JobID: "recrawl_a", URL: "https://a.example"}),
		kafka.Message{Key: []byte("junk"), Value: []byte("not json")},
	)
	store := newFakeRedis()
	exec := taskrunner.SimulatedExecutor{Now: func() time.Time { return fixedNow }}
	w := newWorker(reader, store, exec, nil, fixedClock{}, nil, WorkerConfig{Workers: 2})
	runWorker(t, w)

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 5*time.Millisecond)

	report, ok := store.report(t, defaultKeyPrefix+"recrawl_a")
	require.True(t, ok)
	require.Equal(t, recrawl.TaskSuccess, report.State)
	require.JSONEq(t, `{"url":"https://a.example","status":"completed","crawled_at":"2026-03-01T12:00:00Z"}`, string(report.Result))
	require.Equal(t, fixedNow, *report.FinishedAt)

	_, ok = store.report(t, defaultKeyPrefix+"junk")
	require.False(t, ok)
}

func TestWorkerReportsFailure(t *testing.T) {
	t.Parallel()

	reader := newFakeReader(taskMessage(t, recrawl.TaskRequest{JobID: "recrawl_b", URL: "https://b.example"}))
	store := newFakeRedis()
	exec := taskrunner.ExecutorFunc(func(context.Context, recrawl.TaskRequest) (json.RawMessage, error) {
		return nil, errors.New("dns lookup failed")
	})
	w := newWorker(reader, store, exec, retry.NewExponentialPolicy(1, time.Millisecond, time.Millisecond), fixedClock{}, nil, WorkerConfig{})
	runWorker(t, w)

	require.Eventually(t, func() bool { return reader.commits() == 1 }, time.Second, 5*time.Millisecond)

	report, ok := store.report(t, defaultKeyPrefix+"recrawl_b")
	require.True(t, ok)
	require.Equal(t, recrawl.TaskFailure, report.State)
	require.Equal(t, "dns lookup failed", report.Error)
}

func TestWorkerLeavesMessageOnReportFailure(t *testing.T) {
	t.Parallel()

	reader := newFakeReader(taskMessage(t, recrawl.TaskRequest{JobID: "recrawl_c", URL: "https://c.example"}))
	store := newFakeRedis()
	store.setErr = errors.New("READONLY")
	w := newWorker(reader, store, taskrunner.SimulatedExecutor{}, nil, fixedClock{}, nil, WorkerConfig{Workers: 1})

	w.handle(context.Background(), <-reader.msgs)
	require.Zero(t, reader.commits())
}
