package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
	"github.com/JakeFAU/websearch-control-plane/internal/storage/memory"
	"github.com/JakeFAU/websearch-control-plane/internal/taskrunner"
	runnermemory "github.com/JakeFAU/websearch-control-plane/internal/taskrunner/memory"
)

const testKey = "test-api-key-123"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.ids) == 0 {
		return "", errors.New("no ids left")
	}
	id := g.ids[0]
	g.ids = g.ids[1:]
	return id, nil
}

// newRecrawlServer wires the real manager over the in-memory store and an
// idle in-memory runner, so submitted jobs stay queued.
func newRecrawlServer(t *testing.T, opts Options) *Server {
	t.Helper()
	clock := &fakeClock{now: t0}
	runner := runnermemory.NewRunner(runnermemory.Config{}, taskrunner.SimulatedExecutor{}, nil, clock, nil)
	ids := &fakeIDGen{ids: []string{
		"0190a1b2-c3d4-7000-8000-000000000001",
		"0190a1b2-c3d4-7000-8000-000000000002",
	}}
	mgr := recrawl.NewManager(memory.NewJobStore(), runner, clock, ids, nil, recrawl.Config{}, zap.NewNop())
	return NewServer(Deps{Recrawl: mgr}, opts, zap.NewNop())
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func submit(t *testing.T, s *Server) string {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/recrawl", []byte(`{"url":"https://example.com/page"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	return decode(t, rec)["job_id"].(string)
}

func TestSubmitRecrawlAccepted(t *testing.T) {
	t.Parallel()

	s := newRecrawlServer(t, Options{AuthEnabled: true})
	rec := do(t, s, http.MethodPost, "/recrawl",
		[]byte(`{"url":"https://example.com/page","priority":"urgent","callback_url":"https://hooks.example.com/cb"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "recrawl_0190a1b2c3d470008000000000000001", resp.JobID)
	require.Equal(t, recrawl.StatusQueued, resp.Status)
	require.Equal(t, recrawl.PriorityUrgent, resp.Priority)
	require.True(t, resp.CreatedAt.Equal(t0))
	require.True(t, resp.SLADeadline.Equal(t0.Add(time.Hour)))
	require.True(t, resp.EstimatedCompletion.Equal(t0.Add(45*time.Minute)))
	require.NotNil(t, resp.CallbackURL)
	require.Equal(t, "https://hooks.example.com/cb", *resp.CallbackURL)
	require.Equal(t, "/recrawl/"+resp.JobID, resp.StatusURL)
}

func TestSubmitRecrawlOmitsMissingCallback(t *testing.T) {
	t.Parallel()

	s := newRecrawlServer(t, Options{})
	rec := do(t, s, http.MethodPost, "/recrawl", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decode(t, rec)
	require.NotContains(t, body, "callback_url")
	require.Equal(t, "high", body["priority"])
}

func TestSubmitRecrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: "{invalid"},
		{name: "missing url", body: `{}`},
		{name: "bad scheme", body: `{"url":"ftp://example.com"}`},
		{name: "bad priority", body: `{"url":"https://example.com","priority":"low"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newRecrawlServer(t, Options{})
			rec := do(t, s, http.MethodPost, "/recrawl", []byte(tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestAuthRejectsMissingAndInvalidKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		opts   Options
		header string
		value  string
		want   int
	}{
		{name: "missing", opts: Options{AuthEnabled: true}, want: http.StatusUnauthorized},
		{name: "not bearer", opts: Options{AuthEnabled: true}, header: "Authorization", value: "Basic abc", want: http.StatusUnauthorized},
		{name: "short key", opts: Options{AuthEnabled: true}, header: "X-API-Key", value: "short", want: http.StatusUnauthorized},
		{name: "unlisted key", opts: Options{AuthEnabled: true, APIKeys: []string{"another-key-000"}}, header: "X-API-Key", value: testKey, want: http.StatusUnauthorized},
		{name: "listed key", opts: Options{AuthEnabled: true, APIKeys: []string{testKey}}, header: "X-API-Key", value: testKey, want: http.StatusOK},
		{name: "auth disabled", opts: Options{}, want: http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newRecrawlServer(t, tc.opts)
			req := httptest.NewRequest(http.MethodGet, "/recrawl", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, req)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestGetRecrawl(t *testing.T) {
	t.Parallel()

	s := newRecrawlServer(t, Options{AuthEnabled: true})
	id := submit(t, s)

	rec := do(t, s, http.MethodGet, "/recrawl/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, id, body["job_id"])
	require.Equal(t, "processing", body["status"], "a pending task counts as processing")
	require.Contains(t, body, "sla_met")
	require.Nil(t, body["sla_met"])
	require.Equal(t, false, body["degraded"])

	rec = do(t, s, http.MethodGet, "/recrawl/recrawl_missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "unknown", body["status"])
	require.Equal(t, true, body["degraded"])
}

func TestGetRecrawlRunnerUnreachable(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{Recrawl: &stubRecrawl{statusErr: recrawl.ErrRunnerUnreachable}}, Options{}, nil)
	rec := do(t, s, http.MethodGet, "/recrawl/recrawl_x", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "recrawl_x", body["job_id"])
	require.Equal(t, "unknown", body["status"])
}

func TestSubmitDispatchFailure(t *testing.T) {
	t.Parallel()

	stub := &stubRecrawl{
		submitRec: recrawl.JobRecord{ID: "recrawl_x", Status: recrawl.StatusFailed},
		submitErr: recrawl.ErrDispatchFailed,
	}
	s := NewServer(Deps{Recrawl: stub}, Options{}, nil)
	rec := do(t, s, http.MethodPost, "/recrawl", []byte(`{"url":"https://example.com"}`))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "recrawl_x", body["job_id"])
	require.Equal(t, "failed", body["status"])
}

func TestCancelRecrawl(t *testing.T) {
	t.Parallel()

	s := newRecrawlServer(t, Options{})
	id := submit(t, s)

	rec := do(t, s, http.MethodDelete, "/recrawl/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "cancelled", body["status"])
	require.NotEmpty(t, body["cancelled_at"])

	rec = do(t, s, http.MethodDelete, "/recrawl/"+id, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	body = decode(t, rec)
	require.Equal(t, "cancelled", body["status"])

	rec = do(t, s, http.MethodDelete, "/recrawl/recrawl_missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRecrawls(t *testing.T) {
	t.Parallel()

	s := newRecrawlServer(t, Options{})
	first := submit(t, s)
	second := submit(t, s)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodDelete, "/recrawl/"+first, nil).Code)

	rec := do(t, s, http.MethodGet, "/recrawl", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all struct {
		Jobs []jobStatusResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	require.Len(t, all.Jobs, 2)

	rec = do(t, s, http.MethodGet, "/recrawl?status=QUEUED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var queued struct {
		Jobs []jobStatusResponse `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &queued))
	require.Len(t, queued.Jobs, 1)
	require.Equal(t, second, queued.Jobs[0].JobID)

	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/recrawl?status=bogus", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/recrawl?limit=0", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/recrawl?offset=-1", nil).Code)
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()

	healthy := NewServer(Deps{}, Options{AuthEnabled: true, ReadyChecks: map[string]ReadyCheck{
		"store": func(context.Context) error { return nil },
	}}, nil)
	rec := do(t, healthy, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, healthy, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decode(t, rec)["status"])

	broken := NewServer(Deps{}, Options{ReadyChecks: map[string]ReadyCheck{
		"store": func(context.Context) error { return nil },
		"cache": func(context.Context) error { return errors.New("connection refused") },
	}}, nil)
	rec = do(t, broken, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "not ready", body["status"])
	require.Equal(t, map[string]any{"cache": "connection refused"}, body["checks"])
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, Options{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type stubRecrawl struct {
	submitRec recrawl.JobRecord
	submitErr error
	statusErr error
}

func (s *stubRecrawl) Submit(context.Context, recrawl.SubmitRequest) (recrawl.JobRecord, error) {
	return s.submitRec, s.submitErr
}

func (s *stubRecrawl) Status(context.Context, string) (recrawl.JobView, error) {
	return recrawl.JobView{}, s.statusErr
}

func (s *stubRecrawl) Cancel(context.Context, string) (recrawl.JobRecord, error) {
	return recrawl.JobRecord{}, recrawl.ErrJobNotFound
}

func (s *stubRecrawl) List(context.Context, recrawl.ListFilter) ([]recrawl.JobView, error) {
	return nil, nil
}
