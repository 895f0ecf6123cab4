package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

var fixedNow = time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return fixedNow }

type staticID string

func (s staticID) NewID() (string, error) { return string(s), nil }

func completedRecord(callback string) recrawl.JobRecord {
	return recrawl.JobRecord{
		ID:          "recrawl_42",
		Status:      recrawl.StatusCompleted,
		URL:         "https://example.com",
		CallbackURL: callback,
		Result:      json.RawMessage(`{ "status": "completed", "url": "https://example.com" }`),
	}
}

func fastConfig(attempts int) Config {
	return Config{
		Secret:      "s3cret",
		MaxAttempts: attempts,
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}
}

type capture struct {
	mu       sync.Mutex
	bodies   [][]byte
	headers  []http.Header
	statuses []int
}

func (c *capture) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		c.mu.Lock()
		idx := len(c.bodies)
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		status := http.StatusOK
		if idx < len(c.statuses) {
			status = c.statuses[idx]
		}
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"event":"recrawl.success"}`)
	sig := Sign([]byte("k"), body)
	require.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	require.True(t, Verify([]byte("k"), body, sig))
	require.False(t, Verify([]byte("other"), body, sig))
	require.False(t, Verify([]byte("k"), []byte(`{}`), sig))
	require.False(t, Verify([]byte("k"), body, "md5=abc"))
	require.False(t, Verify([]byte("k"), body, "sha256=zz"))
}

func TestEncodeIsCanonical(t *testing.T) {
	t.Parallel()

	a := Payload{Event: EventSuccess, Timestamp: fixedNow, JobID: "j", Status: recrawl.StatusCompleted,
		Result: json.RawMessage(`{"url":"u","status":"completed","n":1.50}`)}
	b := a
	b.Result = json.RawMessage("{\n  \"status\": \"completed\",\n  \"n\": 1.50,\n  \"url\": \"u\"\n}")

	encA, err := Encode(a)
	require.NoError(t, err)
	encB, err := Encode(b)
	require.NoError(t, err)
	require.Equal(t, string(encA), string(encB))
	require.Equal(t,
		`{"event":"recrawl.success","timestamp":"2026-03-01T12:30:00Z","job_id":"j","status":"completed","result":{"n":1.50,"status":"completed","url":"u"}}`,
		string(encA))

	a.Result = nil
	enc, err := Encode(a)
	require.NoError(t, err)
	require.Contains(t, string(enc), `"result":null`)
}

func TestEventFor(t *testing.T) {
	t.Parallel()

	ev, ok := EventFor(recrawl.StatusCompleted)
	require.True(t, ok)
	require.Equal(t, EventSuccess, ev)
	ev, ok = EventFor(recrawl.StatusFailed)
	require.True(t, ok)
	require.Equal(t, EventFailure, ev)
	_, ok = EventFor(recrawl.StatusCancelled)
	require.False(t, ok)
	_, ok = EventFor(recrawl.StatusProcessing)
	require.False(t, ok)
}

func TestDeliverSignsPayload(t *testing.T) {
	t.Parallel()

	c := &capture{}
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	svc := NewService(fastConfig(3), srv.Client(), staticID("dlv-1"), fixedClock{}, nil)
	res := svc.Deliver(context.Background(), completedRecord(srv.URL), EventSuccess)
	require.True(t, res.Delivered)
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "dlv-1", res.DeliveryID)

	require.Len(t, c.bodies, 1)
	h := c.headers[0]
	require.Equal(t, "application/json", h.Get("Content-Type"))
	require.Equal(t, EventSuccess, h.Get(EventHeader))
	require.Equal(t, "dlv-1", h.Get(DeliveryHeader))
	require.True(t, Verify([]byte("s3cret"), c.bodies[0], h.Get(SignatureHeader)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	require.Equal(t, "recrawl.success", got["event"])
	require.Equal(t, "recrawl_42", got["job_id"])
	require.Equal(t, "completed", got["status"])
	require.Equal(t, "2026-03-01T12:30:00Z", got["timestamp"])
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	t.Parallel()

	c := &capture{statuses: []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusNoContent}}
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	svc := NewService(fastConfig(5), srv.Client(), staticID("dlv-2"), fixedClock{}, nil)
	res := svc.Deliver(context.Background(), completedRecord(srv.URL), EventSuccess)
	require.True(t, res.Delivered)
	require.Equal(t, 3, res.Attempts)

	require.Len(t, c.bodies, 3)
	for i := 1; i < 3; i++ {
		require.Equal(t, c.bodies[0], c.bodies[i], "retries resend the same body")
		require.Equal(t, c.headers[0].Get(SignatureHeader), c.headers[i].Get(SignatureHeader))
		require.Equal(t, "dlv-2", c.headers[i].Get(DeliveryHeader))
	}
}

func TestDeliverStopsOnClientError(t *testing.T) {
	t.Parallel()

	c := &capture{statuses: []int{http.StatusGone}}
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	svc := NewService(fastConfig(5), srv.Client(), nil, fixedClock{}, nil)
	res := svc.Deliver(context.Background(), completedRecord(srv.URL), EventFailure)
	require.False(t, res.Delivered)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, http.StatusGone, res.StatusCode)
	require.ErrorContains(t, res.Err, "410")
	require.Equal(t, "recrawl_42:recrawl.failure", res.DeliveryID)
	require.Len(t, c.bodies, 1)
}

func TestDeliverGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	c := &capture{statuses: []int{500, 500, 500, 500}}
	srv := httptest.NewServer(c.handler(t))
	t.Cleanup(srv.Close)

	svc := NewService(fastConfig(2), srv.Client(), staticID("dlv-3"), fixedClock{}, nil)
	res := svc.Deliver(context.Background(), completedRecord(srv.URL), EventSuccess)
	require.False(t, res.Delivered)
	require.Equal(t, 2, res.Attempts)
	require.Len(t, c.bodies, 2)
	require.NotEmpty(t, ErrorText(res.Err))
}

func TestDeliverUnreachableHost(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	svc := NewService(fastConfig(2), nil, staticID("dlv-4"), fixedClock{}, nil)
	res := svc.Deliver(context.Background(), completedRecord(url), EventSuccess)
	require.False(t, res.Delivered)
	require.Equal(t, 2, res.Attempts)
	require.Zero(t, res.StatusCode)
}
