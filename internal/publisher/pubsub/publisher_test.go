package pubsub

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type routedPayload struct {
	JobID string `json:"job_id"`
}

func (r routedPayload) Attributes() map[string]string {
	return map[string]string{"job_id": r.JobID}
}

func TestBuildMessageCopiesAttributes(t *testing.T) {
	t.Parallel()

	msg, err := buildMessage(routedPayload{JobID: "recrawl_a"})
	require.NoError(t, err)
	require.JSONEq(t, `{"job_id":"recrawl_a"}`, string(msg.Data))
	require.Equal(t, "recrawl_a", msg.Attributes["job_id"])

	plain, err := buildMessage(map[string]int{"n": 1})
	require.NoError(t, err)
	require.Nil(t, plain.Attributes)
}

func TestPublishWithoutPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "topic", "payload")
	require.Error(t, err)
}
