package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "recrawl-events", map[string]string{"job_id": "recrawl_a"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "recrawl-audit", "payload")
	require.NoError(t, err)
	require.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "recrawl-events", msgs[0].Topic)
	require.JSONEq(t, `{"job_id":"recrawl_a"}`, string(msgs[0].Data))

	msgs[0].Topic = "modified"
	require.Equal(t, "recrawl-events", pub.Messages()[0].Topic, "Messages() must return a copy")
}

func TestPublisherLimit(t *testing.T) {
	t.Parallel()

	pub := New(2)
	for _, payload := range []string{"a", "b", "c"} {
		_, err := pub.Publish(context.Background(), "topic", payload)
		require.NoError(t, err)
	}
	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "b", msgs[0].Payload)
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "topic", make(chan int))
	require.Error(t, err)
	require.Empty(t, pub.Messages())
}
