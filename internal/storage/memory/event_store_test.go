package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

func TestEventStoreAppendAndList(t *testing.T) {
	t.Parallel()

	s := NewEventStore()
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []store.EventRow{
		{JobID: "job", Stage: "JOB_SUBMITTED", TS: ts},
		{JobID: "job", Stage: "JOB_STARTED", TS: ts.Add(time.Second)},
		{JobID: "other", Stage: "JOB_SUBMITTED", TS: ts},
	}
	require.NoError(t, s.AppendEvents(ctx, rows))
	require.NoError(t, s.AppendEvents(ctx, rows[:1]))

	got, err := s.ListEvents(ctx, "job", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "JOB_SUBMITTED", got[0].Stage)

	page, err := s.ListEvents(ctx, "job", 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, "JOB_STARTED", page[0].Stage)

	empty, err := s.ListEvents(ctx, "job", 10, 5)
	require.NoError(t, err)
	require.Empty(t, empty)
}
