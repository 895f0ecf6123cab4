package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/events"
	"github.com/JakeFAU/websearch-control-plane/internal/store"
)

// StoreSink persists lifecycle events via a store.EventRepository so the
// audit trail survives restarts.
type StoreSink struct {
	repo   store.EventRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.EventRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume converts the batch to rows and appends them in a single call.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.repo == nil || len(batch) == 0 {
		return nil
	}
	rows := make([]store.EventRow, 0, len(batch))
	for _, evt := range batch {
		rows = append(rows, store.EventRow{
			JobID:      evt.JobID,
			Stage:      string(evt.Stage),
			TS:         evt.TS.UTC(),
			SLAMet:     evt.SLAMet,
			DurationMS: evt.Dur.Milliseconds(),
			Attempts:   evt.Attempts,
			Note:       evt.Note,
		})
	}
	if err := s.repo.AppendEvents(ctx, rows); err != nil {
		return fmt.Errorf("append lifecycle events: %w", err)
	}
	s.logger.Debug("lifecycle events stored", zap.Int("count", len(rows)))
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
