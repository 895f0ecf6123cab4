package sinks

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/websearch-control-plane/internal/events"
)

// Publisher sends one payload to a topic and returns the broker message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// PublisherSink forwards terminal lifecycle events to a topic so downstream
// consumers can react without polling.
type PublisherSink struct {
	publisher Publisher
	topic     string
	stages    map[events.Stage]struct{}
	logger    *zap.Logger
}

// NewPublisherSink publishes events whose stage is in stages; an empty list
// publishes every stage.
func NewPublisherSink(publisher Publisher, topic string, stages []events.Stage, logger *zap.Logger) *PublisherSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[events.Stage]struct{}, len(stages))
	for _, stage := range stages {
		set[stage] = struct{}{}
	}
	return &PublisherSink{publisher: publisher, topic: topic, stages: set, logger: logger}
}

// Consume publishes matching events one by one and joins the failures.
func (s *PublisherSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	var errs []error
	for _, evt := range batch {
		if len(s.stages) > 0 {
			if _, ok := s.stages[evt.Stage]; !ok {
				continue
			}
		}
		id, err := s.publisher.Publish(ctx, s.topic, evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("publish %s for %s: %w", evt.Stage, evt.JobID, err))
			continue
		}
		s.logger.Debug("lifecycle event published",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("message_id", id),
		)
	}
	return errors.Join(errs...)
}

// Close implements the Sink interface; it performs no action.
func (s *PublisherSink) Close(context.Context) error {
	return nil
}
