package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/websearch-control-plane/internal/events"
)

// PrometheusSink exports job lifecycle metrics. It owns the collectors for
// submitted, in-flight and finished jobs plus webhook outcomes.
type PrometheusSink struct {
	jobsSubmitted   *prometheus.CounterVec
	jobsFinished    *prometheus.CounterVec
	jobsInFlight    prometheus.Gauge
	jobTurnaround   *prometheus.HistogramVec
	webhookOutcomes *prometheus.CounterVec
	webhookAttempts prometheus.Histogram

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recrawl_jobs_submitted_total",
			Help: "Re-crawl jobs accepted, partitioned by priority.",
		}, []string{"priority"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recrawl_jobs_finished_total",
			Help: "Re-crawl jobs reaching a terminal state, partitioned by result and SLA outcome.",
		}, []string{"result", "sla"}),
		jobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "recrawl_jobs_in_flight",
			Help: "Re-crawl jobs submitted and not yet terminal.",
		}),
		jobTurnaround: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recrawl_job_turnaround_seconds",
			Help:    "Time from submission to terminal state.",
			Buckets: []float64{5, 30, 60, 300, 900, 1800, 2700, 3600, 7200},
		}, []string{"result"}),
		webhookOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "recrawl_webhooks_total",
			Help: "Completion webhooks partitioned by outcome.",
		}, []string{"outcome"}),
		webhookAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "recrawl_webhook_attempts",
			Help:    "Attempts needed per completion webhook.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		}),
		tracker: newJobTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsFinished,
		s.jobsInFlight,
		s.jobTurnaround,
		s.webhookOutcomes,
		s.webhookAttempts,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register lifecycle collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	switch evt.Stage {
	case events.StageSubmitted:
		priority := evt.Priority
		if priority == "" {
			priority = "unknown"
		}
		s.jobsSubmitted.WithLabelValues(priority).Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsInFlight.Inc()
		}
	case events.StageCompleted, events.StageFailed, events.StageCancelled:
		result := resultLabel(evt.Stage)
		s.jobsFinished.WithLabelValues(result, slaLabel(evt.SLAMet)).Inc()
		if evt.Dur > 0 {
			s.jobTurnaround.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.JobID) {
			s.jobsInFlight.Dec()
		}
	case events.StageWebhookDelivered:
		s.webhookOutcomes.WithLabelValues("delivered").Inc()
		s.webhookAttempts.Observe(float64(evt.Attempts))
	case events.StageWebhookFailed:
		s.webhookOutcomes.WithLabelValues("failed").Inc()
		s.webhookAttempts.Observe(float64(evt.Attempts))
	}
}

func resultLabel(stage events.Stage) string {
	switch stage {
	case events.StageCompleted:
		return "completed"
	case events.StageFailed:
		return "failed"
	default:
		return "cancelled"
	}
}

func slaLabel(met *bool) string {
	switch {
	case met == nil:
		return "none"
	case *met:
		return "met"
	default:
		return "missed"
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
