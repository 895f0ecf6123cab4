// Package events provides the lifecycle event primitives and the non-blocking
// hub that the recrawl manager and completion monitors use to report job
// transitions and webhook outcomes. Events are batched on a background
// goroutine and fanned out to sinks such as structured logs, Prometheus
// collectors, or a Pub/Sub topic.
package events
