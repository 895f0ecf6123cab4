// Package sinks implements concrete lifecycle event consumers such as
// Prometheus, structured logging, Pub/Sub publishing and the audit trail
// repository. Each sink satisfies the events.Sink interface and is safe for
// repeated Consume/Close cycles.
package sinks
