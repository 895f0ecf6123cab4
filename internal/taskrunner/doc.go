// Package taskrunner holds the Task Runner adapters used by the recrawl
// manager: an in-process worker pool (memory) and a Kafka/Redis bridge to an
// external worker fleet (remote).
package taskrunner
