// Package remote bridges the recrawl manager to an external worker fleet:
// tasks are published to a Kafka topic and workers report task state into
// Redis, where the control plane reads it back.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/websearch-control-plane/internal/recrawl"
)

const (
	defaultKeyPrefix = "recrawl:task:"
	defaultResultTTL = 24 * time.Hour
)

// Config describes the Kafka topic and Redis instance shared with workers.
type Config struct {
	Brokers   []string
	Topic     string
	GroupID   string
	RedisAddr string
	KeyPrefix string
	ResultTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = defaultResultTTL
	}
	return c
}

func (c Config) validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("at least one kafka broker is required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("kafka topic is required")
	}
	if strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("redis address is required")
	}
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// reportStore is the subset of *redis.Client used for task reports.
type reportStore interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Runner submits tasks to Kafka and reads their reports from Redis.
type Runner struct {
	writer messageWriter
	store  reportStore
	clock  recrawl.Clock
	prefix string
	ttl    time.Duration
}

// New dials nothing up front; kafka-go and go-redis connect lazily.
func New(cfg Config, clock recrawl.Clock) (*Runner, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return newRunner(writer, client, clock, cfg), nil
}

func newRunner(writer messageWriter, store reportStore, clock recrawl.Clock, cfg Config) *Runner {
	cfg = cfg.withDefaults()
	return &Runner{
		writer: writer,
		store:  store,
		clock:  clock,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.ResultTTL,
	}
}

// Submit seeds a PENDING report and publishes the task keyed by job id so
// retries of the same job land on the same partition.
func (r *Runner) Submit(ctx context.Context, req recrawl.TaskRequest) (string, error) {
	if req.JobID == "" {
		return "", errors.New("task job id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode task: %w", err)
	}
	if err := writeReport(ctx, r.store, r.key(req.JobID), recrawl.TaskReport{State: recrawl.TaskPending}, r.ttl); err != nil {
		return "", fmt.Errorf("%w: %w", recrawl.ErrRunnerUnreachable, err)
	}
	msg := kafka.Message{
		Key:   []byte(req.JobID),
		Value: payload,
		Time:  r.clock.Now().UTC(),
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish task %s: %w", req.JobID, err)
	}
	return req.JobID, nil
}

// Status reads the latest report written by a worker.
func (r *Runner) Status(ctx context.Context, taskID string) (recrawl.TaskReport, error) {
	return readReport(ctx, r.store, r.key(taskID))
}

// Close flushes the Kafka writer and closes the Redis client.
func (r *Runner) Close() error {
	return errors.Join(r.writer.Close(), r.store.Close())
}

func (r *Runner) key(taskID string) string {
	return r.prefix + taskID
}

func writeReport(ctx context.Context, store reportStore, key string, report recrawl.TaskReport, ttl time.Duration) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode task report: %w", err)
	}
	if err := store.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("write task report %s: %w", key, err)
	}
	return nil
}

func readReport(ctx context.Context, store reportStore, key string) (recrawl.TaskReport, error) {
	raw, err := store.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return recrawl.TaskReport{}, fmt.Errorf("%w: %s", recrawl.ErrTaskUnknown, key)
		}
		return recrawl.TaskReport{}, fmt.Errorf("%w: %w", recrawl.ErrRunnerUnreachable, err)
	}
	var report recrawl.TaskReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return recrawl.TaskReport{}, fmt.Errorf("decode task report %s: %w", key, err)
	}
	return report, nil
}
