// Package config loads and validates control plane configuration via Viper.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Search     SearchConfig     `mapstructure:"search"`
	Recrawl    RecrawlConfig    `mapstructure:"recrawl"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	TaskRunner TaskRunnerConfig `mapstructure:"taskrunner"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Store      StoreConfig      `mapstructure:"store"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Events     EventsConfig     `mapstructure:"events"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles. With an empty APIKeys list
// any sufficiently long key is accepted.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// RateLimitConfig bounds search requests per API key.
type RateLimitConfig struct {
	Limit         int `mapstructure:"limit"`
	WindowSeconds int `mapstructure:"window_seconds"`
}

// CacheConfig selects the search result cache.
type CacheConfig struct {
	Backend    string `mapstructure:"backend"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	MaxBytes   int64  `mapstructure:"max_bytes"`
	Prefix     string `mapstructure:"prefix"`
}

// RedisConfig is shared by the redis cache and the remote task runner.
type RedisConfig struct {
	Addr string `mapstructure:"addr"`
}

// SearchConfig sizes the in-process sharded index.
type SearchConfig struct {
	Shards         int    `mapstructure:"shards"`
	ShardTimeoutMs int    `mapstructure:"shard_timeout_ms"`
	SeedFile       string `mapstructure:"seed_file"`
}

// RecrawlConfig tunes the job lifecycle manager.
type RecrawlConfig struct {
	DispatchTimeoutSeconds    int `mapstructure:"dispatch_timeout_seconds"`
	RunnerTimeoutSeconds      int `mapstructure:"runner_timeout_seconds"`
	StalenessThresholdSeconds int `mapstructure:"staleness_threshold_seconds"`
	WebhookClaimTTLSeconds    int `mapstructure:"webhook_claim_ttl_seconds"`
}

// MonitorConfig bounds completion monitors.
type MonitorConfig struct {
	PollIntervalMs     int `mapstructure:"poll_interval_ms"`
	MaxDurationMinutes int `mapstructure:"max_duration_minutes"`
}

// WebhookConfig configures signed completion callbacks.
type WebhookConfig struct {
	Secret         string `mapstructure:"secret"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxAttempts    int    `mapstructure:"max_attempts"`
	BackoffBaseMs  int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs   int    `mapstructure:"backoff_max_ms"`
	UserAgent      string `mapstructure:"user_agent"`
}

// TaskRunnerConfig selects and sizes the task runner. Mode is "memory" for
// the in-process pool or "remote" for Kafka dispatch with Redis reports.
type TaskRunnerConfig struct {
	Mode               string `mapstructure:"mode"`
	QueueDepth         int    `mapstructure:"queue_depth"`
	Workers            int    `mapstructure:"workers"`
	TaskTimeoutSeconds int    `mapstructure:"task_timeout_seconds"`
	MaxAttempts        int    `mapstructure:"max_attempts"`
	BackoffBaseMs      int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs       int    `mapstructure:"backoff_max_ms"`
	ExecDelayMs        int    `mapstructure:"exec_delay_ms"`
	ResultTTLHours     int    `mapstructure:"result_ttl_hours"`
	KeyPrefix          string `mapstructure:"key_prefix"`
}

// KafkaConfig addresses the remote task topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// StoreConfig selects the job and event store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls access to Postgres.
type DatabaseConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	JobsTable      string `mapstructure:"jobs_table"`
	EventsTable    string `mapstructure:"events_table"`
	MigrateOnStart bool   `mapstructure:"migrate_on_start"`
}

// EventsConfig tunes the lifecycle event hub and its publisher.
type EventsConfig struct {
	BufferSize     int      `mapstructure:"buffer_size"`
	MaxBatchEvents int      `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int      `mapstructure:"max_batch_wait_ms"`
	Publisher      string   `mapstructure:"publisher"`
	Topic          string   `mapstructure:"topic"`
	PublishStages  []string `mapstructure:"publish_stages"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Backend and mode names accepted by Validate.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	ModeRemote      = "remote"
	PublisherNone   = "none"
	PublisherPubSub = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEARCHAPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.api_keys", []string{})
	v.SetDefault("ratelimit.limit", 1000)
	v.SetDefault("ratelimit.window_seconds", 60)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.max_bytes", 64<<20)
	v.SetDefault("cache.prefix", "searchapi:")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("search.shards", 4)
	v.SetDefault("search.shard_timeout_ms", 2000)
	v.SetDefault("search.seed_file", "")
	v.SetDefault("recrawl.dispatch_timeout_seconds", 5)
	v.SetDefault("recrawl.runner_timeout_seconds", 3)
	v.SetDefault("recrawl.staleness_threshold_seconds", 300)
	v.SetDefault("recrawl.webhook_claim_ttl_seconds", 900)
	v.SetDefault("monitor.poll_interval_ms", 2000)
	v.SetDefault("monitor.max_duration_minutes", 120)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.backoff_base_ms", 500)
	v.SetDefault("webhook.backoff_max_ms", 30000)
	v.SetDefault("webhook.user_agent", "searchapi-webhooks/1.0")
	v.SetDefault("taskrunner.mode", BackendMemory)
	v.SetDefault("taskrunner.queue_depth", 1024)
	v.SetDefault("taskrunner.workers", 4)
	v.SetDefault("taskrunner.task_timeout_seconds", 300)
	v.SetDefault("taskrunner.max_attempts", 3)
	v.SetDefault("taskrunner.backoff_base_ms", 250)
	v.SetDefault("taskrunner.backoff_max_ms", 5000)
	v.SetDefault("taskrunner.exec_delay_ms", 500)
	v.SetDefault("taskrunner.result_ttl_hours", 24)
	v.SetDefault("taskrunner.key_prefix", "recrawl:task:")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "recrawl-tasks")
	v.SetDefault("kafka.group_id", "recrawl-workers")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.jobs_table", "recrawl_jobs")
	v.SetDefault("database.events_table", "job_events")
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.publisher", PublisherNone)
	v.SetDefault("events.topic", "recrawl-lifecycle")
	v.SetDefault("events.publish_stages", []string{"JOB_COMPLETED", "JOB_FAILED", "JOB_CANCELLED"})
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	for _, key := range c.Auth.APIKeys {
		if len(key) < 10 {
			return fmt.Errorf("auth.api_keys entries must be at least 10 characters")
		}
	}
	if c.RateLimit.Limit <= 0 || c.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("ratelimit.limit and ratelimit.window_seconds must be > 0")
	}
	if err := oneOf("cache.backend", c.Cache.Backend, BackendMemory, BackendRedis); err != nil {
		return err
	}
	if c.Search.Shards <= 0 {
		return fmt.Errorf("search.shards must be > 0")
	}
	if c.Monitor.PollIntervalMs <= 0 {
		return fmt.Errorf("monitor.poll_interval_ms must be > 0")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret must be set")
	}
	if c.Webhook.MaxAttempts <= 0 {
		return fmt.Errorf("webhook.max_attempts must be > 0")
	}
	if err := oneOf("taskrunner.mode", c.TaskRunner.Mode, BackendMemory, ModeRemote); err != nil {
		return err
	}
	if c.TaskRunner.Mode == ModeRemote && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic must be set when taskrunner.mode is remote")
	}
	if (c.TaskRunner.Mode == ModeRemote || c.Cache.Backend == BackendRedis) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set for the redis cache or remote task runner")
	}
	if err := oneOf("store.backend", c.Store.Backend, BackendMemory, BackendPostgres); err != nil {
		return err
	}
	if c.Store.Backend == BackendPostgres && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must be set when store.backend is postgres")
	}
	if err := oneOf("events.publisher", c.Events.Publisher, PublisherNone, BackendMemory, PublisherPubSub); err != nil {
		return err
	}
	if c.Events.Publisher == PublisherPubSub && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when events.publisher is pubsub")
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	if slices.Contains(allowed, value) {
		return nil
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), value)
}

// RequestTimeout is the per-request budget for API handlers.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RateWindow is the rate limit accounting window.
func (c Config) RateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowSeconds) * time.Second
}

// CacheTTL is how long search pages stay cached.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// ShardTimeout bounds each search shard query.
func (c Config) ShardTimeout() time.Duration {
	return time.Duration(c.Search.ShardTimeoutMs) * time.Millisecond
}

// MonitorPollInterval is the completion monitor polling cadence.
func (c Config) MonitorPollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalMs) * time.Millisecond
}

// MonitorMaxDuration bounds each completion monitor.
func (c Config) MonitorMaxDuration() time.Duration {
	return time.Duration(c.Monitor.MaxDurationMinutes) * time.Minute
}
