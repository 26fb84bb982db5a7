package worker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feed-relay/internal/pkg/config"
	"feed-relay/internal/usecase/delivery"
	"feed-relay/internal/usecase/health"
	"feed-relay/internal/usecase/schedule"
)

// WorkerConfig holds the operational settings of the worker process.
//
// Configuration sources:
//   - Environment variables (loaded via LoadConfigFromEnv)
//   - Default values (provided by DefaultConfig)
type WorkerConfig struct {
	// PoolSize is the number of worker shards.
	// Range: 1-64, default 5
	PoolSize     int
	PollInterval time.Duration
	// JobTimeout bounds a single job run. Range: 10s-30m, default 2m
	JobTimeout time.Duration

	CleanupInterval         time.Duration
	ThoroughCleanupInterval time.Duration
	OrphanAlertThreshold    int
	StaleFeedAfter          time.Duration

	QueueMaxSize           int
	QueueTTL               time.Duration
	QueueMaxRetries        int
	QueueBatchSize         int
	QueueMessagesPerMinute int

	HealthMetricRetention time.Duration
	// HealthPruneSchedule is a cron spec for the health metric prune.
	HealthPruneSchedule string

	// HealthPort serves /health and /health/ready. Range: 1024-65535
	HealthPort int
	// MetricsPort serves /metrics and /health/resilience. Range: 1024-65535
	MetricsPort int
}

// DefaultConfig returns a WorkerConfig with production defaults.
func DefaultConfig() WorkerConfig {
	return WorkerConfig{
		PoolSize:                5,
		PollInterval:            time.Second,
		JobTimeout:              2 * time.Minute,
		CleanupInterval:         30 * time.Minute,
		ThoroughCleanupInterval: 2 * time.Hour,
		OrphanAlertThreshold:    10,
		StaleFeedAfter:          24 * time.Hour,
		QueueMaxSize:            1000,
		QueueTTL:                time.Hour,
		QueueMaxRetries:         3,
		QueueBatchSize:          10,
		QueueMessagesPerMinute:  20,
		HealthMetricRetention:   7 * 24 * time.Hour,
		HealthPruneSchedule:     "0 3 * * *",
		HealthPort:              9091,
		MetricsPort:             9090,
	}
}

// Validate checks every field and returns all violations joined.
func (c *WorkerConfig) Validate() error {
	var errs []error
	check := func(field string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}

	check("pool size", config.ValidateIntRange(c.PoolSize, 1, 64))
	check("poll interval", config.ValidateDuration(c.PollInterval, 100*time.Millisecond, time.Minute))
	check("job timeout", config.ValidateDuration(c.JobTimeout, 10*time.Second, 30*time.Minute))
	check("cleanup interval", config.ValidateDuration(c.CleanupInterval, time.Minute, 24*time.Hour))
	check("thorough cleanup interval", config.ValidateDuration(c.ThoroughCleanupInterval, time.Hour, 7*24*time.Hour))
	check("orphan alert threshold", config.ValidateIntRange(c.OrphanAlertThreshold, 1, 10000))
	check("stale feed after", config.ValidateDuration(c.StaleFeedAfter, time.Hour, 30*24*time.Hour))
	check("queue max size", config.ValidateIntRange(c.QueueMaxSize, 1, 100000))
	check("queue ttl", config.ValidatePositiveDuration(c.QueueTTL))
	check("queue max retries", config.ValidateIntRange(c.QueueMaxRetries, 0, 20))
	check("queue batch size", config.ValidateIntRange(c.QueueBatchSize, 1, 100))
	check("queue messages per minute", config.ValidateIntRange(c.QueueMessagesPerMinute, 1, 600))
	check("health metric retention", config.ValidateDuration(c.HealthMetricRetention, time.Hour, 90*24*time.Hour))
	check("health prune schedule", config.ValidateCronSchedule(c.HealthPruneSchedule))
	check("health port", config.ValidateIntRange(c.HealthPort, 1024, 65535))
	check("metrics port", config.ValidateIntRange(c.MetricsPort, 1024, 65535))
	if c.HealthPort == c.MetricsPort {
		errs = append(errs, errors.New("health port and metrics port must differ"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %w", errors.Join(errs...))
	}
	return nil
}

// PoolConfig returns the worker pool settings.
func (c *WorkerConfig) PoolConfig() PoolConfig {
	cfg := DefaultPoolConfig()
	cfg.Workers = c.PoolSize
	cfg.PollInterval = c.PollInterval
	cfg.JobTimeout = c.JobTimeout
	if stale := 2 * c.JobTimeout; stale > cfg.StaleActiveAfter {
		cfg.StaleActiveAfter = stale
	}
	return cfg
}

// ScheduleConfig returns the scheduler settings. Its shard count always
// matches the pool size.
func (c *WorkerConfig) ScheduleConfig() schedule.Config {
	cfg := schedule.DefaultConfig()
	cfg.Workers = c.PoolSize
	cfg.CleanupInterval = c.CleanupInterval
	cfg.ThoroughCleanupInterval = c.ThoroughCleanupInterval
	cfg.OrphanAlertThreshold = c.OrphanAlertThreshold
	cfg.StaleAfter = c.StaleFeedAfter
	return cfg
}

// QueueConfig returns the outbound queue settings.
func (c *WorkerConfig) QueueConfig() delivery.QueueConfig {
	return delivery.QueueConfig{
		MaxSize:    c.QueueMaxSize,
		TTL:        c.QueueTTL,
		MaxRetries: c.QueueMaxRetries,
	}
}

// ProcessorConfig returns the queue processor settings.
func (c *WorkerConfig) ProcessorConfig() delivery.ProcessorConfig {
	cfg := delivery.DefaultProcessorConfig()
	cfg.BatchSize = c.QueueBatchSize
	cfg.MessagesPerMinute = c.QueueMessagesPerMinute
	return cfg
}

// HealthConfig returns the health monitor settings.
func (c *WorkerConfig) HealthConfig() health.Config {
	cfg := health.DefaultConfig()
	cfg.Retention = c.HealthMetricRetention
	cfg.PruneSchedule = c.HealthPruneSchedule
	return cfg
}

// LoadConfigFromEnv loads the worker configuration from environment
// variables. It is fail-open: an invalid value falls back to its default,
// is logged and counted in metrics, and the error is always nil.
//
// Environment variables:
//   - WORKER_POOL_SIZE, WORKER_POLL_INTERVAL, JOB_TIMEOUT
//   - CLEANUP_INTERVAL_MINUTES, THOROUGH_CLEANUP_INTERVAL_HOURS,
//     ORPHAN_ALERT_THRESHOLD, STALE_FEED_AFTER
//   - QUEUE_MAX_SIZE, QUEUE_TTL, QUEUE_MAX_RETRIES, QUEUE_BATCH_SIZE,
//     QUEUE_MESSAGES_PER_MINUTE
//   - HEALTH_METRIC_RETENTION, HEALTH_PRUNE_SCHEDULE
//   - WORKER_HEALTH_PORT, METRICS_PORT
func LoadConfigFromEnv(logger *slog.Logger, metrics *WorkerMetrics) (*WorkerConfig, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := DefaultConfig()
	fallbackApplied := false

	apply := func(field, envKey string, result config.Outcome) {
		if !result.FallbackApplied {
			return
		}
		fallbackApplied = true
		if metrics != nil {
			metrics.RecordFallback(field)
		}
		for _, warning := range result.Warnings {
			logger.Warn("Configuration fallback applied",
				slog.String("field", field),
				slog.String("env_key", envKey),
				slog.String("warning", warning))
		}
	}
	loadInt := func(field, envKey string, target *int, min, max int) {
		result := config.LoadEnvInt(envKey, *target, func(v int) error {
			return config.ValidateIntRange(v, min, max)
		})
		*target = result.Value
		apply(field, envKey, result.Outcome)
	}
	loadDuration := func(field, envKey string, target *time.Duration, min, max time.Duration) {
		result := config.LoadEnvDuration(envKey, *target, func(d time.Duration) error {
			return config.ValidateDuration(d, min, max)
		})
		*target = result.Value
		apply(field, envKey, result.Outcome)
	}

	loadInt("pool_size", "WORKER_POOL_SIZE", &cfg.PoolSize, 1, 64)
	loadDuration("poll_interval", "WORKER_POLL_INTERVAL", &cfg.PollInterval, 100*time.Millisecond, time.Minute)
	loadDuration("job_timeout", "JOB_TIMEOUT", &cfg.JobTimeout, 10*time.Second, 30*time.Minute)

	cleanupMinutes := int(cfg.CleanupInterval / time.Minute)
	loadInt("cleanup_interval", "CLEANUP_INTERVAL_MINUTES", &cleanupMinutes, 1, 1440)
	cfg.CleanupInterval = time.Duration(cleanupMinutes) * time.Minute

	thoroughHours := int(cfg.ThoroughCleanupInterval / time.Hour)
	loadInt("thorough_cleanup_interval", "THOROUGH_CLEANUP_INTERVAL_HOURS", &thoroughHours, 1, 168)
	cfg.ThoroughCleanupInterval = time.Duration(thoroughHours) * time.Hour

	loadInt("orphan_alert_threshold", "ORPHAN_ALERT_THRESHOLD", &cfg.OrphanAlertThreshold, 1, 10000)
	loadDuration("stale_feed_after", "STALE_FEED_AFTER", &cfg.StaleFeedAfter, time.Hour, 30*24*time.Hour)

	loadInt("queue_max_size", "QUEUE_MAX_SIZE", &cfg.QueueMaxSize, 1, 100000)
	loadDuration("queue_ttl", "QUEUE_TTL", &cfg.QueueTTL, time.Minute, 7*24*time.Hour)
	loadInt("queue_max_retries", "QUEUE_MAX_RETRIES", &cfg.QueueMaxRetries, 0, 20)
	loadInt("queue_batch_size", "QUEUE_BATCH_SIZE", &cfg.QueueBatchSize, 1, 100)
	loadInt("queue_messages_per_minute", "QUEUE_MESSAGES_PER_MINUTE", &cfg.QueueMessagesPerMinute, 1, 600)

	loadDuration("health_metric_retention", "HEALTH_METRIC_RETENTION", &cfg.HealthMetricRetention, time.Hour, 90*24*time.Hour)
	result := config.LoadEnvWithFallback("HEALTH_PRUNE_SCHEDULE", cfg.HealthPruneSchedule, config.ValidateCronSchedule)
	cfg.HealthPruneSchedule = result.Value
	apply("health_prune_schedule", "HEALTH_PRUNE_SCHEDULE", result.Outcome)

	loadInt("health_port", "WORKER_HEALTH_PORT", &cfg.HealthPort, 1024, 65535)
	loadInt("metrics_port", "METRICS_PORT", &cfg.MetricsPort, 1024, 65535)
	if cfg.HealthPort == cfg.MetricsPort {
		def := DefaultConfig()
		logger.Warn("Configuration fallback applied",
			slog.String("field", "metrics_port"),
			slog.String("warning", "metrics port collides with health port, using defaults for both"))
		cfg.HealthPort, cfg.MetricsPort = def.HealthPort, def.MetricsPort
		fallbackApplied = true
		if metrics != nil {
			metrics.RecordFallback("metrics_port")
		}
	}

	if metrics != nil {
		metrics.SetFallbackActive(fallbackApplied)
		metrics.RecordLoadTimestamp()
	}
	return &cfg, nil
}
