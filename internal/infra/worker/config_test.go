package worker

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// Prometheus metrics can only be registered once per process, and the
// worker creates its metrics once at startup, so tests share one instance.
var globalTestMetrics = NewWorkerMetrics()

var workerEnvKeys = []string{
	"WORKER_POOL_SIZE", "WORKER_POLL_INTERVAL", "JOB_TIMEOUT",
	"CLEANUP_INTERVAL_MINUTES", "THOROUGH_CLEANUP_INTERVAL_HOURS", "ORPHAN_ALERT_THRESHOLD", "STALE_FEED_AFTER",
	"QUEUE_MAX_SIZE", "QUEUE_TTL", "QUEUE_MAX_RETRIES", "QUEUE_BATCH_SIZE", "QUEUE_MESSAGES_PER_MINUTE",
	"HEALTH_METRIC_RETENTION", "HEALTH_PRUNE_SCHEDULE", "WORKER_HEALTH_PORT", "METRICS_PORT",
}

// clearWorkerEnv blanks every worker variable for the duration of the test.
func clearWorkerEnv(t *testing.T) {
	t.Helper()
	for _, key := range workerEnvKeys {
		t.Setenv(key, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("expected PoolSize 5, got %d", cfg.PoolSize)
	}
	if cfg.JobTimeout != 2*time.Minute {
		t.Errorf("expected JobTimeout 2m, got %v", cfg.JobTimeout)
	}
	if cfg.QueueMessagesPerMinute != 20 {
		t.Errorf("expected QueueMessagesPerMinute 20, got %d", cfg.QueueMessagesPerMinute)
	}
	if cfg.HealthMetricRetention != 168*time.Hour {
		t.Errorf("expected HealthMetricRetention 168h, got %v", cfg.HealthMetricRetention)
	}
}

func TestWorkerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*WorkerConfig)
		wantErr string
	}{
		{name: "valid", mutate: func(*WorkerConfig) {}},
		{name: "pool size zero", mutate: func(c *WorkerConfig) { c.PoolSize = 0 }, wantErr: "pool size"},
		{name: "job timeout too short", mutate: func(c *WorkerConfig) { c.JobTimeout = time.Second }, wantErr: "job timeout"},
		{name: "negative queue ttl", mutate: func(c *WorkerConfig) { c.QueueTTL = -time.Minute }, wantErr: "queue ttl"},
		{name: "batch too large", mutate: func(c *WorkerConfig) { c.QueueBatchSize = 500 }, wantErr: "queue batch size"},
		{name: "bad prune schedule", mutate: func(c *WorkerConfig) { c.HealthPruneSchedule = "daily" }, wantErr: "health prune schedule"},
		{name: "privileged port", mutate: func(c *WorkerConfig) { c.HealthPort = 80 }, wantErr: "health port"},
		{name: "port collision", mutate: func(c *WorkerConfig) { c.MetricsPort = c.HealthPort }, wantErr: "must differ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()

			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWorkerConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 0
	cfg.QueueBatchSize = 0

	err := cfg.Validate()

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"pool size", "queue batch size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error to mention %q, got %v", want, err)
		}
	}
}

func TestWorkerConfig_DerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PoolSize = 8
	cfg.JobTimeout = 10 * time.Minute
	cfg.StaleFeedAfter = 12 * time.Hour
	cfg.QueueBatchSize = 4

	pool := cfg.PoolConfig()
	if pool.Workers != 8 {
		t.Errorf("expected 8 pool workers, got %d", pool.Workers)
	}
	if pool.StaleActiveAfter != 20*time.Minute {
		t.Errorf("expected stale active after 20m, got %v", pool.StaleActiveAfter)
	}

	sched := cfg.ScheduleConfig()
	if sched.Workers != pool.Workers {
		t.Errorf("expected scheduler shards %d to match pool, got %d", pool.Workers, sched.Workers)
	}
	if sched.StaleAfter != 12*time.Hour {
		t.Errorf("expected stale after 12h, got %v", sched.StaleAfter)
	}

	if got := cfg.ProcessorConfig().BatchSize; got != 4 {
		t.Errorf("expected batch size 4, got %d", got)
	}
	if got := cfg.QueueConfig().MaxSize; got != 1000 {
		t.Errorf("expected queue max size 1000, got %d", got)
	}
	if got := cfg.HealthConfig().Retention; got != cfg.HealthMetricRetention {
		t.Errorf("expected retention %v, got %v", cfg.HealthMetricRetention, got)
	}
}

func TestLoadConfigFromEnv_AllEnvVarsValid(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "10")
	t.Setenv("WORKER_POLL_INTERVAL", "500ms")
	t.Setenv("JOB_TIMEOUT", "5m")
	t.Setenv("CLEANUP_INTERVAL_MINUTES", "15")
	t.Setenv("THOROUGH_CLEANUP_INTERVAL_HOURS", "6")
	t.Setenv("QUEUE_TTL", "30m")
	t.Setenv("QUEUE_MESSAGES_PER_MINUTE", "60")
	t.Setenv("WORKER_HEALTH_PORT", "8081")
	t.Setenv("METRICS_PORT", "8082")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg, err := LoadConfigFromEnv(logger, globalTestMetrics)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cfg.PoolSize != 10 {
		t.Errorf("Expected PoolSize 10, got %d", cfg.PoolSize)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("Expected PollInterval 500ms, got %v", cfg.PollInterval)
	}
	if cfg.JobTimeout != 5*time.Minute {
		t.Errorf("Expected JobTimeout 5m, got %v", cfg.JobTimeout)
	}
	if cfg.CleanupInterval != 15*time.Minute {
		t.Errorf("Expected CleanupInterval 15m, got %v", cfg.CleanupInterval)
	}
	if cfg.ThoroughCleanupInterval != 6*time.Hour {
		t.Errorf("Expected ThoroughCleanupInterval 6h, got %v", cfg.ThoroughCleanupInterval)
	}
	if cfg.QueueTTL != 30*time.Minute {
		t.Errorf("Expected QueueTTL 30m, got %v", cfg.QueueTTL)
	}
	if cfg.QueueMessagesPerMinute != 60 {
		t.Errorf("Expected QueueMessagesPerMinute 60, got %d", cfg.QueueMessagesPerMinute)
	}
	if cfg.HealthPort != 8081 || cfg.MetricsPort != 8082 {
		t.Errorf("Expected ports 8081/8082, got %d/%d", cfg.HealthPort, cfg.MetricsPort)
	}
	if buf.Len() > 0 {
		t.Errorf("Expected no warnings, got: %s", buf.String())
	}
	if got := testutil.ToFloat64(globalTestMetrics.FallbackActive); got != 0 {
		t.Errorf("Expected fallback inactive, got %v", got)
	}
}

func TestLoadConfigFromEnv_MissingEnvVars(t *testing.T) {
	clearWorkerEnv(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	cfg, err := LoadConfigFromEnv(logger, globalTestMetrics)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if *cfg != DefaultConfig() {
		t.Errorf("Expected defaults, got %+v", *cfg)
	}
	if buf.Len() > 0 {
		t.Errorf("Expected no warnings, got: %s", buf.String())
	}
}

func TestLoadConfigFromEnv_InvalidValuesFallBack(t *testing.T) {
	tests := []struct {
		name   string
		key    string
		value  string
		field  string
		verify func(*WorkerConfig) bool
	}{
		{
			name: "pool size out of range", key: "WORKER_POOL_SIZE", value: "500", field: "pool_size",
			verify: func(c *WorkerConfig) bool { return c.PoolSize == 5 },
		},
		{
			name: "unparseable job timeout", key: "JOB_TIMEOUT", value: "soon", field: "job_timeout",
			verify: func(c *WorkerConfig) bool { return c.JobTimeout == 2*time.Minute },
		},
		{
			name: "cleanup minutes zero", key: "CLEANUP_INTERVAL_MINUTES", value: "0", field: "cleanup_interval",
			verify: func(c *WorkerConfig) bool { return c.CleanupInterval == 30*time.Minute },
		},
		{
			name: "queue size not a number", key: "QUEUE_MAX_SIZE", value: "lots", field: "queue_max_size",
			verify: func(c *WorkerConfig) bool { return c.QueueMaxSize == 1000 },
		},
		{
			name: "bad prune schedule", key: "HEALTH_PRUNE_SCHEDULE", value: "every day", field: "health_prune_schedule",
			verify: func(c *WorkerConfig) bool { return c.HealthPruneSchedule == "0 3 * * *" },
		},
		{
			name: "colliding ports", key: "METRICS_PORT", value: "9091", field: "metrics_port",
			verify: func(c *WorkerConfig) bool { return c.HealthPort == 9091 && c.MetricsPort == 9090 },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearWorkerEnv(t)
			t.Setenv(tt.key, tt.value)

			var buf bytes.Buffer
			logger := slog.New(slog.NewJSONHandler(&buf, nil))
			before := testutil.ToFloat64(globalTestMetrics.FallbacksTotal.WithLabelValues(tt.field))

			cfg, err := LoadConfigFromEnv(logger, globalTestMetrics)

			if err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
			if !tt.verify(cfg) {
				t.Errorf("Expected default for %s, got %+v", tt.key, *cfg)
			}
			if !strings.Contains(buf.String(), "Configuration fallback applied") {
				t.Errorf("Expected fallback warning, got: %s", buf.String())
			}
			after := testutil.ToFloat64(globalTestMetrics.FallbacksTotal.WithLabelValues(tt.field))
			if after != before+1 {
				t.Errorf("Expected fallback counter for %s to increase by 1, got %v -> %v", tt.field, before, after)
			}
			if got := testutil.ToFloat64(globalTestMetrics.FallbackActive); got != 1 {
				t.Errorf("Expected fallback active, got %v", got)
			}
		})
	}
}

func TestLoadConfigFromEnv_NilMetrics(t *testing.T) {
	clearWorkerEnv(t)
	t.Setenv("WORKER_POOL_SIZE", "-1")

	cfg, err := LoadConfigFromEnv(nil, nil)

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("Expected default PoolSize, got %d", cfg.PoolSize)
	}
}
