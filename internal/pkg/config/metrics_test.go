package config

import (
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// Each test registers its own component name; the default registry
// rejects duplicates.

func TestNewConfigMetrics(t *testing.T) {
	metrics := NewConfigMetrics("test_component")

	assert.NotNil(t, metrics.LoadTimestamp)
	assert.NotNil(t, metrics.ValidationErrorsTotal)
	assert.NotNil(t, metrics.FallbacksTotal)
	assert.NotNil(t, metrics.FallbackActive)

	expected := `
		# HELP test_component_config_fallback_active 1 if any test_component configuration fallback is active, 0 otherwise
		# TYPE test_component_config_fallback_active gauge
		test_component_config_fallback_active 0
	`
	assert.NoError(t, testutil.CollectAndCompare(metrics.FallbackActive, strings.NewReader(expected)))
}

func TestConfigMetrics_DuplicateComponentPanics(t *testing.T) {
	NewConfigMetrics("test_duplicate")

	assert.Panics(t, func() { NewConfigMetrics("test_duplicate") })
}

func TestConfigMetrics_RecordLoadTimestamp(t *testing.T) {
	metrics := NewConfigMetrics("test_load_timestamp")

	metrics.RecordLoadTimestamp()

	assert.Greater(t, testutil.ToFloat64(metrics.LoadTimestamp), float64(0))
}

func TestConfigMetrics_RecordFallback(t *testing.T) {
	metrics := NewConfigMetrics("test_fallback")

	metrics.RecordFallback("pool_size")
	metrics.RecordFallback("pool_size")
	metrics.RecordFallback("queue_ttl")

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("pool_size")))
	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.ValidationErrorsTotal.WithLabelValues("pool_size")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("queue_ttl")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.FallbacksTotal))
}

func TestConfigMetrics_SetFallbackActive(t *testing.T) {
	metrics := NewConfigMetrics("test_fallback_active")

	metrics.SetFallbackActive(true)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FallbackActive))

	metrics.SetFallbackActive(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.FallbackActive))
}

func TestConfigMetrics_ConcurrentRecording(t *testing.T) {
	metrics := NewConfigMetrics("test_concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			metrics.RecordFallback("job_timeout")
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(50), testutil.ToFloat64(metrics.FallbacksTotal.WithLabelValues("job_timeout")))
}
