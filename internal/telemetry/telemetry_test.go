// ABOUTME: Tests for Prometheus collectors and tracing setup
// ABOUTME: Each test uses its own registry

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.ObserveDecision("assigned", 10*time.Millisecond)
	m.ObserveDecision("assigned", 5*time.Millisecond)
	m.ObserveDecision("no_match", time.Millisecond)
	m.ObserveTransition("completed")
	m.ObserveConflict("version")
	m.ObserveWebhook("task.assigned", "delivered")
	m.ObserveMaintenance("check_timeouts", errors.New("db down"))
	m.ObserveCompletion(true, time.Minute)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.routingDecisions.WithLabelValues("assigned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.routingDecisions.WithLabelValues("no_match")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskTransitions.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts.WithLabelValues("version")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookDeliveries.WithLabelValues("task.assigned", "delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.maintenanceRuns.WithLabelValues("check_timeouts", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.completionDuration))
}

func TestMetrics_ReuseOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := MustNewMetrics(reg)
	second := MustNewMetrics(reg)

	first.ObserveTransition("assigned")
	second.ObserveTransition("assigned")
	assert.Equal(t, 2.0, testutil.ToFloat64(first.taskTransitions.WithLabelValues("assigned")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("assigned", time.Second)
		m.ObserveTransition("pending")
		m.ObserveCompletion(false, time.Second)
		m.ObserveConflict("slot")
		m.ObserveWebhook("task.completed", "failed")
		m.ObserveMaintenance("route_pending", nil)
	})
}

func TestSetupTracing(t *testing.T) {
	ctx := context.Background()

	shutdown, err := SetupTracing(ctx, TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))

	_, err = SetupTracing(ctx, TracingConfig{Enabled: true, Exporter: "jaeger"})
	assert.Error(t, err)

	var buf bytes.Buffer
	shutdown, err = SetupTracing(ctx, TracingConfig{Enabled: true, Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)

	_, span := StartSpan(ctx, "dispatch.route")
	EndSpan(span, errors.New("no agents"))
	require.NoError(t, shutdown(ctx))
	assert.Contains(t, buf.String(), "dispatch.route")

	// Restore the noop provider for other tests
	_, err = SetupTracing(ctx, TracingConfig{})
	require.NoError(t, err)
}
