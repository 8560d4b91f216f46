package observability_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/observability"
	"github.com/cascadehq/cascade/timer"
)

func setupExtension() (*observability.MetricsExtension, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := observability.NewMetricsExtensionWithMeter(mp.Meter("test"))
	return m, reader
}

func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != name {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func testInstance() *instance.Instance {
	return &instance.Instance{
		ID:     id.NewInstanceID(),
		Type:   "order-pipeline",
		Status: instance.StatusRunning,
	}
}

func testInvocation() *timer.Invocation {
	return &timer.Invocation{
		ID:           id.NewInvocationID(),
		InstanceID:   id.NewInstanceID(),
		WorkflowType: "order-pipeline",
		StepID:       "charge",
	}
}

func TestMetricsExtension_InstanceLifecycle(t *testing.T) {
	m, reader := setupExtension()
	ctx := context.Background()
	inst := testInstance()

	if err := m.OnInstanceStarted(ctx, inst); err != nil {
		t.Fatalf("OnInstanceStarted: %v", err)
	}
	if err := m.OnInstanceStarted(ctx, inst); err != nil {
		t.Fatalf("OnInstanceStarted: %v", err)
	}
	if err := m.OnInstanceCompleted(ctx, inst, 3*time.Second); err != nil {
		t.Fatalf("OnInstanceCompleted: %v", err)
	}
	if err := m.OnInstanceCancelled(ctx, inst); err != nil {
		t.Fatalf("OnInstanceCancelled: %v", err)
	}

	if got := counterValue(t, reader, "cascade.instance.started"); got != 2 {
		t.Errorf("instance.started = %d, want 2", got)
	}
	if got := counterValue(t, reader, "cascade.instance.completed"); got != 1 {
		t.Errorf("instance.completed = %d, want 1", got)
	}
	if got := counterValue(t, reader, "cascade.instance.cancelled"); got != 1 {
		t.Errorf("instance.cancelled = %d, want 1", got)
	}
}

func TestMetricsExtension_InstanceDurationHistogram(t *testing.T) {
	m, reader := setupExtension()

	if err := m.OnInstanceCompleted(context.Background(), testInstance(), 1500*time.Millisecond); err != nil {
		t.Fatalf("OnInstanceCompleted: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "cascade.instance.duration" {
				continue
			}
			hist, ok := metric.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatal("expected Histogram[float64] data type")
			}
			if len(hist.DataPoints) == 0 {
				t.Fatal("no data points recorded")
			}
			dp := hist.DataPoints[0]
			if dp.Count != 1 {
				t.Errorf("count = %d, want 1", dp.Count)
			}
			if dp.Sum < 1.4 || dp.Sum > 1.6 {
				t.Errorf("sum = %f, want ~1.5", dp.Sum)
			}
			return
		}
	}
	t.Fatal("cascade.instance.duration metric not found")
}

func TestMetricsExtension_StepOutcomes(t *testing.T) {
	m, reader := setupExtension()
	ctx := context.Background()
	inv := testInvocation()

	stepErr := errors.New("gateway timeout")
	if err := m.OnStepCompleted(ctx, inv, 1, 50*time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}
	if err := m.OnStepCompleted(ctx, inv, 2, 50*time.Millisecond); err != nil {
		t.Fatalf("OnStepCompleted: %v", err)
	}
	if err := m.OnStepFailed(ctx, inv, 1, stepErr); err != nil {
		t.Fatalf("OnStepFailed: %v", err)
	}
	if err := m.OnStepRetrying(ctx, inv, 1, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("OnStepRetrying: %v", err)
	}
	if err := m.OnDeadLettered(ctx, inv, stepErr); err != nil {
		t.Fatalf("OnDeadLettered: %v", err)
	}
	if err := m.OnStaleDelivery(ctx, inv); err != nil {
		t.Fatalf("OnStaleDelivery: %v", err)
	}

	want := map[string]int64{
		"cascade.step.completed":     2,
		"cascade.step.failed":        1,
		"cascade.step.retried":       1,
		"cascade.step.dead_lettered": 1,
		"cascade.delivery.stale":     1,
	}
	for name, n := range want {
		if got := counterValue(t, reader, name); got != n {
			t.Errorf("%s = %d, want %d", name, got, n)
		}
	}
}

func TestMetricsExtension_CronFired(t *testing.T) {
	m, reader := setupExtension()

	if err := m.OnCronFired(context.Background(), "nightly-report", id.NewInstanceID()); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if metric.Name != "cascade.cron.fired" {
				continue
			}
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("expected Sum[int64] data type")
			}
			if len(sum.DataPoints) != 1 {
				t.Fatalf("data points = %d, want 1", len(sum.DataPoints))
			}
			dp := sum.DataPoints[0]
			if dp.Value != 1 {
				t.Errorf("value = %d, want 1", dp.Value)
			}
			entry, ok := dp.Attributes.Value(attribute.Key("entry"))
			if !ok || entry.AsString() != "nightly-report" {
				t.Errorf("entry attribute = %v, want %q", entry, "nightly-report")
			}
			return
		}
	}
	t.Fatal("cascade.cron.fired metric not found")
}
