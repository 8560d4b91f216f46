package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cascadehq/cascade/ext"
	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/instance"
	"github.com/cascadehq/cascade/timer"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.InstanceStarted   = (*MetricsExtension)(nil)
	_ ext.InstanceCompleted = (*MetricsExtension)(nil)
	_ ext.InstanceCancelled = (*MetricsExtension)(nil)
	_ ext.StepCompleted     = (*MetricsExtension)(nil)
	_ ext.StepFailed        = (*MetricsExtension)(nil)
	_ ext.StepRetrying      = (*MetricsExtension)(nil)
	_ ext.DeadLettered      = (*MetricsExtension)(nil)
	_ ext.StaleDelivery     = (*MetricsExtension)(nil)
	_ ext.CronFired         = (*MetricsExtension)(nil)
)

// meterName is the instrumentation scope name for the extension.
const meterName = "github.com/cascadehq/cascade/observability"

// MetricsExtension records system-wide lifecycle metrics via the OTel
// metric API. Register it as a Cascade extension to automatically track
// instance throughput, step outcomes, retries, dead letters, stale
// deliveries, and cron fires.
type MetricsExtension struct {
	instancesStarted   metric.Int64Counter
	instancesCompleted metric.Int64Counter
	instancesCancelled metric.Int64Counter
	instanceDuration   metric.Float64Histogram
	stepsCompleted     metric.Int64Counter
	stepsFailed        metric.Int64Counter
	stepsRetried       metric.Int64Counter
	deadLettered       metric.Int64Counter
	staleDeliveries    metric.Int64Counter
	cronFired          metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If none is configured, noop instruments are used.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. This variant allows injecting a specific MeterProvider for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	m := &MetricsExtension{}

	// On error the OTel API returns noop instruments, so the extension
	// degrades gracefully.
	m.instancesStarted, _ = meter.Int64Counter(
		"cascade.instance.started",
		metric.WithDescription("Workflow instances started"),
		metric.WithUnit("{instance}"),
	)
	m.instancesCompleted, _ = meter.Int64Counter(
		"cascade.instance.completed",
		metric.WithDescription("Workflow instances completed"),
		metric.WithUnit("{instance}"),
	)
	m.instancesCancelled, _ = meter.Int64Counter(
		"cascade.instance.cancelled",
		metric.WithDescription("Workflow instances cancelled"),
		metric.WithUnit("{instance}"),
	)
	m.instanceDuration, _ = meter.Float64Histogram(
		"cascade.instance.duration",
		metric.WithDescription("Time from instance creation to completion in seconds"),
		metric.WithUnit("s"),
	)
	m.stepsCompleted, _ = meter.Int64Counter(
		"cascade.step.completed",
		metric.WithDescription("Step deliveries that succeeded"),
		metric.WithUnit("{delivery}"),
	)
	m.stepsFailed, _ = meter.Int64Counter(
		"cascade.step.failed",
		metric.WithDescription("Step deliveries that failed"),
		metric.WithUnit("{delivery}"),
	)
	m.stepsRetried, _ = meter.Int64Counter(
		"cascade.step.retried",
		metric.WithDescription("Step retries scheduled"),
		metric.WithUnit("{retry}"),
	)
	m.deadLettered, _ = meter.Int64Counter(
		"cascade.step.dead_lettered",
		metric.WithDescription("Steps recorded in the dead letter queue"),
		metric.WithUnit("{entry}"),
	)
	m.staleDeliveries, _ = meter.Int64Counter(
		"cascade.delivery.stale",
		metric.WithDescription("Deliveries discarded because the instance was gone or completed"),
		metric.WithUnit("{delivery}"),
	)
	m.cronFired, _ = meter.Int64Counter(
		"cascade.cron.fired",
		metric.WithDescription("Cron entries fired"),
		metric.WithUnit("{fire}"),
	)

	return m
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func instanceAttrs(inst *instance.Instance) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow_type", inst.Type))
}

func stepAttrs(inv *timer.Invocation) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("workflow_type", inv.WorkflowType),
		attribute.String("step_id", inv.StepID),
	)
}

// ── Instance lifecycle hooks ────────────────────────

// OnInstanceStarted implements ext.InstanceStarted.
func (m *MetricsExtension) OnInstanceStarted(ctx context.Context, inst *instance.Instance) error {
	m.instancesStarted.Add(ctx, 1, instanceAttrs(inst))
	return nil
}

// OnInstanceCompleted implements ext.InstanceCompleted.
func (m *MetricsExtension) OnInstanceCompleted(ctx context.Context, inst *instance.Instance, elapsed time.Duration) error {
	m.instancesCompleted.Add(ctx, 1, instanceAttrs(inst))
	m.instanceDuration.Record(ctx, elapsed.Seconds(), instanceAttrs(inst))
	return nil
}

// OnInstanceCancelled implements ext.InstanceCancelled.
func (m *MetricsExtension) OnInstanceCancelled(ctx context.Context, inst *instance.Instance) error {
	m.instancesCancelled.Add(ctx, 1, instanceAttrs(inst))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

// OnStepCompleted implements ext.StepCompleted.
func (m *MetricsExtension) OnStepCompleted(ctx context.Context, inv *timer.Invocation, _ int, _ time.Duration) error {
	m.stepsCompleted.Add(ctx, 1, stepAttrs(inv))
	return nil
}

// OnStepFailed implements ext.StepFailed.
func (m *MetricsExtension) OnStepFailed(ctx context.Context, inv *timer.Invocation, _ int, _ error) error {
	m.stepsFailed.Add(ctx, 1, stepAttrs(inv))
	return nil
}

// OnStepRetrying implements ext.StepRetrying.
func (m *MetricsExtension) OnStepRetrying(ctx context.Context, inv *timer.Invocation, _ int, _ time.Time) error {
	m.stepsRetried.Add(ctx, 1, stepAttrs(inv))
	return nil
}

// OnDeadLettered implements ext.DeadLettered.
func (m *MetricsExtension) OnDeadLettered(ctx context.Context, inv *timer.Invocation, _ error) error {
	m.deadLettered.Add(ctx, 1, stepAttrs(inv))
	return nil
}

// OnStaleDelivery implements ext.StaleDelivery.
func (m *MetricsExtension) OnStaleDelivery(ctx context.Context, inv *timer.Invocation) error {
	m.staleDeliveries.Add(ctx, 1, stepAttrs(inv))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.InstanceID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("entry", entryName)))
	return nil
}
