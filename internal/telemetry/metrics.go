package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce      sync.Once
	activityCounter  metric.Int64Counter
	activityDuration metric.Float64Histogram
	approvalCounter  metric.Int64Counter
	workflowCounter  metric.Int64Counter
)

// Meter returns the homeos meter from the global provider.
func Meter() metric.Meter { return otel.Meter(instrumentation) }

// InitMetrics creates the instruments. Safe to call more than once.
func InitMetrics() error {
	var err error
	metricsOnce.Do(func() {
		m := Meter()
		if activityCounter, err = m.Int64Counter("homeos_activity_attempts_total",
			metric.WithDescription("Activity attempts by activity and outcome")); err != nil {
			return
		}
		if activityDuration, err = m.Float64Histogram("homeos_activity_duration_seconds",
			metric.WithDescription("Activity attempt duration in seconds")); err != nil {
			return
		}
		if approvalCounter, err = m.Int64Counter("homeos_approvals_total",
			metric.WithDescription("Approval requests by outcome")); err != nil {
			return
		}
		workflowCounter, err = m.Int64Counter("homeos_workflow_transitions_total",
			metric.WithDescription("Workflow status transitions by type and status"))
	})
	return err
}

// RecordActivityAttempt counts one attempt and its duration.
func RecordActivityAttempt(ctx context.Context, activity, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(AttrActivity.String(activity), AttrOutcome.String(outcome))
	if activityCounter != nil {
		activityCounter.Add(ctx, 1, attrs)
	}
	if activityDuration != nil {
		activityDuration.Record(ctx, d.Seconds(), attrs)
	}
}

// RecordApproval counts one approval lifecycle outcome (requested, approved, denied, expired).
func RecordApproval(ctx context.Context, outcome string) {
	if approvalCounter != nil {
		approvalCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome)))
	}
}

// RecordWorkflowTransition counts one workflow status change.
func RecordWorkflowTransition(ctx context.Context, workflowType, status string) {
	if workflowCounter != nil {
		workflowCounter.Add(ctx, 1, metric.WithAttributes(AttrWorkflowType.String(workflowType), AttrOutcome.String(status)))
	}
}
