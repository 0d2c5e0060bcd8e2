// Package telemetry provides OpenTelemetry metrics for the pipeline.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PipelineMeterName is the instrumentation scope for pipeline metrics.
const PipelineMeterName = "sitepipe/pipeline"

// Metrics holds the pipeline instruments. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	claims          metric.Int64Counter
	transitions     metric.Int64Counter
	stageFailures   metric.Int64Counter
	reconcileAction metric.Int64Counter
	jobs            metric.Int64Counter
	sweepDuration   metric.Float64Histogram
}

// NewMetrics creates the pipeline instruments on provider.
// If provider is nil, it returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(PipelineMeterName)

	claims, err := meter.Int64Counter(
		"sitepipe_claims_total",
		metric.WithDescription("Coordinator claim attempts by stage and result"),
		metric.WithUnit("{claim}"),
	)
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter(
		"sitepipe_transitions_total",
		metric.WithDescription("Stage transitions performed by coordinators"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}
	stageFailures, err := meter.Int64Counter(
		"sitepipe_stage_failures_total",
		metric.WithDescription("Sites moved to failed, by the stage that failed"),
		metric.WithUnit("{site}"),
	)
	if err != nil {
		return nil, err
	}
	reconcileAction, err := meter.Int64Counter(
		"sitepipe_reconcile_actions_total",
		metric.WithDescription("Reconciler decisions by action"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, err
	}
	jobs, err := meter.Int64Counter(
		"sitepipe_jobs_total",
		metric.WithDescription("Dispatched jobs processed by kind and result"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}
	sweepDuration, err := meter.Float64Histogram(
		"sitepipe_sweep_duration_seconds",
		metric.WithDescription("Duration of reconciler sweeps in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		claims:          claims,
		transitions:     transitions,
		stageFailures:   stageFailures,
		reconcileAction: reconcileAction,
		jobs:            jobs,
		sweepDuration:   sweepDuration,
	}, nil
}

// RecordClaim counts one claim attempt.
func (m *Metrics) RecordClaim(ctx context.Context, stage string, won bool) {
	if m == nil || m.claims == nil {
		return
	}
	result := "lost"
	if won {
		result = "won"
	}
	m.claims.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("result", result),
	))
}

// RecordTransition counts one stage advance.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordStageFailure counts a site marked failed at stage.
func (m *Metrics) RecordStageFailure(ctx context.Context, stage string) {
	if m == nil || m.stageFailures == nil {
		return
	}
	m.stageFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordReconcileAction counts one reconciler decision.
func (m *Metrics) RecordReconcileAction(ctx context.Context, action string) {
	if m == nil || m.reconcileAction == nil {
		return
	}
	m.reconcileAction.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

// RecordJob counts one processed dispatch job.
func (m *Metrics) RecordJob(ctx context.Context, kind, result string) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}

// RecordSweepDuration records how long one reconciler sweep took.
func (m *Metrics) RecordSweepDuration(ctx context.Context, duration time.Duration) {
	if m == nil || m.sweepDuration == nil {
		return
	}
	m.sweepDuration.Record(ctx, duration.Seconds())
}
