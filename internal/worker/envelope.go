// Package worker wraps every stage item with the report-and-maybe-advance
// protocol: run the item, count its outcome, and if this report completed
// the stage's fan-in, take the claim and run the coordinator.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"sitepipe/internal/coordinator"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/telemetry"
)

// Store is what the envelope needs from the site store.
type Store interface {
	Increment(ctx context.Context, inc sites.Increment) (sites.IncrementResult, error)
	TryClaim(ctx context.Context, siteID string, st stage.Stage) (bool, error)
}

// Advancer runs a stage transition for a claimed site.
type Advancer interface {
	Advance(ctx context.Context, siteID string, from stage.Stage) (coordinator.Result, error)
}

// Report summarises one envelope run.
type Report struct {
	Outcome   sites.Outcome
	Applied   bool
	Stale     bool
	Claimed   bool
	Advanced  *coordinator.Result
	Deferred  bool
	Diagnosis string
}

// Envelope executes item and coordinate jobs.
type Envelope struct {
	store      Store
	registry   *stage.Registry
	advancer   Advancer
	dispatcher dispatch.Dispatcher
	inline     bool
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option customises an Envelope.
type Option func(*Envelope)

// WithDeferredCoordination makes the claim winner enqueue a coordinate job
// on dispatcher instead of running the coordinator in-line.
func WithDeferredCoordination(dispatcher dispatch.Dispatcher) Option {
	return func(e *Envelope) {
		e.dispatcher = dispatcher
		e.inline = dispatcher == nil
	}
}

// WithMetrics records claim attempts.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Envelope) { e.metrics = m }
}

// New builds an Envelope that coordinates in-line unless configured otherwise.
func New(store Store, registry *stage.Registry, advancer Advancer, logger *slog.Logger, opts ...Option) *Envelope {
	if logger == nil {
		logger = logging.NewNop()
	}
	e := &Envelope{
		store:    store,
		registry: registry,
		advancer: advancer,
		inline:   true,
		logger:   logger.With(logging.String(logging.FieldComponent, "worker")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle implements dispatch.Handler for both job kinds.
func (e *Envelope) Handle(ctx context.Context, job dispatch.Job) error {
	switch job.Kind {
	case dispatch.KindItem:
		_, err := e.HandleItem(ctx, job.Item(), job.DeliveryID)
		return err
	case dispatch.KindCoordinate:
		return e.HandleCoordinate(ctx, job.SiteID, job.Stage)
	default:
		return dispatch.Permanent(fmt.Errorf("unknown job kind %q", job.Kind))
	}
}

// HandleItem runs one item and always reports its outcome. A report against
// a missing site is permanent; a report for a stage the site already left is
// dropped without error.
func (e *Envelope) HandleItem(ctx context.Context, item stage.Item, deliveryID string) (Report, error) {
	logger := logging.WithContext(ctx, e.logger).With(
		logging.String(logging.FieldSiteID, item.SiteID),
		logging.String(logging.FieldStage, string(item.Stage)),
		logging.String(logging.FieldItemKey, item.Key),
	)

	outcome := e.run(ctx, logger, item)
	report := Report{Outcome: sites.OutcomeSuccess}
	if !outcome.Success {
		report.Outcome = sites.OutcomeFailure
		report.Diagnosis = outcome.Diagnostic
	}

	res, err := e.store.Increment(ctx, sites.Increment{
		SiteID:     item.SiteID,
		Stage:      item.Stage,
		ItemKey:    item.Key,
		Outcome:    report.Outcome,
		Diagnostic: outcome.Diagnostic,
		DeliveryID: deliveryID,
	})
	switch {
	case errors.Is(err, sites.ErrSiteNotFound):
		logger.Error("item reported for unknown site",
			logging.Error(err),
			logging.String(logging.FieldEventType, "site_missing"),
			logging.String(logging.FieldErrorHint, "site was deleted or the job references the wrong database"),
		)
		return report, dispatch.Permanent(err)
	case errors.Is(err, sites.ErrStageMismatch):
		logger.Info("stale item report dropped",
			logging.String("current_stage", string(res.Record.CurrentStage)),
			logging.String(logging.FieldEventType, "stale_report"),
		)
		report.Stale = true
		return report, nil
	case err != nil:
		return report, fmt.Errorf("report %s/%s/%s: %w", item.SiteID, item.Stage, item.Key, err)
	}
	report.Applied = res.Applied
	if !res.Applied {
		logger.Debug("duplicate item report absorbed")
	}
	if report.Outcome == sites.OutcomeFailure {
		logger.Warn("item failed",
			logging.String("diagnostic", outcome.Diagnostic),
			logging.String(logging.FieldEventType, "item_failed"),
			logging.String(logging.FieldImpact, "counted as failed; the stage still advances if others produced evidence"),
		)
	}

	// Duplicates re-check the predicate too: the claim CAS is idempotent, and
	// a worker that crashed between counting and claiming is recovered here.
	if !res.Record.FanInComplete() {
		return report, nil
	}
	won, err := e.store.TryClaim(ctx, item.SiteID, item.Stage)
	if err != nil {
		return report, fmt.Errorf("claim %s/%s: %w", item.SiteID, item.Stage, err)
	}
	e.metrics.RecordClaim(ctx, string(item.Stage), won)
	if !won {
		return report, nil
	}
	report.Claimed = true
	logger.Debug("fan-in complete; coordinator claim won")

	if !e.inline && e.dispatcher != nil {
		if _, err := e.dispatcher.Enqueue(ctx, dispatch.CoordinateJob(item.SiteID, item.Stage)); err != nil {
			// claim stays held; the reconciler releases it once stale
			return report, fmt.Errorf("enqueue coordinator for %s: %w", item.SiteID, err)
		}
		report.Deferred = true
		return report, nil
	}
	result, err := e.advancer.Advance(ctx, item.SiteID, item.Stage)
	if err != nil {
		if errors.Is(err, coordinator.ErrNotClaimed) {
			return report, nil
		}
		// The item itself is counted; a retry would only re-run the work.
		logger.Warn("coordinator failed after claim; claim released for retry",
			logging.Error(err),
			logging.String(logging.FieldEventType, "coordinator_failed"),
			logging.String(logging.FieldErrorHint, "the reconciler re-claims the site on its next sweep"),
		)
		return report, nil
	}
	report.Advanced = &result
	return report, nil
}

// HandleCoordinate runs a queued coordinator job. A retry after a failed
// attempt finds the claim released and ends as a no-op.
func (e *Envelope) HandleCoordinate(ctx context.Context, siteID string, st stage.Stage) error {
	_, err := e.advancer.Advance(ctx, siteID, st)
	switch {
	case err == nil, errors.Is(err, coordinator.ErrNotClaimed):
		return nil
	case errors.Is(err, sites.ErrSiteNotFound):
		return dispatch.Permanent(err)
	default:
		return err
	}
}

func (e *Envelope) run(ctx context.Context, logger *slog.Logger, item stage.Item) (outcome stage.Outcome) {
	impl, ok := e.registry.Implementation(item.Stage)
	if !ok {
		logger.Error("no implementation registered for stage",
			logging.String(logging.FieldEventType, "stage_unconfigured"),
			logging.String(logging.FieldErrorHint, "set stages."+string(item.Stage)+".command"),
		)
		return stage.FailedWith("no implementation registered for " + string(item.Stage))
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage implementation panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			outcome = stage.FailedWith(fmt.Sprintf("implementation panic: %v", r))
		}
	}()
	return impl.Run(ctx, item)
}
