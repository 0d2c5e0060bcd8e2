// Package coordinator performs the per-site stage transition once fan-in
// completes: it checks evidence, plans the next stage, advances the record
// and dispatches the next stage's items.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/notifications"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/telemetry"
)

// ErrNotClaimed means the caller does not hold the claim for the stage any
// more (or the site already moved on). Retrying is harmless.
var ErrNotClaimed = errors.New("coordinator claim not held")

// Store is the slice of the site store the coordinator writes through.
type Store interface {
	Get(ctx context.Context, id string) (sites.Record, error)
	Advance(ctx context.Context, t sites.Transition) (sites.Record, error)
	MarkFailed(ctx context.Context, siteID string, from stage.Stage, message string) (sites.Record, error)
	ReleaseClaim(ctx context.Context, siteID string, st stage.Stage) (bool, error)
}

// Outcome names what a coordinator run did to the site.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Result describes one finished transition.
type Result struct {
	From       stage.Stage
	To         stage.Stage
	Outcome    Outcome
	Dispatched int
	Record     sites.Record
}

// Coordinator runs stage transitions for claimed sites.
type Coordinator struct {
	store        Store
	registry     *stage.Registry
	planner      *stage.Planner
	dispatcher   dispatch.Dispatcher
	minArtifacts int
	logger       *slog.Logger
	metrics      *telemetry.Metrics
	notifier     notifications.Service
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithMinArtifacts sets how much evidence a stage must leave to count as
// having produced output.
func WithMinArtifacts(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.minArtifacts = n
		}
	}
}

// WithMetrics records transitions and failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier publishes an alert when a site completes or fails.
func WithNotifier(n notifications.Service) Option {
	return func(c *Coordinator) { c.notifier = n }
}

// New builds a Coordinator.
func New(store Store, registry *stage.Registry, planner *stage.Planner, dispatcher dispatch.Dispatcher, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	c := &Coordinator{
		store:        store,
		registry:     registry,
		planner:      planner,
		dispatcher:   dispatcher,
		minArtifacts: 1,
		logger:       logger.With(logging.String(logging.FieldComponent, "coordinator")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Advance moves siteID out of from. The caller must hold the coordinator
// claim for from. Any error before the transition is written releases the
// claim so a later attempt can retry; dispatch errors after the transition
// are logged and left for the reconciler.
func (c *Coordinator) Advance(ctx context.Context, siteID string, from stage.Stage) (Result, error) {
	logger := logging.WithContext(ctx, c.logger).With(
		logging.String(logging.FieldSiteID, siteID),
		logging.String(logging.FieldStage, string(from)),
	)

	rec, err := c.store.Get(ctx, siteID)
	if err != nil {
		return Result{}, err
	}
	if rec.CurrentStage != from || !rec.CoordinatorClaimed {
		logger.Debug("coordinator skipped; claim not held",
			logging.String("current_stage", string(rec.CurrentStage)),
			logging.Bool("claimed", rec.CoordinatorClaimed),
		)
		return Result{}, fmt.Errorf("site %s at %s: %w", siteID, from, ErrNotClaimed)
	}
	next, ok := from.Next()
	if !ok {
		c.release(ctx, logger, siteID, from)
		return Result{}, fmt.Errorf("site %s: %s has no successor", siteID, from)
	}

	artifacts, err := c.evidence(ctx, siteID, from)
	if err != nil {
		c.release(ctx, logger, siteID, from)
		return Result{}, err
	}
	if len(artifacts) < c.minArtifacts {
		return c.fail(ctx, logger, rec, from, noEvidenceMessage(rec, from, len(artifacts), c.minArtifacts))
	}

	var items []stage.Item
	if next != stage.Completed {
		items, err = c.planner.Plan(stage.PlanRequest{
			SiteID:   siteID,
			Source:   rec.Source,
			Stage:    next,
			Previous: artifacts,
		})
		if errors.Is(err, stage.ErrEmptyPlan) {
			return c.fail(ctx, logger, rec, from, fmt.Sprintf("nothing to dispatch for %s: %v", next, err))
		}
		if err != nil {
			c.release(ctx, logger, siteID, from)
			return Result{}, err
		}
	}

	advanced, err := c.store.Advance(ctx, sites.Transition{SiteID: siteID, From: from, To: next, NextTotal: len(items)})
	if err != nil {
		if errors.Is(err, sites.ErrClaimLost) || errors.Is(err, sites.ErrStageMismatch) {
			return Result{}, fmt.Errorf("advance site %s: %w", siteID, errors.Join(ErrNotClaimed, err))
		}
		c.release(ctx, logger, siteID, from)
		return Result{}, err
	}
	c.metrics.RecordTransition(ctx, string(from), string(next))

	result := Result{From: from, To: next, Outcome: OutcomeAdvanced, Record: advanced}
	if next == stage.Completed {
		result.Outcome = OutcomeCompleted
		logger.Info("site completed",
			logging.String(logging.FieldEventType, "site_completed"),
			logging.Int("artifacts", len(artifacts)),
		)
		c.notify(ctx, logger, notifications.EventSiteCompleted, notifications.Payload{
			SiteID: siteID,
			Source: rec.Source,
			Stage:  string(from),
		})
		return result, nil
	}

	for _, item := range items {
		if _, err := c.dispatcher.Enqueue(ctx, dispatch.ItemJob(item)); err != nil {
			logger.Warn("dispatch failed; reconciler will re-dispatch",
				logging.Error(err),
				logging.String(logging.FieldItemKey, item.Key),
				logging.String(logging.FieldEventType, "dispatch_failed"),
				logging.String(logging.FieldErrorHint, "check the job queue database"),
			)
			continue
		}
		result.Dispatched++
	}
	logger.Info("stage advanced",
		logging.String(logging.FieldEventType, "stage_advanced"),
		logging.String("next_stage", string(next)),
		logging.Int("items", len(items)),
		logging.Int("dispatched", result.Dispatched),
		logging.Int("artifacts", len(artifacts)),
	)
	return result, nil
}

func (c *Coordinator) evidence(ctx context.Context, siteID string, st stage.Stage) ([]string, error) {
	source, ok := c.registry.Evidence(st)
	if !ok {
		return nil, stage.Wrap(stage.ErrConfiguration, st, "evidence", "no evidence source registered", nil)
	}
	artifacts, err := source.Artifacts(ctx, siteID, st)
	if err != nil {
		return nil, stage.Wrap(stage.ErrEvidence, st, "evidence", "enumerate artifacts for "+siteID, err)
	}
	return artifacts, nil
}

func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, rec sites.Record, from stage.Stage, message string) (Result, error) {
	failed, err := c.store.MarkFailed(ctx, rec.ID, from, message)
	if err != nil {
		if errors.Is(err, sites.ErrStageMismatch) {
			return Result{}, fmt.Errorf("mark site %s failed: %w", rec.ID, errors.Join(ErrNotClaimed, err))
		}
		c.release(ctx, logger, rec.ID, from)
		return Result{}, err
	}
	c.metrics.RecordStageFailure(ctx, string(from))
	logger.Error("site failed",
		logging.String(logging.FieldEventType, "site_failed"),
		logging.String(logging.FieldErrorHint, "inspect the stage's artifacts and item diagnostics"),
		logging.String("reason", message),
	)
	c.notify(ctx, logger, notifications.EventSiteFailed, notifications.Payload{
		SiteID:  rec.ID,
		Source:  rec.Source,
		Stage:   string(from),
		Message: message,
	})
	return Result{From: from, To: stage.Failed, Outcome: OutcomeFailed, Record: failed}, nil
}

func (c *Coordinator) notify(ctx context.Context, logger *slog.Logger, event notifications.Event, p notifications.Payload) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Publish(context.WithoutCancel(ctx), event, p); err != nil {
		logger.Warn("notification failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "notify_failed"),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
		)
	}
}

func (c *Coordinator) release(ctx context.Context, logger *slog.Logger, siteID string, st stage.Stage) {
	if _, err := c.store.ReleaseClaim(context.WithoutCancel(ctx), siteID, st); err != nil {
		logger.Warn("release claim failed; reconciler will release it once stale",
			logging.Error(err),
			logging.String(logging.FieldEventType, "claim_release_failed"),
		)
	}
}

func noEvidenceMessage(rec sites.Record, st stage.Stage, found, needed int) string {
	counters := rec.Counters[st]
	msg := fmt.Sprintf("%s left %d artifacts (need %d); %d of %d items failed",
		st, found, needed, counters.Failed, counters.Total)
	if rec.LastErrorMessage != "" && rec.LastErrorStage == st {
		msg += "; last error: " + rec.LastErrorMessage
	}
	return msg
}
