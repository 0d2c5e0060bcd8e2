// Package reconcile repairs sites that stopped making progress: lost
// reports, crashed coordinators and abandoned jobs. Every write it makes is
// a conditional write, so overlapping sweeps and live workers are safe.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sitepipe/internal/coordinator"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/telemetry"
)

// Store is the slice of the site store the reconciler reads and corrects.
type Store interface {
	Get(ctx context.Context, id string) (sites.Record, error)
	ListStale(ctx context.Context, cutoff time.Time) ([]sites.Record, error)
	ReportedKeys(ctx context.Context, siteID string, st stage.Stage) (map[string]sites.Outcome, error)
	TryClaim(ctx context.Context, siteID string, st stage.Stage) (bool, error)
	ReleaseStaleClaim(ctx context.Context, siteID string, st stage.Stage, cutoff time.Time) (bool, error)
	Reconcile(ctx context.Context, c sites.Correction) (sites.Record, error)
}

// JobTracker reports outstanding work for a site's stage.
type JobTracker interface {
	ActiveFor(ctx context.Context, siteID string, st stage.Stage) (int, error)
}

// Advancer runs the stage coordinator for a claimed site.
type Advancer interface {
	Advance(ctx context.Context, siteID string, from stage.Stage) (coordinator.Result, error)
}

// Config holds the reconciler tunables.
type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Examined int
	Actions  map[Action]int
	Errors   int
	Duration time.Duration
}

// Reconciler periodically sweeps stale sites.
type Reconciler struct {
	store      Store
	jobs       JobTracker
	dispatcher dispatch.Dispatcher
	registry   *stage.Registry
	planner    *stage.Planner
	advancer   Advancer
	cfg        Config
	now        func() time.Time
	logger     *slog.Logger
	metrics    *telemetry.Metrics
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records decisions and sweep durations.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// New builds a Reconciler.
func New(store Store, jobs JobTracker, dispatcher dispatch.Dispatcher, registry *stage.Registry, planner *stage.Planner, advancer Advancer, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	r := &Reconciler{
		store:      store,
		jobs:       jobs,
		dispatcher: dispatcher,
		registry:   registry,
		planner:    planner,
		advancer:   advancer,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger.With(logging.String(logging.FieldComponent, "reconciler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run sweeps immediately and then every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Error("reconciler sweep failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "sweep_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep processes every stale non-terminal site once, sequentially.
// Per-site errors are logged and counted; only listing failures abort.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	start := r.now()
	report := SweepReport{Actions: make(map[Action]int)}
	stale, err := r.store.ListStale(ctx, r.cutoff())
	if err != nil {
		return report, fmt.Errorf("list stale sites: %w", err)
	}
	for _, rec := range stale {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Examined++
		action, err := r.ProcessSite(ctx, rec)
		report.Actions[action]++
		if err != nil {
			report.Errors++
			r.logger.Warn("reconcile site failed",
				logging.Error(err),
				logging.String(logging.FieldSiteID, rec.ID),
				logging.String(logging.FieldStage, string(rec.CurrentStage)),
				logging.String("action", string(action)),
				logging.String(logging.FieldEventType, "reconcile_site_failed"),
			)
		}
	}
	report.Duration = r.now().Sub(start)
	r.metrics.RecordSweepDuration(ctx, report.Duration)
	if report.Examined > 0 {
		r.logger.Info("reconciler sweep finished",
			logging.Int("examined", report.Examined),
			logging.Int("errors", report.Errors),
			logging.Any("actions", report.Actions),
		)
	}
	return report, nil
}

func (r *Reconciler) cutoff() time.Time {
	return r.now().Add(-r.cfg.StaleAfter)
}

// ProcessSite applies one corrective action to a site already known to be
// stale. A released claim is re-examined straight away, so a crashed
// coordinator costs one sweep, not two.
func (r *Reconciler) ProcessSite(ctx context.Context, rec sites.Record) (Action, error) {
	logger := r.logger.With(
		logging.String(logging.FieldSiteID, rec.ID),
		logging.String(logging.FieldStage, string(rec.CurrentStage)),
	)
	for pass := 0; pass < 2; pass++ {
		obs, err := r.observe(ctx, rec)
		if err != nil {
			return ActionNone, err
		}
		decision := Decide(obs)
		r.metrics.RecordReconcileAction(ctx, string(decision.Action))
		if decision.Action != ActionNone {
			logger.Info("reconciler acting on stale site",
				logging.String("action", string(decision.Action)),
				logging.String("reason", decision.Reason),
				logging.String(logging.FieldEventType, "reconcile_"+string(decision.Action)),
			)
		}

		if decision.PlanDrift {
			counters := rec.Active()
			logging.WarnWithContext(logger, "stale site cannot be repaired automatically", "reconcile_plan_drift",
				logging.String("reason", decision.Reason),
				logging.Int("total", counters.Total),
				logging.Int("completed", counters.Completed),
				logging.Int("failed", counters.Failed),
				logging.String(logging.FieldErrorHint, "previous stage artifacts changed since dispatch; inspect the site and re-admit it"),
			)
		}

		switch decision.Action {
		case ActionNone:
			return ActionNone, nil
		case ActionReleaseStaleClaim:
			released, err := r.store.ReleaseStaleClaim(ctx, rec.ID, rec.CurrentStage, r.cutoff())
			if err != nil {
				return decision.Action, err
			}
			if !released {
				return decision.Action, nil
			}
			rec, err = r.store.Get(ctx, rec.ID)
			if err != nil {
				return decision.Action, err
			}
			// the release itself bumped updated_at; the site is still the
			// one we judged stale
			rec.UpdatedAt = obs.Record.UpdatedAt
			continue
		case ActionClaim:
			return decision.Action, r.claimAndAdvance(ctx, logger, rec.ID, rec.CurrentStage)
		case ActionCorrectAndClaim:
			if _, err := r.store.Reconcile(ctx, *decision.Correction); err != nil {
				if errors.Is(err, sites.ErrRecordChanged) || errors.Is(err, sites.ErrStageMismatch) {
					logger.Debug("correction skipped; record changed since observed")
					return decision.Action, nil
				}
				return decision.Action, err
			}
			return decision.Action, r.claimAndAdvance(ctx, logger, rec.ID, rec.CurrentStage)
		case ActionRedispatch:
			return decision.Action, r.redispatch(ctx, logger, rec, decision.Missing)
		default:
			return decision.Action, fmt.Errorf("unhandled action %q", decision.Action)
		}
	}
	return ActionReleaseStaleClaim, nil
}

func (r *Reconciler) observe(ctx context.Context, rec sites.Record) (Observation, error) {
	obs := Observation{Record: rec, Stale: !rec.UpdatedAt.After(r.cutoff())}
	if rec.Terminal() || !obs.Stale || rec.CoordinatorClaimed || rec.FanInComplete() {
		return obs, nil
	}
	var err error
	if obs.ActiveJobs, err = r.jobs.ActiveFor(ctx, rec.ID, rec.CurrentStage); err != nil {
		return obs, err
	}
	if obs.ActiveJobs > 0 {
		return obs, nil
	}
	artifacts, err := r.artifacts(ctx, rec.ID, rec.CurrentStage)
	if err != nil {
		return obs, err
	}
	obs.Evidence = len(artifacts)
	if obs.Evidence >= rec.Active().Total {
		return obs, nil
	}
	if obs.Reported, err = r.store.ReportedKeys(ctx, rec.ID, rec.CurrentStage); err != nil {
		return obs, err
	}
	items, err := r.plan(ctx, rec)
	if err != nil {
		return obs, err
	}
	for _, item := range items {
		obs.Planned = append(obs.Planned, item.Key)
	}
	return obs, nil
}

// plan recomputes the items the active stage was dispatched with.
func (r *Reconciler) plan(ctx context.Context, rec sites.Record) ([]stage.Item, error) {
	req := stage.PlanRequest{SiteID: rec.ID, Source: rec.Source, Stage: rec.CurrentStage}
	if r.planner.NeedsPrevious(rec.CurrentStage) {
		prev, ok := rec.CurrentStage.Prev()
		if !ok {
			return nil, fmt.Errorf("site %s: %s fans out but has no previous stage", rec.ID, rec.CurrentStage)
		}
		artifacts, err := r.artifacts(ctx, rec.ID, prev)
		if err != nil {
			return nil, err
		}
		req.Previous = artifacts
	}
	return r.planner.Plan(req)
}

func (r *Reconciler) artifacts(ctx context.Context, siteID string, st stage.Stage) ([]string, error) {
	source, ok := r.registry.Evidence(st)
	if !ok {
		return nil, stage.Wrap(stage.ErrConfiguration, st, "evidence", "no evidence source registered", nil)
	}
	artifacts, err := source.Artifacts(ctx, siteID, st)
	if err != nil {
		return nil, stage.Wrap(stage.ErrEvidence, st, "evidence", "enumerate artifacts for "+siteID, err)
	}
	return artifacts, nil
}

func (r *Reconciler) claimAndAdvance(ctx context.Context, logger *slog.Logger, siteID string, st stage.Stage) error {
	won, err := r.store.TryClaim(ctx, siteID, st)
	if err != nil {
		return err
	}
	r.metrics.RecordClaim(ctx, string(st), won)
	if !won {
		logger.Debug("claim lost to a live worker")
		return nil
	}
	if _, err := r.advancer.Advance(ctx, siteID, st); err != nil && !errors.Is(err, coordinator.ErrNotClaimed) {
		return err
	}
	return nil
}

func (r *Reconciler) redispatch(ctx context.Context, logger *slog.Logger, rec sites.Record, keys []string) error {
	var errs []error
	sent := 0
	for _, key := range keys {
		item := stage.Item{SiteID: rec.ID, Stage: rec.CurrentStage, Key: key, Source: rec.Source}
		if _, err := r.dispatcher.Enqueue(ctx, dispatch.ItemJob(item)); err != nil {
			errs = append(errs, fmt.Errorf("redispatch %s: %w", key, err))
			continue
		}
		sent++
	}
	logger.Info("re-dispatched unreported items",
		logging.Int("items", sent),
		logging.Int("missing", len(keys)),
	)
	return errors.Join(errs...)
}
