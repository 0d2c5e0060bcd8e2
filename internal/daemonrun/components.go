package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"sitepipe/internal/api"
	"sitepipe/internal/config"
	"sitepipe/internal/coordinator"
	"sitepipe/internal/database"
	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/notifications"
	"sitepipe/internal/pipeline"
	"sitepipe/internal/reconcile"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/stage/execstage"
	"sitepipe/internal/stage/fsevidence"
	"sitepipe/internal/status"
	"sitepipe/internal/telemetry"
	"sitepipe/internal/worker"
)

// Components is the fully wired pipeline for one process.
type Components struct {
	Config      *config.Config
	DB          *database.DB
	Store       *sites.Store
	Queue       *dispatch.Queue
	Registry    *stage.Registry
	Planner     *stage.Planner
	Coordinator *coordinator.Coordinator
	Envelope    *worker.Envelope
	Pool        *dispatch.Pool
	Reconciler  *reconcile.Reconciler
	Admitter    *pipeline.Admitter
	Status      *status.Service
	Telemetry   *telemetry.Provider
	Metrics     *telemetry.Metrics
	Notifier    notifications.Service
}

// BuildOption customises Build.
type BuildOption func(*buildOptions)

type buildOptions struct {
	registry *stage.Registry
	owner    string
}

// WithRegistry replaces the command-backed stage registry.
func WithRegistry(r *stage.Registry) BuildOption {
	return func(o *buildOptions) { o.registry = r }
}

// WithPoolOwner sets the lease owner prefix of the worker pool.
func WithPoolOwner(owner string) BuildOption {
	return func(o *buildOptions) { o.owner = owner }
}

// Planner builds the stage planner from the configured fan-out modes.
func Planner(cfg *config.Config) *stage.Planner {
	modes := make(map[stage.Stage]stage.Mode)
	for _, st := range stage.Pipeline() {
		modes[st] = stage.Mode(cfg.StageConfig(string(st)).Mode)
	}
	return stage.NewPlanner(modes)
}

// Registry registers one command runner per stage, all sharing the
// artifacts directory as their evidence source.
func Registry(cfg *config.Config) (*stage.Registry, error) {
	if err := cfg.ValidateRunnable(); err != nil {
		return nil, err
	}
	evidence := fsevidence.New(cfg.Paths.ArtifactsDir)
	registry := stage.NewRegistry()
	for _, st := range stage.Pipeline() {
		sc := cfg.StageConfig(string(st))
		runner, err := execstage.New(st, sc.Command, sc.RunTimeout(), cfg.Paths.ArtifactsDir)
		if err != nil {
			return nil, err
		}
		if err := registry.Register(st, runner, evidence); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Build wires every component on top of an open database.
func Build(cfg *config.Config, db *database.DB, logger *slog.Logger, opts ...BuildOption) (*Components, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("build requires config and database")
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	registry := o.registry
	if registry == nil {
		var err error
		if registry, err = Registry(cfg); err != nil {
			return nil, err
		}
	}

	provider, err := telemetry.NewProvider(cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	metrics, err := telemetry.NewMetrics(provider.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	c := &Components{
		Config:    cfg,
		DB:        db,
		Store:     sites.New(db),
		Queue:     dispatch.NewQueueFromConfig(db, cfg),
		Registry:  registry,
		Planner:   Planner(cfg),
		Telemetry: provider,
		Metrics:   metrics,
		Notifier:  notifications.NewService(cfg.Notifications),
	}
	c.Coordinator = coordinator.New(c.Store, registry, c.Planner, c.Queue, logger,
		coordinator.WithMinArtifacts(cfg.Reconciler.MinArtifacts),
		coordinator.WithMetrics(metrics),
		coordinator.WithNotifier(c.Notifier),
	)
	envelopeOpts := []worker.Option{worker.WithMetrics(metrics)}
	if !cfg.Dispatch.CoordinateInline {
		envelopeOpts = append(envelopeOpts, worker.WithDeferredCoordination(c.Queue))
	}
	c.Envelope = worker.New(c.Store, registry, c.Coordinator, logger, envelopeOpts...)

	poolOpts := []dispatch.PoolOption{dispatch.WithMetrics(metrics)}
	if o.owner != "" {
		poolOpts = append(poolOpts, dispatch.WithOwner(o.owner))
	}
	c.Pool = dispatch.NewPool(c.Queue, c.Envelope, dispatch.PoolConfigFromConfig(cfg), logger, poolOpts...)
	c.Reconciler = reconcile.New(c.Store, c.Queue, c.Queue, registry, c.Planner, c.Coordinator,
		reconcile.Config{Interval: cfg.Reconciler.SweepInterval(), StaleAfter: cfg.Reconciler.StaleThreshold()},
		logger, reconcile.WithMetrics(metrics),
	)
	c.Admitter = pipeline.NewAdmitter(c.Store, c.Planner, c.Queue, logger)
	c.Status = status.NewService(c.Store, cfg.Reconciler.StaleThreshold())
	return c, nil
}

// Services exposes the components the HTTP API serves from.
func (c *Components) Services() api.Services {
	return api.Services{
		Status:   c.Status,
		Admitter: c.Admitter,
		Store:    c.Store,
		Stages:   c.Registry.Health,
		Jobs:     c.Queue.Stats,
		LogPath:  filepath.Join(c.Config.Paths.LogDir, logging.LogFileName),
	}
}

// Close flushes telemetry. The database is owned by the caller.
func (c *Components) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.Telemetry.Shutdown(ctx)
}
