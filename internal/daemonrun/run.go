// Package daemonrun builds the sitepipe runtime from configuration and runs
// the daemon.
package daemonrun

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"

	"sitepipe/internal/api"
	"sitepipe/internal/config"
	"sitepipe/internal/daemon"
	"sitepipe/internal/database"
	"sitepipe/internal/logging"
	"sitepipe/internal/preflight"
	"sitepipe/internal/stage"
)

const (
	maintenanceInterval = time.Hour
	doneJobRetention    = 24 * time.Hour
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the sitepipe daemon and blocks until SIGINT/SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405.000Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("sitepipe-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	sessionID := uuid.NewString()
	logger, err := logging.New(logging.Options{
		Level:            level,
		Format:           cfg.Logging.Format,
		OutputPaths:      []string{"stdout", logPath},
		ErrorOutputPaths: []string{"stderr", logPath},
		Development:      opts.Development,
		SessionID:        sessionID,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update %s link: %v\n", logging.LogFileName, err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, "sitepipe-*.log", logPath, cfg.Logging.RetentionDays, time.Now())

	db, err := database.Open(signalCtx, cfg)
	if err != nil {
		logger.Error("open database", logging.Error(err),
			logging.String(logging.FieldErrorHint, "check database.driver and database.dsn"))
		return err
	}
	defer db.Close()

	comps, err := Build(cfg, db, logger, WithPoolOwner(poolOwner(sessionID)))
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = comps.Close(shutdownCtx)
	}()
	logStageSnapshot(signalCtx, logger, comps, db)
	logPreflight(signalCtx, logger, cfg)

	d := New(comps, logger, logPath)
	if err := d.Run(signalCtx); err != nil {
		return err
	}
	logger.Info("sitepipe daemon shut down")
	return nil
}

// New assembles the daemon from built components.
func New(c *Components, logger *slog.Logger, logPath string) *daemon.Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg := c.Config
	opts := []daemon.Option{
		daemon.WithService("dispatch", c.Pool),
		daemon.WithService("maintenance", daemon.ServiceFunc(func(ctx context.Context) error {
			return maintain(ctx, c, logger, logPath)
		})),
		daemon.WithHTTP(cfg.Paths.APIBind, api.NewRouter(c.Services(),
			api.WithToken(cfg.Paths.APIToken),
			api.WithLogger(logger),
			api.WithMetrics(cfg.Telemetry.MetricsPath, c.Telemetry.Handler()),
		)),
	}
	if cfg.Reconciler.Enabled {
		opts = append(opts, daemon.WithService("reconciler", c.Reconciler))
	}
	opts = append(opts, daemon.WithPIDFile(cfg.PIDPath()))
	return daemon.New(cfg.LockPath(), logger, opts...)
}

// maintain purges settled jobs and old logs once per interval.
func maintain(ctx context.Context, c *Components, logger *slog.Logger, logPath string) error {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		now := time.Now()
		if n, err := c.Queue.PurgeDone(ctx, now.Add(-doneJobRetention)); err != nil {
			logging.WarnWithContext(logger, "job purge failed", "job_purge_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "settled jobs accumulate until the next attempt"),
			)
		} else if n > 0 {
			logger.Info("settled jobs purged", logging.Int64("count", n), logging.String(logging.FieldEventType, "jobs_purged"))
		}
		logging.PruneLogs(logger, c.Config.Paths.LogDir, "sitepipe-*.log", logPath, c.Config.Logging.RetentionDays, now)
	}
}

func poolOwner(sessionID string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "sitepipe"
	}
	if len(sessionID) > 8 {
		sessionID = sessionID[:8]
	}
	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + sessionID
}

func logStageSnapshot(ctx context.Context, logger *slog.Logger, c *Components, db *database.DB) {
	health := c.Registry.Health(ctx)
	attrs := []any{
		logging.String(logging.FieldEventType, "stage_snapshot"),
		logging.String("database", string(db.Dialect())),
		logging.Bool("coordinate_inline", c.Config.Dispatch.CoordinateInline),
		logging.Bool("reconciler_enabled", c.Config.Reconciler.Enabled),
		logging.Bool("metrics_enabled", c.Telemetry.Enabled()),
	}
	for _, h := range health {
		attrs = append(attrs, logging.Bool(h.Name+"_ready", h.Ready))
	}
	if !stage.AllReady(health) {
		logger.Warn("stage plugins not ready", append(attrs,
			logging.String(logging.FieldErrorHint, "check stages.<name>.command paths"),
			logging.String(logging.FieldImpact, "items for unready stages will fail"))...)
		return
	}
	logger.Info("stage snapshot", attrs...)
}

func logPreflight(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	for _, r := range preflight.Failed(preflight.RunAll(ctx, cfg)) {
		logger.Warn("preflight check failed",
			logging.String("check", r.Name),
			logging.String("detail", r.Detail),
			logging.String(logging.FieldEventType, "preflight_failed"),
			logging.String(logging.FieldErrorHint, "run sitepipe preflight for the full report"),
		)
	}
}

func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, logging.LogFileName)
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}
