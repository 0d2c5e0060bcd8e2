package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"sitepipe/internal/config"
	"sitepipe/internal/logging"
	"sitepipe/internal/telemetry"
)

// PoolConfig controls worker concurrency and lease timing.
type PoolConfig struct {
	Workers           int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	LeaseTimeout      time.Duration
}

// PoolConfigFromConfig reads the dispatch section.
func PoolConfigFromConfig(cfg *config.Config) PoolConfig {
	return PoolConfig{
		Workers:           cfg.Dispatch.Workers,
		PollInterval:      cfg.Dispatch.PollInterval(),
		HeartbeatInterval: cfg.Dispatch.Heartbeat(),
		LeaseTimeout:      cfg.Dispatch.Lease(),
	}
}

// Pool runs a fixed number of workers that lease and execute queued jobs.
type Pool struct {
	queue   *Queue
	handler Handler
	cfg     PoolConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics
	owner   string

	mu      sync.Mutex
	running bool
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithMetrics records job outcomes.
func WithMetrics(m *telemetry.Metrics) PoolOption {
	return func(p *Pool) { p.metrics = m }
}

// WithOwner fixes the lease owner prefix (defaults to hostname plus a random suffix).
func WithOwner(owner string) PoolOption {
	return func(p *Pool) {
		if owner != "" {
			p.owner = owner
		}
	}
}

// NewPool constructs a worker pool.
func NewPool(queue *Queue, handler Handler, cfg PoolConfig, logger *slog.Logger, opts ...PoolOption) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "sitepipe"
	}
	p := &Pool{
		queue:   queue,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With(logging.String(logging.FieldComponent, "dispatch")),
		owner:   fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Owner returns the lease owner prefix used by this pool.
func (p *Pool) Owner() string { return p.owner }

// Run blocks until ctx is cancelled, running the workers and the stale
// lease reclaimer. It returns nil on a clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("dispatch pool already running")
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s/%d", p.owner, i)
		g.Go(func() error {
			p.workerLoop(gctx, owner)
			return nil
		})
	}
	if p.cfg.LeaseTimeout > 0 {
		g.Go(func() error {
			p.reclaimLoop(gctx)
			return nil
		})
	}
	p.logger.Info("dispatch pool started",
		logging.Int("workers", p.cfg.Workers),
		logging.Duration("poll_interval", p.cfg.PollInterval),
		logging.String("owner", p.owner),
	)
	err := g.Wait()
	p.logger.Info("dispatch pool stopped")
	return err
}

func (p *Pool) workerLoop(ctx context.Context, owner string) {
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.RunOnce(ctx, owner)
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("failed to lease job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_lease_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) reclaimLoop(ctx context.Context) {
	interval := p.cfg.LeaseTimeout / 2
	if interval <= 0 {
		interval = p.cfg.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reclaim(ctx)
		}
	}
}

// Reclaim returns jobs with expired leases to pending.
func (p *Pool) Reclaim(ctx context.Context) int64 {
	if p.cfg.LeaseTimeout <= 0 {
		return 0
	}
	n, err := p.queue.ReclaimStale(ctx, p.queue.now().Add(-p.cfg.LeaseTimeout))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.logger.Warn("reclaim stale jobs failed; abandoned jobs may wait for the next pass",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_reclaim_failed"),
				logging.String(logging.FieldErrorHint, "check database access"),
			)
		}
		return 0
	}
	if n > 0 {
		p.logger.Info("reclaimed stale jobs", logging.Int64("count", n))
	}
	return n
}

// RunOnce leases and processes at most one job. It reports whether a job was
// found.
func (p *Pool) RunOnce(ctx context.Context, owner string) (bool, error) {
	job, err := p.queue.Lease(ctx, owner)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, owner, *job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, owner string, job Job) {
	logger := p.logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldSiteID, job.SiteID),
		logging.String(logging.FieldStage, string(job.Stage)),
		logging.String("kind", string(job.Kind)),
		logging.Int("attempt", job.Attempts),
	)
	if job.ItemKey != "" {
		logger = logger.With(logging.String(logging.FieldItemKey, job.ItemKey))
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if p.cfg.HeartbeatInterval > 0 {
		wg.Add(1)
		go p.heartbeatLoop(hbCtx, &wg, logger, job.ID, owner)
	}

	jobCtx := logging.WithSiteID(ctx, job.SiteID)
	jobCtx = logging.WithStage(jobCtx, string(job.Stage))
	if job.ItemKey != "" {
		jobCtx = logging.WithItemKey(jobCtx, job.ItemKey)
	}
	handleErr := p.safeHandle(jobCtx, job)
	stopHeartbeat()
	wg.Wait()

	// Settle the lease even when shutting down so the job is not left running.
	settleCtx := context.WithoutCancel(ctx)
	if handleErr == nil {
		if err := p.queue.Complete(settleCtx, job.ID, owner); err != nil {
			logger.Warn("job finished but lease was lost", logging.Error(err))
			p.metrics.RecordJob(ctx, string(job.Kind), "lease_lost")
			return
		}
		logger.Debug("job completed")
		p.metrics.RecordJob(ctx, string(job.Kind), "done")
		return
	}

	status, err := p.queue.Retry(settleCtx, job.ID, owner, handleErr)
	if err != nil {
		logger.Warn("job failed and lease was lost", logging.Error(handleErr), logging.String("retry_error", err.Error()))
		p.metrics.RecordJob(ctx, string(job.Kind), "lease_lost")
		return
	}
	if status == StatusDead {
		logger.Error("job abandoned",
			logging.Error(handleErr),
			logging.String(logging.FieldEventType, "job_dead"),
			logging.String(logging.FieldErrorHint, "the reconciler re-dispatches unreported items of stale sites"),
		)
		p.metrics.RecordJob(ctx, string(job.Kind), "dead")
		return
	}
	logger.Warn("job failed; will retry",
		logging.Error(handleErr),
		logging.String(logging.FieldEventType, "job_retry"),
	)
	p.metrics.RecordJob(ctx, string(job.Kind), "retry")
}

func (p *Pool) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.Int64(logging.FieldJobID, job.ID),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if p.handler == nil {
		return Permanent(errors.New("no job handler configured"))
	}
	return p.handler.Handle(ctx, job)
}

func (p *Pool) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, logger *slog.Logger, jobID int64, owner string) {
	defer wg.Done()
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, jobID, owner); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("job heartbeat failed", logging.Error(err))
			}
		}
	}
}
