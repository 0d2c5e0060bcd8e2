package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"sitepipe/internal/logging"
)

// ErrAlreadyRunning reports that another process holds the daemon lock.
var ErrAlreadyRunning = errors.New("another sitepipe daemon instance is already running")

// Service is a component that runs until its context is cancelled.
type Service interface {
	Run(ctx context.Context) error
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context) error

func (f ServiceFunc) Run(ctx context.Context) error { return f(ctx) }

type namedService struct {
	name string
	svc  Service
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithService adds a background service.
func WithService(name string, svc Service) Option {
	return func(d *Daemon) {
		if svc != nil {
			d.services = append(d.services, namedService{name: name, svc: svc})
		}
	}
}

// WithHTTP serves handler on bind. An empty bind disables the server.
func WithHTTP(bind string, handler http.Handler) Option {
	return func(d *Daemon) {
		if bind != "" && handler != nil {
			d.api = newAPIServer(bind, handler, d.logger)
		}
	}
}

// WithPIDFile records the process ID at path while the lock is held.
func WithPIDFile(path string) Option {
	return func(d *Daemon) { d.pidPath = path }
}

// Daemon runs sitepipe's background services under a single-instance lock.
type Daemon struct {
	logger   *slog.Logger
	lockPath string
	lock     *flock.Flock
	pidPath  string
	services []namedService
	api      *apiServer

	running   atomic.Bool
	ready     chan struct{}
	readyOnce sync.Once
}

// New constructs a daemon guarded by the lock file at lockPath.
func New(lockPath string, logger *slog.Logger, opts ...Option) *Daemon {
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		logger:   logger.With(logging.String(logging.FieldComponent, "daemon")),
		lockPath: lockPath,
		lock:     flock.New(lockPath),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run acquires the lock and blocks until ctx is cancelled or a service
// fails. A clean shutdown returns nil.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return errors.New("daemon already running")
	}
	defer d.running.Store(false)

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()
	if d.pidPath != "" {
		if err := os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer os.Remove(d.pidPath)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if d.api != nil {
		if err := d.api.listen(); err != nil {
			return err
		}
		g.Go(func() error { return d.api.serve(gctx) })
	}
	for _, ns := range d.services {
		g.Go(func() error {
			if err := ns.svc.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s: %w", ns.name, err)
			}
			return nil
		})
	}
	d.readyOnce.Do(func() { close(d.ready) })
	d.logger.Info("sitepipe daemon started",
		logging.String("lock", d.lockPath),
		logging.Int("services", len(d.services)),
		logging.String(logging.FieldEventType, "daemon_started"),
	)

	err = g.Wait()
	if err != nil {
		d.logger.Error("sitepipe daemon stopped with error", logging.Error(err))
		return err
	}
	d.logger.Info("sitepipe daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return nil
}

// Ready is closed once the lock is held and every service has started.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Running reports whether Run is active.
func (d *Daemon) Running() bool { return d.running.Load() }

// Addr is the HTTP listener address, empty before Ready or without a server.
func (d *Daemon) Addr() string {
	if d.api == nil {
		return ""
	}
	return d.api.addr()
}

// LockPath returns the single-instance lock file location.
func (d *Daemon) LockPath() string { return d.lockPath }
