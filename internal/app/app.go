// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/adharvest/internal/api"
	"github.com/JakeFAU/adharvest/internal/browser"
	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/config"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/id/uuid"
	"github.com/JakeFAU/adharvest/internal/lifecycle"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/memstat"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/pool"
	"github.com/JakeFAU/adharvest/internal/rotation"
	"github.com/JakeFAU/adharvest/internal/storage"
	"github.com/JakeFAU/adharvest/internal/storage/local"
	"github.com/JakeFAU/adharvest/internal/worker"
)

// Options override collaborators that are normally built from configuration.
// Zero values pick the production implementation.
type Options struct {
	Logger   *zap.Logger
	Launcher harvest.Launcher
	Opener   storage.Opener
	Sampler  memstat.Sampler
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	ring      *logging.Ring
	boundary  *persist.Boundary
	rotation  *rotation.Manager
	pools     *pool.Coordinator
	tasks     *lifecycle.Orchestrator
	ownLogger bool
}

// New creates and initializes an App from cfg. It fails fast when a critical
// service cannot be built; the durable store is connected lazily.
func New(cfg config.Config, opts Options) (*App, error) {
	ring := logging.NewRing(cfg.Logging.RingSize)
	logger := opts.Logger
	ownLogger := false
	if logger == nil {
		l, err := logging.New(cfg.Logging.Development, ring)
		if err != nil {
			return nil, err
		}
		logger = l
		ownLogger = true
	} else {
		logger = logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, ring.Core(zapcore.DebugLevel))
		}))
	}
	logger.Info("initializing application services",
		zap.String("session_driver", cfg.Session.Driver),
		zap.String("store_driver", cfg.Store.Driver),
		zap.Int("targets", len(cfg.Targets)))

	files, err := local.New(local.Config{BaseDir: cfg.State.Dir})
	if err != nil {
		return nil, fmt.Errorf("initialize state dir: %w", err)
	}

	open := opts.Opener
	if open == nil {
		open, err = storage.NewOpener(cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher, err = browser.New(browser.Config{
			Driver:        cfg.Session.Driver,
			Headless:      cfg.Session.Headless,
			UserAgent:     cfg.Session.UserAgent,
			NavTimeout:    cfg.Session.NavTimeout,
			ActionTimeout: cfg.Session.ActionTimeout,
			ScanSelector:  cfg.Session.ScanSelector,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize launcher: %w", err)
		}
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = memstat.NewProcess()
	}

	clock := system.New()
	rot, err := rotation.New(cfg.Targets, rotation.Config{Clock: clock})
	if err != nil {
		return nil, fmt.Errorf("initialize rotation: %w", err)
	}

	boundary := persist.New(open, files, clock, persist.Config{
		RetryInterval: cfg.Store.RetryInterval,
		WriteTimeout:  cfg.Store.WriteTimeout,
	}, logger)
	checkpoints := checkpoint.New(files)

	workerDeps := worker.Deps{
		Launcher:    launcher,
		Rotation:    rot,
		Boundary:    boundary,
		Checkpoints: checkpoints,
		Sampler:     sampler,
		Clock:       clock,
		IDs:         uuid.NewWithPrefix("sess-"),
		Logger:      logger,
	}

	pools := pool.New(pool.FromConfig(cfg), pool.Deps{
		Worker:  worker.FromConfig(cfg),
		Workers: workerDeps,
		Targets: rot,
		Files:   files,
		IDs:     uuid.NewWithPrefix("pool-"),
		Clock:   clock,
		Ring:    ring,
		Logger:  logger,
	})

	tasks := lifecycle.New(lifecycle.FromConfig(cfg), lifecycle.Deps{
		Worker:      worker.FromConfig(cfg),
		Workers:     workerDeps,
		Checkpoints: checkpoints,
		Boundary:    boundary,
		IDs:         uuid.NewWithPrefix("task-"),
		Clock:       clock,
		Ring:        ring,
		Logger:      logger,
	})

	logger.Info("application services initialized")

	return &App{
		cfg:       cfg,
		logger:    logger,
		ring:      ring,
		boundary:  boundary,
		rotation:  rot,
		pools:     pools,
		tasks:     tasks,
		ownLogger: ownLogger,
	}, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Ring returns the in-memory log buffer backing log queries.
func (a *App) Ring() *logging.Ring { return a.ring }

// Pools returns the worker pool coordinator.
func (a *App) Pools() *pool.Coordinator { return a.pools }

// Tasks returns the single-task orchestrator.
func (a *App) Tasks() *lifecycle.Orchestrator { return a.tasks }

// Boundary returns the persistence boundary.
func (a *App) Boundary() *persist.Boundary { return a.boundary }

// Rotation returns the shared target rotation manager.
func (a *App) Rotation() *rotation.Manager { return a.rotation }

// Reconcile reclassifies tasks interrupted by a previous process.
func (a *App) Reconcile(ctx context.Context) (lifecycle.Summary, error) {
	sum, err := a.tasks.Reconcile(ctx)
	a.logger.Info("startup reconciliation finished",
		zap.Int("resumable", sum.Resumable),
		zap.Int("stopped", sum.Stopped),
		zap.Int("untouched", sum.Untouched),
		zap.Error(err))
	return sum, err
}

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler {
	return api.NewServer(a.pools, a.tasks, a.boundary, a.rotation, a.logger).Handler()
}

// Close stops every pool and task, then releases the store and flushes logs.
func (a *App) Close() {
	a.logger.Info("shutting down application services")
	a.pools.StopAll()
	a.tasks.Shutdown()
	a.boundary.Close()
	if !a.ownLogger {
		return
	}
	// Sync fails on some terminals; nothing useful can be done about it.
	_ = a.logger.Sync()
}
