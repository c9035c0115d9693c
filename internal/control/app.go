package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/pipewarden/internal/budget"
	"github.com/vietddude/pipewarden/internal/core/config"
	"github.com/vietddude/pipewarden/internal/core/domain"
	"github.com/vietddude/pipewarden/internal/cost"
	"github.com/vietddude/pipewarden/internal/health"
	"github.com/vietddude/pipewarden/internal/incident"
	redisclient "github.com/vietddude/pipewarden/internal/infra/redis"
	"github.com/vietddude/pipewarden/internal/infra/storage"
	"github.com/vietddude/pipewarden/internal/infra/storage/memory"
	"github.com/vietddude/pipewarden/internal/infra/storage/postgres"
	"github.com/vietddude/pipewarden/internal/notify"
	"github.com/vietddude/pipewarden/internal/routing"
	"github.com/vietddude/pipewarden/internal/secrets"
	"github.com/vietddude/pipewarden/internal/stage"
)

const rolloverLockTTL = 5 * time.Minute

// App owns every long-lived handle of the service.
type App struct {
	cfg *config.AppConfig

	Store     storage.DocumentStore
	Catalog   *routing.Catalog
	Ledger    *cost.Ledger
	Governor  *budget.Governor
	Incidents *incident.Tracker
	Runner    *stage.Runner
	Monitor   *health.Monitor

	httpServer *health.Server
	grpcServer *health.GRPCServer
	scheduler  *cron.Cron
	db         *postgres.DB
	redis      *redisclient.Client
	closers    []func() error
	log        *slog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	secrets secrets.Source
	sink    notify.Sink
}

// WithSecrets overrides the secret source built from configuration.
func WithSecrets(src secrets.Source) Option {
	return func(o *options) { o.secrets = src }
}

// WithNotifier overrides the notification sink built from configuration.
func WithNotifier(sink notify.Sink) Option {
	return func(o *options) { o.sink = sink }
}

// Open creates an App with storage and bookkeeping only: no provider
// chains, health probes or servers. Operator commands use it.
func Open(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	app := &App{cfg: cfg, log: slog.Default()}

	// 1. Storage
	if err := app.openStore(ctx); err != nil {
		app.Close()
		return nil, err
	}

	// 2. Notifications
	sink := o.sink
	if sink == nil {
		sink = buildNotifier(cfg.Notify)
	}

	// 3. Bookkeeping
	var err error
	app.Ledger = cost.NewLedger(app.Store, cfg.CostCache)
	app.Governor, err = budget.NewGovernor(app.Store, cfg.Budget.Config, budget.WithNotifier(sink))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to init budget governor: %w", err)
	}
	app.Incidents = incident.NewTracker(app.Store, incident.WithNotifier(sink))
	app.Runner = stage.NewRunner(app.Ledger, app.Governor, app.Incidents, stage.WithPolicies(cfg.Retry))
	app.Catalog = routing.NewCatalog()
	return app, nil
}

// New creates an App with all dependencies initialized.
func New(ctx context.Context, cfg *config.AppConfig, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	app, err := Open(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}

	// 4. Provider chains
	src := o.secrets
	if src == nil {
		src, err = buildSecrets(cfg.Secrets)
		if err != nil {
			app.Close()
			return nil, err
		}
	}
	catalog, uploaders, err := buildCatalog(ctx, cfg.Providers, src)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Catalog = catalog

	// 5. Health
	checks, err := app.buildChecks(ctx, uploaders)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Monitor = health.NewMonitor(checks, health.WithCacheInterval(cfg.Health.CacheInterval))
	app.httpServer = health.NewServer(app.Monitor, cfg.Server.Port)
	if cfg.GRPC.Enabled {
		app.grpcServer = health.NewGRPCServer(cfg.GRPC.Addr)
		app.Monitor.OnReport(app.grpcServer.Publish)
	}

	// 6. Scheduled jobs
	app.scheduler = cron.New()
	if _, err := app.scheduler.AddFunc(cfg.Health.Schedule, app.sweepHealth); err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid health schedule %q: %w", cfg.Health.Schedule, err)
	}
	if _, err := app.scheduler.AddFunc(cfg.Budget.RolloverSchedule, app.rollOver); err != nil {
		app.Close()
		return nil, fmt.Errorf("invalid rollover schedule %q: %w", cfg.Budget.RolloverSchedule, err)
	}

	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		db, err := postgres.NewDB(ctx, a.cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}
		a.Store = postgres.NewDocumentRepo(db)
		a.log.Info("Using PostgreSQL storage")

	case config.DriverRedis:
		client, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.Store = redisclient.NewDocumentRepo(client)
		a.log.Info("Using Redis storage")

	default:
		a.Store = memory.NewMemoryStorage()
		a.log.Info("Using Memory storage")
	}
	return nil
}

// redisClient connects lazily; the client is shared by storage, probes and locks.
func (a *App) redisClient(ctx context.Context) (*redisclient.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	if a.cfg.Redis.URL == "" {
		return nil, errors.New("redis url is not configured")
	}
	client, err := redisclient.NewClient(ctx, a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.redis = client
	return client, nil
}

// Start starts the servers and the scheduler.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("Health server failed", "error", err)
		}
	}()

	if a.grpcServer != nil {
		go func() {
			if err := a.grpcServer.Start(); err != nil {
				a.log.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	if _, err := a.Governor.InitializeBudget(ctx, time.Now().UTC().Format(domain.MonthLayout)); err != nil {
		return fmt.Errorf("failed to initialize budget: %w", err)
	}

	a.scheduler.Start()
	go a.Monitor.CheckAll(ctx)

	a.log.Info("pipewarden started",
		"port", a.cfg.Server.Port,
		"storage", a.cfg.Storage.Driver,
		"providers", len(a.Catalog.ListAll()))
	return nil
}

// Stop stops the scheduler and servers and releases connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping pipewarden...")

	if a.scheduler != nil {
		select {
		case <-a.scheduler.Stop().Done():
		case <-ctx.Done():
			a.log.Warn("Scheduled jobs still running at shutdown")
		}
	}
	if a.grpcServer != nil {
		a.grpcServer.Stop()
	}

	var err error
	if a.httpServer != nil {
		err = a.httpServer.Stop(ctx)
	}
	a.Close()
	return err
}

// Close releases connections without stopping servers.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c(); err != nil {
			a.log.Warn("Failed to close probe connection", "error", err)
		}
	}
	a.closers = nil

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redis = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}

func (a *App) sweepHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	report := a.Monitor.CheckAll(ctx)
	if !report.Ready {
		a.log.Error("Critical service failed", "status", report.Status)
	}
}

// rollOver opens the new month's budget. With several replicas a Redis lock
// keeps the job single-flight.
func (a *App) rollOver() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if a.redis != nil {
		lock, err := a.redis.AcquireLock(ctx, "budget-rollover", rolloverLockTTL)
		if errors.Is(err, redisclient.ErrLockHeld) {
			a.log.Debug("Rollover already running elsewhere")
			return
		}
		if err != nil {
			a.log.Error("Failed to acquire rollover lock", "error", err)
			return
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				a.log.Warn("Failed to release rollover lock", "error", err)
			}
		}()
	}

	if err := a.Governor.RollOver(ctx); err != nil {
		a.log.Error("Budget rollover failed", "error", err)
		return
	}
	a.log.Info("Budget rolled over")
}
