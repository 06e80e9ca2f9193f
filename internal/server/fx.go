// Package server builds the coordinator's dependencies and runs its lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/api"
	"github.com/JakeFAU/scraper-coordinator/internal/auth"
	"github.com/JakeFAU/scraper-coordinator/internal/clock/system"
	"github.com/JakeFAU/scraper-coordinator/internal/config"
	"github.com/JakeFAU/scraper-coordinator/internal/configs"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/dispatcher"
	idgen "github.com/JakeFAU/scraper-coordinator/internal/id/uuid"
	"github.com/JakeFAU/scraper-coordinator/internal/lease"
	redislock "github.com/JakeFAU/scraper-coordinator/internal/lock/redis"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/scraper-coordinator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scraper-coordinator/internal/publisher/pubsub"
	"github.com/JakeFAU/scraper-coordinator/internal/results"
	gcsstorage "github.com/JakeFAU/scraper-coordinator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scraper-coordinator/internal/storage/local"
	memorystorage "github.com/JakeFAU/scraper-coordinator/internal/storage/memory"
	pgstore "github.com/JakeFAU/scraper-coordinator/internal/storage/postgres"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
	"github.com/JakeFAU/scraper-coordinator/internal/sweeper"
	"github.com/JakeFAU/scraper-coordinator/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     store.Store
	pgStore   *pgstore.Store
	registry  *auth.Registry
	sweeper   *sweeper.Sweeper
	apiServer *api.Server

	pubsubClient   *pubsub.Client
	pubsubEvents   *gcppublisher.Publisher
	gcsClient      *storage.Client
	redisClient    *redis.Client
	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.StoreBackend()),
		zap.String("storage", cfg.Storage.Backend),
	)

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{SampleRatio: cfg.Tracing.SampleRatio})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	if err := app.setupStore(ctx); err != nil {
		app.closeQuietly()
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	events, err := app.setupPublisher(ctx)
	if err != nil {
		app.closeQuietly()
		return nil, err
	}
	locker, err := app.setupLock()
	if err != nil {
		app.closeQuietly()
		return nil, err
	}

	clock := system.New()
	ids := idgen.New()
	gateway := auth.NewGateway(app.store, auth.NewStaticSessions(cfg.Auth.Sessions), logger)
	limiter := ratelimit.New(ratelimit.Config{
		PerSecond: cfg.Runner.PollRatePerSecond,
		Burst:     cfg.Runner.PollBurst,
	})
	app.registry = auth.NewRegistry(app.store, clock, cfg.Runner.StaleAfter, logger).WithPollBuckets(limiter)

	cfgService := configs.NewService(app.store, ids, clock, nil, events, logger)
	dispatch := dispatcher.New(app.store, ids, clock, cfgService, limiter, dispatcher.Options{
		LeaseDuration:     cfg.Lease.Duration,
		DefaultMaxWorkers: cfg.Runner.DefaultMaxWorkers,
	}, logger)
	leases := lease.NewManager(app.store, clock, cfg.Lease.Duration, logger)
	resultService := results.NewService(results.Deps{
		Repo:      app.store,
		Auth:      gateway,
		Scrapers:  cfgService,
		Jobs:      dispatch,
		IDs:       ids,
		Clock:     clock,
		Blobs:     blobs,
		Publisher: events,
		Logger:    logger,
	})
	app.sweeper = sweeper.New(app.store, clock, cfg.Sweeper.Interval, locker, logger)

	app.apiServer = api.NewServer(api.Deps{
		Gateway:        gateway,
		Registry:       app.registry,
		Dispatcher:     dispatch,
		Leases:         leases,
		Results:        resultService,
		Configs:        cfgService,
		Ready:          app.store.Ping,
		RequestTimeout: cfg.Server.RequestTimeout,
		Logger:         logger,
	})

	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.StoreBackend() == config.BackendMemory {
		a.logger.Warn("no database DSN configured; coordination state is kept in memory")
		a.store = memorystorage.NewStore()
		return nil
	}
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = pg
	a.store = pg
	if a.cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	return nil
}

func (a *App) setupStorage(ctx context.Context) (coordinator.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.Bucket,
			Prefix: a.cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return blobs, nil
	case config.BackendLocal:
		blobs, err := localstorage.New(a.cfg.Storage.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (coordinator.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	a.pubsubEvents = gcppublisher.New(client, a.cfg.PubSub.TopicMap())
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.Any("topics", a.cfg.PubSub.TopicMap()),
	)
	return a.pubsubEvents, nil
}

func (a *App) setupLock() (sweeper.Locker, error) {
	if a.cfg.Redis.Addr == "" {
		return nil, nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	host, err := os.Hostname()
	if err != nil {
		host = "coordinator"
	}
	lock, err := redislock.New(a.redisClient, a.cfg.Sweeper.LockKey, host+"-"+uuid.NewString(), a.cfg.Sweeper.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("sweeper lock init failed: %w", err)
	}
	return lock, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Registry returns the runner registry.
func (a *App) Registry() *auth.Registry { return a.registry }

// Sweeper returns the expired-lease sweeper.
func (a *App) Sweeper() *sweeper.Sweeper { return a.sweeper }

// Handler returns the instrumented HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Migrate applies the Postgres schema. It is a no-op for the memory store.
func (a *App) Migrate(ctx context.Context) error {
	if a.pgStore == nil {
		a.logger.Info("memory store selected; nothing to migrate")
		return nil
	}
	if err := a.pgStore.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Run serves HTTP and runs the sweeper until ctx is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.cfg.Sweeper.Enabled {
		go a.sweeper.Run(ctx)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases every client the app opened.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeQuietly() {
	a.closeInfrastructure()
	a.closeObservability(context.Background())
}

func (a *App) closeInfrastructure() {
	if a.pubsubEvents != nil {
		a.pubsubEvents.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on stderr/stdout for some platforms; the error is not actionable.
	_ = a.logger.Sync()
}
