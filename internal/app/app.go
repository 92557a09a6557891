// Package app builds the fetch service from configuration and owns its lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/stealth-fetcher/internal/api"
	"github.com/JakeFAU/stealth-fetcher/internal/batch"
	"github.com/JakeFAU/stealth-fetcher/internal/browser"
	"github.com/JakeFAU/stealth-fetcher/internal/challenge"
	"github.com/JakeFAU/stealth-fetcher/internal/clock/system"
	"github.com/JakeFAU/stealth-fetcher/internal/config"
	"github.com/JakeFAU/stealth-fetcher/internal/fetch"
	"github.com/JakeFAU/stealth-fetcher/internal/fingerprint"
	"github.com/JakeFAU/stealth-fetcher/internal/hash/sha256"
	"github.com/JakeFAU/stealth-fetcher/internal/id/uuid"
	"github.com/JakeFAU/stealth-fetcher/internal/logging"
	"github.com/JakeFAU/stealth-fetcher/internal/orchestrator"
	"github.com/JakeFAU/stealth-fetcher/internal/policy/ratelimit"
	"github.com/JakeFAU/stealth-fetcher/internal/pool"
	"github.com/JakeFAU/stealth-fetcher/internal/storage"
	gcsstorage "github.com/JakeFAU/stealth-fetcher/internal/storage/gcs"
	localstorage "github.com/JakeFAU/stealth-fetcher/internal/storage/local"
	memorystorage "github.com/JakeFAU/stealth-fetcher/internal/storage/memory"
	pgstore "github.com/JakeFAU/stealth-fetcher/internal/storage/postgres"
	"github.com/JakeFAU/stealth-fetcher/internal/strategy/impersonate"
	"github.com/JakeFAU/stealth-fetcher/internal/strategy/plain"
	"github.com/JakeFAU/stealth-fetcher/internal/strategy/rendered"
	"github.com/JakeFAU/stealth-fetcher/internal/useragent"
)

// App contains the service's long-lived dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	pool         *pool.Pool
	orchestrator *orchestrator.Orchestrator
	runner       *batch.Runner
	apiServer    *api.Server
	blobs        storage.BlobStore
	gcsStore     *gcsstorage.BlobStore
	recordStore  *pgstore.RecordStore
	closed       bool
}

// Option customizes Build.
type Option func(*options)

type options struct {
	logger        *zap.Logger
	driverFactory pool.Factory
}

// WithLogger supplies the root logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDriverFactory replaces the chromedp browser launcher.
func WithDriverFactory(f pool.Factory) Option {
	return func(o *options) { o.driverFactory = f }
}

// Build creates every dependency described by cfg. The browser pool is only
// started when the rendered strategy is part of the cascade.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	a := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("order", cfg.Strategies.Order),
		zap.String("storage", cfg.Storage.Backend),
	)

	order, err := cfg.Strategies.StrategyOrder()
	if err != nil {
		return nil, err
	}
	skip, err := cfg.Strategies.SkipList()
	if err != nil {
		return nil, err
	}

	strategies, err := a.buildStrategies(ctx, order, o.driverFactory)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithOrder(order...),
		orchestrator.WithSkip(skip...),
		orchestrator.WithHardTimeout(cfg.Strategies.HardTimeout),
		orchestrator.WithLogger(logger),
	}
	for _, s := range strategies {
		orchOpts = append(orchOpts, orchestrator.WithStrategy(s))
	}
	for name, soft := range cfg.Strategies.SoftTimeouts() {
		orchOpts = append(orchOpts, orchestrator.WithSoftTimeout(name, soft))
	}
	a.orchestrator, err = orchestrator.New(orchOpts...)
	if err != nil {
		a.closeQuietly()
		return nil, fmt.Errorf("orchestrator init failed: %w", err)
	}

	sink, err := a.setupPersistence(ctx)
	if err != nil {
		a.closeQuietly()
		return nil, err
	}

	runnerOpts := []batch.Option{
		batch.WithLimiter(ratelimit.New(ratelimit.Config{
			PerHostRPS:   cfg.Batch.PerHostRPS,
			PerHostBurst: cfg.Batch.PerHostBurst,
		})),
		batch.WithRetryPolicy(batch.NewRetryPolicy(cfg.Batch.MaxRetries, cfg.Batch.BackoffBase, cfg.Batch.BackoffMax)),
		batch.WithLogger(logger),
	}
	if sink != nil {
		runnerOpts = append(runnerOpts, batch.WithSink(sink))
	}
	a.runner = batch.NewRunner(a.orchestrator, batch.Config{Concurrency: int64(cfg.Batch.Concurrency)}, runnerOpts...)

	var inspector api.PoolInspector
	if a.pool != nil {
		inspector = a.pool
	}
	records := api.NewRecordHandler(nil, logger.Named("records"))
	if a.recordStore != nil {
		records = api.NewRecordHandler(a.recordStore, logger.Named("records"))
	}
	a.apiServer = api.NewServer(a.runner, inspector, records, cfg, logger)
	return a, nil
}

func (a *App) buildStrategies(ctx context.Context, order []fetch.StrategyName, factory pool.Factory) ([]fetch.Strategy, error) {
	cfg := a.cfg
	uas := useragent.NewPool(cfg.UserAgents)
	out := make([]fetch.Strategy, 0, len(order))

	for _, name := range order {
		switch name {
		case fetch.StrategyPlain:
			out = append(out, plain.New(plain.Config{
				Timeout:       cfg.Strategies.Plain.SoftTimeout,
				MinTextLength: cfg.Strategies.MinTextLength,
				UserAgents:    uas,
			}))
		case fetch.StrategyImpersonate:
			profile, err := fingerprint.ParseProfile(cfg.Strategies.Impersonate.Profile)
			if err != nil {
				return nil, err
			}
			s, err := impersonate.New(impersonate.Config{
				Profile:       profile,
				Timeout:       cfg.Strategies.Impersonate.SoftTimeout,
				MinTextLength: cfg.Strategies.MinTextLength,
				UserAgents:    uas,
				PairUserAgent: len(cfg.UserAgents) == 0,
			})
			if err != nil {
				return nil, fmt.Errorf("impersonate strategy init failed: %w", err)
			}
			out = append(out, s)
		case fetch.StrategyRendered:
			if err := a.startPool(ctx, uas, factory); err != nil {
				return nil, err
			}
			handler := challenge.NewHandler(challenge.Config{
				PollInterval: cfg.Challenge.PollInterval,
				MaxWait:      cfg.Challenge.MaxWait,
				LoadTimeout:  cfg.Challenge.LoadTimeout,
			}, nil, a.logger.Named("challenge"))
			out = append(out, rendered.New(a.pool, handler, rendered.Config{
				SettleInterval:  cfg.Strategies.Rendered.SettleInterval,
				SettleTimeout:   cfg.Strategies.Rendered.SettleTimeout,
				SelectorTimeout: cfg.Strategies.Rendered.SelectorTimeout,
			}, a.logger.Named("rendered")))
		}
	}
	return out, nil
}

func (a *App) startPool(ctx context.Context, uas *useragent.Pool, factory pool.Factory) error {
	cfg := a.cfg
	if factory == nil {
		factory = browser.NewFactory(browser.Options{
			Headless:     cfg.Browser.Headless,
			ExecPath:     cfg.Browser.ExecPath,
			ProxyServer:  cfg.Browser.ProxyServer,
			UserAgent:    uas.NextOf(useragent.FamilyChrome),
			Stealth:      cfg.Browser.Stealth,
			WindowWidth:  cfg.Browser.WindowWidth,
			WindowHeight: cfg.Browser.WindowHeight,
		})
	}
	a.pool = pool.New(pool.Config{
		Size:                 cfg.Pool.Size,
		MaxPages:             cfg.Pool.MaxPages,
		MaxAge:               cfg.Pool.MaxAge,
		HealthCheckInterval:  cfg.Pool.HealthCheckInterval,
		RecycleCheckInterval: cfg.Pool.RecycleCheckInterval,
		MaxQueueSize:         cfg.Pool.MaxQueueSize,
		QueueTimeout:         cfg.Pool.QueueTimeout,
		CreateTimeout:        cfg.Pool.CreateTimeout,
	}, factory, pool.WithLogger(a.logger), pool.WithIDGenerator(uuid.New()))
	if err := a.pool.Initialize(ctx); err != nil {
		return fmt.Errorf("browser pool init failed: %w", err)
	}
	a.logger.Info("browser pool started", zap.Int("size", cfg.Pool.Size))
	return nil
}

func (a *App) setupPersistence(ctx context.Context) (*batch.Sink, error) {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case config.BackendGCS:
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		store, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket:       cfg.Storage.GCS.Bucket,
			CacheControl: cfg.Storage.GCS.CacheControl,
		})
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = store
		a.blobs = store
		a.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Storage.GCS.Bucket))
	case config.BackendLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local storage backend", zap.String("path", cfg.Storage.Local.BaseDir))
	case config.BackendMemory:
		a.blobs = memorystorage.NewBlobStore()
		a.logger.Info("using in-memory storage backend")
	default:
		a.logger.Info("snapshot storage disabled")
	}

	var records storage.RecordStore
	if cfg.DB.DSN == "" {
		a.logger.Info("no DSN configured, fetch records are not persisted")
	} else {
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        int32(cfg.DB.MaxConns), //nolint:gosec // validated small pool size
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("record store init failed: %w", err)
		}
		a.recordStore = store
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("record store schema: %w", err)
		}
		records = store
		a.logger.Info("record store initialized", zap.String("table", cfg.DB.Table))
	}

	if a.blobs == nil && records == nil {
		return nil, nil
	}
	return batch.NewSink(
		a.blobs,
		records,
		uuid.New(),
		sha256.New(),
		system.New(),
		batch.SinkConfig{Prefix: cfg.Storage.Prefix},
		a.logger,
	), nil
}

// Handler returns the HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Runner returns the batch runner shared by the API and the CLI.
func (a *App) Runner() *batch.Runner {
	return a.runner
}

// Pool returns the browser pool, or nil when the rendered strategy is off.
func (a *App) Pool() *pool.Pool {
	return a.pool
}

// Blobs returns the configured snapshot store, or nil.
func (a *App) Blobs() storage.BlobStore {
	return a.blobs
}

// Run serves HTTP until ctx is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close shuts the pool down and releases storage clients. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	if a.closed {
		return nil
	}
	a.closed = true
	var errs []error
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool shutdown: %w", err))
		}
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.recordStore != nil {
		a.recordStore.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeQuietly() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.Close(ctx)
}
