// Package server builds the collector's long-lived dependencies and runs its
// three modes: a single collection pass, a verification sweep, and the status
// HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/analysis"
	"github.com/JakeFAU/skycam-collector/internal/api"
	"github.com/JakeFAU/skycam-collector/internal/artifact"
	"github.com/JakeFAU/skycam-collector/internal/clock/system"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/config"
	collyfetcher "github.com/JakeFAU/skycam-collector/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/skycam-collector/internal/fetcher/headless"
	"github.com/JakeFAU/skycam-collector/internal/headless/detector"
	"github.com/JakeFAU/skycam-collector/internal/orchestrator"
	"github.com/JakeFAU/skycam-collector/internal/persist"
	"github.com/JakeFAU/skycam-collector/internal/policy/ratelimit"
	"github.com/JakeFAU/skycam-collector/internal/probe"
	"github.com/JakeFAU/skycam-collector/internal/progress"
	progresssinks "github.com/JakeFAU/skycam-collector/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/skycam-collector/internal/publisher/pubsub"
	"github.com/JakeFAU/skycam-collector/internal/registry"
	"github.com/JakeFAU/skycam-collector/internal/resolver"
	"github.com/JakeFAU/skycam-collector/internal/storage"
	pgstore "github.com/JakeFAU/skycam-collector/internal/storage/postgres"
	"github.com/JakeFAU/skycam-collector/internal/telemetry"
)

// ServiceName identifies the collector in traces.
const ServiceName = "skycam-collector"

// runDrainTimeout bounds how long shutdown waits for an API-triggered run.
const runDrainTimeout = 5 * time.Minute

// Version is stamped at build time with -ldflags.
var Version = "dev"

// Option customizes Build.
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
	gcsFactory storage.GCSClientFactory
	analyzer   collector.Analyzer
	clock      collector.Clock
}

// WithRegisterer registers progress metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithGCSClientFactory overrides how Cloud Storage clients are created.
func WithGCSClientFactory(f storage.GCSClientFactory) Option {
	return func(o *options) { o.gcsFactory = f }
}

// WithAnalyzer replaces the analysis subprocess.
func WithAnalyzer(a collector.Analyzer) Option {
	return func(o *options) { o.analyzer = a }
}

// WithClock overrides the wall clock.
func WithClock(c collector.Clock) Option {
	return func(o *options) { o.clock = c }
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	opts   options
	logger *zap.Logger

	registry *registry.Registry
	limiter  *ratelimit.Limiter
	pages    *collyfetcher.Fetcher
	renderer collector.Fetcher
	prober   *probe.Prober

	// Set up by EnableCollection.
	orchestrator *orchestrator.Orchestrator
	blobs        storage.Provider
	pgPool       *pgxpool.Pool
	recordIndex  *pgstore.RecordIndex
	runStore     *pgstore.RunStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
	progressHub  *progress.Hub

	closeRenderer  func()
	tracerShutdown func(context.Context) error
}

// Build loads the registry and the network stack shared by every mode.
// Collection dependencies are added by EnableCollection.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(&app.opts)
	}
	if app.opts.clock == nil {
		app.opts.clock = system.New()
	}
	if app.opts.registerer == nil {
		app.opts.registerer = prometheus.DefaultRegisterer
	}

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: ServiceName,
		Version:     Version,
		SampleRatio: cfg.Tracing.SampleRatio,
	}, logger.Named("trace"))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	app.registry, err = registry.New(cfg.Registry.Categories, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	app.limiter = ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RateLimitPerSecond,
		DefaultBurst: cfg.HTTP.RateLimitBurst,
	})
	if cfg.HTTP.RateLimitPerSecond > 0 {
		logger.Info("per-host rate limit enabled",
			zap.Float64("rps", cfg.HTTP.RateLimitPerSecond),
			zap.Int("burst", cfg.HTTP.RateLimitBurst),
		)
	}
	app.pages = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		Limiter:       app.limiter,
	})
	app.prober = probe.New(probe.Config{
		Timeout:     cfg.VerifyTimeout(),
		SampleBytes: cfg.Verify.SampleBytes,
	}, app.pages, app.opts.clock, logger.Named("probe"))
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Registry returns the loaded source catalog.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Verify probes every source of the selected categories (all when none are
// named). onResult is called after each probe.
func (a *App) Verify(
	ctx context.Context,
	categories []string,
	onResult func(collector.ProbeResult),
) (probe.Report, error) {
	sources, err := a.registry.Filter(categories...)
	if err != nil {
		return probe.Report{}, err
	}
	return a.prober.Run(ctx, sources, onResult), nil
}

// SetVerifyTimeout rebuilds the prober with a different per-request budget.
func (a *App) SetVerifyTimeout(timeout time.Duration) {
	a.prober = probe.New(probe.Config{
		Timeout:     timeout,
		SampleBytes: a.cfg.Verify.SampleBytes,
	}, a.pages, a.opts.clock, a.logger.Named("probe"))
}

// EnableCollection opens storage, the optional index and notification
// backends, and builds the orchestrator.
func (a *App) EnableCollection(ctx context.Context) error {
	if a.orchestrator != nil {
		return nil
	}
	a.logger.Info("building collection pipeline")

	a.setupRenderer()

	engine, err := artifact.New(artifact.Config{
		ScratchDir:   a.cfg.Paths.ScratchDir,
		Timeout:      a.cfg.FetchTimeout(),
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	}, a.pages, a.opts.clock, a.logger.Named("artifact"))
	if err != nil {
		return fmt.Errorf("artifact engine init failed: %w", err)
	}

	analyzer := a.opts.analyzer
	if analyzer == nil {
		analyzer = analysis.New(analysis.Config{
			Command: a.cfg.Analysis.Command,
			Args:    a.cfg.Analysis.Args,
			Timeout: a.cfg.AnalysisTimeout(),
		}, a.logger.Named("analysis"))
	}

	a.blobs, err = storage.Open(ctx, a.cfg, a.opts.gcsFactory, a.logger.Named("storage"))
	if err != nil {
		return fmt.Errorf("record store init failed: %w", err)
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	writerOpts := []persist.Option{persist.WithClock(a.opts.clock)}
	if a.recordIndex != nil {
		writerOpts = append(writerOpts, persist.WithIndex(a.recordIndex))
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if a.publisher != nil {
		writerOpts = append(writerOpts, persist.WithPublisher(a.publisher, a.cfg.PubSub.TopicName))
	}
	writer := persist.New(a.blobs.Store, a.logger.Named("persist"), writerOpts...)

	if err := a.setupProgress(); err != nil {
		return err
	}

	var resolverOpts []resolver.Option
	if a.closeRenderer != nil {
		resolverOpts = append(resolverOpts, resolver.WithShellDetector(detector.NewHeuristic(a.cfg.Headless.ShellThreshold)))
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		LogDir:              a.cfg.Paths.LogDir,
		CategoryParallelism: a.cfg.Orchestrator.CategoryParallelism,
		MetricsTextfile:     a.cfg.Metrics.Textfile,
	}, orchestrator.Deps{
		Sources: a.registry,
		Resolver: resolver.New(resolver.Config{
			PageTimeout:  a.cfg.PageTimeout(),
			MaxPageBytes: a.cfg.HTTP.MaxBodyBytes,
		}, a.pages, a.renderer, a.logger.Named("resolver"), resolverOpts...),
		Fetcher:  engine,
		Analyzer: analyzer,
		Writer:   writer,
		Events:   a.progressHub,
		Clock:    a.opts.clock,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	return nil
}

// Collect runs one collection pass.
func (a *App) Collect(ctx context.Context) (collector.RunSummary, error) {
	if err := a.EnableCollection(ctx); err != nil {
		return collector.RunSummary{}, err
	}
	return a.orchestrator.Run(ctx)
}

// Serve runs the status server until ctx is canceled or SIGINT/SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	if err := a.EnableCollection(ctx); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps := api.Deps{
		Catalog: a.registry,
		Prober:  a.prober,
		LogDir:  a.cfg.Paths.LogDir,
		Runner:  a.orchestrator,
		APIKey:  a.cfg.Server.APIKey,
	}
	if a.runStore != nil {
		deps.Runs = a.runStore
	}
	if a.recordIndex != nil {
		deps.Records = a.recordIndex
	}
	apiServer := api.NewServer(deps, a.logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Close tears down the hub and pools a triggered run still writes to.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), runDrainTimeout)
	defer cancelDrain()
	if err := apiServer.Wait(drainCtx); err != nil {
		a.logger.Warn("triggered run did not finish before shutdown", zap.Error(err))
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.blobs.Close != nil {
		if err := a.blobs.Close(); err != nil {
			a.logger.Warn("record store close failed", zap.Error(err))
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.closeRenderer != nil {
		a.closeRenderer()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
}

func (a *App) setupRenderer() {
	if !a.cfg.Headless.Enabled {
		a.renderer = headlessfetcher.NewFallback(a.pages, a.logger.Named("headless"))
		return
	}
	r, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		a.logger.Warn("headless renderer init failed, rendering disabled", zap.Error(err))
		a.renderer = headlessfetcher.NewFallback(a.pages, a.logger.Named("headless"))
		return
	}
	a.logger.Info("using headless renderer", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	a.renderer = r
	a.closeRenderer = r.Close
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Info("no database configured, record index and run ledger disabled")
		return nil
	}
	var err error
	a.pgPool, err = pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:      a.cfg.DB.DSN,
		MaxConns: a.cfg.DB.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if a.cfg.DB.AutoMigrate {
		if err := pgstore.EnsureSchema(ctx, a.pgPool, a.cfg.DB.Table, a.cfg.DB.RunTable); err != nil {
			return fmt.Errorf("postgres schema init failed: %w", err)
		}
	}
	a.recordIndex, err = pgstore.NewRecordIndexWithPool(a.pgPool, a.cfg.DB.Table)
	if err != nil {
		return fmt.Errorf("record index init failed: %w", err)
	}
	a.runStore, err = pgstore.NewRunStoreWithPool(a.pgPool, a.cfg.DB.RunTable)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.logger.Info("postgres record index ready",
		zap.String("records", a.cfg.DB.Table),
		zap.String("runs", a.cfg.DB.RunTable),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub topic configured, record notifications disabled")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(a.pubsubClient)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress() error {
	promSink, err := progresssinks.NewPrometheusSink(a.opts.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.runStore != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.runStore, a.logger.Named("progress_store")))
	}
	a.progressHub = progress.NewHub(progress.Config{Logger: a.logger.Named("progress_hub")}, sinkList...)
	return nil
}
