// Package orchestrator drives one collection run: every category is attempted,
// sources within a category are tried in order until one succeeds, and the
// run ends with a summary on disk.
package orchestrator

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/skycam-collector/internal/artifact"
	"github.com/JakeFAU/skycam-collector/internal/clock/system"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	idgen "github.com/JakeFAU/skycam-collector/internal/id/uuid"
	"github.com/JakeFAU/skycam-collector/internal/logging"
	"github.com/JakeFAU/skycam-collector/internal/metrics"
	"github.com/JakeFAU/skycam-collector/internal/progress"
)

var tracer = otel.Tracer("github.com/JakeFAU/skycam-collector/internal/orchestrator")

// Sources enumerates the camera registry.
type Sources interface {
	Categories() []string
	SourcesIn(category string) []collector.CameraSource
}

// Config tunes a run.
type Config struct {
	// LogDir receives the run log and latest_summary.json.
	LogDir string
	// CategoryParallelism bounds how many categories run at once. Values <= 1
	// keep the run strictly sequential.
	CategoryParallelism int
	// MetricsTextfile, when set, receives a Prometheus textfile dump at run end.
	MetricsTextfile string
}

// Deps are the pipeline stages.
type Deps struct {
	Sources  Sources
	Resolver collector.Resolver
	Fetcher  collector.ArtifactFetcher
	Analyzer collector.Analyzer
	Writer   collector.RecordWriter
	Events   progress.Emitter
	Clock    collector.Clock
	IDs      collector.IDGenerator
}

// Orchestrator runs collection passes over a registry.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates deps and builds an Orchestrator.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Orchestrator, error) {
	if cfg.LogDir == "" {
		return nil, fmt.Errorf("log dir is required")
	}
	if deps.Sources == nil || deps.Resolver == nil || deps.Fetcher == nil || deps.Analyzer == nil || deps.Writer == nil {
		return nil, fmt.Errorf("sources, resolver, fetcher, analyzer and writer are required")
	}
	if deps.Events == nil {
		deps.Events = progress.Discard{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if cfg.CategoryParallelism < 1 {
		cfg.CategoryParallelism = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}, nil
}

// Run performs one collection pass. Per-source failures never abort the run;
// an error is returned only when the log directory, run log or summary cannot
// be written.
func (o *Orchestrator) Run(ctx context.Context) (collector.RunSummary, error) {
	started := o.deps.Clock.Now()
	stamp := started.Format(artifact.StampLayout)
	runID := o.deps.IDs.NewID()

	if err := os.MkdirAll(o.cfg.LogDir, 0o750); err != nil {
		return collector.RunSummary{}, fmt.Errorf("create log dir: %w", err)
	}
	logger, logPath, closeLog, err := logging.NewRunLogger(o.logger, o.cfg.LogDir, stamp)
	if err != nil {
		return collector.RunSummary{}, err
	}
	defer func() {
		if cerr := closeLog(); cerr != nil {
			o.logger.Warn("close run log failed", zap.Error(cerr))
		}
	}()
	logger = logger.With(zap.String("run_id", runID))
	ctx, span := tracer.Start(ctx, "collection.run", trace.WithAttributes(attribute.String("run.id", runID)))
	defer span.End()
	ctx = collector.WithRunID(ctx, runID)
	ctx = logging.WithContext(ctx, logger)

	categories := o.deps.Sources.Categories()
	logger.Info("collection run started",
		zap.Int("categories", len(categories)),
		zap.Int("parallelism", o.cfg.CategoryParallelism),
	)
	o.deps.Events.Emit(progress.Event{RunID: runID, TS: started, Stage: progress.StageRunStart})

	outcomes := make([]collector.CategoryOutcome, len(categories))
	g := new(errgroup.Group)
	g.SetLimit(o.cfg.CategoryParallelism)
	for i, category := range categories {
		g.Go(func() error {
			outcomes[i] = o.runCategory(ctx, runID, logger, category, o.deps.Sources.SourcesIn(category))
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // category workers never return errors

	summary := collector.RunSummary{
		RunID:      runID,
		Timestamp:  o.deps.Clock.Now(),
		LogPointer: logPath,
		Categories: outcomes,
	}
	for _, out := range outcomes {
		if out.Winner != "" {
			summary.SuccessCount++
		}
		summary.FailureCount += len(out.Failed)
		summary.SkippedCount += len(out.Skipped)
		summary.TotalSources += len(out.Attempted) + len(out.Skipped)
	}

	span.SetAttributes(
		attribute.Int("run.succeeded", summary.SuccessCount),
		attribute.Int("run.failed", summary.FailureCount),
	)

	summaryPath, err := WriteSummary(o.cfg.LogDir, summary)
	if err != nil {
		logger.Error("summary write failed", zap.Error(err))
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}
	metrics.ObserveRun(summary.Timestamp, summary.SuccessCount, summary.FailureCount, summary.SkippedCount)
	if err := metrics.WriteTextfile(o.cfg.MetricsTextfile); err != nil {
		logger.Warn("metrics textfile write failed", zap.Error(err))
	}
	o.deps.Events.Emit(progress.Event{
		RunID:   runID,
		TS:      summary.Timestamp,
		Stage:   progress.StageRunDone,
		Dur:     summary.Timestamp.Sub(started),
		Summary: &summary,
	})
	logger.Info("collection run complete",
		zap.Int("succeeded", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
		zap.Int("skipped", summary.SkippedCount),
		zap.Int("total", summary.TotalSources),
		zap.String("summary", summaryPath),
		zap.Duration("elapsed", summary.Timestamp.Sub(started)),
	)
	return summary, nil
}

// runCategory tries sources in order and stops at the first success.
func (o *Orchestrator) runCategory(
	ctx context.Context,
	runID string,
	logger *zap.Logger,
	category string,
	sources []collector.CameraSource,
) collector.CategoryOutcome {
	out := collector.CategoryOutcome{Category: category, Attempted: []string{}}
	for i, src := range sources {
		out.Attempted = append(out.Attempted, src.ID)
		if o.runSource(ctx, runID, logger, src) {
			out.Winner = src.ID
			metrics.ObserveSource(category, "succeeded")
			for _, rest := range sources[i+1:] {
				o.newSourceRun(runID, logger, rest).to(progress.StateSkipped)
				metrics.ObserveSource(category, "skipped")
				out.Skipped = append(out.Skipped, rest.ID)
			}
			break
		}
		metrics.ObserveSource(category, "failed")
		out.Failed = append(out.Failed, src.ID)
	}
	if out.Winner == "" {
		logger.Warn("no source succeeded in category",
			zap.String("category", category),
			zap.Int("attempted", len(out.Attempted)),
		)
	}
	return out
}

func (o *Orchestrator) newSourceRun(runID string, logger *zap.Logger, src collector.CameraSource) *sourceRun {
	return &sourceRun{
		runID:  runID,
		source: src,
		state:  progress.StatePending,
		since:  o.deps.Clock.Now(),
		clock:  o.deps.Clock,
		events: o.deps.Events,
		logger: logger,
	}
}

// runSource takes one source through resolve, fetch, analyze and persist. It
// reports success only when a record was written. Panics count as failures.
func (o *Orchestrator) runSource(
	ctx context.Context,
	runID string,
	logger *zap.Logger,
	src collector.CameraSource,
) (ok bool) {
	ctx, span := tracer.Start(ctx, "collection.source", trace.WithAttributes(
		attribute.String("source.id", src.ID),
		attribute.String("source.category", src.Category),
	))
	defer span.End()
	run := o.newSourceRun(runID, logger, src)
	run.span = span
	persisted := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("source panicked", zap.String("source", src.ID), zap.Any("panic", r), zap.Stack("stack"))
			if persisted {
				run.to(progress.StateSucceeded)
				ok = true
				return
			}
			run.fail(fmt.Errorf("panic: %v", r))
			ok = false
		}
	}()

	run.to(progress.StateResolving)
	resource, err := o.deps.Resolver.Resolve(ctx, src)
	if err != nil {
		run.fail(err)
		return false
	}

	run.to(progress.StateFetching)
	art, err := o.deps.Fetcher.Fetch(ctx, src, resource)
	if err != nil {
		run.fail(err)
		return false
	}

	err = artifact.Scoped(o.deps.Fetcher, art, logger, func() error {
		run.advance(progress.StateAnalyzing, art.Bytes, "")
		result, err := o.deps.Analyzer.Analyze(ctx, art.Path)
		if err != nil {
			return err
		}
		run.to(progress.StatePersisting)
		rec, err := o.deps.Writer.Persist(ctx, art.Metadata, result)
		if err != nil {
			return err
		}
		persisted = true
		stars, _ := result.StarCount()
		logger.Info("source collected",
			zap.String("source", src.ID),
			zap.String("category", src.Category),
			zap.String("location", rec.Location),
			zap.Int("stars", stars),
		)
		return nil
	})
	if persisted {
		if err != nil {
			logger.Warn("record written but scratch cleanup failed", zap.String("source", src.ID), zap.Error(err))
		}
		run.to(progress.StateSucceeded)
		return true
	}
	run.fail(err)
	return false
}
