package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/metrics"
	"github.com/JakeFAU/skycam-collector/internal/orchestrator"
	"github.com/JakeFAU/skycam-collector/internal/probe"
	"github.com/JakeFAU/skycam-collector/internal/storage/postgres"
)

const (
	defaultRunLimit    = 20
	maxRunLimit        = 200
	defaultRecordLimit = 10
	maxRecordLimit     = 100
	storeTimeout       = 3 * time.Second
	requestTimeout     = 60 * time.Second
)

// Catalog is the read side of the source registry.
type Catalog interface {
	Categories() []string
	SourcesIn(category string) []collector.CameraSource
	Label(category string) string
	Has(category string) bool
}

// Prober checks source reachability.
type Prober interface {
	Run(ctx context.Context, sources probe.Sources, onResult func(collector.ProbeResult)) probe.Report
}

// Runner executes one collection run.
type Runner interface {
	Run(ctx context.Context) (collector.RunSummary, error)
}

// RunLister pages through recorded runs.
type RunLister interface {
	ListRuns(ctx context.Context, limit, offset int) ([]postgres.RunRow, error)
	GetRun(ctx context.Context, runID string) (postgres.RunRow, error)
}

// RecordLister returns the newest indexed records for a source.
type RecordLister interface {
	LatestForSource(ctx context.Context, sourceID string, limit int) ([]collector.IndexEntry, error)
}

// Deps are the collaborators behind the routes. Runner, Runs and Records are
// optional; their routes answer 503 when unset.
type Deps struct {
	Catalog Catalog
	Prober  Prober
	LogDir  string
	Runner  Runner
	Runs    RunLister
	Records RecordLister
	APIKey  string
}

// Server serves read-only status plus on-demand probes and runs.
type Server struct {
	router  chi.Router
	deps    Deps
	logger  *zap.Logger
	running atomic.Bool

	// Triggered runs outlive their request; runs tracks them and
	// cancelRuns aborts them when Wait gives up.
	runs       sync.WaitGroup
	runCtx     context.Context
	cancelRuns context.CancelFunc
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, logger: logger}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if deps.APIKey != "" {
			r.Use(apiKeyMiddleware(deps.APIKey))
		}
		// Probes walk every source sequentially and outlive requestTimeout.
		r.Post("/probe", s.runProbe)
		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(requestTimeout))
			r.Get("/categories", s.listCategories)
			r.Get("/categories/{category}/sources", s.listSources)
			r.Get("/sources/{source}/records", s.listRecords)
			r.Get("/summary", s.latestSummary)
			r.Get("/runs", s.listRuns)
			r.Post("/runs", s.startRun)
			r.Get("/runs/{run_id}", s.getRun)
		})
	})

	s.router = r
	return s
}

// Wait blocks until triggered runs finish. When ctx ends first the runs are
// canceled and Wait still returns only after they have stopped.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelRuns()
		<-done
		return fmt.Errorf("in-flight run canceled: %w", ctx.Err())
	}
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Catalog == nil || len(s.deps.Catalog.Categories()) == 0 {
		writeError(w, http.StatusServiceUnavailable, "no sources loaded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type categoryDTO struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	Sources int    `json:"sources"`
}

type sourceDTO struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	Strategy    string `json:"strategy"`
	Render      bool   `json:"render,omitempty"`
}

func (s *Server) listCategories(w http.ResponseWriter, _ *http.Request) {
	names := s.deps.Catalog.Categories()
	out := make([]categoryDTO, 0, len(names))
	for _, name := range names {
		out = append(out, categoryDTO{
			Name:    name,
			Label:   s.deps.Catalog.Label(name),
			Sources: len(s.deps.Catalog.SourcesIn(name)),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": out})
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	if !s.deps.Catalog.Has(category) {
		writeError(w, http.StatusNotFound, "unknown category")
		return
	}
	srcs := s.deps.Catalog.SourcesIn(category)
	out := make([]sourceDTO, 0, len(srcs))
	for _, src := range srcs {
		out = append(out, sourceDTO{
			ID:          src.ID,
			URL:         src.Locator,
			Description: src.Descriptor,
			Strategy:    string(src.Strategy),
			Render:      src.Render,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": category, "sources": out})
}

func (s *Server) latestSummary(w http.ResponseWriter, _ *http.Request) {
	summary, err := orchestrator.ReadSummary(s.deps.LogDir)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNoSummary) {
			writeError(w, http.StatusNotFound, "no completed run")
			return
		}
		s.logger.Error("read summary failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read summary")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type probeRequest struct {
	Category string `json:"category"`
}

type probeResponse struct {
	probe.Report
	Percent float64      `json:"percent"`
	Health  probe.Health `json:"health"`
}

func (s *Server) runProbe(w http.ResponseWriter, r *http.Request) {
	if s.deps.Prober == nil {
		writeError(w, http.StatusServiceUnavailable, "prober unavailable")
		return
	}
	var req probeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	var sources probe.Sources = s.deps.Catalog
	if req.Category != "" {
		if !s.deps.Catalog.Has(req.Category) {
			writeError(w, http.StatusNotFound, "unknown category")
			return
		}
		sources = singleCategory{Catalog: s.deps.Catalog, name: req.Category}
	}
	report := s.deps.Prober.Run(r.Context(), sources, nil)
	writeJSON(w, http.StatusOK, probeResponse{
		Report:  report,
		Percent: report.Percent(),
		Health:  report.Health(),
	})
}

type singleCategory struct {
	Catalog
	name string
}

func (c singleCategory) Categories() []string {
	return []string{c.name}
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "collection runs disabled")
		return
	}
	if !s.running.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.running.Store(false)
		summary, err := s.deps.Runner.Run(s.runCtx)
		if err != nil {
			s.logger.Error("triggered run failed", zap.Error(err))
			return
		}
		s.logger.Info("triggered run finished",
			zap.String("run_id", summary.RunID),
			zap.Int("success", summary.SuccessCount),
			zap.Int("failure", summary.FailureCount),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	runs, err := s.deps.Runs.ListRuns(ctx, limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []postgres.RunRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	runID := chi.URLParam(r, "run_id")
	if _, err := uuid.Parse(runID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run_id")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, postgres.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Records == nil {
		writeError(w, http.StatusServiceUnavailable, "record index unavailable")
		return
	}
	limit, _, err := parseLimitOffset(r, defaultRecordLimit, maxRecordLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	sourceID := chi.URLParam(r, "source")
	records, err := s.deps.Records.LatestForSource(ctx, sourceID, limit)
	if err != nil {
		s.logger.Error("list records failed", zap.String("source", sourceID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []collector.IndexEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"source": sourceID, "records": records})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(v, maxLimit)
	}
	offset := 0
	if raw := strings.TrimSpace(q.Get("offset")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = v
	}
	return limit, offset, nil
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request carrying ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.String("request_id", RequestID(r.Context())),
						zap.Any("panic", rec),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
