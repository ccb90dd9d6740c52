package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/morikuni/failure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/skycam-collector/internal/artifact"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	idgen "github.com/JakeFAU/skycam-collector/internal/id/uuid"
	"github.com/JakeFAU/skycam-collector/internal/persist"
	"github.com/JakeFAU/skycam-collector/internal/progress"
	"github.com/JakeFAU/skycam-collector/internal/storage/memory"
)

type harness struct {
	t        *testing.T
	scratch  string
	logDir   string
	store    *memory.BlobStore
	resolver *fakeResolver
	fetcher  *fakeFetcher
	analyzer *fakeAnalyzer
	writer   collector.RecordWriter
	events   *recordingEmitter
	sources  *fakeSources
	parallel int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	store := memory.NewBlobStore()
	return &harness{
		t:        t,
		scratch:  filepath.Join(root, "tmp"),
		logDir:   filepath.Join(root, "logs"),
		store:    store,
		resolver: &fakeResolver{errs: map[string]error{}},
		fetcher:  &fakeFetcher{errs: map[string]error{}},
		analyzer: &fakeAnalyzer{behaviour: map[string]string{}},
		writer:   persist.New(store, nil),
		events:   &recordingEmitter{},
		sources:  &fakeSources{by: map[string][]collector.CameraSource{}},
	}
}

func (h *harness) category(name string, ids ...string) {
	h.sources.order = append(h.sources.order, name)
	for _, id := range ids {
		h.sources.by[name] = append(h.sources.by[name], collector.CameraSource{
			ID:       id,
			Category: name,
			Locator:  "https://cams.example/" + id + ".jpg",
			Strategy: collector.StrategyDirect,
		})
	}
}

func (h *harness) run() collector.RunSummary {
	h.t.Helper()
	engine, err := artifact.New(artifact.Config{ScratchDir: h.scratch, Timeout: time.Second}, h.fetcher, nil, nil)
	require.NoError(h.t, err)
	o, err := New(Config{LogDir: h.logDir, CategoryParallelism: h.parallel}, Deps{
		Sources:  h.sources,
		Resolver: h.resolver,
		Fetcher:  engine,
		Analyzer: h.analyzer,
		Writer:   h.writer,
		Events:   h.events,
		IDs:      &idgen.Sequence{Prefix: "run"},
	}, nil)
	require.NoError(h.t, err)
	summary, err := o.Run(context.Background())
	require.NoError(h.t, err)
	return summary
}

func (h *harness) assertScratchEmpty() {
	h.t.Helper()
	entries, err := os.ReadDir(h.scratch)
	require.NoError(h.t, err)
	assert.Empty(h.t, entries, "scratch files left behind")
}

func (h *harness) recordedSources() []string {
	var out []string
	for _, p := range h.store.Paths() {
		out = append(out, strings.SplitN(p, "/", 2)[0])
	}
	return out
}

func TestFirstSuccessWinsAndRestAreSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "a", "b", "c")
	h.fetcher.errs["a"] = &collector.HTTPStatusError{URL: "https://cams.example/a.jpg", StatusCode: 503}

	summary := h.run()

	want := []collector.CategoryOutcome{{
		Category:  "allsky",
		Winner:    "b",
		Attempted: []string{"a", "b"},
		Failed:    []string{"a"},
		Skipped:   []string{"c"},
	}}
	if diff := cmp.Diff(want, summary.Categories); diff != "" {
		t.Fatalf("category outcomes mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 1, summary.FailureCount)
	assert.Equal(t, 1, summary.SkippedCount)
	assert.Equal(t, 3, summary.TotalSources)
	assert.Equal(t, []string{"a", "b"}, h.resolver.seen(), "c is never attempted")
	assert.Equal(t, []string{"b"}, h.recordedSources())
	h.assertScratchEmpty()
}

func TestAllFailingCategory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("weatherusa", "resolve", "timeout", "garbage", "crash")
	h.resolver.errs["resolve"] = failure.New(collector.ErrNoResourceFound)
	h.analyzer.behaviour["timeout"] = "timeout"
	h.analyzer.behaviour["garbage"] = "malformed"
	h.analyzer.behaviour["crash"] = "exit"

	summary := h.run()

	assert.Equal(t, 0, summary.SuccessCount)
	assert.Equal(t, 4, summary.FailureCount)
	assert.Equal(t, 4, summary.TotalSources)
	assert.Empty(t, summary.Categories[0].Winner)
	assert.Empty(t, h.store.Paths(), "no records for an all-failed category")
	h.assertScratchEmpty()
}

func TestCategoriesAreIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("broken", "x1", "x2")
	h.category("working", "w1")
	h.category("alsobroken", "y1")
	for _, id := range []string{"x1", "x2", "y1"} {
		h.fetcher.errs[id] = errors.New("connection refused")
	}

	summary := h.run()

	require.Len(t, summary.Categories, 3)
	assert.Equal(t, "w1", summary.Categories[1].Winner)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 3, summary.FailureCount)
	assert.Equal(t, []string{"w1"}, h.recordedSources())
}

func TestPersistenceFailureCountsAsFailureAndCleansUp(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "a", "b")
	h.writer = failingWriter{fail: map[string]bool{"a": true}, next: h.writer}

	summary := h.run()

	assert.Equal(t, "b", summary.Categories[0].Winner)
	assert.Equal(t, []string{"a"}, summary.Categories[0].Failed)
	assert.Equal(t, []string{"b"}, h.recordedSources())
	h.assertScratchEmpty()
}

func TestPanicsAreIsolatedPerSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "resolver-panic", "analyzer-panic", "good")
	h.resolver.panics = map[string]bool{"resolver-panic": true}
	h.analyzer.behaviour["analyzer-panic"] = "panic"

	summary := h.run()

	assert.Equal(t, "good", summary.Categories[0].Winner)
	assert.Equal(t, []string{"resolver-panic", "analyzer-panic"}, summary.Categories[0].Failed)
	h.assertScratchEmpty()
}

func TestExactlyOneOutcomePerProcessedSource(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("c1", "a", "b", "c")
	h.category("c2", "d", "e")
	h.category("c3", "f")
	h.resolver.errs["a"] = failure.New(collector.ErrResolution)
	h.analyzer.behaviour["d"] = "timeout"
	h.analyzer.behaviour["e"] = "malformed"

	summary := h.run()

	recorded := map[string]bool{}
	for _, id := range h.recordedSources() {
		recorded[id] = true
	}
	for _, out := range summary.Categories {
		failed := map[string]bool{}
		for _, id := range out.Failed {
			failed[id] = true
		}
		for _, id := range out.Attempted {
			assert.NotEqual(t, recorded[id], failed[id], "source %s must be exactly one of recorded or failed", id)
		}
	}
	assert.Equal(t, summary.TotalSources, summary.SuccessCount+summary.FailureCount+summary.SkippedCount)
}

func TestParallelCategoriesKeepOrderedTries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.parallel = 3
	for _, cat := range []string{"c1", "c2", "c3", "c4"} {
		h.category(cat, cat+"-a", cat+"-b", cat+"-c")
		h.fetcher.errs[cat+"-a"] = errors.New("timeout")
	}

	summary := h.run()

	require.Len(t, summary.Categories, 4)
	for i, cat := range []string{"c1", "c2", "c3", "c4"} {
		out := summary.Categories[i]
		assert.Equal(t, cat, out.Category)
		assert.Equal(t, []string{cat + "-a", cat + "-b"}, out.Attempted)
		assert.Equal(t, cat+"-b", out.Winner)
		assert.Equal(t, []string{cat + "-c"}, out.Skipped)
	}
	assert.Equal(t, 4, summary.SuccessCount)
	h.assertScratchEmpty()
}

func TestRunWritesSummaryAndLog(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "a")

	summary := h.run()

	assert.Equal(t, "run-1", summary.RunID)
	assert.True(t, strings.HasPrefix(filepath.Base(summary.LogPointer), "collection_"))
	_, err := os.Stat(summary.LogPointer)
	require.NoError(t, err)

	onDisk, err := ReadSummary(h.logDir)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, onDisk.RunID)
	assert.Equal(t, summary.SuccessCount, onDisk.SuccessCount)

	raw, err := os.ReadFile(filepath.Join(h.logDir, SummaryFileName))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "log_file")
	assert.Contains(t, fields, "success_count")
}

func TestEmptyRunStillWritesSummary(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary := h.run()
	assert.Equal(t, 0, summary.TotalSources)
	_, err := ReadSummary(h.logDir)
	require.NoError(t, err)
}

func TestTransitionsAreReported(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "a", "b")

	_ = h.run()

	want := map[string][]progress.State{
		"a": {progress.StateResolving, progress.StateFetching, progress.StateAnalyzing, progress.StatePersisting, progress.StateSucceeded},
		"b": {progress.StateSkipped},
	}
	got := map[string][]progress.State{}
	stages := map[progress.Stage]int{}
	for _, evt := range h.events.all() {
		stages[evt.Stage]++
		require.NoError(t, evt.Validate())
		if evt.Stage == progress.StageTransition {
			got[evt.SourceID] = append(got[evt.SourceID], evt.To)
		}
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("transitions mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1, stages[progress.StageRunStart])
	assert.Equal(t, 1, stages[progress.StageRunDone])
}

func TestUnusableLogDirIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.category("allsky", "a")
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	engine, err := artifact.New(artifact.Config{ScratchDir: h.scratch}, h.fetcher, nil, nil)
	require.NoError(t, err)
	o, err := New(Config{LogDir: blocker}, Deps{
		Sources:  h.sources,
		Resolver: h.resolver,
		Fetcher:  engine,
		Analyzer: h.analyzer,
		Writer:   h.writer,
	}, nil)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.Error(t, err)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{}, nil)
	require.Error(t, err)
	_, err = New(Config{LogDir: "logs"}, Deps{}, nil)
	require.Error(t, err)
}

type fakeSources struct {
	order []string
	by    map[string][]collector.CameraSource
}

func (f *fakeSources) Categories() []string { return f.order }

func (f *fakeSources) SourcesIn(category string) []collector.CameraSource { return f.by[category] }

type fakeResolver struct {
	mu     sync.Mutex
	errs   map[string]error
	panics map[string]bool
	calls  []string
}

func (f *fakeResolver) Resolve(_ context.Context, src collector.CameraSource) (collector.ResolvedResource, error) {
	f.mu.Lock()
	f.calls = append(f.calls, src.ID)
	f.mu.Unlock()
	if f.panics[src.ID] {
		panic("resolver exploded")
	}
	if err := f.errs[src.ID]; err != nil {
		return collector.ResolvedResource{}, err
	}
	return collector.ResolvedResource{BinaryURL: src.Locator, SourceID: src.ID}, nil
}

func (f *fakeResolver) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeFetcher serves image bytes for every URL except those whose source id has an error.
type fakeFetcher struct {
	errs map[string]error
}

func (f *fakeFetcher) Fetch(_ context.Context, req collector.FetchRequest) (collector.FetchResponse, error) {
	id := strings.TrimSuffix(filepath.Base(req.URL), ".jpg")
	if err := f.errs[id]; err != nil {
		return collector.FetchResponse{}, err
	}
	return collector.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte("jpeg-bytes-" + id)}, nil
}

// fakeAnalyzer looks up behaviour by the source id prefix of the scratch file name.
type fakeAnalyzer struct {
	behaviour map[string]string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, path string) (collector.AnalysisResult, error) {
	if _, err := os.Stat(path); err != nil {
		return collector.AnalysisResult{}, err
	}
	base := filepath.Base(path)
	id := base[:strings.LastIndex(base, "_")]
	switch f.behaviour[id] {
	case "timeout":
		return collector.AnalysisResult{}, failure.New(collector.ErrAnalysisTimeout)
	case "malformed":
		return collector.AnalysisResult{}, failure.New(collector.ErrAnalysisMalformedOutput)
	case "exit":
		return collector.AnalysisResult{}, failure.New(collector.ErrAnalysisProcess)
	case "panic":
		panic("analyzer exploded")
	}
	return collector.AnalysisResult{Raw: json.RawMessage(`{"stars":[]}`)}, nil
}

type failingWriter struct {
	fail map[string]bool
	next collector.RecordWriter
}

func (w failingWriter) Persist(
	ctx context.Context,
	meta map[string]string,
	result collector.AnalysisResult,
) (collector.CollectionRecord, error) {
	if w.fail[meta[collector.MetaSource]] {
		return collector.CollectionRecord{}, failure.New(collector.ErrPersistence, failure.Message("disk full"))
	}
	return w.next.Persist(ctx, meta, result)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) all() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]progress.Event(nil), r.events...)
}
