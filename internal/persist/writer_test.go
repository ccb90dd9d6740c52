package persist

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/morikuni/failure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	idgen "github.com/JakeFAU/skycam-collector/internal/id/uuid"
	pubmemory "github.com/JakeFAU/skycam-collector/internal/publisher/memory"
	"github.com/JakeFAU/skycam-collector/internal/storage"
	"github.com/JakeFAU/skycam-collector/internal/storage/memory"
)

var recordTime = time.Date(2024, 5, 1, 3, 4, 5, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeIndex struct {
	entries []collector.IndexEntry
	err     error
}

func (f *fakeIndex) RecordCollection(_ context.Context, e collector.IndexEntry) error {
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, e)
	return nil
}

func metadata() map[string]string {
	return map[string]string{
		collector.MetaSource:   "cam1",
		collector.MetaCategory: "weatherusa",
		collector.MetaURL:      "https://cam.example/latest.jpg",
	}
}

func TestPersistWritesCompressedRecord(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := New(store, nil, WithClock(fixedClock{now: recordTime}))
	analysis := collector.AnalysisResult{Raw: json.RawMessage(`{"stars":[{"x":1},{"x":2}]}`)}

	meta := metadata()
	rec, err := w.Persist(context.Background(), meta, analysis)
	require.NoError(t, err)
	assert.Equal(t, "memory://cam1/2024-05-01T03-04-05.json.gz", rec.Location)
	assert.Equal(t, recordTime, rec.Timestamp)

	meta[collector.MetaSource] = "mutated"
	assert.Equal(t, "cam1", rec.Metadata[collector.MetaSource], "record owns its metadata")

	data, ok := store.Get("cam1/2024-05-01T03-04-05.json.gz")
	require.True(t, ok)
	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "cam1", decoded.Metadata[collector.MetaSource])
	assert.Equal(t, recordTime, decoded.Timestamp)
	n, ok := decoded.Analysis.StarCount()
	assert.True(t, ok)
	assert.Equal(t, 2, n)
}

func TestPersistNeverOverwrites(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	w := New(store, nil, WithClock(fixedClock{now: recordTime}))
	ctx := context.Background()

	_, err := w.Persist(ctx, metadata(), collector.AnalysisResult{})
	require.NoError(t, err)
	_, err = w.Persist(ctx, metadata(), collector.AnalysisResult{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, collector.ErrPersistence))
	assert.ErrorIs(t, err, collector.ErrObjectExists)
	assert.Len(t, store.Paths(), 1)
}

func TestPersistStoreFailureIsPersistenceError(t *testing.T) {
	t.Parallel()

	store := &storage.MockBlobStore{}
	store.On("PutObject", mock.Anything, "cam1/2024-05-01T03-04-05.json.gz", ContentType, mock.Anything).
		Return("", errors.New("disk full"))

	idx := &fakeIndex{}
	pub := pubmemory.New()
	w := New(store, nil,
		WithClock(fixedClock{now: recordTime}),
		WithIndex(idx),
		WithPublisher(pub, "records"),
	)
	_, err := w.Persist(context.Background(), metadata(), collector.AnalysisResult{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, collector.ErrPersistence))
	assert.Empty(t, idx.entries, "no secondary writes for an unwritten record")
	assert.Empty(t, pub.Messages())
	store.AssertExpectations(t)
}

func TestPersistRequiresSource(t *testing.T) {
	t.Parallel()

	w := New(memory.NewBlobStore(), nil)
	_, err := w.Persist(context.Background(), map[string]string{}, collector.AnalysisResult{})
	require.Error(t, err)
	assert.True(t, failure.Is(err, collector.ErrPersistence))
}

func TestPersistSecondaryDeliveries(t *testing.T) {
	t.Parallel()

	idx := &fakeIndex{}
	pub := pubmemory.New()
	w := New(memory.NewBlobStore(), nil,
		WithClock(fixedClock{now: recordTime}),
		WithIndex(idx),
		WithPublisher(pub, "records"),
		WithIDs(&idgen.Sequence{Prefix: "rec"}),
	)
	ctx := collector.WithRunID(context.Background(), "run-7")
	analysis := collector.AnalysisResult{Raw: json.RawMessage(`{"stars":[1,2,3]}`)}

	_, err := w.Persist(ctx, metadata(), analysis)
	require.NoError(t, err)

	require.Len(t, idx.entries, 1)
	entry := idx.entries[0]
	assert.Equal(t, "rec-1", entry.ID)
	assert.Equal(t, "run-7", entry.RunID)
	assert.Equal(t, "weatherusa", entry.Category)
	assert.Equal(t, "https://cam.example/latest.jpg", entry.ImageURL)
	require.NotNil(t, entry.StarCount)
	assert.Equal(t, 3, *entry.StarCount)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "records", msgs[0].Topic)
	var event collector.RecordEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	assert.Equal(t, "run-7", event.RunID)
	assert.Equal(t, "memory://cam1/2024-05-01T03-04-05.json.gz", event.Location)
}

func TestPersistSecondaryFailuresAreLoggedOnly(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	pub := pubmemory.New()
	pub.Err = errors.New("topic gone")
	w := New(memory.NewBlobStore(), zap.New(core),
		WithClock(fixedClock{now: recordTime}),
		WithIndex(&fakeIndex{err: errors.New("db down")}),
		WithPublisher(pub, "records"),
	)

	rec, err := w.Persist(context.Background(), metadata(), collector.AnalysisResult{})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.Location)
	assert.Equal(t, 1, logs.FilterMessage("record index insert failed").Len())
	assert.Equal(t, 1, logs.FilterMessage("record notification failed").Len())
}

func TestDecodeNullAnalysis(t *testing.T) {
	t.Parallel()

	data, err := encode(collector.CollectionRecord{Metadata: metadata(), Timestamp: recordTime})
	require.NoError(t, err)
	rec, err := Decode(data)
	require.NoError(t, err)
	assert.Empty(t, rec.Analysis.Raw)

	_, err = Decode([]byte("not gzip"))
	require.Error(t, err)
}
