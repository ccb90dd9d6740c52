// Package persist turns analysis results into durable, compressed
// collection records.
package persist

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/morikuni/failure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/artifact"
	"github.com/JakeFAU/skycam-collector/internal/clock/system"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	idgen "github.com/JakeFAU/skycam-collector/internal/id/uuid"
)

// ContentType is the media type of stored records.
const ContentType = "application/gzip"

// Writer implements collector.RecordWriter.
type Writer struct {
	store     collector.BlobStore
	index     collector.RecordIndex
	publisher collector.Publisher
	topic     string
	clock     collector.Clock
	ids       collector.IDGenerator
	logger    *zap.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithIndex adds a best-effort index row per record.
func WithIndex(index collector.RecordIndex) Option {
	return func(w *Writer) { w.index = index }
}

// WithPublisher adds a best-effort notification per record on topic.
func WithPublisher(publisher collector.Publisher, topic string) Option {
	return func(w *Writer) {
		w.publisher = publisher
		w.topic = topic
	}
}

// WithIDs overrides how index entry identifiers are minted.
func WithIDs(ids collector.IDGenerator) Option {
	return func(w *Writer) { w.ids = ids }
}

// WithClock overrides the record timestamp source.
func WithClock(clock collector.Clock) Option {
	return func(w *Writer) { w.clock = clock }
}

// New builds a Writer over store.
func New(store collector.BlobStore, logger *zap.Logger, opts ...Option) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{store: store, clock: system.New(), ids: idgen.New(), logger: logger}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RecordPath is the store-relative name of a record.
func RecordPath(sourceID string, rec collector.CollectionRecord) string {
	return sourceID + "/" + rec.Timestamp.Format(artifact.StampLayout) + ".json.gz"
}

// Persist writes one record. Index and notification failures are logged only.
func (w *Writer) Persist(
	ctx context.Context,
	metadata map[string]string,
	analysis collector.AnalysisResult,
) (collector.CollectionRecord, error) {
	sourceID := metadata[collector.MetaSource]
	if strings.TrimSpace(sourceID) == "" {
		return collector.CollectionRecord{}, failure.New(collector.ErrPersistence,
			failure.Message("record metadata has no source id"),
		)
	}
	rec := collector.CollectionRecord{
		Metadata:  maps.Clone(metadata),
		Analysis:  analysis,
		Timestamp: w.clock.Now().UTC(),
	}
	fields := failure.Context{"source": sourceID}

	data, err := encode(rec)
	if err != nil {
		return collector.CollectionRecord{}, failure.Wrap(err,
			failure.WithCode(collector.ErrPersistence),
			failure.Message("encode record"),
			fields,
		)
	}
	name := RecordPath(sourceID, rec)
	location, err := w.store.PutObject(ctx, name, ContentType, data)
	if err != nil {
		msg := "write record"
		if errors.Is(err, collector.ErrObjectExists) {
			msg = "record already exists"
		}
		return collector.CollectionRecord{}, failure.Wrap(err,
			failure.WithCode(collector.ErrPersistence),
			failure.Message(msg),
			failure.Context{"source": sourceID, "path": name},
		)
	}
	rec.Location = location
	w.logger.Info("record persisted",
		zap.String("source", sourceID),
		zap.String("location", location),
		zap.Int("bytes", len(data)),
	)

	w.secondary(ctx, sourceID, rec)
	return rec, nil
}

func (w *Writer) secondary(ctx context.Context, sourceID string, rec collector.CollectionRecord) {
	runID := collector.RunIDFromContext(ctx)
	category := rec.Metadata[collector.MetaCategory]
	if w.index != nil {
		entry := collector.IndexEntry{
			ID:        w.ids.NewID(),
			RunID:     runID,
			SourceID:  sourceID,
			Category:  category,
			Location:  rec.Location,
			ImageURL:  imageURL(rec.Metadata),
			Collected: rec.Timestamp,
		}
		if n, ok := rec.Analysis.StarCount(); ok {
			entry.StarCount = &n
		}
		if err := w.index.RecordCollection(ctx, entry); err != nil {
			w.logger.Warn("record index insert failed", zap.String("source", sourceID), zap.Error(err))
		}
	}
	if w.publisher != nil && w.topic != "" {
		event := collector.RecordEvent{
			RunID:     runID,
			SourceID:  sourceID,
			Category:  category,
			Location:  rec.Location,
			Timestamp: rec.Timestamp,
		}
		if _, err := w.publisher.Publish(ctx, w.topic, event); err != nil {
			w.logger.Warn("record notification failed", zap.String("source", sourceID), zap.Error(err))
		}
	}
}

func imageURL(meta map[string]string) string {
	if u := meta[collector.MetaImageURL]; u != "" {
		return u
	}
	return meta[collector.MetaURL]
}

func encode(rec collector.CollectionRecord) ([]byte, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress record: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads a stored record back.
func Decode(data []byte) (collector.CollectionRecord, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return collector.CollectionRecord{}, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close() //nolint:errcheck // reader over memory

	var wire struct {
		Metadata  map[string]string `json:"metadata"`
		Analysis  json.RawMessage   `json:"analysis"`
		Timestamp time.Time         `json:"timestamp"`
	}
	if err := json.NewDecoder(zr).Decode(&wire); err != nil {
		return collector.CollectionRecord{}, fmt.Errorf("decode record: %w", err)
	}
	rec := collector.CollectionRecord{Metadata: wire.Metadata, Timestamp: wire.Timestamp}
	if len(wire.Analysis) > 0 && string(wire.Analysis) != "null" {
		rec.Analysis = collector.AnalysisResult{Raw: wire.Analysis}
	}
	return rec, nil
}
