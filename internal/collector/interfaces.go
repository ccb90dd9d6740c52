package collector

import (
	"context"
	"errors"
	"time"
)

// Fetcher performs one bounded HTTP exchange.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Resolver turns a source into a concrete binary URL.
type Resolver interface {
	Resolve(ctx context.Context, source CameraSource) (ResolvedResource, error)
}

// ArtifactFetcher downloads a resolved resource into scratch storage.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, source CameraSource, resource ResolvedResource) (ScrapeArtifact, error)
	Release(artifact ScrapeArtifact) error
}

// Analyzer runs the external analysis program on an artifact path.
type Analyzer interface {
	Analyze(ctx context.Context, path string) (AnalysisResult, error)
}

// RecordWriter durably writes a merged collection record.
type RecordWriter interface {
	Persist(ctx context.Context, metadata map[string]string, analysis AnalysisResult) (CollectionRecord, error)
}

// BlobStore writes objects and returns their URI. Writes never replace an
// existing object; a second write to the same path fails with ErrObjectExists.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// RecordIndex stores one searchable row per persisted record.
type RecordIndex interface {
	RecordCollection(ctx context.Context, entry IndexEntry) error
}

// Publisher pushes record notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator mints run and record identifiers.
type IDGenerator interface {
	NewID() string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// ErrObjectExists is returned by BlobStore implementations on a duplicate path.
var ErrObjectExists = errors.New("object already exists")
