package storage

import (
	"context"
	"fmt"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/storage/gcs"
)

// GCSClientFactory creates Cloud Storage clients.
type GCSClientFactory interface {
	NewClient(ctx context.Context) (*gcsclient.Client, error)
}

// DefaultGCSClientFactory uses Application Default Credentials.
type DefaultGCSClientFactory struct{}

// NewClient creates a client with ambient credentials.
func (DefaultGCSClientFactory) NewClient(ctx context.Context) (*gcsclient.Client, error) {
	return gcsclient.NewClient(ctx)
}

// NewGCSProvider opens a client, verifies the bucket is reachable and returns
// a create-only blob store over it.
func NewGCSProvider(
	ctx context.Context,
	bucket, prefix string,
	factory GCSClientFactory,
	logger *zap.Logger,
) (*gcs.BlobStore, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := factory.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("failed to close GCS client after bucket check failure", zap.Error(closeErr))
		}
		return nil, nil, fmt.Errorf("failed to get GCS bucket '%s' attributes: %w", bucket, err)
	}
	store, err := gcs.New(client, gcs.Config{Bucket: bucket, Prefix: prefix})
	if err != nil {
		_ = client.Close() //nolint:errcheck // best-effort cleanup
		return nil, nil, err
	}
	return store, client.Close, nil
}
