// Package storage selects and constructs the BlobStore backend that
// collection records are written to.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/config"
	"github.com/JakeFAU/skycam-collector/internal/storage/local"
	"github.com/JakeFAU/skycam-collector/internal/storage/memory"
)

// Provider is an opened BlobStore plus the function that releases its resources.
type Provider struct {
	Store collector.BlobStore
	Close func() error
}

// Open builds the backend named by cfg.Storage.Backend. factory may be nil
// unless the backend is gcs.
func Open(ctx context.Context, cfg config.Config, factory GCSClientFactory, logger *zap.Logger) (Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	noop := func() error { return nil }
	switch cfg.Storage.Backend {
	case config.BackendLocal, "":
		store, err := local.New(local.Config{BaseDir: cfg.Paths.DataDir})
		if err != nil {
			return Provider{}, fmt.Errorf("open local store: %w", err)
		}
		logger.Info("record store ready", zap.String("backend", "local"), zap.String("dir", cfg.Paths.DataDir))
		return Provider{Store: store, Close: noop}, nil
	case config.BackendMemory:
		logger.Warn("records are kept in memory and lost on exit")
		return Provider{Store: memory.NewBlobStore(), Close: noop}, nil
	case config.BackendGCS:
		if factory == nil {
			factory = DefaultGCSClientFactory{}
		}
		store, closeFn, err := NewGCSProvider(ctx, cfg.Storage.GCSBucket, cfg.Storage.Prefix, factory, logger)
		if err != nil {
			return Provider{}, err
		}
		logger.Info("record store ready", zap.String("backend", "gcs"), zap.String("bucket", cfg.Storage.GCSBucket))
		return Provider{Store: store, Close: closeFn}, nil
	default:
		return Provider{}, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
