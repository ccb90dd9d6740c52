// Package artifact downloads resolved camera images into scratch storage and
// guarantees their removal once consumed.
package artifact

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/morikuni/failure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/clock/system"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/hash/sha256"
	"github.com/JakeFAU/skycam-collector/internal/metrics"
)

// StampLayout formats timestamps embedded in scratch and record names.
const StampLayout = "2006-01-02T15-04-05"

// Config tunes downloads.
type Config struct {
	ScratchDir   string
	Timeout      time.Duration
	MaxBodyBytes int
}

// Engine implements collector.ArtifactFetcher.
type Engine struct {
	cfg     Config
	fetcher collector.Fetcher
	clock   collector.Clock
	logger  *zap.Logger
}

// New builds an Engine and ensures the scratch directory exists.
func New(cfg Config, fetcher collector.Fetcher, clock collector.Clock, logger *zap.Logger) (*Engine, error) {
	if cfg.ScratchDir == "" {
		return nil, fmt.Errorf("scratch dir is required")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o750); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, fetcher: fetcher, clock: clock, logger: logger}, nil
}

// Fetch downloads resource with a single bounded GET and writes it to scratch.
func (e *Engine) Fetch(
	ctx context.Context,
	source collector.CameraSource,
	resource collector.ResolvedResource,
) (collector.ScrapeArtifact, error) {
	fields := failure.Context{"source": source.ID, "url": resource.BinaryURL}
	resp, err := e.fetcher.Fetch(ctx, collector.FetchRequest{
		URL:            resource.BinaryURL,
		Timeout:        e.cfg.Timeout,
		MaxBodyBytes:   e.cfg.MaxBodyBytes,
		RejectOversize: true,
	})
	if err != nil {
		return collector.ScrapeArtifact{}, failure.Wrap(err,
			failure.WithCode(collector.ErrFetch),
			failure.Message("download image"),
			fields,
		)
	}
	if len(resp.Body) == 0 {
		return collector.ScrapeArtifact{}, failure.New(collector.ErrFetch,
			failure.Message("empty image body"),
			fields,
		)
	}

	name := fmt.Sprintf("%s_%s.%s", source.ID, e.clock.Now().Format(StampLayout), InferExtension(resource.BinaryURL))
	dest := filepath.Join(e.cfg.ScratchDir, name)
	//nolint:gosec // scratch path is built from configured dir and registry id
	if err := os.WriteFile(dest, resp.Body, 0o600); err != nil {
		_ = os.Remove(dest) //nolint:errcheck // partial write cleanup
		return collector.ScrapeArtifact{}, failure.Wrap(err,
			failure.WithCode(collector.ErrFetch),
			failure.Message("write scratch file"),
			fields,
		)
	}
	metrics.ObserveFetch(resource.BinaryURL, int64(len(resp.Body)))

	meta := map[string]string{
		collector.MetaSource:   source.ID,
		collector.MetaCategory: source.Category,
		collector.MetaURL:      resource.BinaryURL,
		collector.MetaSHA256:   sha256.Sum(resp.Body),
	}
	if source.Descriptor != "" {
		meta[collector.MetaDescription] = source.Descriptor
	}
	if ct := resp.Headers.Get("Content-Type"); ct != "" {
		meta[collector.MetaContentType] = ct
	}
	if source.Strategy == collector.StrategyIndirect {
		meta[collector.MetaPageURL] = resource.PageURL
		meta[collector.MetaImageURL] = resource.BinaryURL
	}

	e.logger.Debug("artifact written",
		zap.String("source", source.ID),
		zap.String("path", dest),
		zap.Int("bytes", len(resp.Body)),
	)
	return collector.ScrapeArtifact{
		Path:     dest,
		SourceID: source.ID,
		Metadata: meta,
		Bytes:    int64(len(resp.Body)),
	}, nil
}

// Release deletes the artifact's scratch file. A missing file is not an error.
func (e *Engine) Release(art collector.ScrapeArtifact) error {
	if art.Path == "" {
		return nil
	}
	if err := os.Remove(art.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove scratch file: %w", err)
	}
	return nil
}

var knownExtensions = []string{".png", ".jpeg", ".jpg", ".gif", ".webp"}

// InferExtension picks a file extension from the URL path, defaulting to jpg.
func InferExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	p = strings.ToLower(p)
	if ext := path.Ext(p); ext != "" {
		for _, known := range knownExtensions {
			if ext == known {
				return strings.TrimPrefix(known, ".")
			}
		}
	}
	// Some cameras serve e.g. /image.png/latest or /cam.jpeg?x.
	for _, known := range knownExtensions {
		if strings.Contains(p, known) {
			return strings.TrimPrefix(known, ".")
		}
	}
	return "jpg"
}
