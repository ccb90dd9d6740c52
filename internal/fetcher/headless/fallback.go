package headless

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Fallback stands in for Renderer when headless rendering is disabled. It
// serves render requests with a plain fetch and warns once.
type Fallback struct {
	plain  collector.Fetcher
	logger *zap.Logger
	warned chan struct{}
}

// NewFallback wraps a plain fetcher.
func NewFallback(plain collector.Fetcher, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{plain: plain, logger: logger, warned: make(chan struct{}, 1)}
}

// Fetch delegates to the plain fetcher.
func (f *Fallback) Fetch(ctx context.Context, request collector.FetchRequest) (collector.FetchResponse, error) {
	select {
	case f.warned <- struct{}{}:
		f.logger.Warn("headless rendering disabled; fetching page without rendering", zap.String("url", request.URL))
	default:
	}
	return f.plain.Fetch(ctx, request)
}
