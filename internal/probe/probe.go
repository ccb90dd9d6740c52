// Package probe checks that camera sources are reachable and serve a
// non-empty payload, without analyzing or storing anything.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/clock/system"
	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultSampleBytes = 1024
	maxErrorLen        = 100
)

// Sources enumerates categories, their display labels and their sources.
type Sources interface {
	Categories() []string
	SourcesIn(category string) []collector.CameraSource
	Label(category string) string
}

// Config tunes each probe.
type Config struct {
	Timeout     time.Duration
	SampleBytes int
}

// Prober runs HEAD-then-sample checks.
type Prober struct {
	cfg     Config
	fetcher collector.Fetcher
	clock   collector.Clock
	logger  *zap.Logger
}

// New builds a Prober over fetcher.
func New(cfg Config, fetcher collector.Fetcher, clock collector.Clock, logger *zap.Logger) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.SampleBytes <= 0 {
		cfg.SampleBytes = defaultSampleBytes
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, fetcher: fetcher, clock: clock, logger: logger}
}

// Run probes every source of every category, sequentially and in order.
// onResult, if set, is called after each probe.
func (p *Prober) Run(ctx context.Context, sources Sources, onResult func(collector.ProbeResult)) Report {
	report := Report{StartedAt: p.clock.Now(), Timeout: p.cfg.Timeout}
	for _, category := range sources.Categories() {
		cat := CategoryReport{Category: category, Label: sources.Label(category)}
		for _, src := range sources.SourcesIn(category) {
			res := p.ProbeSource(ctx, src)
			cat.add(res)
			if onResult != nil {
				onResult(res)
			}
		}
		report.add(cat)
	}
	p.logger.Info("verification complete",
		zap.Int("working", report.Working),
		zap.Int("total", report.Total),
		zap.String("health", string(report.Health())),
	)
	return report
}

// ProbeSource checks one source's locator: a HEAD that must answer 200,
// then a GET whose first SampleBytes must be non-empty.
func (p *Prober) ProbeSource(ctx context.Context, src collector.CameraSource) collector.ProbeResult {
	res := collector.ProbeResult{SourceID: src.ID, Category: src.Category, URL: src.Locator}
	defer func() {
		metrics.ObserveProbe(src.Category, res.Success)
		p.logger.Debug("source probed",
			zap.String("source", src.ID),
			zap.Bool("success", res.Success),
			zap.Int("status", res.StatusCode),
			zap.String("error", res.Error),
		)
	}()
	if src.Locator == "" {
		res.Error = "No URL provided"
		return res
	}

	head, err := p.fetcher.Fetch(ctx, collector.FetchRequest{
		URL:     src.Locator,
		Method:  http.MethodHead,
		Timeout: p.cfg.Timeout,
	})
	if err != nil {
		res.StatusCode, res.Error = p.describe(err)
		return res
	}
	res.StatusCode = head.StatusCode
	if head.StatusCode != http.StatusOK {
		res.Error = fmt.Sprintf("HTTP %d", head.StatusCode)
		return res
	}

	sample, err := p.fetcher.Fetch(ctx, collector.FetchRequest{
		URL:          src.Locator,
		Method:       http.MethodGet,
		Timeout:      p.cfg.Timeout,
		MaxBodyBytes: p.cfg.SampleBytes,
	})
	if err != nil {
		res.StatusCode, res.Error = p.describe(err)
		return res
	}
	res.StatusCode = sample.StatusCode
	if len(sample.Body) == 0 {
		res.Error = "Empty response"
		return res
	}
	res.Success = true
	res.SizeBytes = sample.ContentLength()
	if res.SizeBytes < 0 {
		res.SizeBytes = int64(len(sample.Body))
	}
	return res
}

func (p *Prober) describe(err error) (int, string) {
	var statusErr *collector.HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode, fmt.Sprintf("HTTP %d", statusErr.StatusCode)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return 0, fmt.Sprintf("Timeout after %s", p.cfg.Timeout)
	}
	return 0, Truncate(err.Error(), maxErrorLen)
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
