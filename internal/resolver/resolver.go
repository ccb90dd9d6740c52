// Package resolver turns a camera source into a concrete image URL.
//
// Direct sources resolve to their locator unchanged. Indirect sources point at
// an HTML page: the page is fetched once and searched for the image element,
// first by the source's discriminator attribute, then by any embedded
// reference containing the source's marker substring. The marker scan is a
// best-effort heuristic and can match a decorative image.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/morikuni/failure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Config tunes page fetches.
type Config struct {
	PageTimeout  time.Duration
	MaxPageBytes int
}

// ShellDetector spots pages whose image element only appears after scripts run.
type ShellDetector interface {
	ShouldRender(resp collector.FetchResponse) bool
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithShellDetector re-fetches a plain page through the renderer when the
// image is missing and d flags the page as a script shell.
func WithShellDetector(d ShellDetector) Option {
	return func(r *Resolver) { r.detector = d }
}

// Resolver implements collector.Resolver.
type Resolver struct {
	cfg      Config
	pages    collector.Fetcher
	renderer collector.Fetcher
	detector ShellDetector
	logger   *zap.Logger
}

// New builds a Resolver. renderer serves sources with Render set; when nil,
// pages is used for every source.
func New(cfg Config, pages, renderer collector.Fetcher, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if renderer == nil {
		renderer = pages
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	r := &Resolver{cfg: cfg, pages: pages, renderer: renderer, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the binary URL for source.
func (r *Resolver) Resolve(ctx context.Context, source collector.CameraSource) (collector.ResolvedResource, error) {
	switch source.Strategy {
	case collector.StrategyDirect, "":
		return collector.ResolvedResource{BinaryURL: source.Locator, SourceID: source.ID}, nil
	case collector.StrategyIndirect:
		return r.resolveIndirect(ctx, source)
	default:
		return collector.ResolvedResource{}, failure.New(collector.ErrConfig,
			failure.Message("unknown strategy"),
			failure.Context{"source": source.ID, "strategy": string(source.Strategy)},
		)
	}
}

func (r *Resolver) resolveIndirect(ctx context.Context, source collector.CameraSource) (collector.ResolvedResource, error) {
	fetcher := r.pages
	if source.Render {
		fetcher = r.renderer
	}
	resp, base, ref, err := r.scanPage(ctx, fetcher, source)
	if err != nil {
		return collector.ResolvedResource{}, err
	}
	if ref == "" && r.canPromote(source, resp) {
		r.logger.Debug("page looks script-rendered, retrying through renderer",
			zap.String("source", source.ID),
			zap.String("url", source.Locator),
		)
		resp, base, ref, err = r.scanPage(ctx, r.renderer, source)
		if err != nil {
			return collector.ResolvedResource{}, err
		}
	}
	pageURL := resp.URL
	if pageURL == "" {
		pageURL = source.Locator
	}
	if ref == "" {
		return collector.ResolvedResource{}, failure.New(collector.ErrNoResourceFound,
			failure.Message("no image reference on page"),
			failure.Context{"source": source.ID, "url": pageURL, "marker": source.Marker},
		)
	}

	abs, err := Absolutize(base, ref)
	if err != nil {
		return collector.ResolvedResource{}, failure.Wrap(err,
			failure.WithCode(collector.ErrNoResourceFound),
			failure.Message("unusable image reference"),
			failure.Context{"source": source.ID, "ref": ref},
		)
	}
	r.logger.Debug("resolved indirect source",
		zap.String("source", source.ID),
		zap.String("page_url", pageURL),
		zap.String("image_url", abs),
		zap.Bool("rendered", resp.Rendered),
	)
	return collector.ResolvedResource{BinaryURL: abs, SourceID: source.ID, PageURL: pageURL}, nil
}

func (r *Resolver) canPromote(source collector.CameraSource, resp collector.FetchResponse) bool {
	return r.detector != nil && !source.Render && r.renderer != r.pages && r.detector.ShouldRender(resp)
}

// scanPage fetches the locator page and searches it for the image reference.
func (r *Resolver) scanPage(
	ctx context.Context,
	fetcher collector.Fetcher,
	source collector.CameraSource,
) (collector.FetchResponse, *url.URL, string, error) {
	resp, err := fetcher.Fetch(ctx, collector.FetchRequest{
		URL:          source.Locator,
		Timeout:      r.cfg.PageTimeout,
		MaxBodyBytes: r.cfg.MaxPageBytes,
	})
	if err != nil {
		return resp, nil, "", failure.Wrap(err,
			failure.WithCode(collector.ErrResolution),
			failure.Message("fetch locator page"),
			failure.Context{"source": source.ID, "url": source.Locator},
		)
	}

	pageURL := resp.URL
	if pageURL == "" {
		pageURL = source.Locator
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return resp, nil, "", failure.Wrap(err,
			failure.WithCode(collector.ErrResolution),
			failure.Message("parse page url"),
			failure.Context{"source": source.ID, "url": pageURL},
		)
	}

	ref, err := FindImageRef(resp.Body, source.Discriminator, source.Marker)
	if err != nil {
		return resp, nil, "", failure.Wrap(err,
			failure.WithCode(collector.ErrResolution),
			failure.Context{"source": source.ID, "url": pageURL},
		)
	}
	return resp, base, ref, nil
}

// FindImageRef returns the first image reference in page, or "" when none
// matches. The discriminator element wins over marker matches.
func FindImageRef(page []byte, disc collector.Discriminator, marker string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("parse page: %w", err)
	}

	if disc.Attr != "" {
		var found string
		doc.Find("img").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if v, ok := s.Attr(disc.Attr); ok && v == disc.Value {
				if src := strings.TrimSpace(s.AttrOr("src", "")); src != "" {
					found = src
					return false
				}
			}
			return true
		})
		if found != "" {
			return found, nil
		}
	}

	if marker == "" {
		return "", nil
	}
	var found string
	doc.Find("img[src], source[src], embed[src]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		src := strings.TrimSpace(s.AttrOr("src", ""))
		if strings.Contains(src, marker) {
			found = src
			return false
		}
		return true
	})
	return found, nil
}

// Absolutize resolves ref against the page URL. Scheme-relative refs take
// the page's scheme.
func Absolutize(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse image ref: %w", err)
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", fmt.Errorf("image ref %q resolves to unsupported scheme %q", ref, abs.Scheme)
	}
	return abs.String(), nil
}
