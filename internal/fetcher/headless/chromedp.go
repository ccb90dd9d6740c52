// Package headless renders camera pages in headless Chrome for sources whose
// image element is injected by JavaScript.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// WaitSelector is awaited before the DOM is captured. Defaults to "img".
	WaitSelector string
}

// Renderer implements collector.Fetcher using chromedp and headless Chrome.
// Only GET is supported; the body is the rendered DOM.
type Renderer struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a renderer backed by a shared Chrome allocator.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.WaitSelector == "" {
		cfg.WaitSelector = "img"
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts down the browser allocator.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Fetch navigates to the page and returns its DOM after WaitSelector appears.
func (r *Renderer) Fetch(ctx context.Context, request collector.FetchRequest) (collector.FetchResponse, error) {
	if request.Method != "" && request.Method != http.MethodGet {
		return collector.FetchResponse{}, fmt.Errorf("headless renderer supports GET only, got %s", request.Method)
	}
	if err := r.acquire(ctx); err != nil {
		return collector.FetchResponse{}, err
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	// Tie the tab to the caller's cancellation as well as the navigation budget.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, r.timeout(request))
	defer cancel()

	doc := &documentStatus{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, finalURL string
	err := chromedp.Run(tabCtx,
		r.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady(r.cfg.WaitSelector, chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return collector.FetchResponse{}, fmt.Errorf("chromedp render: %w", err)
	}

	status, pageURL := doc.result(request.URL, finalURL)
	if status < 200 || status >= 300 {
		return collector.FetchResponse{}, &collector.HTTPStatusError{URL: pageURL, StatusCode: status}
	}
	return collector.FetchResponse{
		URL:        pageURL,
		StatusCode: status,
		Headers:    http.Header{"Content-Type": {"text/html; charset=utf-8"}},
		Body:       []byte(html),
		Duration:   time.Since(start),
		Rendered:   true,
	}, nil
}

func (r *Renderer) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}
	select {
	case r.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.slots == nil {
		return
	}
	<-r.slots
}

func (r *Renderer) timeout(request collector.FetchRequest) time.Duration {
	if request.Timeout > 0 {
		return request.Timeout
	}
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// documentStatus remembers the main document response seen on the tab.
type documentStatus struct {
	mu     sync.Mutex
	status int
	url    string
}

func (d *documentStatus) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.mu.Unlock()
}

// result falls back to 200 and the navigated location when no document
// response event was captured.
func (d *documentStatus) result(requestURL, finalURL string) (int, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = finalURL
	}
	if url == "" {
		url = requestURL
	}
	return status, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
