// Package collyfetcher implements collector.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Waiter throttles requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodyBytes caps response bodies when a request does not set its own cap.
	MaxBodyBytes int
	Limiter      Waiter
}

// ErrBodyTooLarge reports a body above the cap of a RejectOversize request.
var ErrBodyTooLarge = errors.New("response body exceeds size cap")

// Fetcher implements collector.Fetcher using the Colly collector.
type Fetcher struct {
	cfg       Config
	transport http.RoundTripper
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. All collectors it creates share one pooled transport.
func New(cfg Config) *Fetcher {
	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport}
	}
	return &Fetcher{
		cfg:       cfg,
		transport: transport,
	}
}

// Fetch executes a single GET or HEAD using Colly. Redirects are followed;
// a final non-2xx status yields *collector.HTTPStatusError.
func (f *Fetcher) Fetch(ctx context.Context, request collector.FetchRequest) (collector.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return collector.FetchResponse{}, err
		}
	}
	var (
		result   collector.FetchResponse
		fetchErr error
	)
	start := time.Now()
	c := f.buildCollector(request)
	f.configureCollectorHooks(c, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, c, request, &result, &fetchErr); err != nil {
		return collector.FetchResponse{}, err
	}
	if limit := f.bodyCap(request); request.RejectOversize && limit > 0 && len(result.Body) > limit {
		return collector.FetchResponse{}, fmt.Errorf("%s: %w (%d bytes)", request.URL, ErrBodyTooLarge, limit)
	}
	return result, nil
}

func (f *Fetcher) bodyCap(request collector.FetchRequest) int {
	if request.MaxBodyBytes > 0 {
		return request.MaxBodyBytes
	}
	return f.cfg.MaxBodyBytes
}

// buildCollector returns a fresh collector per request so per-request timeouts
// and body caps never leak between concurrent fetches.
func (f *Fetcher) buildCollector(request collector.FetchRequest) *colly.Collector {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.MaxBodySize = f.bodyCap(request)
	if request.RejectOversize && c.MaxBodySize > 0 {
		// One extra byte tells an exact fit apart from a truncated body.
		c.MaxBodySize++
	}
	c.WithTransport(f.transport)

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.SetRequestTimeout(timeout)
	return c
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request collector.FetchRequest,
	start time.Time,
	result *collector.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = toFetchResponse(r, start)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// Colly reports 203-299 as errors; they are successes here.
			if r.StatusCode >= 200 && r.StatusCode < 300 {
				*result = toFetchResponse(r, start)
				return
			}
			*fetchErr = &collector.HTTPStatusError{URL: responseURL(r, request.URL), StatusCode: r.StatusCode}
			return
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	c *colly.Collector,
	request collector.FetchRequest,
	result *collector.FetchResponse,
	fetchErr *error,
) error {
	done := make(chan error, 1)
	go func() {
		if request.Method == http.MethodHead {
			done <- c.Head(request.URL)
			return
		}
		done <- c.Visit(request.URL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil && result.StatusCode == 0 {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request collector.FetchRequest, r *colly.Request) {
	if request.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func toFetchResponse(r *colly.Response, start time.Time) collector.FetchResponse {
	resp := collector.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		resp.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		resp.Headers = r.Headers.Clone()
	}
	return resp
}

func responseURL(r *colly.Response, fallback string) string {
	if r.Request != nil && r.Request.URL != nil {
		return r.Request.URL.String()
	}
	return fallback
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
