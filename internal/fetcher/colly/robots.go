package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/JakeFAU/skycam-collector/internal/metrics"
)

// robotsAwareTransport answers a robots.txt request that times out with an
// allow-all file so a slow camera host is still fetched. Each request is
// attempted exactly once.
type robotsAwareTransport struct {
	base http.RoundTripper
}

func (t *robotsAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	resp, err := t.base.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	if isRobotsTxtRequest(req) && isTransientTLSError(err) {
		metrics.ObserveRobotsFallback(metrics.SanitizeSite(req.URL.String()))
		return syntheticRobotsAllowAllResponse(req), nil
	}
	return nil, fmt.Errorf("robots transport roundtrip: %w", err)
}

func isRobotsTxtRequest(req *http.Request) bool {
	if req == nil || req.URL == nil {
		return false
	}
	return strings.EqualFold(req.URL.Path, "/robots.txt")
}

func syntheticRobotsAllowAllResponse(req *http.Request) *http.Response {
	const body = "User-agent: *\nAllow: /"
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Header:        make(http.Header),
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
