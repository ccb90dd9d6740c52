// Package detector decides when a locator page must be re-fetched through the
// headless renderer because its image element is injected by script.
package detector

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

const defaultBodyThreshold = 2048

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector. A zero threshold uses 2 KiB.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var shellMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
}

// ShouldRender reports whether a plainly fetched page looks like a script
// shell. Rendered responses and non-200 answers are never promoted.
func (h *Heuristic) ShouldRender(resp collector.FetchResponse) bool {
	if resp.Rendered {
		return false
	}
	if resp.StatusCode != 0 && resp.StatusCode != http.StatusOK {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range shellMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// scriptDensityHigh reports whether at least a quarter of body sits inside
// script elements.
func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			covered += total - start
			break
		}
		contentStart := start + tagEnd + 1
		next := total
		if end := strings.Index(lower[contentStart:], closeTag); end != -1 {
			next = contentStart + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered*100/total >= 25
}
