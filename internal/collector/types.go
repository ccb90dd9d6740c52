package collector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Strategy selects how a source's locator turns into a binary resource URL.
type Strategy string

const (
	// StrategyDirect means the locator is the image URL itself.
	StrategyDirect Strategy = "direct"
	// StrategyIndirect means the locator is an HTML page that embeds the image.
	StrategyIndirect Strategy = "indirect"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == StrategyDirect || s == StrategyIndirect
}

// Default discriminator and marker used by indirect sources that omit them.
const (
	DefaultDiscriminatorAttr  = "alt"
	DefaultDiscriminatorValue = "SkyCam Image"
	DefaultMarker             = "snap"
)

// Discriminator is an attribute/value pair identifying the image element on a page.
type Discriminator struct {
	Attr  string
	Value string
}

// CameraSource is one remote camera endpoint. Immutable once loaded.
type CameraSource struct {
	ID            string
	Category      string
	Locator       string
	Descriptor    string
	Strategy      Strategy
	Discriminator Discriminator
	Marker        string
	// Render asks for a headless-rendered page when resolving an indirect source.
	Render bool
}

// ResolvedResource is the concrete binary URL produced by the resolver.
type ResolvedResource struct {
	BinaryURL string
	SourceID  string
	// PageURL is set only for indirect sources.
	PageURL string
}

// Metadata keys recorded on a ScrapeArtifact.
const (
	MetaSource      = "source"
	MetaCategory    = "category"
	MetaURL         = "url"
	MetaPageURL     = "page_url"
	MetaImageURL    = "image_url"
	MetaDescription = "description"
	MetaContentType = "content_type"
	MetaSHA256      = "sha256"
)

// ScrapeArtifact is a fetched image sitting in scratch storage.
type ScrapeArtifact struct {
	Path     string
	SourceID string
	Metadata map[string]string
	Bytes    int64
}

// AnalysisResult is the analysis program's JSON object, kept verbatim.
type AnalysisResult struct {
	Raw json.RawMessage
}

// StarCount returns the length of the optional top-level "stars" array.
func (r AnalysisResult) StarCount() (int, bool) {
	if len(r.Raw) == 0 {
		return 0, false
	}
	var probe struct {
		Stars []json.RawMessage `json:"stars"`
	}
	if err := json.Unmarshal(r.Raw, &probe); err != nil || probe.Stars == nil {
		return 0, false
	}
	return len(probe.Stars), true
}

// MarshalJSON emits the raw analysis object, or null when empty.
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// CollectionRecord is the durable output of one successful source in one run.
type CollectionRecord struct {
	Metadata  map[string]string `json:"metadata"`
	Analysis  AnalysisResult    `json:"analysis"`
	Timestamp time.Time         `json:"timestamp"`
	// Location is the store URI the record was written to.
	Location string `json:"-"`
}

// CategoryOutcome records which source, if any, won a category.
type CategoryOutcome struct {
	Category  string   `json:"category"`
	Winner    string   `json:"winner,omitempty"`
	Attempted []string `json:"attempted"`
	Failed    []string `json:"failed,omitempty"`
	Skipped   []string `json:"skipped,omitempty"`
}

// RunSummary is written at the end of every collection run.
type RunSummary struct {
	RunID        string            `json:"run_id"`
	Timestamp    time.Time         `json:"timestamp"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`
	SkippedCount int               `json:"skipped_count"`
	TotalSources int               `json:"total_sources"`
	LogPointer   string            `json:"log_file"`
	Categories   []CategoryOutcome `json:"categories"`
}

// ProbeResult is the verification outcome for a single source.
type ProbeResult struct {
	SourceID   string `json:"source"`
	Category   string `json:"category"`
	URL        string `json:"url"`
	Success    bool   `json:"success"`
	StatusCode int    `json:"status_code,omitempty"`
	SizeBytes  int64  `json:"size_bytes,omitempty"`
	Error      string `json:"error,omitempty"`
}

// FetchRequest describes a single HTTP exchange.
type FetchRequest struct {
	URL     string
	Method  string
	Timeout time.Duration
	// MaxBodyBytes truncates the body when > 0.
	MaxBodyBytes int
	// RejectOversize turns a body larger than the cap into ErrBodyTooLarge
	// instead of truncating it.
	RejectOversize bool
	Headers        http.Header
}

// FetchResponse captures a completed HTTP exchange.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
	Rendered   bool
}

// ContentLength returns the declared Content-Length, or -1 when absent.
func (r FetchResponse) ContentLength() int64 {
	if r.Headers == nil {
		return -1
	}
	raw := r.Headers.Get("Content-Length")
	if raw == "" {
		return -1
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// HTTPStatusError reports a non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// IndexEntry is the row written to the optional record index.
type IndexEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	SourceID  string    `json:"source"`
	Category  string    `json:"category"`
	Location  string    `json:"location"`
	ImageURL  string    `json:"image_url,omitempty"`
	StarCount *int      `json:"star_count,omitempty"`
	Collected time.Time `json:"collected_at"`
}

// RecordEvent is the optional notification payload for a persisted record.
type RecordEvent struct {
	RunID     string    `json:"run_id"`
	SourceID  string    `json:"source"`
	Category  string    `json:"category"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}
