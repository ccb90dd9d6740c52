package collector

import (
	"github.com/morikuni/failure/v2"
)

// ErrorCode classifies pipeline failures.
type ErrorCode string

// ErrorCode implements the failure code contract.
func (c ErrorCode) ErrorCode() string {
	return string(c)
}

const (
	// ErrConfig marks a malformed registry entry or unusable configuration.
	ErrConfig ErrorCode = "ConfigError"
	// ErrResolution marks a locator page that could not be fetched or parsed.
	ErrResolution ErrorCode = "ResolutionError"
	// ErrNoResourceFound marks a page without a matching image reference.
	ErrNoResourceFound ErrorCode = "NoResourceFound"
	// ErrFetch marks a failed image download or scratch write.
	ErrFetch ErrorCode = "FetchError"
	// ErrAnalysisTimeout marks an analysis run that exceeded its deadline.
	ErrAnalysisTimeout ErrorCode = "AnalysisTimeout"
	// ErrAnalysisProcess marks an analysis run that exited non-zero.
	ErrAnalysisProcess ErrorCode = "AnalysisProcessError"
	// ErrAnalysisMalformedOutput marks analysis output that is not a JSON object.
	ErrAnalysisMalformedOutput ErrorCode = "AnalysisMalformedOutput"
	// ErrPersistence marks a record that could not be written.
	ErrPersistence ErrorCode = "PersistenceError"
)

var knownCodes = []ErrorCode{
	ErrConfig,
	ErrResolution,
	ErrNoResourceFound,
	ErrFetch,
	ErrAnalysisTimeout,
	ErrAnalysisProcess,
	ErrAnalysisMalformedOutput,
	ErrPersistence,
}

// CodeOf returns the pipeline code carried by err, or "Unknown".
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	for _, code := range knownCodes {
		if failure.Is(err, code) {
			return string(code)
		}
	}
	return "Unknown"
}
