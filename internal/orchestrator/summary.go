package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// SummaryFileName is the run summary written into the log directory.
const SummaryFileName = "latest_summary.json"

// ErrNoSummary is returned by ReadSummary before the first run completes.
var ErrNoSummary = errors.New("no run summary yet")

// WriteSummary replaces dir/latest_summary.json with s. Readers never observe
// a partially written file.
func WriteSummary(dir string, s collector.RunSummary) (string, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal summary: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".summary-*.json")
	if err != nil {
		return "", fmt.Errorf("create summary temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close() //nolint:errcheck // write already failed
		return "", fmt.Errorf("write summary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close summary: %w", err)
	}
	dest := filepath.Join(dir, SummaryFileName)
	if err := os.Rename(tmpName, dest); err != nil {
		return "", fmt.Errorf("replace summary: %w", err)
	}
	return dest, nil
}

// ReadSummary loads dir/latest_summary.json.
func ReadSummary(dir string) (collector.RunSummary, error) {
	//nolint:gosec // path is built from configured log dir
	data, err := os.ReadFile(filepath.Join(dir, SummaryFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return collector.RunSummary{}, ErrNoSummary
		}
		return collector.RunSummary{}, fmt.Errorf("read summary: %w", err)
	}
	var s collector.RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return collector.RunSummary{}, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}
