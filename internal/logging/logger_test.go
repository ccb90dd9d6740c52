// Package logging includes tests for the zap logger helpers.
package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestNewRunLoggerMirrorsToFile checks entries reach both the console core and the run log.
func TestNewRunLoggerMirrorsToFile(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	dir := filepath.Join(t.TempDir(), "logs")

	logger, path, closeFn, err := NewRunLogger(zap.New(core), dir, "2024-05-01T03-04-05")
	if err != nil {
		t.Fatalf("NewRunLogger() error = %v", err)
	}
	if filepath.Base(path) != "collection_2024-05-01T03-04-05.log" {
		t.Fatalf("unexpected run log path %q", path)
	}
	logger.Info("source succeeded", zap.String("source", "cam1"))
	if err := closeFn(); err != nil {
		t.Fatalf("close error = %v", err)
	}

	if logs.Len() != 1 {
		t.Fatalf("expected 1 console entry, got %d", logs.Len())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), `"source":"cam1"`) {
		t.Fatalf("expected run log to contain source field, got %s", data)
	}
}

// TestNewRunLoggerUnusableDir reports an error when the log dir cannot be created.
func TestNewRunLoggerUnusableDir(t *testing.T) {
	t.Parallel()

	blocker := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	if _, _, _, err := NewRunLogger(zap.NewNop(), filepath.Join(blocker, "logs"), "stamp"); err == nil {
		t.Fatal("expected error for unusable log dir")
	}
}

func TestFromContext(t *testing.T) {
	t.Parallel()

	fallback := zap.NewExample()
	if got := FromContext(context.Background(), fallback); got != fallback {
		t.Fatal("expected fallback logger")
	}
	if FromContext(context.Background(), nil) == nil {
		t.Fatal("expected nop logger for nil fallback")
	}
	stored := zap.NewNop()
	if got := FromContext(WithContext(context.Background(), stored), fallback); got != stored {
		t.Fatal("expected stored logger")
	}
}
