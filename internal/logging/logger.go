// Package logging provides zap logger helpers.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap.Logger configured for development or production.
func New(development bool) (*zap.Logger, error) {
	if development {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logger, err := cfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = false
	cfg.EncoderConfig.TimeKey = "ts"
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

// RunLogFileName returns the per-run log file name for a timestamp stamp.
func RunLogFileName(stamp string) string {
	return "collection_" + stamp + ".log"
}

// NewRunLogger mirrors base into a JSON-lines file under dir for the duration
// of one run. The returned close func syncs and closes the file.
func NewRunLogger(base *zap.Logger, dir, stamp string) (*zap.Logger, string, func() error, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, RunLogFileName(stamp))
	//nolint:gosec // path is built from configured log dir
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, "", nil, fmt.Errorf("open run log: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), zapcore.DebugLevel)

	if base == nil {
		base = zap.NewNop()
	}
	logger := zap.New(zapcore.NewTee(base.Core(), fileCore), zap.AddCaller())
	closeFn := func() error {
		_ = logger.Sync() //nolint:errcheck // console sync fails on some terminals
		if err := file.Close(); err != nil {
			return fmt.Errorf("close run log: %w", err)
		}
		return nil
	}
	return logger, path, closeFn, nil
}
