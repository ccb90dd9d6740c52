// Package analysis runs the external sky-analysis program on a scratch image
// and returns its JSON result.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/morikuni/failure/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/logging"
	"github.com/JakeFAU/skycam-collector/internal/metrics"
)

const (
	defaultTimeout = 60 * time.Second
	// waitDelay bounds how long Wait blocks on inherited pipes after a kill.
	waitDelay     = 2 * time.Second
	stderrTailLen = 20
)

// Config names the analysis program. The artifact path is appended as the
// final positional argument.
type Config struct {
	Command string
	Args    []string
	Timeout time.Duration
	// Dir is the working directory; empty means the current one.
	Dir string
}

// Invoker implements collector.Analyzer.
type Invoker struct {
	cfg    Config
	logger *zap.Logger
}

// New builds an Invoker.
func New(cfg Config, logger *zap.Logger) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Invoker{cfg: cfg, logger: logger}
}

// Analyze runs the program once on path. The process group is killed when
// the timeout elapses.
func (i *Invoker) Analyze(ctx context.Context, path string) (collector.AnalysisResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	args := append(append([]string(nil), i.cfg.Args...), path)
	//nolint:gosec // command comes from operator configuration
	cmd := exec.CommandContext(runCtx, i.cfg.Command, args...)
	cmd.Dir = i.cfg.Dir
	configureProcessGroup(cmd)
	cmd.WaitDelay = waitDelay

	var stdout bytes.Buffer
	stderr := newLineLogger(logging.FromContext(ctx, i.logger).With(zap.String("path", path)), stderrTailLen)
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	fields := failure.Context{"command": i.cfg.Command, "path": path}
	start := time.Now()
	err := cmd.Run()
	stderr.Flush()
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		metrics.ObserveAnalysis("timeout", elapsed)
		return collector.AnalysisResult{}, failure.New(collector.ErrAnalysisTimeout,
			failure.Message(fmt.Sprintf("analysis exceeded %s", i.cfg.Timeout)),
			fields,
		)
	case err != nil:
		metrics.ObserveAnalysis("process_error", elapsed)
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			fields["exit_code"] = fmt.Sprint(exitErr.ExitCode())
		}
		msg := "analysis process failed"
		if tail := stderr.Tail(); tail != "" {
			msg += ": " + tail
		}
		return collector.AnalysisResult{}, failure.Wrap(err,
			failure.WithCode(collector.ErrAnalysisProcess),
			failure.Message(msg),
			fields,
		)
	}

	raw, err := ParseObject(stdout.Bytes())
	if err != nil {
		metrics.ObserveAnalysis("malformed", elapsed)
		return collector.AnalysisResult{}, failure.Wrap(err,
			failure.WithCode(collector.ErrAnalysisMalformedOutput),
			failure.Message("analysis output is not a JSON object"),
			fields,
		)
	}
	metrics.ObserveAnalysis("ok", elapsed)
	result := collector.AnalysisResult{Raw: raw}
	if n, ok := result.StarCount(); ok {
		i.logger.Debug("analysis complete", zap.String("path", path), zap.Int("stars", n), zap.Duration("elapsed", elapsed))
	}
	return result, nil
}

// ParseObject validates that out holds exactly one JSON object and returns it
// compacted.
func ParseObject(out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, errors.New("empty output")
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("output starts with %q, want '{'", trimmed[0])
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var obj map[string]json.RawMessage
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, trimmed); err != nil {
		return nil, fmt.Errorf("compact output: %w", err)
	}
	return json.RawMessage(compact.Bytes()), nil
}

// lineLogger forwards each stderr line to the logger and keeps the last few.
type lineLogger struct {
	mu      sync.Mutex
	logger  *zap.Logger
	partial []byte
	tail    []string
	keep    int
}

func newLineLogger(logger *zap.Logger, keep int) *lineLogger {
	return &lineLogger{logger: logger, keep: keep}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partial = append(l.partial, p...)
	for {
		idx := bytes.IndexByte(l.partial, '\n')
		if idx < 0 {
			break
		}
		l.emit(string(l.partial[:idx]))
		l.partial = l.partial[idx+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line without a newline.
func (l *lineLogger) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.partial) > 0 {
		l.emit(string(l.partial))
		l.partial = nil
	}
}

// Tail returns the retained stderr lines joined by newlines.
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.tail, "\n")
}

func (l *lineLogger) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	l.logger.Info("analysis stderr", zap.String("line", line))
	l.tail = append(l.tail, line)
	if len(l.tail) > l.keep {
		l.tail = l.tail[len(l.tail)-l.keep:]
	}
}
