package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/progress"
)

// LogSink writes each event as a debug line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Stage == progress.StageTransition {
			fields = append(fields,
				zap.String("category", evt.Category),
				zap.String("source", evt.SourceID),
				zap.String("from", string(evt.From)),
				zap.String("to", string(evt.To)),
			)
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Debug("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
