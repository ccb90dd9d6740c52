package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/progress"
)

// RunLedger records run boundaries durably.
type RunLedger interface {
	StartRun(ctx context.Context, runID string, startedAt time.Time) error
	CompleteRun(ctx context.Context, summary collector.RunSummary, finishedAt time.Time) error
}

// StoreSink forwards run start and completion to a RunLedger. Per-source
// transitions are ignored.
type StoreSink struct {
	ledger RunLedger
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for ledger.
func NewStoreSink(ledger RunLedger, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{ledger: ledger, logger: logger}
}

// Consume writes run boundaries in order and stops at the first ledger error.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.ledger == nil {
		return nil
	}
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			if err := s.ledger.StartRun(ctx, evt.RunID, evt.TS); err != nil {
				return fmt.Errorf("record run start: %w", err)
			}
		case progress.StageRunDone:
			if evt.Summary == nil {
				continue
			}
			if err := s.ledger.CompleteRun(ctx, *evt.Summary, evt.TS); err != nil {
				return fmt.Errorf("record run completion: %w", err)
			}
			s.logger.Debug("run recorded", zap.String("run_id", evt.RunID))
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
