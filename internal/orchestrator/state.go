package orchestrator

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/progress"
)

// sourceRun walks one source through the state machine and reports each step.
type sourceRun struct {
	runID  string
	source collector.CameraSource
	state  progress.State
	since  time.Time
	clock  collector.Clock
	events progress.Emitter
	logger *zap.Logger
	// span is nil for sources that are skipped without being attempted.
	span trace.Span
}

// advance moves to the next state. An illegal step is a programming error and
// is logged without changing state.
func (r *sourceRun) advance(to progress.State, bytes int64, note string) bool {
	if !progress.CanTransition(r.state, to) {
		r.logger.DPanic("illegal source transition",
			zap.String("source", r.source.ID),
			zap.String("from", string(r.state)),
			zap.String("to", string(to)),
		)
		return false
	}
	now := r.clock.Now()
	r.events.Emit(progress.Event{
		RunID:    r.runID,
		TS:       now,
		Stage:    progress.StageTransition,
		Category: r.source.Category,
		SourceID: r.source.ID,
		From:     r.state,
		To:       to,
		Dur:      now.Sub(r.since),
		Bytes:    bytes,
		Note:     note,
	})
	if r.span != nil {
		r.span.AddEvent(string(to), trace.WithAttributes(attribute.String("from", string(r.state))))
	}
	r.state = to
	r.since = now
	return true
}

func (r *sourceRun) to(state progress.State) {
	r.advance(state, 0, "")
}

// fail records err and moves to Failed unless a terminal state was already reached.
func (r *sourceRun) fail(err error) {
	if r.state.Terminal() {
		return
	}
	code := collector.CodeOf(err)
	r.logger.Warn("source failed",
		zap.String("source", r.source.ID),
		zap.String("category", r.source.Category),
		zap.String("state", string(r.state)),
		zap.String("code", code),
		zap.Error(err),
	)
	if r.span != nil {
		r.span.RecordError(err)
		r.span.SetStatus(codes.Error, code)
	}
	r.advance(progress.StateFailed, 0, code)
}
