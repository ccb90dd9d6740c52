// Package telemetry sets up OpenTelemetry tracing for collection runs.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// Config controls trace sampling.
type Config struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans kept, in [0, 1].
	SampleRatio float64
}

// InitTracerProvider installs the global tracer provider and the W3C trace
// context propagator used when records are published. Finished spans are
// logged at debug level.
func InitTracerProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithSpanProcessor(&logSpanProcessor{logger: logger}),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp, nil
}

// logSpanProcessor writes each ended span as one structured log line.
type logSpanProcessor struct {
	logger *zap.Logger
}

func (p *logSpanProcessor) OnStart(context.Context, sdktrace.ReadWriteSpan) {}

func (p *logSpanProcessor) OnEnd(s sdktrace.ReadOnlySpan) {
	fields := []zap.Field{
		zap.String("span", s.Name()),
		zap.String("trace_id", s.SpanContext().TraceID().String()),
		zap.String("span_id", s.SpanContext().SpanID().String()),
		zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		zap.Int("events", len(s.Events())),
	}
	if st := s.Status(); st.Description != "" {
		fields = append(fields, zap.String("status", st.Description))
	}
	for _, kv := range s.Attributes() {
		fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
	}
	p.logger.Debug("span finished", fields...)
}

func (p *logSpanProcessor) Shutdown(context.Context) error { return nil }

func (p *logSpanProcessor) ForceFlush(context.Context) error { return nil }
