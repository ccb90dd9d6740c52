package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/skycam-collector/internal/progress"
)

// PrometheusSink exports run and per-state metrics.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runDuration   prometheus.Histogram
	transitions   *prometheus.CounterVec
	stateDuration *prometheus.HistogramVec
	terminal      *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycam_runs_started_total",
			Help: "Collection runs started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "skycam_runs_completed_total",
			Help: "Collection runs that wrote a summary.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "skycam_run_duration_seconds",
			Help:    "Wall time per collection run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skycam_source_transitions_total",
			Help: "Source state transitions partitioned by target state.",
		}, []string{"category", "to"}),
		stateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "skycam_source_state_duration_seconds",
			Help:    "Time a source spent in a state before leaving it.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"state"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "skycam_source_terminal_total",
			Help: "Sources reaching a terminal state, by failing state for failures.",
		}, []string{"outcome", "from"}),
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runDuration,
		s.transitions,
		s.stateDuration,
		s.terminal,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
		case progress.StageRunDone:
			s.runsCompleted.Inc()
			if evt.Dur > 0 {
				s.runDuration.Observe(evt.Dur.Seconds())
			}
		case progress.StageTransition:
			s.consumeTransition(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) consumeTransition(evt progress.Event) {
	s.transitions.WithLabelValues(evt.Category, string(evt.To)).Inc()
	if evt.Dur > 0 && evt.From != progress.StatePending {
		s.stateDuration.WithLabelValues(string(evt.From)).Observe(evt.Dur.Seconds())
	}
	if evt.To.Terminal() {
		s.terminal.WithLabelValues(string(evt.To), string(evt.From)).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
