package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/skycam-collector/internal/collector"
	"github.com/JakeFAU/skycam-collector/internal/progress"
)

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	tr := func(from, to progress.State, dur time.Duration) progress.Event {
		return progress.Event{
			RunID: "run-1", TS: now, Stage: progress.StageTransition,
			Category: "allsky", SourceID: "cam1", From: from, To: to, Dur: dur,
		}
	}
	batch := []progress.Event{
		{RunID: "run-1", TS: now, Stage: progress.StageRunStart},
		tr(progress.StatePending, progress.StateResolving, 0),
		tr(progress.StateResolving, progress.StateFetching, 100*time.Millisecond),
		tr(progress.StateFetching, progress.StateFailed, 2*time.Second),
		{RunID: "run-1", TS: now, Stage: progress.StageRunDone, Dur: 3 * time.Second, Summary: &collector.RunSummary{}},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.transitions.WithLabelValues("allsky", "failed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.terminal.WithLabelValues("failed", "fetching")))
	require.Equal(t, 2, testutil.CollectAndCount(sink.stateDuration, "skycam_source_state_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "skycam_run_duration_seconds"))
}

func TestPrometheusSinkDoubleRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
