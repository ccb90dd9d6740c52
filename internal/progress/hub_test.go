package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(transition(StatePending, StateResolving))
	hub.Emit(transition(StateResolving, StateFetching))
	require.Eventually(t, func() bool {
		b := sink.Batches()
		return len(b) == 1 && len(b[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(runStart())
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNonBlockingWhenFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(runStart())
	hub.Emit(runStart())
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.Equal(t, int64(2), hub.Dropped())
}

func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	hub.Emit(runStart())
	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())

	hub.Emit(runStart())
	require.NoError(t, hub.Close(context.Background()), "second close is a no-op")
	require.Len(t, sink.Batches(), 1)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{RunID: "run-1", TS: time.Now(), Stage: StageTransition, SourceID: "cam", From: StateSucceeded, To: StateFailed})
	hub.Emit(Event{Stage: StageRunStart})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestCanTransition(t *testing.T) {
	t.Parallel()

	legal := [][2]State{
		{StatePending, StateResolving},
		{StateResolving, StateFetching},
		{StateFetching, StateAnalyzing},
		{StateAnalyzing, StatePersisting},
		{StatePersisting, StateSucceeded},
		{StatePending, StateSkipped},
		{StatePending, StateFailed},
		{StateAnalyzing, StateFailed},
	}
	for _, tr := range legal {
		require.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
	illegal := [][2]State{
		{StatePending, StateFetching},
		{StateResolving, StateSkipped},
		{StateSucceeded, StateFailed},
		{StateFailed, StateResolving},
		{StateSkipped, StateResolving},
		{StateFetching, StateSucceeded},
	}
	for _, tr := range illegal {
		require.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, runStart().Validate())
	require.Error(t, Event{RunID: "r", TS: time.Now(), Stage: StageRunDone}.Validate())
	require.NoError(t, Event{RunID: "r", TS: time.Now(), Stage: StageRunDone, Summary: &collector.RunSummary{}}.Validate())
	require.Error(t, Event{RunID: "r", TS: time.Now(), Stage: StageTransition, From: StatePending, To: StateResolving}.Validate())
	require.Error(t, Event{RunID: "r", TS: time.Now(), Stage: "BOGUS"}.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]Event(nil), s.batches...)
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func runStart() Event {
	return Event{RunID: "run-1", TS: time.Now(), Stage: StageRunStart}
}

func transition(from, to State) Event {
	return Event{
		RunID:    "run-1",
		TS:       time.Now(),
		Stage:    StageTransition,
		Category: "allsky",
		SourceID: "cam1",
		From:     from,
		To:       to,
	}
}
