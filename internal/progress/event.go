package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/skycam-collector/internal/collector"
)

// Stage denotes the kind of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart   Stage = "RUN_START"
	StageTransition Stage = "TRANSITION"
	StageRunDone    Stage = "RUN_DONE"
)

// State is a per-source processing state.
type State string

// Source states. Succeeded, Failed and Skipped are terminal.
const (
	StatePending    State = "pending"
	StateResolving  State = "resolving"
	StateFetching   State = "fetching"
	StateAnalyzing  State = "analyzing"
	StatePersisting State = "persisting"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateSkipped    State = "skipped"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateSkipped
}

var next = map[State]State{
	StatePending:    StateResolving,
	StateResolving:  StateFetching,
	StateFetching:   StateAnalyzing,
	StateAnalyzing:  StatePersisting,
	StatePersisting: StateSucceeded,
}

// CanTransition reports whether from → to is a legal step. Every non-terminal
// state may fail; only Pending may be skipped.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateFailed:
		return true
	case StateSkipped:
		return from == StatePending
	}
	return next[from] == to
}

// Event captures one step of a collection run.
type Event struct {
	RunID    string
	TS       time.Time
	Stage    Stage
	Category string
	SourceID string
	From     State
	To       State
	// Dur is time spent in From, or the run wall time on RUN_DONE.
	Dur time.Duration
	// Bytes is the fetched artifact size, set when leaving Fetching.
	Bytes int64
	// Note carries the error code or text on failure.
	Note string
	// Summary is set on RUN_DONE.
	Summary *collector.RunSummary
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart:
	case StageRunDone:
		if e.Summary == nil {
			return errors.New("run done requires summary")
		}
	case StageTransition:
		if e.SourceID == "" {
			return errors.New("transition requires source id")
		}
		if !CanTransition(e.From, e.To) {
			return fmt.Errorf("illegal transition %s -> %s", e.From, e.To)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
