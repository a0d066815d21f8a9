package dispatch

import (
	"fmt"
	"time"

	"logimon/internal/delivery"
	apperrors "logimon/internal/errors"
)

// State is a job's position in the processing state machine.
//
//	Idle → Locating → (Aborted | Routing) → Complete
//	any → Failed
type State int

const (
	StateIdle State = iota
	StateLocating
	StateRouting
	StateAborted
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocating:
		return "locating"
	case StateRouting:
		return "routing"
	case StateAborted:
		return "aborted"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether a job in this state has ended.
func (s State) Terminal() bool {
	return s == StateAborted || s == StateComplete || s == StateFailed
}

// JobOutcome describes how one job ended.
//
// Fields:
//   - Step: The last state entered before the terminal one
//   - Kind: Error category for Aborted and Failed jobs
//   - Route: Set when an estimate was computed
//   - Shortcut: The vehicle was already at its stop, routing was skipped
//   - Reason: Short human-readable explanation for Aborted jobs
type JobOutcome struct {
	Index      string
	Plate      string
	BatchID    string
	State      State
	Step       State
	Kind       apperrors.Kind
	Err        error
	Reason     string
	Route      *delivery.RouteResult
	Shortcut   bool
	StopName   string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time the job took.
func (o JobOutcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}
