package worker

import (
	"time"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// State is a node of the worker state machine.
type State string

// Worker states.
const (
	StateStarting     State = "starting"
	StateRunning      State = "running"
	StateRecycling    State = "recycling"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateCompleted    State = "completed"
	StateStopped      State = "stopped"
	StateError        State = "error"
)

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateError
}

// TaskStatus maps the worker state onto the externally visible task status.
func (s State) TaskStatus() harvest.TaskStatus {
	switch s {
	case StateStarting:
		return harvest.TaskStarting
	case StateCompleted:
		return harvest.TaskCompleted
	case StateStopped:
		return harvest.TaskStopped
	case StateError:
		return harvest.TaskError
	default:
		return harvest.TaskRunning
	}
}

// EventKind classifies worker events.
type EventKind string

// Event kinds.
const (
	EventSessionCreated EventKind = "session_created"
	EventState          EventKind = "state"
	EventProgress       EventKind = "progress"
	EventRotated        EventKind = "rotated"
)

// Event is a message from a worker to its control plane.
type Event struct {
	Kind      EventKind
	WorkerID  string
	TaskID    string
	SessionID string
	State     State
	Target    harvest.Target
	Counters  harvest.Counters
	Errors    int
	Reason    string
	// SessionStarted is when the current automation session was opened.
	SessionStarted time.Time
	Recent         []harvest.Record
	At             time.Time
}

// Result is the final outcome of Run.
type Result struct {
	WorkerID string
	TaskID   string
	State    State
	Reason   string
	Target   harvest.Target
	Counters harvest.Counters
	Errors   int
	// Spilled counts records diverted to the spill file during this run.
	Spilled int64
}

// Clean reports whether the worker ended without failure.
func (r Result) Clean() bool {
	return r.State == StateCompleted || r.State == StateStopped
}
