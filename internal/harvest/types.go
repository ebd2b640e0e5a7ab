package harvest

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects whether a task runs for a fixed duration or until stopped.
type Mode string

// Supported task modes.
const (
	ModeBounded   Mode = "bounded"
	ModeUnbounded Mode = "unbounded"
)

// ParseMode accepts the canonical names plus the legacy "timed"/"unlimited" spellings.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bounded", "timed":
		return ModeBounded, nil
	case "", "unbounded", "unlimited":
		return ModeUnbounded, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Profile selects the device emulated by an automation session.
type Profile string

// Supported device profiles.
const (
	ProfileDesktop Profile = "desktop"
	ProfileMobile  Profile = "mobile"
)

// ParseProfile validates a device profile name, defaulting to desktop.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "desktop":
		return ProfileDesktop, nil
	case "mobile":
		return ProfileMobile, nil
	default:
		return "", fmt.Errorf("unknown profile %q", s)
	}
}

// RunSpec is the explicit run configuration of a task.
type RunSpec struct {
	Mode     Mode          `json:"mode"`
	Duration time.Duration `json:"duration,omitempty"`
	Profile  Profile       `json:"profile"`
}

// Validate checks that bounded runs carry a positive duration.
func (s RunSpec) Validate() error {
	switch s.Mode {
	case ModeBounded:
		if s.Duration <= 0 {
			return fmt.Errorf("bounded mode requires a positive duration")
		}
	case ModeUnbounded:
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	switch s.Profile {
	case ProfileDesktop, ProfileMobile:
	default:
		return fmt.Errorf("unknown profile %q", s.Profile)
	}
	return nil
}

// Target is one candidate remote location to extract from.
type Target struct {
	URL string `json:"url" mapstructure:"url"`
}

// String returns the target URL.
func (t Target) String() string { return t.URL }

// Box is the on-page bounding box of a record.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Record is one harvested content fragment. Records are immutable once persisted.
type Record struct {
	Signature  string    `json:"signature"`
	TaskID     string    `json:"task_id"`
	Advertiser string    `json:"advertiser"`
	Headline   string    `json:"headline"`
	Body       string    `json:"body"`
	ImageURL   string    `json:"image_url,omitempty"`
	LinkURL    string    `json:"link_url,omitempty"`
	Box        Box       `json:"box"`
	CapturedAt time.Time `json:"captured_at"`
}

// TaskStatus is the externally visible status of a task.
type TaskStatus string

// Task status values.
const (
	TaskStarting  TaskStatus = "starting"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskStopped   TaskStatus = "stopped"
	TaskError     TaskStatus = "error"
	TaskResumable TaskStatus = "resumable"
)

// Live reports whether the status describes a task that was executing.
func (s TaskStatus) Live() bool {
	return s == TaskStarting || s == TaskRunning
}

// Counters are the running totals of a task.
type Counters struct {
	Extracted int64 `json:"extracted"`
	Persisted int64 `json:"persisted"`
	Cycles    int64 `json:"cycles"`
}

// Task is one logical extraction run.
type Task struct {
	ID         string     `json:"id"`
	WorkerID   string     `json:"worker_id,omitempty"`
	Target     Target     `json:"target"`
	Spec       RunSpec    `json:"spec"`
	Status     TaskStatus `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Counters   Counters   `json:"counters"`
	Checkpoint string     `json:"checkpoint,omitempty"`
}

// Checkpoint is the payload-free resumable state of a task.
type Checkpoint struct {
	TaskID       string     `json:"task_id"`
	Target       Target     `json:"target"`
	Spec         RunSpec    `json:"spec"`
	Status       TaskStatus `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	Counters     Counters   `json:"counters"`
	StartedAt    time.Time  `json:"started_at"`
	LastActivity time.Time  `json:"last_activity"`
}

// ScrollState describes the viewport after a scroll.
type ScrollState struct {
	Offset         float64 `json:"y"`
	ViewportHeight float64 `json:"viewport"`
	ContentHeight  float64 `json:"height"`
}

// AtBoundary reports whether the viewport reached the end of the content.
func (s ScrollState) AtBoundary() bool {
	const slack = 4
	return s.Offset+s.ViewportHeight+slack >= s.ContentHeight
}

// SyncOutcome is the result of a best-effort persistence call.
type SyncOutcome struct {
	Inserted int
	Ignored  int
	Spilled  int
	Degraded bool
	Err      error
}
