package pool

import (
	"fmt"
	"time"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/worker"
)

// Policy selects how targets are assigned to pool workers.
type Policy string

// Supported assignment policies.
const (
	PolicySameTarget      Policy = "same_target"
	PolicyDistinctTargets Policy = "distinct_targets"
)

// ParsePolicy validates a policy name. An empty name selects distinct targets.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyDistinctTargets, "distinct":
		return PolicyDistinctTargets, nil
	case PolicySameTarget, "same":
		return PolicySameTarget, nil
	default:
		return "", fmt.Errorf("unknown pool policy %q", s)
	}
}

// Request describes a pool to start.
type Request struct {
	Size       int             `json:"size"`
	Policy     Policy          `json:"policy"`
	BaseTarget harvest.Target  `json:"base_target"`
	Spec       harvest.RunSpec `json:"spec"`
}

// WorkerStatus is the control-plane view of one pool slot.
type WorkerStatus struct {
	WorkerID      string           `json:"worker_id"`
	TaskID        string           `json:"task_id"`
	SessionID     string           `json:"session_id,omitempty"`
	Target        string           `json:"target"`
	State         worker.State     `json:"state"`
	Reason        string           `json:"reason,omitempty"`
	Extracted     int64            `json:"extracted"`
	Persisted     int64            `json:"persisted"`
	Errors        int              `json:"errors"`
	Restarts      int              `json:"restarts"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	Recent        []harvest.Record `json:"recent,omitempty"`
}

// Status aggregates a pool's workers.
type Status struct {
	ID               string          `json:"id"`
	Policy           Policy          `json:"policy"`
	Spec             harvest.RunSpec `json:"spec"`
	Size             int             `json:"size"`
	ActiveWorkers    int             `json:"active_workers"`
	TotalExtracted   int64           `json:"total_extracted"`
	TotalPersisted   int64           `json:"total_persisted"`
	TotalErrors      int             `json:"total_errors"`
	RecordsPerMinute float64         `json:"records_per_minute"`
	StartedAt        time.Time       `json:"started_at"`
	Stopped          bool            `json:"stopped"`
	Workers          []WorkerStatus  `json:"workers"`
}

// Report is the final aggregate written when a pool stops.
type Report struct {
	Status
	StoppedAt time.Time `json:"stopped_at"`
	// Abandoned lists workers that did not exit within the grace period.
	Abandoned []string `json:"abandoned,omitempty"`
}
