package harvest

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across packages.
var (
	ErrDisconnected     = errors.New("automation session disconnected")
	ErrNotFound         = errors.New("not found")
	ErrNotResumable     = errors.New("task is not resumable")
	ErrStoreUnavailable = errors.New("durable store unavailable")
	ErrInvalidPoolSize  = errors.New("invalid pool size")
	ErrAlreadyRunning   = errors.New("task already running")
	ErrNoTargets        = errors.New("no targets configured")
)

// Session is one live automation-controlled browsing context.
type Session interface {
	Navigate(ctx context.Context, url string) error
	Scroll(ctx context.Context, delta int) (ScrollState, error)
	ScrollTo(ctx context.Context, offset int) error
	Reload(ctx context.Context) error
	// Nudge dispatches synthetic interaction events to trigger lazy loading.
	Nudge(ctx context.Context) error
	ScanPage(ctx context.Context) ([]Record, error)
	IsAlive(ctx context.Context) bool
	Close() error
}

// ProcessOwner is implemented by sessions that run a local browser process.
// PID returns zero when the process is unknown.
type ProcessOwner interface {
	PID() int
}

// Launcher opens automation sessions.
type Launcher interface {
	Launch(ctx context.Context, profile Profile) (Session, error)
}

// RecordStore is the durable store contract.
type RecordStore interface {
	Ping(ctx context.Context) error
	// InsertRecords inserts records, ignoring signature collisions, and returns
	// how many rows were actually inserted.
	InsertRecords(ctx context.Context, records []Record) (int, error)
	UpsertTask(ctx context.Context, task Task) error
	// RecentSignatures returns up to limit signatures of a task, newest first.
	RecentSignatures(ctx context.Context, taskID string, limit int) ([]string, error)
	Close()
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task, worker, and pool IDs.
type IDGenerator interface {
	NewID() (string, error)
}
