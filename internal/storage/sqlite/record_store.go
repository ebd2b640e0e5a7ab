// Package sqlite provides a single-host record store on modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/adharvest/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	signature   TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	advertiser  TEXT NOT NULL DEFAULT '',
	headline    TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	link_url    TEXT NOT NULL DEFAULT '',
	box         TEXT,
	captured_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS records_task_captured_idx ON records (task_id, captured_at DESC);
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	worker_id   TEXT NOT NULL DEFAULT '',
	target      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	profile     TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	ended_at    INTEGER,
	extracted   INTEGER NOT NULL DEFAULT 0,
	persisted   INTEGER NOT NULL DEFAULT 0,
	cycles      INTEGER NOT NULL DEFAULT 0,
	checkpoint  TEXT NOT NULL DEFAULT ''
);`

// RecordStore persists records and tasks in a SQLite database file.
type RecordStore struct {
	db *sql.DB
}

var _ harvest.RecordStore = (*RecordStore)(nil)

// Open opens (creating when needed) the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*RecordStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY between workers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &RecordStore{db: db}, nil
}

// Ping checks that the database is reachable.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *RecordStore) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// InsertRecords inserts records in one transaction, ignoring signature collisions.
func (s *RecordStore) InsertRecords(ctx context.Context, records []harvest.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO records
	(signature, task_id, advertiser, headline, body, image_url, link_url, box, captured_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	inserted := 0
	for i, rec := range records {
		if rec.Signature == "" {
			return 0, fmt.Errorf("record %d: signature is required", i)
		}
		box, err := json.Marshal(rec.Box)
		if err != nil {
			return 0, fmt.Errorf("marshal box: %w", err)
		}
		res, err := stmt.ExecContext(ctx,
			rec.Signature,
			rec.TaskID,
			rec.Advertiser,
			rec.Headline,
			rec.Body,
			rec.ImageURL,
			rec.LinkURL,
			string(box),
			rec.CapturedAt.UnixNano(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert record: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("rows affected: %w", err)
		}
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// UpsertTask inserts or updates the metadata row of a task.
func (s *RecordStore) UpsertTask(ctx context.Context, task harvest.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	var ended sql.NullInt64
	if task.EndedAt != nil {
		ended = sql.NullInt64{Int64: task.EndedAt.UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks
	(id, worker_id, target, mode, duration_ms, profile, status, reason,
	 started_at, ended_at, extracted, persisted, cycles, checkpoint)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		worker_id = excluded.worker_id,
		target = excluded.target,
		status = excluded.status,
		reason = excluded.reason,
		ended_at = excluded.ended_at,
		extracted = excluded.extracted,
		persisted = excluded.persisted,
		cycles = excluded.cycles,
		checkpoint = excluded.checkpoint`,
		task.ID,
		task.WorkerID,
		task.Target.URL,
		string(task.Spec.Mode),
		task.Spec.Duration.Milliseconds(),
		string(task.Spec.Profile),
		string(task.Status),
		task.Reason,
		task.StartedAt.UnixNano(),
		ended,
		task.Counters.Extracted,
		task.Counters.Persisted,
		task.Counters.Cycles,
		task.Checkpoint,
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// RecentSignatures returns up to limit signatures of a task, newest first.
func (s *RecordStore) RecentSignatures(ctx context.Context, taskID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature FROM records WHERE task_id = ? ORDER BY captured_at DESC, rowid DESC LIMIT ?`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var sigs []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, fmt.Errorf("scan signature: %w", err)
		}
		sigs = append(sigs, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signatures: %w", err)
	}
	return sigs, nil
}

// TaskStatus returns the stored status of a task.
func (s *RecordStore) TaskStatus(ctx context.Context, taskID string) (harvest.TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, taskID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("task %s: %w", taskID, harvest.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query task: %w", err)
	}
	return harvest.TaskStatus(status), nil
}

// CountRecords returns the number of stored records.
func (s *RecordStore) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}
