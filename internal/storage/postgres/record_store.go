// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const recordColumns = 9

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RecordsTable    string
	TasksTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Ping(context.Context) error
	Close()
}

// RecordStore writes records and task metadata into Postgres.
type RecordStore struct {
	pool    pgxPool
	records string
	tasks   string
}

var _ harvest.RecordStore = (*RecordStore)(nil)

// New creates a pgx pool from cfg and wraps it in a RecordStore.
func New(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewWithPool(pool, cfg.RecordsTable, cfg.TasksTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(pool pgxPool, recordsTable, tasksTable string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if recordsTable == "" {
		recordsTable = "records"
	}
	if tasksTable == "" {
		tasksTable = "tasks"
	}
	for _, name := range []string{recordsTable, tasksTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &RecordStore{pool: pool, records: recordsTable, tasks: tasksTable}, nil
}

// EnsureSchema creates the records and tasks tables when missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	signature   TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	advertiser  TEXT NOT NULL DEFAULT '',
	headline    TEXT NOT NULL DEFAULT '',
	body        TEXT NOT NULL DEFAULT '',
	image_url   TEXT NOT NULL DEFAULT '',
	link_url    TEXT NOT NULL DEFAULT '',
	box         JSONB,
	captured_at TIMESTAMPTZ NOT NULL
)`, s.records),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_task_captured_idx ON %s (task_id, captured_at DESC)`, s.records, s.records),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	worker_id   TEXT NOT NULL DEFAULT '',
	target      TEXT NOT NULL,
	mode        TEXT NOT NULL,
	duration_ms BIGINT NOT NULL DEFAULT 0,
	profile     TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	ended_at    TIMESTAMPTZ,
	extracted   BIGINT NOT NULL DEFAULT 0,
	persisted   BIGINT NOT NULL DEFAULT 0,
	cycles      BIGINT NOT NULL DEFAULT 0,
	checkpoint  TEXT NOT NULL DEFAULT '',
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.tasks),
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// InsertRecords writes records in one statement; rows whose signature already
// exists are skipped by the unique constraint.
func (s *RecordStore) InsertRecords(ctx context.Context, records []harvest.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	values := make([]string, 0, len(records))
	args := make([]any, 0, len(records)*recordColumns)
	for i, rec := range records {
		if rec.Signature == "" {
			return 0, fmt.Errorf("record %d: signature is required", i)
		}
		box, err := json.Marshal(rec.Box)
		if err != nil {
			return 0, fmt.Errorf("marshal box: %w", err)
		}
		base := i * recordColumns
		placeholders := make([]string, recordColumns)
		for c := range placeholders {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		values = append(values, "("+strings.Join(placeholders, ",")+")")
		args = append(args,
			rec.Signature,
			rec.TaskID,
			rec.Advertiser,
			rec.Headline,
			rec.Body,
			rec.ImageURL,
			rec.LinkURL,
			box,
			rec.CapturedAt,
		)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	signature,
	task_id,
	advertiser,
	headline,
	body,
	image_url,
	link_url,
	box,
	captured_at
) VALUES %s
ON CONFLICT (signature) DO NOTHING`, s.records, strings.Join(values, ","))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// UpsertTask inserts or updates the metadata row of a task.
func (s *RecordStore) UpsertTask(ctx context.Context, task harvest.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, worker_id, target, mode, duration_ms, profile, status, reason,
	started_at, ended_at, extracted, persisted, cycles, checkpoint, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now()
)
ON CONFLICT (id) DO UPDATE SET
	worker_id = EXCLUDED.worker_id,
	target = EXCLUDED.target,
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	ended_at = EXCLUDED.ended_at,
	extracted = EXCLUDED.extracted,
	persisted = EXCLUDED.persisted,
	cycles = EXCLUDED.cycles,
	checkpoint = EXCLUDED.checkpoint,
	updated_at = now()`, s.tasks)

	_, err := s.pool.Exec(ctx, query,
		task.ID,
		task.WorkerID,
		task.Target.URL,
		string(task.Spec.Mode),
		task.Spec.Duration.Milliseconds(),
		string(task.Spec.Profile),
		string(task.Status),
		task.Reason,
		task.StartedAt,
		task.EndedAt,
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
	query := fmt.Sprintf(`SELECT signature FROM %s WHERE task_id = $1 ORDER BY captured_at DESC LIMIT $2`, s.records)
	rows, err := s.pool.Query(ctx, query, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query signatures: %w", err)
	}
	sigs, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan signatures: %w", err)
	}
	return sigs, nil
}
