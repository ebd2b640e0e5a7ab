// Package persist is the best-effort boundary between workers and the durable
// record store. Calls never fail the caller's extraction loop: a store that
// cannot be reached degrades to a local spill file that is replayed later.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/metrics"
	"github.com/JakeFAU/adharvest/internal/storage"
	"github.com/JakeFAU/adharvest/internal/storage/local"
)

// SpillPath is the spill file location relative to the state directory.
const SpillPath = "spill/records.jsonl"

// Config tunes the boundary.
type Config struct {
	// RetryInterval is the minimum wait between failed initialization attempts.
	RetryInterval time.Duration
	// WriteTimeout bounds a single store call.
	WriteTimeout time.Duration
}

// Boundary lazily connects to the durable store and degrades to the spill file.
type Boundary struct {
	open   storage.Opener
	files  *local.Store
	clock  harvest.Clock
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	store       harvest.RecordStore
	attempted   bool
	lastAttempt time.Time

	// replay state, guarded by mu
	replayPending bool
	replaying     bool
	replayFailed  time.Time

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayWG     sync.WaitGroup
}

// New builds a Boundary. Nothing is opened until the first call.
func New(open storage.Opener, files *local.Store, clock harvest.Clock, cfg Config, logger *zap.Logger) *Boundary {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Boundary{
		open:          open,
		files:         files,
		clock:         clock,
		cfg:           cfg,
		logger:        logger.Named("persist"),
		replayPending: files != nil,
		replayCtx:     ctx,
		replayCancel:  cancel,
	}
}

// acquire returns the live store, attempting initialization at most once per
// RetryInterval. A nil result means callers must degrade.
func (b *Boundary) acquire(ctx context.Context) harvest.RecordStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store != nil {
		return b.store
	}
	now := b.clock.Now()
	if b.attempted && now.Sub(b.lastAttempt) < b.cfg.RetryInterval {
		return nil
	}
	b.attempted = true
	b.lastAttempt = now

	openCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	store, err := b.open(openCtx)
	if err == nil {
		err = store.Ping(openCtx)
		if err != nil {
			store.Close()
		}
	}
	if err != nil {
		b.logger.Warn("durable store unavailable", zap.Error(err), zap.Duration("retry_in", b.cfg.RetryInterval))
		return nil
	}
	b.store = store
	b.logger.Info("durable store initialized")
	b.startReplayLocked()
	return b.store
}

// invalidate drops a store that failed a liveness check after a write error.
func (b *Boundary) invalidate(ctx context.Context, store harvest.RecordStore) {
	pingCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	if store.Ping(pingCtx) == nil {
		return
	}
	b.mu.Lock()
	lost := b.store == store
	if lost {
		b.store = nil
		b.lastAttempt = b.clock.Now()
	}
	b.mu.Unlock()
	if lost {
		b.logger.Warn("durable store lost; degrading to spill file")
		store.Close()
	}
}

// startReplayLocked drains the spill file in the background when records are
// waiting and no drain is running. A failed drain is retried no sooner than
// RetryInterval. b.mu must be held.
func (b *Boundary) startReplayLocked() {
	if b.files == nil || b.store == nil || !b.replayPending || b.replaying {
		return
	}
	if !b.replayFailed.IsZero() && b.clock.Now().Sub(b.replayFailed) < b.cfg.RetryInterval {
		return
	}
	if b.replayCtx.Err() != nil {
		return
	}
	b.replayPending = false
	b.replaying = true
	b.replayWG.Add(1)
	go b.replaySpill(b.replayCtx, b.store)
}

func (b *Boundary) replaySpill(ctx context.Context, store harvest.RecordStore) {
	defer b.replayWG.Done()
	total := 0
	var err error
	for {
		var n int
		n, err = b.files.DrainLines(SpillPath, func(line []byte) error {
			var rec harvest.Record
			if err := json.Unmarshal(line, &rec); err != nil {
				// A torn trailing line cannot be recovered; skip it.
				b.logger.Warn("dropping unreadable spill line", zap.Error(err))
				return nil
			}
			writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
			defer cancel()
			_, err := store.InsertRecords(writeCtx, []harvest.Record{rec})
			return err
		})
		total += n
		if err != nil || n == 0 {
			break
		}
	}

	b.mu.Lock()
	b.replaying = false
	if err != nil {
		b.replayPending = true
		b.replayFailed = b.clock.Now()
	} else {
		b.replayFailed = time.Time{}
		if b.store == store {
			// Records spilled while this drain ran.
			b.startReplayLocked()
		}
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("spill replay interrupted", zap.Int("replayed", total), zap.Error(err))
		if ctx.Err() == nil {
			b.invalidate(ctx, store)
		}
		return
	}
	if total > 0 {
		b.logger.Info("spill replayed", zap.Int("records", total))
	}
}

// kickReplay starts a pending replay once the store is live again.
func (b *Boundary) kickReplay() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startReplayLocked()
}

// Ready reports whether the durable store is currently usable.
func (b *Boundary) Ready(ctx context.Context) bool {
	return b.acquire(ctx) != nil
}

// SyncRecords writes records tagged with taskID. Signature collisions count as
// ignored. Failures are logged and reported in the outcome, never returned.
func (b *Boundary) SyncRecords(ctx context.Context, records []harvest.Record, taskID string) (out harvest.SyncOutcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic in record sync", zap.Any("panic", r))
			out = harvest.SyncOutcome{Degraded: true, Err: fmt.Errorf("record sync panic: %v", r)}
		}
	}()
	if len(records) == 0 {
		return out
	}
	for i := range records {
		if records[i].TaskID == "" {
			records[i].TaskID = taskID
		}
	}

	store := b.acquire(ctx)
	if store == nil {
		return b.spill(records, harvest.ErrStoreUnavailable)
	}

	start := time.Now()
	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	inserted, err := store.InsertRecords(writeCtx, records)
	cancel()
	metrics.ObservePersist(time.Since(start))
	if err != nil {
		b.logger.Warn("record write failed", zap.String("task_id", taskID), zap.Int("records", len(records)), zap.Error(err))
		b.invalidate(ctx, store)
		return b.spill(records, fmt.Errorf("%w: %w", harvest.ErrStoreUnavailable, err))
	}
	b.kickReplay()
	return harvest.SyncOutcome{Inserted: inserted, Ignored: len(records) - inserted}
}

func (b *Boundary) spill(records []harvest.Record, cause error) harvest.SyncOutcome {
	out := harvest.SyncOutcome{Degraded: true, Err: cause}
	if b.files == nil {
		return out
	}
	values := make([]any, len(records))
	for i, rec := range records {
		values[i] = rec
	}
	if err := b.files.AppendLines(SpillPath, values...); err != nil {
		b.logger.Error("spill write failed; records dropped", zap.Int("records", len(records)), zap.Error(err))
		out.Err = fmt.Errorf("%w; spill: %w", cause, err)
		return out
	}
	out.Spilled = len(records)
	b.mu.Lock()
	b.replayPending = true
	b.mu.Unlock()
	return out
}

// SyncTask upserts task metadata. The error is informational.
func (b *Boundary) SyncTask(ctx context.Context, task harvest.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task sync panic: %v", r)
		}
	}()
	store := b.acquire(ctx)
	if store == nil {
		return harvest.ErrStoreUnavailable
	}
	writeCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	if err := store.UpsertTask(writeCtx, task); err != nil {
		b.logger.Warn("task sync failed", zap.String("task_id", task.ID), zap.Error(err))
		b.invalidate(ctx, store)
		return fmt.Errorf("%w: %w", harvest.ErrStoreUnavailable, err)
	}
	return nil
}

// LoadSignatures returns the newest limit signatures stored for taskID.
func (b *Boundary) LoadSignatures(ctx context.Context, taskID string, limit int) ([]string, error) {
	store := b.acquire(ctx)
	if store == nil {
		return nil, harvest.ErrStoreUnavailable
	}
	readCtx, cancel := context.WithTimeout(ctx, b.cfg.WriteTimeout)
	defer cancel()
	sigs, err := store.RecentSignatures(readCtx, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("load signatures: %w", err)
	}
	return sigs, nil
}

// Close stops any spill replay and releases the store, if one was opened.
func (b *Boundary) Close() {
	b.mu.Lock()
	b.replayCancel()
	b.mu.Unlock()
	b.replayWG.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store != nil {
		b.store.Close()
		b.store = nil
	}
}
