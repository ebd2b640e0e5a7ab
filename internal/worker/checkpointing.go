package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// restore loads the task's checkpoint and rebuilds the seen-set from the
// durable store. A missing checkpoint starts the task fresh.
func (w *Worker) restore(ctx context.Context) {
	if w.deps.Checkpoints == nil {
		return
	}
	cp, err := w.deps.Checkpoints.Load(w.asg.TaskID)
	if err != nil {
		if !errors.Is(err, harvest.ErrNotFound) {
			w.logger.Warn("checkpoint unreadable; starting fresh", zap.Error(err))
		} else {
			w.logger.Info("no checkpoint; starting fresh")
		}
		return
	}
	w.counters = cp.Counters
	w.persistedBase = cp.Counters.Persisted
	if !cp.StartedAt.IsZero() {
		w.startedAt = cp.StartedAt
		w.resumedActive = cp.LastActivity.Sub(cp.StartedAt)
	}
	if w.target.URL == "" {
		w.target = cp.Target
	}
	if w.asg.Spec.Mode == "" {
		w.asg.Spec = cp.Spec
	}

	if w.deps.Boundary != nil {
		sigs, err := w.deps.Boundary.LoadSignatures(ctx, w.asg.TaskID, w.cfg.DedupCap)
		if err != nil {
			w.logger.Warn("seen-set not rebuilt", zap.Error(err))
		} else {
			w.seen.Seed(sigs)
		}
	}
	w.logger.Info("resuming from checkpoint",
		zap.Int64("extracted", cp.Counters.Extracted),
		zap.Int64("persisted", cp.Counters.Persisted),
		zap.Int("seen", w.seen.Len()))
}

// remaining is the bounded-mode time left after a resume.
func (w *Worker) remaining() time.Duration {
	left := w.asg.Spec.Duration - w.resumedActive
	if left < 0 {
		return 0
	}
	return left
}

func (w *Worker) task() harvest.Task {
	t := harvest.Task{
		ID:        w.asg.TaskID,
		WorkerID:  w.asg.WorkerID,
		Target:    w.target,
		Spec:      w.asg.Spec,
		Status:    w.state.TaskStatus(),
		Reason:    w.reason,
		StartedAt: w.startedAt,
		Counters:  w.snapshotCounters(),
	}
	if w.deps.Checkpoints != nil {
		t.Checkpoint = w.deps.Checkpoints.Path(w.asg.TaskID)
	}
	if w.state.Terminal() {
		ended := w.deps.Clock.Now()
		t.EndedAt = &ended
	}
	return t
}

// saveCheckpoint writes the checkpoint file and mirrors task metadata to the
// durable store. Both are best effort. Mid-run metadata goes through the
// persistence queue; only the terminal upsert is written inline.
func (w *Worker) saveCheckpoint(ctx context.Context) {
	if w.deps.Checkpoints != nil {
		cp := harvest.Checkpoint{
			TaskID:       w.asg.TaskID,
			Target:       w.target,
			Spec:         w.asg.Spec,
			Status:       w.state.TaskStatus(),
			Reason:       w.reason,
			Counters:     w.snapshotCounters(),
			StartedAt:    w.startedAt,
			LastActivity: w.deps.Clock.Now(),
		}
		if err := w.deps.Checkpoints.Save(cp); err != nil {
			w.logger.Warn("checkpoint write failed", zap.Error(err))
		}
	}
	if w.writer != nil && w.writer.SubmitTask(w.task()) {
		return
	}
	if w.deps.Boundary != nil && w.state.Terminal() {
		if err := w.deps.Boundary.SyncTask(ctx, w.task()); err != nil {
			w.logger.Debug("task sync skipped", zap.Error(err))
		}
	}
}

// finish drains pending writes, records the terminal state in a final
// checkpoint and tears the session down.
func (w *Worker) finish(state State, reason string) Result {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.DrainTimeout)
	defer cancel()
	var spilled int64
	if w.writer != nil {
		if err := w.writer.Close(ctx); err != nil {
			w.logger.Warn("persistence queue not drained", zap.Error(err))
		}
		spilled = w.writer.Spilled()
		if spilled > 0 {
			w.logger.Warn("records spilled during run", zap.Int64("spilled", spilled))
		}
	}
	w.reason = reason
	w.transition(state, reason)
	w.saveCheckpoint(ctx)
	w.closeSession()
	return Result{
		WorkerID: w.asg.WorkerID,
		TaskID:   w.asg.TaskID,
		State:    state,
		Reason:   reason,
		Target:   w.target,
		Counters: w.snapshotCounters(),
		Errors:   w.errors,
		Spilled:  spilled,
	}
}
