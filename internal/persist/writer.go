package persist

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/metrics"
)

type batch struct {
	taskID  string
	target  string
	records []harvest.Record
}

// Writer is a per-worker asynchronous queue in front of the Boundary. Submit
// never waits longer than the write budget.
type Writer struct {
	boundary *Boundary
	queue    chan batch
	budget   time.Duration
	logger   *zap.Logger

	latest    atomic.Pointer[harvest.Task]
	persisted atomic.Int64
	spilled   atomic.Int64
	closed    atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewWriter starts a writer goroutine with a queue of depth batches.
func (b *Boundary) NewWriter(depth int, budget time.Duration, logger *zap.Logger) *Writer {
	if depth <= 0 {
		depth = 64
	}
	if logger == nil {
		logger = b.logger
	}
	w := &Writer{
		boundary: b,
		queue:    make(chan batch, depth),
		budget:   budget,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for item := range w.queue {
		if len(item.records) > 0 {
			out := w.boundary.SyncRecords(context.Background(), item.records, item.taskID)
			w.account(item.target, out)
		}
		if task := w.latest.Swap(nil); task != nil {
			if err := w.boundary.SyncTask(context.Background(), *task); err != nil {
				w.logger.Debug("task sync skipped", zap.Error(err))
			}
		}
	}
}

func (w *Writer) account(target string, out harvest.SyncOutcome) {
	w.persisted.Add(int64(out.Inserted + out.Ignored))
	w.spilled.Add(int64(out.Spilled))
	metrics.ObserveRecords(target, "inserted", out.Inserted)
	metrics.ObserveRecords(target, "duplicate", out.Ignored)
	metrics.ObserveRecords(target, "spilled", out.Spilled)
	if out.Err != nil {
		w.logger.Debug("records degraded", zap.Int("spilled", out.Spilled), zap.Error(out.Err))
	}
}

// Submit queues records for persistence. When the queue stays full past the
// write budget the records go straight to the spill file.
func (w *Writer) Submit(taskID, target string, records []harvest.Record) {
	if len(records) == 0 {
		return
	}
	if w.closed.Load() {
		w.spillDirect(taskID, target, records)
		return
	}
	item := batch{taskID: taskID, target: target, records: records}
	select {
	case w.queue <- item:
		return
	default:
	}
	timer := time.NewTimer(w.budget)
	defer timer.Stop()
	select {
	case w.queue <- item:
	case <-timer.C:
		w.spillDirect(taskID, target, records)
		w.logger.Warn("persistence queue saturated; spilled batch", zap.Int("records", len(records)))
	}
}

// SubmitTask schedules a task metadata upsert without waiting. Upserts that
// have not been written yet are replaced by newer ones. It reports false once
// the writer is closed.
func (w *Writer) SubmitTask(task harvest.Task) bool {
	if w.closed.Load() {
		return false
	}
	w.latest.Store(&task)
	select {
	case w.queue <- batch{taskID: task.ID}:
	default:
		// A queued batch flushes the pending upsert once it is written.
	}
	return true
}

func (w *Writer) spillDirect(taskID, target string, records []harvest.Record) {
	for i := range records {
		if records[i].TaskID == "" {
			records[i].TaskID = taskID
		}
	}
	w.account(target, w.boundary.spill(records, harvest.ErrStoreUnavailable))
}

// Persisted returns the number of records confirmed present in the durable store.
func (w *Writer) Persisted() int64 { return w.persisted.Load() }

// Spilled returns the number of records diverted to the spill file.
func (w *Writer) Spilled() int64 { return w.spilled.Load() }

// Close stops accepting batches and waits for the queue to drain or ctx to end.
func (w *Writer) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closed.Store(true)
		close(w.queue)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
