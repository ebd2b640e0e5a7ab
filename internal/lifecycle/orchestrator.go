// Package lifecycle runs single extraction tasks: start, stop, resume and the
// startup reclassification of tasks interrupted by a previous process.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/config"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/worker"
)

// Config holds staleness windows and the stop grace period.
type Config struct {
	StaleBounded   time.Duration
	StaleUnbounded time.Duration
	StopGrace      time.Duration
	EventBuffer    int
}

// FromConfig extracts the lifecycle settings from the service configuration.
func FromConfig(c config.Config) Config {
	return Config{
		StaleBounded:   c.Lifecycle.StaleBounded,
		StaleUnbounded: c.Lifecycle.StaleUnbounded,
		StopGrace:      c.Pool.StopGrace,
		EventBuffer:    c.Pool.EventBuffer,
	}
}

// StaleWindow returns how long after its last activity a live task is still
// considered resumable.
func (c Config) StaleWindow(mode harvest.Mode) time.Duration {
	if mode == harvest.ModeUnbounded {
		return c.StaleUnbounded
	}
	return c.StaleBounded
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Worker      worker.Config
	Workers     worker.Deps
	Checkpoints *checkpoint.Store
	Boundary    *persist.Boundary
	IDs         harvest.IDGenerator
	Clock       harvest.Clock
	Ring        *logging.Ring
	Logger      *zap.Logger
}

type entry struct {
	mu     sync.Mutex
	task   harvest.Task
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

func (e *entry) view() harvest.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task
}

func (e *entry) running() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Orchestrator owns the tasks started in this process.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	resumeMu sync.Mutex
	mu       sync.Mutex
	tasks    map[string]*entry
}

// New constructs an Orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Workers.Clock == nil {
		deps.Workers.Clock = deps.Clock
	}
	if deps.Workers.Checkpoints == nil {
		deps.Workers.Checkpoints = deps.Checkpoints
	}
	if deps.Workers.Boundary == nil {
		deps.Workers.Boundary = deps.Boundary
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("lifecycle"),
		tasks:  make(map[string]*entry),
	}
}

// StartTask launches a worker for a new task and returns its id.
func (o *Orchestrator) StartTask(ctx context.Context, target harvest.Target, spec harvest.RunSpec) (string, error) {
	if target.URL == "" {
		return "", fmt.Errorf("target url is required")
	}
	if spec.Mode == "" {
		spec.Mode = harvest.ModeUnbounded
	}
	if spec.Profile == "" {
		spec.Profile = harvest.ProfileDesktop
	}
	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("invalid run spec: %w", err)
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("task id: %w", err)
	}
	o.launch(ctx, harvest.Task{ID: id, Target: target, Spec: spec}, false)
	return id, nil
}

// ResumeTask restarts a resumable task from its checkpoint.
func (o *Orchestrator) ResumeTask(ctx context.Context, id string) error {
	o.resumeMu.Lock()
	defer o.resumeMu.Unlock()
	o.mu.Lock()
	if e, ok := o.tasks[id]; ok && e.running() {
		o.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, harvest.ErrAlreadyRunning)
	}
	o.mu.Unlock()

	cp, err := o.deps.Checkpoints.Load(id)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if cp.Status != harvest.TaskResumable {
		return fmt.Errorf("task %s is %s: %w", id, cp.Status, harvest.ErrNotResumable)
	}
	o.logger.Info("resuming task", zap.String("task_id", id), zap.String("target", cp.Target.URL))
	o.launch(ctx, harvest.Task{
		ID:        id,
		Target:    cp.Target,
		Spec:      cp.Spec,
		Counters:  cp.Counters,
		StartedAt: cp.StartedAt,
	}, true)
	return nil
}

func (o *Orchestrator) launch(ctx context.Context, task harvest.Task, resume bool) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events := make(chan worker.Event, o.cfg.EventBuffer)
	task.WorkerID = task.ID
	task.Status = harvest.TaskStarting
	if task.StartedAt.IsZero() {
		task.StartedAt = o.deps.Clock.Now()
	}
	if o.deps.Checkpoints != nil {
		task.Checkpoint = o.deps.Checkpoints.Path(task.ID)
	}

	deps := o.deps.Workers
	deps.Rand = nil
	asg := worker.Assignment{WorkerID: task.ID, TaskID: task.ID, Spec: task.Spec, Resume: resume}
	if !resume {
		asg.Target = task.Target
	}
	w := worker.New(o.deps.Worker, deps, asg, events)
	e := &entry{task: task, w: w, cancel: cancel, done: make(chan struct{})}

	o.mu.Lock()
	o.tasks[task.ID] = e
	o.mu.Unlock()

	go func() {
		for ev := range events {
			e.mu.Lock()
			if e.task.EndedAt != nil {
				e.mu.Unlock()
				continue
			}
			e.task.Status = ev.State.TaskStatus()
			e.task.Target = ev.Target
			e.task.Counters = ev.Counters
			if ev.Reason != "" {
				e.task.Reason = ev.Reason
			}
			e.mu.Unlock()
		}
	}()
	go func() {
		defer close(e.done)
		defer close(events)
		res := w.Run(runCtx)
		ended := o.deps.Clock.Now()
		e.mu.Lock()
		e.task.Status = res.State.TaskStatus()
		e.task.Reason = res.Reason
		e.task.Target = res.Target
		e.task.Counters = res.Counters
		e.task.EndedAt = &ended
		e.mu.Unlock()
		o.logger.Info("task finished",
			zap.String("task_id", task.ID),
			zap.String("status", string(res.State)),
			zap.String("reason", res.Reason))
	}()
}

// StopTask asks a running task to stop, waits up to the grace period and then
// aborts its session. Stopping a task that is not running returns its status.
func (o *Orchestrator) StopTask(id string) (harvest.Task, error) {
	o.mu.Lock()
	e, ok := o.tasks[id]
	o.mu.Unlock()
	if !ok {
		return o.Status(id)
	}
	if !e.running() {
		return e.view(), nil
	}
	e.cancel()
	if !waitDone(e.done, o.cfg.StopGrace) {
		o.logger.Warn("task did not stop in time; aborting session", zap.String("task_id", id))
		e.w.Abort()
		if !waitDone(e.done, o.cfg.StopGrace) {
			return e.view(), fmt.Errorf("task %s did not exit after abort", id)
		}
	}
	return e.view(), nil
}

func waitDone(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// Status returns the live view of a task started in this process, or the
// status recorded in its checkpoint.
func (o *Orchestrator) Status(id string) (harvest.Task, error) {
	o.mu.Lock()
	e, ok := o.tasks[id]
	o.mu.Unlock()
	if ok {
		return e.view(), nil
	}
	cp, err := o.deps.Checkpoints.Load(id)
	if err != nil {
		return harvest.Task{}, fmt.Errorf("task %s: %w", id, err)
	}
	return taskFromCheckpoint(cp, o.deps.Checkpoints.Path(id)), nil
}

// List returns every task known from checkpoints or started in this process,
// newest first.
func (o *Orchestrator) List() ([]harvest.Task, error) {
	cps, err := o.deps.Checkpoints.List()
	byID := make(map[string]harvest.Task, len(cps))
	for _, cp := range cps {
		byID[cp.TaskID] = taskFromCheckpoint(cp, o.deps.Checkpoints.Path(cp.TaskID))
	}
	o.mu.Lock()
	for id, e := range o.tasks {
		byID[id] = e.view()
	}
	o.mu.Unlock()
	out := make([]harvest.Task, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, err
}

// Logs returns the most recent log lines of a task's worker.
func (o *Orchestrator) Logs(id string, limit int) []logging.Line {
	if o.deps.Ring == nil {
		return nil
	}
	return o.deps.Ring.Tail(id, limit)
}

// Summary counts the outcome of a reconciliation pass.
type Summary struct {
	Resumable int `json:"resumable"`
	Stopped   int `json:"stopped"`
	Untouched int `json:"untouched"`
}

// Reconcile reclassifies tasks left starting or running by a previous process:
// those whose last activity is within the staleness window become resumable,
// the rest stopped. Corrupt checkpoints are reported but do not stop the pass.
func (o *Orchestrator) Reconcile(ctx context.Context) (Summary, error) {
	var sum Summary
	cps, listErr := o.deps.Checkpoints.List()
	now := o.deps.Clock.Now()
	var errs []error
	if listErr != nil {
		errs = append(errs, listErr)
	}
	for _, cp := range cps {
		if !cp.Status.Live() || o.live(cp.TaskID) {
			sum.Untouched++
			continue
		}
		age := now.Sub(cp.LastActivity)
		window := o.cfg.StaleWindow(cp.Spec.Mode)
		if age < window {
			cp.Status = harvest.TaskResumable
			cp.Reason = "interrupted; resumable"
			sum.Resumable++
		} else {
			cp.Status = harvest.TaskStopped
			cp.Reason = fmt.Sprintf("interrupted; stale after %s", age.Truncate(time.Second))
			sum.Stopped++
		}
		if err := o.deps.Checkpoints.Save(cp); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", cp.TaskID, err))
			continue
		}
		o.logger.Info("task reclassified",
			zap.String("task_id", cp.TaskID),
			zap.String("status", string(cp.Status)),
			zap.Duration("age", age),
			zap.Duration("window", window))
		if o.deps.Boundary != nil {
			task := taskFromCheckpoint(cp, o.deps.Checkpoints.Path(cp.TaskID))
			if err := o.deps.Boundary.SyncTask(ctx, task); err != nil {
				o.logger.Debug("task sync skipped", zap.String("task_id", cp.TaskID), zap.Error(err))
			}
		}
	}
	return sum, errors.Join(errs...)
}

func (o *Orchestrator) live(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.tasks[id]
	return ok && e.running()
}

// Shutdown stops every running task concurrently.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	var ids []string
	for id, e := range o.tasks {
		if e.running() {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.StopTask(id); err != nil {
				o.logger.Warn("task stop failed", zap.String("task_id", id), zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func taskFromCheckpoint(cp harvest.Checkpoint, path string) harvest.Task {
	return harvest.Task{
		ID:         cp.TaskID,
		WorkerID:   cp.TaskID,
		Target:     cp.Target,
		Spec:       cp.Spec,
		Status:     cp.Status,
		Reason:     cp.Reason,
		StartedAt:  cp.StartedAt,
		Counters:   cp.Counters,
		Checkpoint: path,
	}
}
