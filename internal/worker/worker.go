// Package worker implements the extraction worker: one automation session
// driven through a scroll/scan cycle with checkpointing, disconnect recovery
// and resource-pressure recycling.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/dedup"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/memstat"
	"github.com/JakeFAU/adharvest/internal/metrics"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/signature"
)

// Rotator hands out alternative targets.
type Rotator interface {
	Away(avoid harvest.Target) harvest.Target
}

// Deps are the collaborators of a worker.
type Deps struct {
	Launcher    harvest.Launcher
	Rotation    Rotator
	Boundary    *persist.Boundary
	Checkpoints *checkpoint.Store
	Sampler     memstat.Sampler
	Clock       harvest.Clock
	IDs         harvest.IDGenerator
	// Sleep waits between reconnection attempts. Defaults to system.Sleep.
	Sleep  func(ctx context.Context, d time.Duration) error
	Rand   *rand.Rand
	Logger *zap.Logger
}

// Assignment describes the task a worker runs.
type Assignment struct {
	WorkerID string
	TaskID   string
	// Target overrides the checkpointed target when resuming.
	Target harvest.Target
	Spec   harvest.RunSpec
	Resume bool
}

// Worker owns one automation session. Run must be called at most once.
type Worker struct {
	cfg    Config
	deps   Deps
	asg    Assignment
	events chan<- Event
	logger *zap.Logger

	sessMu  sync.Mutex
	session harvest.Session

	state          State
	reason         string
	target         harvest.Target
	sessionID      string
	sessionStarted time.Time
	startedAt      time.Time
	deadline       time.Time
	counters       harvest.Counters
	persistedBase  int64
	resumedActive  time.Duration
	errors         int
	consecutive    int
	quiet          int
	critical       int
	freshSinceCP   bool

	seen    *dedup.Set
	recent  *dedup.Recent
	reloads *rate.Limiter
	writer  *persist.Writer
}

// New constructs a Worker. events may be nil.
func New(cfg Config, deps Deps, asg Assignment, events chan<- Event) *Worker {
	cfg.defaults()
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Sleep == nil {
		deps.Sleep = system.Sleep
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	reloadEvery := rate.Inf
	if cfg.ReloadInterval > 0 {
		reloadEvery = rate.Every(cfg.ReloadInterval)
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		asg:    asg,
		events: events,
		logger: deps.Logger.Named("worker").With(
			zap.String("worker_id", asg.WorkerID),
			zap.String("task_id", asg.TaskID),
		),
		target:  asg.Target,
		seen:    dedup.NewSet(cfg.DedupCap),
		recent:  dedup.NewRecent(cfg.RecentCap),
		reloads: rate.NewLimiter(reloadEvery, 1),
	}
}

// Abort closes the live session from outside the worker goroutine so that a
// blocked automation call returns. The caller is expected to have canceled
// the worker's context first.
func (w *Worker) Abort() {
	w.sessMu.Lock()
	defer w.sessMu.Unlock()
	if w.session != nil {
		_ = w.session.Close()
	}
}

// Run drives the state machine until the task completes, fails or ctx is
// canceled. It never panics.
func (w *Worker) Run(ctx context.Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker panic", zap.Any("panic", r), zap.Stack("stack"))
			res = w.finish(StateError, fmt.Sprintf("panic: %v", r))
		}
	}()

	w.transition(StateStarting, "")
	w.startedAt = w.deps.Clock.Now()
	if w.asg.Resume {
		w.restore(ctx)
	}
	if w.asg.Spec.Mode == harvest.ModeBounded {
		w.deadline = w.startedAt.Add(w.asg.Spec.Duration)
		if w.asg.Resume {
			w.deadline = w.deps.Clock.Now().Add(w.remaining())
		}
	}

	if err := w.launchWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return w.finish(StateStopped, "stopped before start")
		}
		return w.finish(StateError, fmt.Sprintf("failed to start: %v", err))
	}
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	w.writer = w.deps.Boundary.NewWriter(w.cfg.QueueDepth, w.cfg.WriteBudget, w.logger)
	w.sessionID = w.newSessionID()
	w.emit(Event{Kind: EventSessionCreated})
	w.transition(StateRunning, "")
	w.saveCheckpoint(ctx)

	ticker := time.NewTicker(w.cfg.CycleInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return w.finish(StateStopped, "stop requested")
		}
		if !w.deadline.IsZero() && !w.deps.Clock.Now().Before(w.deadline) {
			return w.finish(StateCompleted, "duration elapsed")
		}

		if err := w.cycle(ctx); err != nil {
			if reason, terminal := w.handleCycleError(ctx, err); terminal {
				if ctx.Err() != nil {
					return w.finish(StateStopped, "stop requested")
				}
				return w.finish(StateError, reason)
			}
		} else {
			w.consecutive = 0
		}
		w.emit(Event{Kind: EventProgress})

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
}

// handleCycleError decides whether a failed cycle ends the worker.
func (w *Worker) handleCycleError(ctx context.Context, err error) (string, bool) {
	if ctx.Err() != nil {
		return "", true
	}
	w.errors++
	sess := w.currentSession()
	if errors.Is(err, harvest.ErrDisconnected) || sess == nil || !sess.IsAlive(ctx) {
		w.logger.Warn("session lost", zap.Error(err))
		if rerr := w.reconnect(ctx); rerr != nil {
			return rerr.Error(), true
		}
		w.consecutive = 0
		return "", false
	}
	w.consecutive++
	w.logger.Warn("cycle failed", zap.Error(err), zap.Int("consecutive", w.consecutive))
	if w.consecutive >= w.cfg.MaxConsecutiveErrors {
		return fmt.Sprintf("%d consecutive cycle errors, last: %v", w.consecutive, err), true
	}
	return "", false
}

// cycle runs one scroll, scan, persist and maybe-checkpoint pass.
func (w *Worker) cycle(ctx context.Context) error {
	w.counters.Cycles++
	sess := w.currentSession()
	if sess == nil {
		return harvest.ErrDisconnected
	}

	delta := w.cfg.ScrollMin + w.deps.Rand.IntN(w.cfg.ScrollMax-w.cfg.ScrollMin+1)
	st, err := sess.Scroll(ctx, delta)
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	if st.AtBoundary() {
		if err := w.atBoundary(ctx, sess, st); err != nil {
			return err
		}
	}

	candidates, err := sess.ScanPage(ctx)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	fresh := w.keepUnseen(candidates)
	if len(fresh) > 0 {
		w.counters.Extracted += int64(len(fresh))
		w.quiet = 0
		w.freshSinceCP = true
		w.writer.Submit(w.asg.TaskID, w.target.URL, fresh)
		for _, rec := range fresh {
			w.recent.Push(rec)
		}
		metrics.ObserveRecords(w.target.URL, "found", len(fresh))
	}

	if w.counters.Cycles%int64(w.cfg.CheckpointEvery) == 0 {
		w.saveCheckpoint(ctx)
		if !w.freshSinceCP {
			w.quiet++
		}
		w.freshSinceCP = false
		if err := w.handleStuck(ctx); err != nil {
			return err
		}
	}
	if w.counters.Cycles%int64(w.cfg.SampleEvery) == 0 {
		if err := w.checkPressure(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) atBoundary(ctx context.Context, sess harvest.Session, st harvest.ScrollState) error {
	if w.reloads.AllowN(w.deps.Clock.Now(), 1) {
		w.logger.Debug("content boundary reached; reloading")
		if err := sess.Reload(ctx); err != nil {
			return fmt.Errorf("reload: %w", err)
		}
		return nil
	}
	offset := 0
	if span := int(st.ContentHeight - st.ViewportHeight); span > 0 {
		offset = w.deps.Rand.IntN(span)
	}
	if err := sess.ScrollTo(ctx, offset); err != nil {
		return fmt.Errorf("scroll to %d: %w", offset, err)
	}
	return nil
}

// keepUnseen signs candidates and returns those not yet in the seen-set.
func (w *Worker) keepUnseen(candidates []harvest.Record) []harvest.Record {
	fresh := make([]harvest.Record, 0, len(candidates))
	for _, rec := range candidates {
		if signature.Empty(rec) {
			continue
		}
		rec.Signature = signature.Of(rec)
		rec.TaskID = w.asg.TaskID
		if w.seen.Add(rec.Signature) {
			fresh = append(fresh, rec)
		}
	}
	return fresh
}

func (w *Worker) handleStuck(ctx context.Context) error {
	sess := w.currentSession()
	switch {
	case w.quiet >= w.cfg.StuckRotateAfter:
		if w.deps.Rotation == nil {
			w.quiet = 0
			return nil
		}
		next := w.deps.Rotation.Away(w.target)
		w.logger.Info("target exhausted; rotating",
			zap.String("from", w.target.URL), zap.String("to", next.URL), zap.Int("quiet", w.quiet))
		metrics.ObserveRotation("stuck")
		w.quiet = 0
		w.target = next
		if err := sess.Navigate(ctx, next.URL); err != nil {
			return fmt.Errorf("navigate after rotation: %w", err)
		}
		w.reloads.AllowN(w.deps.Clock.Now(), 1)
		w.emit(Event{Kind: EventRotated, Reason: "stuck"})
	case w.quiet >= w.cfg.StuckNudgeAfter:
		w.logger.Debug("no new records; nudging", zap.Int("quiet", w.quiet))
		if err := sess.Nudge(ctx); err != nil {
			return fmt.Errorf("nudge: %w", err)
		}
	}
	return nil
}

// sample reads process memory plus the resident set of the session's browser
// tree when the sampler and session both support it.
func (w *Worker) sample() (memstat.Sample, error) {
	sample, err := w.deps.Sampler.Sample()
	if err != nil {
		return sample, err
	}
	tree, ok := w.deps.Sampler.(memstat.TreeSampler)
	if !ok {
		return sample, nil
	}
	owner, ok := w.currentSession().(harvest.ProcessOwner)
	if !ok || owner.PID() <= 0 {
		return sample, nil
	}
	rss, err := tree.TreeRSS(owner.PID())
	if err != nil {
		w.logger.Debug("browser memory sample failed", zap.Int("pid", owner.PID()), zap.Error(err))
		return sample, nil
	}
	sample.BrowserRSSBytes = rss
	return sample, nil
}

// checkPressure shrinks the seen-set under pressure and recycles the session
// once critical pressure has held for CriticalSamples consecutive checks and
// the session is older than RecycleCooldown.
func (w *Worker) checkPressure(ctx context.Context) error {
	if w.deps.Sampler == nil {
		return nil
	}
	sample, err := w.sample()
	if err != nil {
		w.logger.Debug("memory sample failed", zap.Error(err))
		return nil
	}
	if w.cfg.Thresholds.Classify(sample) == memstat.Normal {
		w.critical = 0
		return nil
	}
	w.saveCheckpoint(ctx)
	dropped := w.seen.Shrink(w.cfg.DedupShrinkTo)
	w.logger.Info("memory pressure; shrank seen-set",
		zap.Int("heap_mb", sample.HeapMB()), zap.Int("rss_mb", sample.RSSMB()),
		zap.Int("browser_mb", sample.BrowserMB()), zap.Int("dropped", dropped))

	after, err := w.sample()
	if err != nil {
		after = sample
	}
	level := w.cfg.Thresholds.Classify(after)
	if level == memstat.Critical {
		w.critical++
	} else {
		w.critical = 0
	}
	uptime := w.deps.Clock.Now().Sub(w.sessionStarted)
	switch {
	case level == memstat.Critical && w.critical >= w.cfg.CriticalSamples && uptime >= w.cfg.RecycleCooldown:
		w.critical = 0
		return w.recycle(ctx, "memory_critical")
	case level == memstat.Critical:
		w.logger.Debug("critical memory; recycle deferred",
			zap.Int("streak", w.critical), zap.Duration("session_uptime", uptime))
	case level == memstat.High && w.cfg.UptimeCeiling > 0 && uptime >= w.cfg.UptimeCeiling:
		return w.recycle(ctx, "uptime_ceiling")
	}
	return nil
}

// recycle closes and relaunches the session, keeping counters and seen-set.
func (w *Worker) recycle(ctx context.Context, reason string) error {
	w.transition(StateRecycling, reason)
	metrics.ObserveRecycle(reason)
	w.closeSession()
	if err := w.launchWithRetry(ctx); err != nil {
		return fmt.Errorf("%w: relaunch after recycle: %v", harvest.ErrDisconnected, err)
	}
	w.sessionID = w.newSessionID()
	w.emit(Event{Kind: EventSessionCreated})
	w.transition(StateRunning, "")
	return nil
}

func (w *Worker) currentSession() harvest.Session {
	w.sessMu.Lock()
	defer w.sessMu.Unlock()
	return w.session
}

func (w *Worker) setSession(s harvest.Session) {
	w.sessMu.Lock()
	w.session = s
	w.sessMu.Unlock()
	if s != nil {
		w.sessionStarted = w.deps.Clock.Now()
	}
}

func (w *Worker) closeSession() {
	w.sessMu.Lock()
	s := w.session
	w.session = nil
	w.sessMu.Unlock()
	if s != nil {
		if err := s.Close(); err != nil {
			w.logger.Debug("session close failed", zap.Error(err))
		}
	}
}

func (w *Worker) newSessionID() string {
	if w.deps.IDs == nil {
		return ""
	}
	id, err := w.deps.IDs.NewID()
	if err != nil {
		w.logger.Warn("session id generation failed", zap.Error(err))
		return ""
	}
	return id
}

func (w *Worker) transition(to State, reason string) {
	if w.state == to {
		return
	}
	w.logger.Info("state transition",
		zap.String("from", string(w.state)), zap.String("to", string(to)), zap.String("reason", reason))
	w.state = to
	metrics.ObserveTransition(string(to))
	w.emit(Event{Kind: EventState, Reason: reason})
}

// emit fills the common fields and sends without blocking; events are
// dropped when the control plane lags.
func (w *Worker) emit(ev Event) {
	if w.events == nil {
		return
	}
	ev.WorkerID = w.asg.WorkerID
	ev.TaskID = w.asg.TaskID
	ev.SessionID = w.sessionID
	ev.State = w.state
	ev.Target = w.target
	ev.Counters = w.snapshotCounters()
	ev.Errors = w.errors
	ev.SessionStarted = w.sessionStarted
	ev.At = w.deps.Clock.Now()
	if ev.Kind == EventProgress || ev.Kind == EventState {
		ev.Recent = w.recent.Snapshot()
	}
	select {
	case w.events <- ev:
	default:
	}
}

func (w *Worker) snapshotCounters() harvest.Counters {
	c := w.counters
	if w.writer != nil {
		c.Persisted = w.persistedBase + w.writer.Persisted()
	}
	return c
}
