package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/metrics"
	"github.com/JakeFAU/adharvest/internal/worker"
)

// run is one generation of a slot: a single worker from launch to exit.
type run struct {
	gen     int
	w       *worker.Worker
	cancel  context.CancelFunc
	started time.Time
	base    int64
	forced  string
	settled bool
	done    chan struct{}
	result  worker.Result
}

type slot struct {
	index     int
	workerID  string
	taskID    string
	sessionID string
	target    harvest.Target
	state     worker.State
	reason    string
	counters  harvest.Counters
	errBase   int
	errors    int
	restarts  int
	idle      int // consecutive runs that ended without records
	recent    []harvest.Record
	cur       *run
}

type slotEvent struct {
	slot int
	gen  int
	ev   worker.Event
}

type slotExit struct {
	slot   int
	gen    int
	result worker.Result
}

type restart struct {
	slot   int
	target harvest.Target
}

// Pool supervises a fixed number of worker slots. All slot mutations happen
// on the control loop or under mu.
type Pool struct {
	id        string
	cfg       Config
	deps      Deps
	req       Request
	logger    *zap.Logger
	startedAt time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	events   chan slotEvent
	exits    chan slotExit
	restarts chan restart
	quit     chan struct{}
	loopDone chan struct{}

	mu       sync.Mutex
	slots    []*slot
	stopping bool

	stopOnce sync.Once
	report   Report
}

func newPool(ctx context.Context, id string, cfg Config, deps Deps, req Request, targets []harvest.Target) *Pool {
	ctx, cancel := context.WithCancel(ctx)
	p := &Pool{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		req:       req,
		logger:    deps.Logger.Named("pool").With(zap.String("pool_id", id)),
		startedAt: deps.Clock.Now(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan slotEvent, cfg.EventBuffer),
		exits:     make(chan slotExit, len(targets)),
		restarts:  make(chan restart, len(targets)),
		quit:      make(chan struct{}),
		loopDone:  make(chan struct{}),
	}
	for i := range targets {
		p.slots = append(p.slots, &slot{
			index:    i,
			workerID: fmt.Sprintf("%s-w%d", id, i+1),
		})
	}
	return p
}

// ID returns the pool handle.
func (p *Pool) ID() string { return p.id }

func (p *Pool) start(targets []harvest.Target) error {
	for _, s := range p.slots {
		id, err := p.deps.IDs.NewID()
		if err != nil {
			return fmt.Errorf("task id for %s: %w", s.workerID, err)
		}
		s.taskID = id
	}
	go p.loop()
	for i, s := range p.slots {
		p.launch(s, targets[i], false)
	}
	p.logger.Info("pool started",
		zap.Int("size", len(p.slots)), zap.String("policy", string(p.req.Policy)))
	return nil
}

func (p *Pool) launch(s *slot, target harvest.Target, resume bool) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	gen := 1
	if s.cur != nil {
		gen = s.cur.gen + 1
	}
	ctx, cancel := context.WithCancel(p.ctx)
	events := make(chan worker.Event, p.cfg.EventBuffer)

	deps := p.deps.Workers
	deps.Rotation = nil
	if p.deps.Targets != nil {
		deps.Rotation = p.deps.Targets
	}
	deps.Rand = nil
	deps.Logger = p.deps.Logger.With(zap.String("pool_id", p.id))
	w := worker.New(p.deps.Worker, deps, worker.Assignment{
		WorkerID: s.workerID,
		TaskID:   s.taskID,
		Target:   target,
		Spec:     p.req.Spec,
		Resume:   resume,
	}, events)

	r := &run{
		gen:     gen,
		w:       w,
		cancel:  cancel,
		started: p.deps.Clock.Now(),
		base:    s.counters.Extracted,
		done:    make(chan struct{}),
	}
	s.cur = r
	s.target = target
	s.state = worker.StateStarting
	s.reason = ""
	s.sessionID = ""
	p.mu.Unlock()

	go func() {
		defer close(r.done)
		defer close(events)
		r.result = w.Run(ctx)
	}()
	go p.forward(s.index, r, events)
}

// forward relays one worker's events to the control loop and reports its
// exit once the worker has returned.
func (p *Pool) forward(idx int, r *run, events <-chan worker.Event) {
	for ev := range events {
		select {
		case p.events <- slotEvent{slot: idx, gen: r.gen, ev: ev}:
		case <-p.quit:
		}
	}
	select {
	case p.exits <- slotExit{slot: idx, gen: r.gen, result: r.result}:
	case <-p.quit:
	}
}

func (p *Pool) loop() {
	defer close(p.loopDone)
	health := time.NewTicker(p.cfg.HealthInterval)
	defer health.Stop()
	for {
		select {
		case e := <-p.events:
			p.apply(e)
		case e := <-p.exits:
			p.exited(e)
		case r := <-p.restarts:
			p.launch(p.slots[r.slot], r.target, true)
		case <-health.C:
			p.sweep()
		case <-p.quit:
			return
		}
	}
}

func (p *Pool) apply(e slotEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.slots[e.slot]
	if s.cur == nil || s.cur.gen != e.gen {
		return
	}
	ev := e.ev
	s.state = ev.State
	s.target = ev.Target
	s.counters = ev.Counters
	s.errors = s.errBase + ev.Errors
	if ev.SessionID != "" {
		s.sessionID = ev.SessionID
	}
	if ev.Reason != "" {
		s.reason = ev.Reason
	}
	if ev.Recent != nil {
		s.recent = ev.Recent
	}
}

// settle folds a finished run's result into its slot exactly once.
func (p *Pool) settle(s *slot, r *run, res worker.Result) {
	if r.settled {
		return
	}
	r.settled = true
	s.state = res.State
	s.reason = res.Reason
	s.target = res.Target
	s.counters = res.Counters
	s.errBase += res.Errors
	if res.State == worker.StateError {
		s.errBase++
	}
	s.errors = s.errBase
}

func (p *Pool) exited(e slotExit) {
	p.mu.Lock()
	s := p.slots[e.slot]
	if s.cur == nil || s.cur.gen != e.gen {
		p.mu.Unlock()
		return
	}
	r := s.cur
	p.settle(s, r, e.result)
	forced := r.forced
	stopping := p.stopping
	res := e.result
	if res.Counters.Extracted > r.base {
		s.idle = 0
	} else {
		s.idle++
	}
	exhausted := (forced != "" || !res.Clean()) && p.cfg.MaxRestarts > 0 && s.idle > p.cfg.MaxRestarts
	if exhausted && !stopping {
		cause := res.Reason
		if forced != "" {
			cause = forced
		}
		s.state = worker.StateError
		s.reason = fmt.Sprintf("restart limit reached after %d restarts: %s", s.restarts, cause)
	}
	reason := s.reason
	p.mu.Unlock()

	if stopping {
		return
	}
	if exhausted {
		p.logger.Error("worker abandoned",
			zap.String(logging.WorkerKey, s.workerID),
			zap.Int("max_restarts", p.cfg.MaxRestarts),
			zap.String("reason", reason))
		return
	}
	switch {
	case forced != "":
		p.restart(s, p.pick(res.Target, true), forced, 0)
	case !res.Clean():
		p.logger.Warn("worker exited",
			zap.String(logging.WorkerKey, s.workerID),
			zap.String("state", string(res.State)), zap.String("reason", res.Reason))
		p.restart(s, p.pick(res.Target, false), "error", p.cfg.RestartDelay)
	default:
		p.logger.Info("worker finished",
			zap.String(logging.WorkerKey, s.workerID), zap.String("state", string(res.State)))
	}
}

// pick assigns a fresh target to a restarting slot. Stalled slots always move
// away from their current target.
func (p *Pool) pick(current harvest.Target, away bool) harvest.Target {
	if p.deps.Targets == nil {
		return current
	}
	if away {
		return p.deps.Targets.Away(current)
	}
	return p.deps.Targets.Random()
}

func (p *Pool) restart(s *slot, target harvest.Target, reason string, delay time.Duration) {
	p.mu.Lock()
	s.restarts++
	p.mu.Unlock()
	metrics.ObserveRestart(reason)
	p.logger.Info("restarting worker",
		zap.String(logging.WorkerKey, s.workerID),
		zap.String("reason", reason),
		zap.String("target", target.URL),
		zap.Duration("delay", delay))

	if delay <= 0 {
		p.launch(s, target, true)
		return
	}
	time.AfterFunc(delay, func() {
		select {
		case p.restarts <- restart{slot: s.index, target: target}:
		case <-p.quit:
		}
	})
}

// sweep tears down workers that have run longer than the stall threshold
// without producing the minimum output. Their exit triggers a restart.
func (p *Pool) sweep() {
	if p.cfg.StallUptime <= 0 {
		return
	}
	now := p.deps.Clock.Now()
	var stalled []*run
	p.mu.Lock()
	for _, s := range p.slots {
		r := s.cur
		if r == nil || r.forced != "" || s.state.Terminal() {
			continue
		}
		produced := s.counters.Extracted - r.base
		if now.Sub(r.started) > p.cfg.StallUptime && produced < p.cfg.StallMinRecords {
			r.forced = "stalled"
			stalled = append(stalled, r)
			p.logger.Warn("worker stalled",
				zap.String(logging.WorkerKey, s.workerID),
				zap.Duration("uptime", now.Sub(r.started)),
				zap.Int64("produced", produced))
		}
	}
	p.mu.Unlock()
	for _, r := range stalled {
		r.cancel()
		r.w.Abort()
	}
}

// Status returns the current view of every slot plus pool totals.
func (p *Pool) Status() Status {
	now := p.deps.Clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked(now)
}

func (p *Pool) statusLocked(now time.Time) Status {
	st := Status{
		ID:        p.id,
		Policy:    p.req.Policy,
		Spec:      p.req.Spec,
		Size:      len(p.slots),
		StartedAt: p.startedAt,
		Stopped:   p.stopping,
		Workers:   make([]WorkerStatus, 0, len(p.slots)),
	}
	for _, s := range p.slots {
		ws := WorkerStatus{
			WorkerID:  s.workerID,
			TaskID:    s.taskID,
			SessionID: s.sessionID,
			Target:    s.target.URL,
			State:     s.state,
			Reason:    s.reason,
			Extracted: s.counters.Extracted,
			Persisted: s.counters.Persisted,
			Errors:    s.errors,
			Restarts:  s.restarts,
			Recent:    append([]harvest.Record(nil), s.recent...),
		}
		if !s.state.Terminal() {
			st.ActiveWorkers++
			if s.cur != nil {
				ws.UptimeSeconds = now.Sub(s.cur.started).Seconds()
			}
		}
		st.TotalExtracted += ws.Extracted
		st.TotalPersisted += ws.Persisted
		st.TotalErrors += ws.Errors
		st.Workers = append(st.Workers, ws)
	}
	if minutes := now.Sub(p.startedAt).Minutes(); minutes > 0 {
		st.RecordsPerMinute = float64(st.TotalExtracted) / minutes
	}
	return st
}

// Logs returns recent log lines of one worker, or of the whole pool when
// workerID is empty.
func (p *Pool) Logs(workerID string, limit int) []logging.Line {
	if p.deps.Ring == nil {
		return nil
	}
	if workerID != "" {
		return p.deps.Ring.Tail(workerID, limit)
	}
	prefix := p.id + "-w"
	marker := " pool_id=" + p.id + " "
	return p.deps.Ring.Filter(limit, func(l logging.Line) bool {
		return strings.HasPrefix(l.WorkerID, prefix) || strings.Contains(" "+l.Fields+" ", marker)
	})
}

// Stop cancels every worker, waits up to the grace period, aborts stragglers
// and writes the final report. It is idempotent.
func (p *Pool) Stop() Report {
	p.stopOnce.Do(func() { p.report = p.shutdown() })
	return p.report
}

func (p *Pool) shutdown() Report {
	p.mu.Lock()
	p.stopping = true
	runs := make([]*run, 0, len(p.slots))
	for _, s := range p.slots {
		if s.cur != nil {
			runs = append(runs, s.cur)
		}
	}
	p.mu.Unlock()

	p.logger.Info("stopping pool", zap.Int("workers", len(runs)))
	p.cancel()
	pending := waitRuns(runs, p.cfg.StopGrace)
	for _, r := range pending {
		r.w.Abort()
	}
	if left := waitRuns(pending, p.cfg.StopGrace); len(left) > 0 {
		p.logger.Error("workers did not exit after abort", zap.Int("count", len(left)))
	}
	close(p.quit)
	<-p.loopDone

	now := p.deps.Clock.Now()
	p.mu.Lock()
	var stuck []string
	for _, s := range p.slots {
		r := s.cur
		if r == nil {
			continue
		}
		select {
		case <-r.done:
			p.settle(s, r, r.result)
		default:
			stuck = append(stuck, s.workerID)
		}
	}
	report := Report{Status: p.statusLocked(now), StoppedAt: now, Abandoned: stuck}
	p.mu.Unlock()

	if p.deps.Files != nil {
		if err := p.deps.Files.PutJSON(ReportPath(p.id), report); err != nil {
			p.logger.Error("pool report not written", zap.Error(err))
		}
	}
	p.logger.Info("pool stopped",
		zap.Int64("extracted", report.TotalExtracted),
		zap.Int64("persisted", report.TotalPersisted),
		zap.Float64("records_per_minute", report.RecordsPerMinute))
	return report
}

// ReportPath is the state-dir relative location of a pool's final report.
func ReportPath(id string) string {
	return "reports/pool-" + id + ".json"
}

// waitRuns waits up to d for runs to exit and returns those still running.
func waitRuns(runs []*run, d time.Duration) []*run {
	if len(runs) == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for i, r := range runs {
		select {
		case <-r.done:
		case <-timer.C:
			var pending []*run
			for _, rest := range runs[i:] {
				select {
				case <-rest.done:
				default:
					pending = append(pending, rest)
				}
			}
			return pending
		}
	}
	return nil
}
