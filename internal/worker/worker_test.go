package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/memstat"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/rotation"
	"github.com/JakeFAU/adharvest/internal/signature"
	"github.com/JakeFAU/adharvest/internal/storage/local"
	"github.com/JakeFAU/adharvest/internal/storage/memory"
)

var (
	targetA = harvest.Target{URL: "https://a.example.com"}
	targetB = harvest.Target{URL: "https://b.example.com"}
)

func unbounded() harvest.RunSpec {
	return harvest.RunSpec{Mode: harvest.ModeUnbounded, Profile: harvest.ProfileDesktop}
}

func TestBoundedRunCompletes(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(2)) }}
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 80 * time.Millisecond, Profile: harvest.ProfileMobile}

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateCompleted, res.State)
	require.True(t, res.Clean())
	require.Positive(t, res.Counters.Extracted)
	require.Equal(t, res.Counters.Extracted, res.Counters.Persisted)
	require.EqualValues(t, h.store.Len(), res.Counters.Extracted)

	cp, err := h.checkpoints.Load("t1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskCompleted, cp.Status)
	require.Equal(t, res.Counters, cp.Counters)

	task, ok := h.store.Task("t1")
	require.True(t, ok)
	require.Equal(t, harvest.TaskCompleted, task.Status)
	require.NotNil(t, task.EndedAt)

	states := h.states()
	require.Equal(t, []State{StateStarting, StateRunning, StateCompleted}, states)
}

func TestSessionCreatedEventCarriesIDs(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(nil) }}
	ctx, cancel := context.WithCancel(context.Background())

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	var created Event
	require.Eventually(t, func() bool {
		select {
		case ev := <-h.events:
			if ev.Kind == EventSessionCreated {
				created = ev
				return true
			}
		default:
		}
		return false
	}, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	require.Equal(t, "t1", created.TaskID)
	require.Equal(t, "sess-1", created.SessionID)
	require.Equal(t, targetA, created.Target)
}

func TestSeenSetAndRecentStayBounded(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(37)) }}
	cfg := fastConfig()
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 60 * time.Millisecond, Profile: harvest.ProfileDesktop}

	w := New(cfg, h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Greater(t, res.Counters.Extracted, int64(cfg.DedupCap))
	require.LessOrEqual(t, w.seen.Len(), cfg.DedupCap)
	require.LessOrEqual(t, w.recent.Len(), cfg.RecentCap)
	for {
		select {
		case ev := <-h.events:
			require.LessOrEqual(t, len(ev.Recent), cfg.RecentCap)
			continue
		default:
		}
		break
	}
}

func TestReconnectionGivesUpAfterCeiling(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(n int) *fakeSession {
		if n > 1 {
			return nil
		}
		s := newFakeSession(nil)
		s.scrollErr = harvest.ErrDisconnected
		return s
	}}
	sleep := &recordingSleep{}
	deps := h.deps(l)
	deps.Sleep = sleep.Sleep
	cfg := fastConfig()

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateError, res.State)
	require.Contains(t, res.Reason, "reconnect failed after 3 attempts")
	require.Equal(t, 1+cfg.ReconnectAttempts, l.count(), "no attempts beyond the ceiling")
	require.Len(t, sleep.waits, cfg.ReconnectAttempts-1)
	sleep.mu.Lock()
	waits := append([]time.Duration(nil), sleep.waits...)
	sleep.mu.Unlock()
	require.Equal(t, cfg.ReconnectInitial, waits[0])
	for i, d := range waits {
		require.LessOrEqual(t, d, cfg.ReconnectMax)
		if i > 0 {
			require.GreaterOrEqual(t, d, waits[i-1], "waits never shrink")
		}
	}

	states := h.states()
	require.Contains(t, states, StateDisconnected)
	require.Contains(t, states, StateReconnecting)
	require.Equal(t, StateError, states[len(states)-1])

	cp, err := h.checkpoints.Load("t1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskError, cp.Status)
}

func TestReconnectRecoversAndKeepsCounters(t *testing.T) {
	h := newHarness(t)
	first := newFakeSession(uniqueRecords(1))
	l := &fakeLauncher{next: func(n int) *fakeSession {
		if n == 1 {
			return first
		}
		return newFakeSession(uniqueRecords(1))
	}}
	deps := h.deps(l)
	deps.Sleep = (&recordingSleep{}).Sleep
	ctx, cancel := context.WithCancel(context.Background())

	w := New(fastConfig(), deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Len() >= 3 }, 2*time.Second, time.Millisecond)
	first.mu.Lock()
	first.scrollErr = harvest.ErrDisconnected
	first.mu.Unlock()
	require.Eventually(t, func() bool { return l.count() >= 2 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.store.Len() >= 6 }, 2*time.Second, time.Millisecond)
	cancel()
	res := <-done

	require.Equal(t, StateStopped, res.State)
	require.GreaterOrEqual(t, res.Counters.Extracted, int64(6))
	require.Equal(t, 1, res.Errors)
}

func TestGracefulStopCheckpointsPersistedCounters(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(3)) }}
	ctx, cancel := context.WithCancel(context.Background())

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Len() >= 9 }, 2*time.Second, time.Millisecond)
	cancel()

	var res Result
	select {
	case res = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop within the grace period")
	}
	require.Equal(t, StateStopped, res.State)

	cp, err := h.checkpoints.Load("t1")
	require.NoError(t, err)
	require.Equal(t, harvest.TaskStopped, cp.Status)
	require.EqualValues(t, h.store.Len(), cp.Counters.Persisted)
	require.Equal(t, cp.Counters.Extracted, cp.Counters.Persisted)
	sess := l.last()
	require.NotNil(t, sess)
	require.True(t, sess.closed)
}

func TestStuckSourceNudgesThenRotates(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(sameRecord) }}
	rot, err := rotation.New([]harvest.Target{targetA, targetB}, rotation.Config{})
	require.NoError(t, err)
	deps := h.deps(l)
	deps.Rotation = rot
	cfg := fastConfig()
	cfg.CheckpointEvery = 1
	cfg.StuckNudgeAfter = 2
	cfg.StuckRotateAfter = 4
	ctx, cancel := context.WithCancel(context.Background())

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		sess := l.last()
		if sess == nil {
			return false
		}
		_, nav := sess.counts()
		return len(nav) >= 2
	}, 2*time.Second, time.Millisecond)
	cancel()
	res := <-done

	require.Equal(t, 1, l.count())
	nudges, nav := l.last().counts()
	require.GreaterOrEqual(t, nudges, 2)
	require.Equal(t, targetA.URL, nav[0])
	require.Equal(t, targetB.URL, nav[1])
	require.Equal(t, StateStopped, res.State)
	require.EqualValues(t, 1, res.Counters.Extracted)
}

func TestLaunchFailureNeverReachesRunning(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return nil }}

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateError, res.State)
	require.Contains(t, res.Reason, "failed to start")
	require.Equal(t, 3, l.count())
	require.NotContains(t, h.states(), StateRunning)
}

func TestConsecutiveCycleErrorsEscalate(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession {
		return newFakeSession(func(int) ([]harvest.Record, error) { return nil, errors.New("evaluation failed") })
	}}

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateError, res.State)
	require.Contains(t, res.Reason, "3 consecutive cycle errors")
	require.Equal(t, 3, res.Errors)
	require.Equal(t, 1, l.count())
}

func TestPanicIsContained(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession {
		return newFakeSession(func(int) ([]harvest.Record, error) { panic("boom") })
	}}

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	var res Result
	require.NotPanics(t, func() { res = w.Run(context.Background()) })
	require.Equal(t, StateError, res.State)
	require.Contains(t, res.Reason, "panic: boom")
}

func TestCriticalMemoryRecyclesSession(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(30)) }}
	deps := h.deps(l)
	deps.Sampler = &fakeSampler{samples: []memstat.Sample{
		{HeapBytes: 10 * memstat.MiB},
		{HeapBytes: 500 * memstat.MiB},
		{HeapBytes: 500 * memstat.MiB},
		{HeapBytes: 500 * memstat.MiB},
		{HeapBytes: 500 * memstat.MiB},
		{HeapBytes: 10 * memstat.MiB},
	}}
	cfg := fastConfig()
	cfg.SampleEvery = 2
	cfg.CriticalSamples = 2
	cfg.Thresholds = memstat.Thresholds{HeapHighMB: 100, HeapCriticalMB: 400}
	ctx, cancel := context.WithCancel(context.Background())

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return l.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	res := <-done

	require.Equal(t, StateStopped, res.State)
	require.Contains(t, h.states(), StateRecycling)
	require.True(t, l.sessions[0].closed)
	require.Positive(t, res.Counters.Extracted)
}

func TestBrowserTreeMemoryRecyclesSession(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(n int) *fakeSession {
		s := newFakeSession(uniqueRecords(3))
		s.pid = 4000 + n
		return s
	}}
	deps := h.deps(l)
	sampler := &fakeSampler{
		samples: []memstat.Sample{{HeapBytes: 10 * memstat.MiB, RSSBytes: 50 * memstat.MiB}},
		browser: 3000 * memstat.MiB,
	}
	deps.Sampler = sampler
	cfg := fastConfig()
	cfg.SampleEvery = 1
	cfg.CriticalSamples = 2
	cfg.Thresholds = memstat.Thresholds{HeapCriticalMB: 400, RSSCriticalMB: 1000, BrowserCriticalMB: 2000}
	ctx, cancel := context.WithCancel(context.Background())

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: unbounded()}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return l.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	<-done

	require.Contains(t, h.states(), StateRecycling)
	sampler.mu.Lock()
	defer sampler.mu.Unlock()
	require.Contains(t, sampler.pids, 4001, "the first browser's tree was sampled")
}

func TestCriticalMemoryRespectsRecycleCooldown(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(3)) }}
	deps := h.deps(l)
	deps.Sampler = &fakeSampler{samples: []memstat.Sample{{HeapBytes: 500 * memstat.MiB}}}
	cfg := fastConfig()
	cfg.SampleEvery = 1
	cfg.CriticalSamples = 2
	cfg.RecycleCooldown = time.Hour
	cfg.Thresholds = memstat.Thresholds{HeapCriticalMB: 400}
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 60 * time.Millisecond, Profile: harvest.ProfileDesktop}

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, l.count(), "a fresh session is not recycled again")
	require.NotContains(t, h.states(), StateRecycling)
}

func TestHighMemoryShrinksSeenSetWithoutRecycle(t *testing.T) {
	h := newHarness(t)
	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(30)) }}
	deps := h.deps(l)
	deps.Sampler = &fakeSampler{samples: []memstat.Sample{{HeapBytes: 150 * memstat.MiB}}}
	cfg := fastConfig()
	cfg.SampleEvery = 3
	cfg.Thresholds = memstat.Thresholds{HeapHighMB: 100, HeapCriticalMB: 400}
	cfg.UptimeCeiling = time.Hour
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 30 * time.Millisecond, Profile: harvest.ProfileDesktop}

	w := New(cfg, deps, Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateCompleted, res.State)
	require.Equal(t, 1, l.count())
	require.LessOrEqual(t, w.seen.Len(), cfg.DedupShrinkTo+2*30)
}

func TestResumeRestoresCountersAndSeenSet(t *testing.T) {
	h := newHarness(t)
	old := harvest.Record{Advertiser: "Acme", Headline: "already stored", Body: "x"}
	old.Signature = signature.Of(old)
	old.TaskID = "t1"
	old.CapturedAt = time.Now()
	_, err := h.store.InsertRecords(context.Background(), []harvest.Record{old})
	require.NoError(t, err)

	started := time.Now().Add(-time.Hour)
	require.NoError(t, h.checkpoints.Save(harvest.Checkpoint{
		TaskID:       "t1",
		Target:       targetB,
		Spec:         unbounded(),
		Status:       harvest.TaskResumable,
		Counters:     harvest.Counters{Extracted: 41, Persisted: 40, Cycles: 500},
		StartedAt:    started,
		LastActivity: started.Add(30 * time.Minute),
	}))

	l := &fakeLauncher{next: func(int) *fakeSession {
		return newFakeSession(func(int) ([]harvest.Record, error) {
			return []harvest.Record{
				{Advertiser: "Acme", Headline: "already stored", Body: "x"},
				{Advertiser: "Beta", Headline: "new", Body: "y"},
			}, nil
		})
	}}
	ctx, cancel := context.WithCancel(context.Background())

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Resume: true}, h.events)
	done := make(chan Result, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return h.store.Len() == 2 }, 2*time.Second, time.Millisecond)
	cancel()
	res := <-done

	require.Equal(t, StateStopped, res.State)
	require.EqualValues(t, 42, res.Counters.Extracted, "only the unseen record counts")
	require.EqualValues(t, 41, res.Counters.Persisted)
	require.Equal(t, targetB, res.Target)
	sess := l.last()
	require.NotNil(t, sess)
	_, nav := sess.counts()
	require.Equal(t, targetB.URL, nav[0])

	cp, err := h.checkpoints.Load("t1")
	require.NoError(t, err)
	require.True(t, started.Equal(cp.StartedAt))
}

// slowTaskStore answers task upserts slowly, like a saturated database.
type slowTaskStore struct {
	*memory.RecordStore
	delay time.Duration
}

func (s slowTaskStore) UpsertTask(ctx context.Context, task harvest.Task) error {
	time.Sleep(s.delay)
	return s.RecordStore.UpsertTask(ctx, task)
}

func TestSlowTaskSyncDoesNotStallCycles(t *testing.T) {
	h := newHarness(t)
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := slowTaskStore{RecordStore: h.store, delay: 200 * time.Millisecond}
	open := func(context.Context) (harvest.RecordStore, error) { return store, nil }
	h.boundary = persist.New(open, files, system.New(), persist.Config{}, zap.NewNop())
	t.Cleanup(h.boundary.Close)

	sess := newFakeSession(uniqueRecords(1))
	l := &fakeLauncher{next: func(int) *fakeSession { return sess }}
	cfg := fastConfig()
	cfg.CheckpointEvery = 1
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 150 * time.Millisecond, Profile: harvest.ProfileDesktop}

	w := New(cfg, h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateCompleted, res.State)
	sess.mu.Lock()
	scans := sess.scans
	sess.mu.Unlock()
	require.GreaterOrEqual(t, scans, 10, "checkpoints must not wait on the task upsert")
	task, ok := h.store.Task("t1")
	require.True(t, ok)
	require.Equal(t, harvest.TaskCompleted, task.Status)
}

func TestUnreachableStoreReportsSpilledRecords(t *testing.T) {
	h := newHarness(t)
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	down := func(context.Context) (harvest.RecordStore, error) { return nil, errors.New("connection refused") }
	h.boundary = persist.New(down, files, system.New(), persist.Config{RetryInterval: time.Hour}, zap.NewNop())
	t.Cleanup(h.boundary.Close)

	l := &fakeLauncher{next: func(int) *fakeSession { return newFakeSession(uniqueRecords(2)) }}
	spec := harvest.RunSpec{Mode: harvest.ModeBounded, Duration: 40 * time.Millisecond, Profile: harvest.ProfileDesktop}

	w := New(fastConfig(), h.deps(l), Assignment{WorkerID: "w1", TaskID: "t1", Target: targetA, Spec: spec}, h.events)
	res := w.Run(context.Background())

	require.Equal(t, StateCompleted, res.State)
	require.Positive(t, res.Spilled)
	require.Equal(t, res.Counters.Extracted, res.Spilled)
	require.Zero(t, res.Counters.Persisted)
}
