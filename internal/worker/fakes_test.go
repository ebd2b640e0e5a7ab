package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/memstat"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/storage/local"
	"github.com/JakeFAU/adharvest/internal/storage/memory"
)

// fakeSession scripts an automation session.
type fakeSession struct {
	mu        sync.Mutex
	scrollErr error
	scan      func(n int) ([]harvest.Record, error)
	alive     bool
	scans     int
	nudges    int
	reloads   int
	navigated []string
	closed    bool
	pid       int
}

func newFakeSession(scan func(n int) ([]harvest.Record, error)) *fakeSession {
	return &fakeSession{scan: scan, alive: true}
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.navigated = append(s.navigated, url)
	return nil
}

func (s *fakeSession) Scroll(context.Context, int) (harvest.ScrollState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scrollErr != nil {
		return harvest.ScrollState{}, s.scrollErr
	}
	return harvest.ScrollState{Offset: 0, ViewportHeight: 800, ContentHeight: 5000}, nil
}

func (s *fakeSession) ScrollTo(context.Context, int) error { return nil }

func (s *fakeSession) Reload(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return nil
}

func (s *fakeSession) Nudge(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nudges++
	return nil
}

func (s *fakeSession) ScanPage(context.Context) ([]harvest.Record, error) {
	s.mu.Lock()
	s.scans++
	n := s.scans
	scan := s.scan
	s.mu.Unlock()
	if scan == nil {
		return nil, nil
	}
	return scan(n)
}

func (s *fakeSession) IsAlive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive && !s.closed
}

func (s *fakeSession) PID() int { return s.pid }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) counts() (nudges int, navigated []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nudges, append([]string(nil), s.navigated...)
}

// fakeLauncher hands out sessions from next; a nil session fails the launch.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	next     func(n int) *fakeSession
	sessions []*fakeSession
}

func (l *fakeLauncher) Launch(context.Context, harvest.Profile) (harvest.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	s := l.next(l.launches)
	if s == nil {
		return nil, errors.New("chrome failed to start")
	}
	l.sessions = append(l.sessions, s)
	return s, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// last returns the most recently launched session, or nil before the first launch.
func (l *fakeLauncher) last() *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.sessions) == 0 {
		return nil
	}
	return l.sessions[len(l.sessions)-1]
}

type fakeSampler struct {
	mu      sync.Mutex
	samples []memstat.Sample
	// browser is reported for any browser process tree.
	browser uint64
	pids    []int
}

func (f *fakeSampler) TreeRSS(pid int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pids = append(f.pids, pid)
	return f.browser, nil
}

func (f *fakeSampler) Sample() (memstat.Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.samples) == 1 {
		return f.samples[0], nil
	}
	s := f.samples[0]
	f.samples = f.samples[1:]
	return s, nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sess-%d", g.n), nil
}

type recordingSleep struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

// uniqueRecords yields n fresh records per scan.
func uniqueRecords(n int) func(int) ([]harvest.Record, error) {
	return func(scan int) ([]harvest.Record, error) {
		out := make([]harvest.Record, n)
		for i := range out {
			out[i] = harvest.Record{
				Advertiser: "Acme",
				Headline:   fmt.Sprintf("offer %d-%d", scan, i),
				Body:       "body",
			}
		}
		return out, nil
	}
}

func sameRecord(int) ([]harvest.Record, error) {
	return []harvest.Record{{Advertiser: "Acme", Headline: "always", Body: "the same"}}, nil
}

type harness struct {
	store       *memory.RecordStore
	boundary    *persist.Boundary
	checkpoints *checkpoint.Store
	events      chan Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := memory.NewRecordStore()
	open := func(context.Context) (harvest.RecordStore, error) { return store, nil }
	return &harness{
		store:       store,
		boundary:    persist.New(open, files, system.New(), persist.Config{}, zap.NewNop()),
		checkpoints: checkpoint.New(files),
		events:      make(chan Event, 4096),
	}
}

func (h *harness) deps(l harvest.Launcher) Deps {
	return Deps{
		Launcher:    l,
		Boundary:    h.boundary,
		Checkpoints: h.checkpoints,
		IDs:         &seqIDs{},
		Rand:        rand.New(rand.NewPCG(1, 2)),
		Logger:      zap.NewNop(),
	}
}

func (h *harness) states() []State {
	var out []State
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == EventState {
				out = append(out, ev.State)
			}
		default:
			return out
		}
	}
}

func fastConfig() Config {
	return Config{
		CycleInterval:        time.Millisecond,
		ScrollMin:            100,
		ScrollMax:            200,
		CheckpointEvery:      5,
		ReloadInterval:       time.Hour,
		StuckNudgeAfter:      3,
		StuckRotateAfter:     6,
		DedupCap:             100,
		DedupShrinkTo:        10,
		RecentCap:            10,
		MaxConsecutiveErrors: 3,
		LaunchAttempts:       3,
		LaunchBackoff:        time.Millisecond,
		ReconnectAttempts:    3,
		ReconnectInitial:     10 * time.Millisecond,
		ReconnectMax:         40 * time.Millisecond,
		SampleEvery:          1000,
		DrainTimeout:         2 * time.Second,
	}
}
