package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/adharvest/internal/checkpoint"
	"github.com/JakeFAU/adharvest/internal/clock/system"
	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/logging"
	"github.com/JakeFAU/adharvest/internal/persist"
	"github.com/JakeFAU/adharvest/internal/rotation"
	"github.com/JakeFAU/adharvest/internal/storage/local"
	"github.com/JakeFAU/adharvest/internal/storage/memory"
	"github.com/JakeFAU/adharvest/internal/worker"
)

var testTargets = []harvest.Target{
	{URL: "https://a.example.com"},
	{URL: "https://b.example.com"},
	{URL: "https://c.example.com"},
}

type fakeSession struct {
	l      *fakeLauncher
	mu     sync.Mutex
	scans  int
	closed bool
}

func (s *fakeSession) Navigate(_ context.Context, url string) error {
	s.l.mu.Lock()
	s.l.navigated = append(s.l.navigated, url)
	s.l.mu.Unlock()
	return nil
}

func (s *fakeSession) Scroll(context.Context, int) (harvest.ScrollState, error) {
	return harvest.ScrollState{Offset: 0, ViewportHeight: 800, ContentHeight: 5000}, nil
}

func (s *fakeSession) ScrollTo(context.Context, int) error { return nil }
func (s *fakeSession) Reload(context.Context) error        { return nil }
func (s *fakeSession) Nudge(context.Context) error         { return nil }

func (s *fakeSession) ScanPage(context.Context) ([]harvest.Record, error) {
	if !s.l.produce {
		return nil, nil
	}
	s.mu.Lock()
	s.scans++
	n := s.scans
	s.mu.Unlock()
	id := s.l.serial.Add(1)
	return []harvest.Record{{Advertiser: "Acme", Headline: fmt.Sprintf("offer %d-%d", id, n), Body: "body"}}, nil
}

func (s *fakeSession) IsAlive(context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// fakeLauncher fails the first failFirst launches and records navigations.
type fakeLauncher struct {
	produce   bool
	failFirst int
	serial    atomic.Int64

	mu        sync.Mutex
	launches  int
	navigated []string
}

func (l *fakeLauncher) Launch(context.Context, harvest.Profile) (harvest.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.launches <= l.failFirst {
		return nil, errors.New("chrome failed to start")
	}
	return &fakeSession{l: l}, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) navigations() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.navigated...)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id%d", g.n), nil
}

type harness struct {
	files    *local.Store
	store    *memory.RecordStore
	rotation *rotation.Manager
	ring     *logging.Ring
	deps     Deps
}

func newHarness(t *testing.T, l harvest.Launcher) *harness {
	t.Helper()
	files, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	store := memory.NewRecordStore()
	open := func(context.Context) (harvest.RecordStore, error) { return store, nil }
	rot, err := rotation.New(testTargets, rotation.Config{})
	require.NoError(t, err)
	ring := logging.NewRing(4096)
	logger := zap.New(ring.Core(zapcore.DebugLevel))
	clock := system.New()

	return &harness{
		files:    files,
		store:    store,
		rotation: rot,
		ring:     ring,
		deps: Deps{
			Worker: fastWorker(),
			Workers: worker.Deps{
				Launcher:    l,
				Boundary:    persist.New(open, files, clock, persist.Config{}, logger),
				Checkpoints: checkpoint.New(files),
				IDs:         &seqIDs{},
			},
			Targets: rot,
			Files:   files,
			IDs:     &seqIDs{},
			Clock:   clock,
			Ring:    ring,
			Logger:  logger,
		},
	}
}

func fastWorker() worker.Config {
	return worker.Config{
		CycleInterval:        2 * time.Millisecond,
		ScrollMin:            100,
		ScrollMax:            200,
		CheckpointEvery:      5,
		ReloadInterval:       time.Hour,
		StuckNudgeAfter:      1000,
		StuckRotateAfter:     2000,
		DedupCap:             1000,
		DedupShrinkTo:        100,
		RecentCap:            10,
		MaxConsecutiveErrors: 3,
		LaunchAttempts:       3,
		LaunchBackoff:        time.Millisecond,
		ReconnectAttempts:    2,
		ReconnectInitial:     time.Millisecond,
		ReconnectMax:         2 * time.Millisecond,
		SampleEvery:          1000,
		DrainTimeout:         time.Second,
	}
}

func fastPool() Config {
	return Config{
		MaxSize:        10,
		RestartDelay:   5 * time.Millisecond,
		HealthInterval: time.Hour,
		StopGrace:      2 * time.Second,
		EventBuffer:    64,
	}
}
